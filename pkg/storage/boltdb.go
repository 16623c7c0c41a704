package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/openbis/dropboxd/pkg/remote"
	"github.com/openbis/dropboxd/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketRegistrations = []byte("registrations")
	bucketDataSets      = []byte("datasets")
	bucketSamples       = []byte("samples")
	bucketExperiments   = []byte("experiments")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "entities.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketRegistrations,
			bucketDataSets,
			bucketSamples,
			bucketExperiments,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func idKey(id types.RegistrationID) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

// DrawRegistrationID reserves the next registration id
func (s *BoltStore) DrawRegistrationID(ctx context.Context) (types.RegistrationID, error) {
	var id types.RegistrationID
	err := s.db.Update(func(tx *bolt.Tx) error {
		seq, err := tx.Bucket(bucketRegistrations).NextSequence()
		if err != nil {
			return err
		}
		id = types.RegistrationID(seq)
		return nil
	})
	return id, err
}

// CreateDataSetCode returns a code of the form <timestamp>-<sequence>
func (s *BoltStore) CreateDataSetCode(ctx context.Context) (string, error) {
	var code string
	err := s.db.Update(func(tx *bolt.Tx) error {
		seq, err := tx.Bucket(bucketDataSets).NextSequence()
		if err != nil {
			return err
		}
		code = fmt.Sprintf("%s-%d", s.now().UTC().Format("20060102150405000"), seq)
		return nil
	})
	return code, err
}

// RegisterMetadata records all mutations under id in a single transaction
func (s *BoltStore) RegisterMetadata(ctx context.Context, id types.RegistrationID, mutations *types.Mutations) error {
	if mutations == nil {
		mutations = &types.Mutations{}
	}
	now := s.now().UTC()

	return s.db.Update(func(tx *bolt.Tx) error {
		regs := tx.Bucket(bucketRegistrations)
		if uint64(id) == 0 || uint64(id) > regs.Sequence() {
			return fmt.Errorf("registration id %d was never drawn", id)
		}
		if regs.Get(idKey(id)) != nil {
			return remote.ErrDuplicateRegistration
		}

		if err := putExperiments(tx, mutations.Experiments); err != nil {
			return err
		}
		if err := putSamples(tx, id, mutations.Samples); err != nil {
			return err
		}

		dataSets := tx.Bucket(bucketDataSets)
		for _, ds := range mutations.DataSets {
			if dataSets.Get([]byte(ds.Code)) != nil {
				return fmt.Errorf("data set already exists: %s", ds.Code)
			}
			record := types.DataSetRecord{
				Code:             ds.Code,
				Type:             ds.Type,
				RegistrationID:   id,
				SampleIdentifier: ds.SampleIdentifier,
				Properties:       ds.Properties,
				RegisteredAt:     now,
			}
			data, err := json.Marshal(record)
			if err != nil {
				return err
			}
			if err := dataSets.Put([]byte(ds.Code), data); err != nil {
				return err
			}
		}

		reg := types.Registration{
			ID:           id,
			State:        types.EntityOperationsSucceeded,
			Mutations:    mutations,
			RegisteredAt: now,
		}
		data, err := json.Marshal(reg)
		if err != nil {
			return err
		}
		return regs.Put(idKey(id), data)
	})
}

func putExperiments(tx *bolt.Tx, experiments []*types.ExperimentMutation) error {
	b := tx.Bucket(bucketExperiments)
	for _, exp := range experiments {
		key := []byte(exp.Identifier)
		existing := b.Get(key)

		var record types.ExperimentMutation
		switch exp.Op {
		case types.MutationCreate:
			if existing != nil {
				return fmt.Errorf("experiment already exists: %s", exp.Identifier)
			}
			record = *exp
		case types.MutationUpdate:
			if existing == nil {
				return fmt.Errorf("experiment not found: %s", exp.Identifier)
			}
			if err := json.Unmarshal(existing, &record); err != nil {
				return err
			}
			record.Properties = mergeProperties(record.Properties, exp.Properties)
		default:
			return fmt.Errorf("unknown mutation %q for experiment %s", exp.Op, exp.Identifier)
		}

		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
	}
	return nil
}

func putSamples(tx *bolt.Tx, id types.RegistrationID, samples []*types.SampleMutation) error {
	b := tx.Bucket(bucketSamples)
	experiments := tx.Bucket(bucketExperiments)
	for _, sample := range samples {
		key := []byte(sample.Identifier)
		existing := b.Get(key)

		var record types.SampleMutation
		switch sample.Op {
		case types.MutationCreate:
			if existing != nil {
				return fmt.Errorf("sample already exists: %s", sample.Identifier)
			}
			if sample.ExperimentIdentifier != "" && experiments.Get([]byte(sample.ExperimentIdentifier)) == nil {
				return fmt.Errorf("experiment not found: %s", sample.ExperimentIdentifier)
			}
			record = *sample
		case types.MutationUpdate:
			if existing == nil {
				return fmt.Errorf("sample not found: %s", sample.Identifier)
			}
			if err := json.Unmarshal(existing, &record); err != nil {
				return err
			}
			record.Properties = mergeProperties(record.Properties, sample.Properties)
		default:
			return fmt.Errorf("unknown mutation %q for sample %s", sample.Op, sample.Identifier)
		}

		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
	}
	return nil
}

func mergeProperties(base, updates map[string]string) map[string]string {
	if len(updates) == 0 {
		return base
	}
	out := make(map[string]string, len(base)+len(updates))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range updates {
		out[k] = v
	}
	return out
}

// DidEntityOperationsSucceed reports whether id was registered
func (s *BoltStore) DidEntityOperationsSucceed(ctx context.Context, id types.RegistrationID) (types.EntityOperationsState, error) {
	state := types.EntityOperationsNoOperation
	err := s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketRegistrations).Get(idKey(id)) != nil {
			state = types.EntityOperationsSucceeded
		}
		return nil
	})
	return state, err
}

// ConfirmStorage flags a data set as stored
func (s *BoltStore) ConfirmStorage(ctx context.Context, code string) (bool, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDataSets)
		data := b.Get([]byte(code))
		if data == nil {
			return fmt.Errorf("data set %s: %w", code, remote.ErrNotFound)
		}
		var record types.DataSetRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		if record.StorageConfirmed {
			return nil
		}
		record.StorageConfirmed = true
		record.ConfirmedAt = s.now().UTC()
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put([]byte(code), data)
	})
	return err == nil, err
}

// Ping checks the database is usable
func (s *BoltStore) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error { return nil })
}

// GetRegistration returns the record of a registration id
func (s *BoltStore) GetRegistration(id types.RegistrationID) (*types.Registration, error) {
	var reg types.Registration
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRegistrations).Get(idKey(id))
		if data == nil {
			return fmt.Errorf("registration not found: %d: %w", id, remote.ErrNotFound)
		}
		return json.Unmarshal(data, &reg)
	})
	return &reg, err
}

// ListRegistrations returns every registration in id order
func (s *BoltStore) ListRegistrations() ([]*types.Registration, error) {
	var regs []*types.Registration
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRegistrations).ForEach(func(k, v []byte) error {
			var reg types.Registration
			if err := json.Unmarshal(v, &reg); err != nil {
				return err
			}
			regs = append(regs, &reg)
			return nil
		})
	})
	return regs, err
}

// GetDataSet returns a registered data set
func (s *BoltStore) GetDataSet(code string) (*types.DataSetRecord, error) {
	var record types.DataSetRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDataSets).Get([]byte(code))
		if data == nil {
			return fmt.Errorf("data set not found: %s: %w", code, remote.ErrNotFound)
		}
		return json.Unmarshal(data, &record)
	})
	return &record, err
}

// ListDataSets returns every registered data set
func (s *BoltStore) ListDataSets() ([]*types.DataSetRecord, error) {
	var records []*types.DataSetRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDataSets).ForEach(func(k, v []byte) error {
			var record types.DataSetRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, &record)
			return nil
		})
	})
	return records, err
}

// GetSample returns a registered sample
func (s *BoltStore) GetSample(identifier string) (*types.SampleMutation, error) {
	var record types.SampleMutation
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSamples).Get([]byte(identifier))
		if data == nil {
			return fmt.Errorf("sample not found: %s: %w", identifier, remote.ErrNotFound)
		}
		return json.Unmarshal(data, &record)
	})
	return &record, err
}
