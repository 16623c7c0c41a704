package types

import (
	"fmt"
	"time"
)

// RegistrationID is the handle the remote entity store hands out before a
// metadata registration. Zero means "not drawn yet".
type RegistrationID int64

// IsSet reports whether a registration id has been drawn
func (id RegistrationID) IsSet() bool {
	return id > 0
}

// IncomingUnit is the filesystem artifact being registered
type IncomingUnit struct {
	// Name is the base name of the file or directory in the incoming directory
	Name string `json:"name"`
	// RealPath is the original location in the incoming directory
	RealPath string `json:"real_path"`
	// LogicalPath is the copy the registration works on. It equals RealPath
	// when prestaging is disabled.
	LogicalPath string `json:"logical_path"`
}

// Path is the location the registration reads from
func (u IncomingUnit) Path() string {
	if u.LogicalPath != "" {
		return u.LogicalPath
	}
	return u.RealPath
}

// IsPrestaged reports whether the registration works on a prestaged copy
func (u IncomingUnit) IsPrestaged() bool {
	return u.LogicalPath != "" && u.LogicalPath != u.RealPath
}

// RecoveryStage is the last checkpoint an attempt durably reached. Stages are
// totally ordered and recovery only ever moves forward through them.
type RecoveryStage string

const (
	RecoveryStagePrecommit                    RecoveryStage = "PRECOMMIT"
	RecoveryStagePostRegistrationHookExecuted RecoveryStage = "POST_REGISTRATION_HOOK_EXECUTED"
	RecoveryStageStorageCompleted             RecoveryStage = "STORAGE_COMPLETED"
)

var recoveryStageOrder = map[RecoveryStage]int{
	RecoveryStagePrecommit:                    1,
	RecoveryStagePostRegistrationHookExecuted: 2,
	RecoveryStageStorageCompleted:             3,
}

// Valid reports whether s is a known stage
func (s RecoveryStage) Valid() bool {
	_, ok := recoveryStageOrder[s]
	return ok
}

// Before reports whether s strictly precedes other
func (s RecoveryStage) Before(other RecoveryStage) bool {
	return recoveryStageOrder[s] < recoveryStageOrder[other]
}

// BeforeOrEqual reports whether s precedes or equals other
func (s RecoveryStage) BeforeOrEqual(other RecoveryStage) bool {
	return recoveryStageOrder[s] <= recoveryStageOrder[other]
}

// RunnerState is the live state of the storage algorithm runner
type RunnerState string

const (
	RunnerStateStaging                      RunnerState = "STAGING"
	RunnerStateMetadataRegistered           RunnerState = "METADATA_REGISTERED"
	RunnerStatePostRegistrationHookExecuted RunnerState = "POST_REGISTRATION_HOOK_EXECUTED"
	RunnerStateStorageCommitted             RunnerState = "STORAGE_COMMITTED"
	RunnerStateStorageConfirmed             RunnerState = "STORAGE_CONFIRMED"
	RunnerStateCleanedUp                    RunnerState = "CLEANED_UP"
	RunnerStateRolledBack                   RunnerState = "ROLLED_BACK"
	RunnerStateRecoveryPending              RunnerState = "RECOVERY_PENDING"
	RunnerStateInterrupted                  RunnerState = "INTERRUPTED"
)

// EntityOperationsState is the remote store's answer to "did the entity
// operations for this registration id succeed".
type EntityOperationsState string

const (
	EntityOperationsNoOperation EntityOperationsState = "NO_OPERATION"
	EntityOperationsInProgress  EntityOperationsState = "IN_PROGRESS"
	EntityOperationsSucceeded   EntityOperationsState = "OPERATION_SUCCEEDED"
)

// ErrorType classifies why a registration was rolled back
type ErrorType string

const (
	ErrorTypeInvalidDataSet             ErrorType = "INVALID_DATA_SET"
	ErrorTypeRegistrationScriptError    ErrorType = "REGISTRATION_SCRIPT_ERROR"
	ErrorTypeStorageProcessorError      ErrorType = "STORAGE_PROCESSOR_ERROR"
	ErrorTypePreRegistrationError       ErrorType = "PRE_REGISTRATION_ERROR"
	ErrorTypeOpenbisRegistrationFailure ErrorType = "OPENBIS_REGISTRATION_FAILURE"
	ErrorTypePostRegistrationError      ErrorType = "POST_REGISTRATION_ERROR"
)

// UnstoreDataAction is what happens to the original incoming file after a
// rollback
type UnstoreDataAction string

const (
	UnstoreLeaveUntouched UnstoreDataAction = "LEAVE_UNTOUCHED"
	UnstoreMoveToError    UnstoreDataAction = "MOVE_TO_ERROR"
	UnstoreDelete         UnstoreDataAction = "DELETE"
)

// ParseUnstoreDataAction parses a configured action name
func ParseUnstoreDataAction(s string) (UnstoreDataAction, error) {
	switch a := UnstoreDataAction(s); a {
	case UnstoreLeaveUntouched, UnstoreMoveToError, UnstoreDelete:
		return a, nil
	}
	return "", fmt.Errorf("unknown unstore data action: %q", s)
}

// Outcome is the terminal result of a registration attempt as seen by the
// caller that started it
type Outcome string

const (
	OutcomeCommitted       Outcome = "committed"
	OutcomeRolledBack      Outcome = "rolled_back"
	OutcomeRecoveryPending Outcome = "recovery_pending"
	OutcomeAbandoned       Outcome = "abandoned"
	// OutcomeInterrupted means the attempt stopped on shutdown and was left
	// for startup cleanup or the recovery driver
	OutcomeInterrupted Outcome = "interrupted"
)

// MutationOp says whether an entity is created or updated
type MutationOp string

const (
	MutationCreate MutationOp = "create"
	MutationUpdate MutationOp = "update"
)

// NewDataSet describes a data set to be registered
type NewDataSet struct {
	Code                 string            `json:"code"`
	Type                 string            `json:"type"`
	SampleIdentifier     string            `json:"sample_identifier,omitempty"`
	ExperimentIdentifier string            `json:"experiment_identifier,omitempty"`
	ParentCodes          []string          `json:"parent_codes,omitempty"`
	Properties           map[string]string `json:"properties,omitempty"`
	// StagingPath is where the data set contents are assembled before commit
	StagingPath string `json:"staging_path"`
	// Files maps a relative path inside the data set to its SHA-256 checksum
	Files map[string]string `json:"files,omitempty"`
}

// SampleMutation creates or updates a sample
type SampleMutation struct {
	Op                   MutationOp        `json:"op"`
	Identifier           string            `json:"identifier"`
	Type                 string            `json:"type,omitempty"`
	ExperimentIdentifier string            `json:"experiment_identifier,omitempty"`
	Properties           map[string]string `json:"properties,omitempty"`
}

// ExperimentMutation creates or updates an experiment
type ExperimentMutation struct {
	Op         MutationOp        `json:"op"`
	Identifier string            `json:"identifier"`
	Type       string            `json:"type,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Mutations is everything one registration attempt asks the remote store to
// record atomically
type Mutations struct {
	DataSets    []*NewDataSet         `json:"data_sets,omitempty"`
	Samples     []*SampleMutation     `json:"samples,omitempty"`
	Experiments []*ExperimentMutation `json:"experiments,omitempty"`
}

// IsEmpty reports whether there is nothing to register
func (m *Mutations) IsEmpty() bool {
	return m == nil || len(m.DataSets)+len(m.Samples)+len(m.Experiments) == 0
}

// DataSetCodes returns the codes of all data sets in registration order
func (m *Mutations) DataSetCodes() []string {
	if m == nil {
		return nil
	}
	codes := make([]string, 0, len(m.DataSets))
	for _, ds := range m.DataSets {
		codes = append(codes, ds.Code)
	}
	return codes
}

// Registration is the remote store's record of one registration id
type Registration struct {
	ID           RegistrationID        `json:"id"`
	State        EntityOperationsState `json:"state"`
	Mutations    *Mutations            `json:"mutations,omitempty"`
	RegisteredAt time.Time             `json:"registered_at,omitempty"`
}

// DataSetRecord is the remote store's record of a registered data set
type DataSetRecord struct {
	Code             string            `json:"code"`
	Type             string            `json:"type"`
	RegistrationID   RegistrationID    `json:"registration_id"`
	SampleIdentifier string            `json:"sample_identifier,omitempty"`
	Properties       map[string]string `json:"properties,omitempty"`
	StorageConfirmed bool              `json:"storage_confirmed"`
	RegisteredAt     time.Time         `json:"registered_at"`
	ConfirmedAt      time.Time         `json:"confirmed_at,omitempty"`
}
