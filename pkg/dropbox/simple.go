package dropbox

import (
	"context"
	"strings"
)

// Simple registers the whole incoming unit as one data set. If the unit
// name has the form SAMPLE_rest, the data set is attached to sample
// /SAMPLE.
type Simple struct {
	Base
	DataSetType string
}

func (s *Simple) Process(ctx context.Context, tr Transaction) error {
	incoming := tr.Incoming()

	ds, err := tr.CreateNewDataSet(s.DataSetType)
	if err != nil {
		return err
	}
	if _, err := tr.MoveFile(incoming.Path(), ds); err != nil {
		return err
	}

	ds.Properties["ORIGINAL_NAME"] = incoming.Name
	if prefix, _, ok := strings.Cut(incoming.Name, "_"); ok && prefix != "" {
		ds.SampleIdentifier = "/" + prefix
	}

	count, _ := tr.Context().PersistentMap.Get("processed")
	n, _ := count.(float64)
	return tr.Context().PersistentMap.Put("processed", n+1)
}
