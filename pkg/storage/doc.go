/*
Package storage provides the BoltDB-backed entity store ledger.

BoltStore is the reference application server behind the remote.EntityStore
interface. It runs embedded in the daemon when no remote address is
configured, or behind remote.Server via "dropboxd store serve".

# Buckets

	registrations  big-endian registration id -> types.Registration
	               (the bucket sequence hands out registration ids)
	datasets       data set code -> types.DataSetRecord
	               (the bucket sequence numbers new data set codes)
	samples        sample identifier -> types.SampleMutation
	experiments    experiment identifier -> types.ExperimentMutation

All values are JSON. RegisterMetadata applies a whole registration in one
bbolt transaction, so DidEntityOperationsSucceed can only ever see all or
nothing of it.
*/
package storage
