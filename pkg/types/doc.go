/*
Package types defines the data structures shared by the dropboxd
registration pipeline.

# Core Types

Incoming side:
  - IncomingUnit: the file or directory dropped into the incoming
    directory, plus the prestaged copy a registration works on

Remote side:
  - RegistrationID: handle for asking the entity store whether a
    registration committed
  - Mutations: data sets, samples and experiments registered atomically
  - EntityOperationsState: NO_OPERATION, IN_PROGRESS, OPERATION_SUCCEEDED

Recovery:
  - RecoveryStage: PRECOMMIT < POST_REGISTRATION_HOOK_EXECUTED <
    STORAGE_COMPLETED; the last checkpoint an attempt reached
  - RunnerState: live progress of the storage algorithm runner
  - ErrorType and UnstoreDataAction: rollback classification and what to
    do with the incoming file afterwards

All types serialize to JSON; recovery markers and the remote store ledger
depend on those encodings staying stable.
*/
package types
