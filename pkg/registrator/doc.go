/*
Package registrator runs data set registration attempts and recovers the
ones that were interrupted.

A Service takes one incoming unit through the storage algorithm:

	Process          the dropbox program stages data sets and mutations
	precommit        staged data sets move to the precommit directory
	pre-registration hook, then a registration id is drawn
	PRECOMMIT        first recovery checkpoint
	RegisterMetadata with status queries and bounded retries
	post-registration hook, POST_REGISTRATION_HOOK_EXECUTED checkpoint
	CommitAndStore   precommit -> store, STORAGE_COMPLETED checkpoint
	confirm          storage confirmation, marker and stack removed

Every filesystem effect is pushed onto a persisted rollback stack before it
happens. Until the PRECOMMIT checkpoint a failure rolls the attempt back and
applies the configured unstore action to the incoming unit. After it, the
stack is locked and the attempt is left to the RecoveryDriver, which asks
the entity store what became of the registration id and either completes
or rolls back the attempt. Attempts that keep failing are quarantined.
*/
package registrator
