/*
Package health decides whether the daemon may talk to the entity store.

A Monitor owns a fixed list of named Checkers:

	directories  DirectoryChecker   incoming, staging, store and recovery
	                                directories accept new files
	disk         DiskSpaceChecker   the store share has enough free space
	store        StoreChecker       the entity store answers Ping

Ready runs every check immediately and fails if any of them fails. The
registration runner and the recovery driver call WaitUntilReady before each
remote step, so a registration is parked rather than failed while the
application server is down.

The background loop (Start/Stop) runs the same checks every Config.Interval
and publishes each result to metrics.UpdateComponent, which backs the
/components endpoint. Ready and the loop share one Status per check.
*/
package health
