/*
Package checkpoint persists registration attempts to recovery markers.

A marker lives at <recovery dir>/<incoming name>.recovery and holds a JSON
Checkpoint: the recovery stage reached, the registration id, the try count
and last try time, the incoming unit, the mutations, a snapshot of the
rollback stack and the persistent map. Markers are written atomically
(temporary file, fsync, rename).

Abandoned attempts keep their marker under a .ERROR suffix so operators can
inspect it; the unit stays excluded from automatic processing until the
file is removed by hand.
*/
package checkpoint
