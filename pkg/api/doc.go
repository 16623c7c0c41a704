/*
Package api serves the operator HTTP endpoints of dropboxd.

	GET /health    liveness, always 200 while the process runs
	GET /ready     runs the readiness checks (directories, disk, entity
	               store); 503 while any check fails
	GET /metrics   Prometheus metrics
	GET /markers   active and quarantined recovery markers as JSON

ListMarkers is shared with the "dropboxd markers" command, so the CLI and the
endpoint describe markers the same way.
*/
package api
