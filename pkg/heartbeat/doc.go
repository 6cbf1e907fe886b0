/*
Package heartbeat tracks compute node liveness.

The Registry is the process-local record of servers that have
heartbeated at this replica. The Reconciler runs on a fixed period and
pushes registry observations into the shared store: it maintains one
status row per server, keyed by whichever replica holds the newest
heartbeat, and flips the server's status between running and unknown.

Replica coordination happens entirely through etag-guarded writes of
the status rows. When a reconciler reads a row carrying a newer
heartbeat than its own observation, another replica has taken the
server over and the local entry is dropped. No other consensus
machinery is involved; status rows are never deleted by the
reconciler.
*/
package heartbeat
