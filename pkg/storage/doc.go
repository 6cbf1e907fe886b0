/*
Package storage provides the indexed key/value store every durable
CNAPI record goes through, backed by BoltDB.

Objects are JSON documents stored in named buckets (cnapi_servers,
cnapi_status, cnapi_waitlist_tickets, cnapi_tasks). Each object carries
a server-assigned etag, regenerated on every write, which callers pass
back as a precondition to detect concurrent modification:

	var server types.Server
	etag, err := store.GetObject(storage.BucketServers, uuid, &server)
	...
	_, err = store.PutObject(storage.BucketServers, uuid, &server,
		storage.PutOptions{Etag: etag})
	if errors.Is(err, storage.ErrEtagConflict) {
		// someone else wrote first; re-read and retry
	}

Queries use typed filter predicates evaluated against the decoded
object:

	pending := storage.And(
		storage.Eq("server_uuid", serverUUID),
		storage.Or(
			storage.Eq("status", "queued"),
			storage.Eq("status", "active"),
		),
	)
	objs, err := store.FindObjects(storage.BucketTickets, pending,
		storage.FindOptions{Sort: "created_at"})

Batch applies a set of put/delete operations inside one BoltDB write
transaction: either every operation commits or, if any etag or
uniqueness precondition fails, none do. The waitlist uses this to
retire one ticket and activate its successor without any observer
seeing two active tickets.

Filtering and sorting decode objects and evaluate predicates in
process. The bucket cardinalities here (one object per server, ticket,
or task) keep full-bucket scans cheap; secondary index structures can
be added behind FindObjects if a deployment outgrows that.
*/
package storage
