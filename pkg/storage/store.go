package storage

import (
	"encoding/json"
)

// Bucket names used by CNAPI
const (
	BucketServers = "cnapi_servers"
	BucketStatus  = "cnapi_status"
	BucketTickets = "cnapi_waitlist_tickets"
	BucketTasks   = "cnapi_tasks"
)

// PutOptions carries write preconditions. The zero value is an
// unconditional write.
type PutOptions struct {
	// Etag, when non-empty, requires the stored object's etag to match
	Etag string

	// MustNotExist requires the key to be unoccupied
	MustNotExist bool
}

// FindOptions controls FindObjects result shaping
type FindOptions struct {
	// Sort names the object field to order by; empty means key order.
	// Ties are broken by object key so ordering is total.
	Sort       string
	Descending bool
	Limit      int
	Offset     int
}

// BatchKind discriminates batch operations
type BatchKind string

const (
	BatchPut    BatchKind = "put"
	BatchDelete BatchKind = "delete"
)

// BatchOp is one operation in an atomic multi-key batch
type BatchOp struct {
	Kind    BatchKind
	Bucket  string
	Key     string
	Value   interface{}
	Options PutOptions
}

// RawObject is one stored object returned from a query
type RawObject struct {
	Key  string
	Etag string
	Data []byte
}

// Decode unmarshals the object's value
func (o *RawObject) Decode(out interface{}) error {
	return json.Unmarshal(o.Data, out)
}

// Store is the indexed key/value store every durable CNAPI record goes
// through. Writes are serialized by per-object etags; Batch commits all
// of its operations atomically or none of them.
type Store interface {
	// GetObject reads the object under key into out and returns its
	// etag. Returns ErrNotFound when the key is unoccupied.
	GetObject(bucket, key string, out interface{}) (string, error)

	// PutObject writes value under key subject to opts and returns the
	// object's new etag. Returns ErrEtagConflict or ErrUniqueConflict
	// when a precondition fails.
	PutObject(bucket, key string, value interface{}, opts PutOptions) (string, error)

	// DeleteObject removes the object under key. Returns ErrNotFound
	// when the key is unoccupied.
	DeleteObject(bucket, key string) error

	// DeleteMany removes every object matching the filter and returns
	// the number removed.
	DeleteMany(bucket string, f Filter) (int, error)

	// FindObjects returns the objects matching the filter, shaped by
	// opts. A nil filter matches everything.
	FindObjects(bucket string, f Filter, opts FindOptions) ([]RawObject, error)

	// CountObjects returns the number of objects matching the filter
	CountObjects(bucket string, f Filter) (int, error)

	// Batch applies the operations in one atomic commit. If any
	// precondition fails the whole batch is rolled back and the
	// precondition's error is returned.
	Batch(ops []BatchOp) error

	// Close releases the store
	Close() error
}
