package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var allBuckets = []string{
	BucketServers,
	BucketStatus,
	BucketTickets,
	BucketTasks,
}

// envelope wraps every stored object with its server-assigned etag
type envelope struct {
	Etag  string          `json:"etag"`
	Value json.RawMessage `json:"value"`
}

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) the CNAPI database under
// dataDir and ensures all buckets exist
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "cnapi.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) GetObject(bucket, key string, out interface{}) (string, error) {
	var etag string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("no such bucket: %s", bucket)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("corrupt object %s/%s: %w", bucket, key, err)
		}
		etag = env.Etag
		if out == nil {
			return nil
		}
		return json.Unmarshal(env.Value, out)
	})
	return etag, err
}

func (s *BoltStore) PutObject(bucket, key string, value interface{}, opts PutOptions) (string, error) {
	var etag string
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		etag, err = putInTx(tx, bucket, key, value, opts)
		return err
	})
	return etag, err
}

func (s *BoltStore) DeleteObject(bucket, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return deleteInTx(tx, bucket, key, PutOptions{})
	})
}

func (s *BoltStore) DeleteMany(bucket string, f Filter) (int, error) {
	var deleted int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("no such bucket: %s", bucket)
		}

		// Collect keys first: bolt cursors do not tolerate deletion
		// of the current key mid-iteration.
		var keys [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			obj, err := decodeForMatch(v)
			if err != nil {
				return fmt.Errorf("corrupt object %s/%s: %w", bucket, k, err)
			}
			if f == nil || f.Matches(obj) {
				keys = append(keys, bytes.Clone(k))
			}
		}

		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

func (s *BoltStore) FindObjects(bucket string, f Filter, opts FindOptions) ([]RawObject, error) {
	type matched struct {
		raw RawObject
		obj map[string]interface{}
	}
	var results []matched

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("no such bucket: %s", bucket)
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var env envelope
			if err := json.Unmarshal(v, &env); err != nil {
				return fmt.Errorf("corrupt object %s/%s: %w", bucket, k, err)
			}
			var obj map[string]interface{}
			if err := json.Unmarshal(env.Value, &obj); err != nil {
				return fmt.Errorf("corrupt object %s/%s: %w", bucket, k, err)
			}
			if f != nil && !f.Matches(obj) {
				continue
			}
			results = append(results, matched{
				raw: RawObject{
					Key:  string(k),
					Etag: env.Etag,
					Data: bytes.Clone(env.Value),
				},
				obj: obj,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if opts.Sort != "" {
		field := opts.Sort
		sort.SliceStable(results, func(i, j int) bool {
			cmp := compareSortValues(results[i].obj[field], results[j].obj[field])
			if cmp == 0 {
				cmp = bytes.Compare([]byte(results[i].raw.Key), []byte(results[j].raw.Key))
			}
			if opts.Descending {
				return cmp > 0
			}
			return cmp < 0
		})
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			results = nil
		} else {
			results = results[opts.Offset:]
		}
	}
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}

	out := make([]RawObject, len(results))
	for i, m := range results {
		out[i] = m.raw
	}
	return out, nil
}

func (s *BoltStore) CountObjects(bucket string, f Filter) (int, error) {
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("no such bucket: %s", bucket)
		}
		return b.ForEach(func(k, v []byte) error {
			obj, err := decodeForMatch(v)
			if err != nil {
				return fmt.Errorf("corrupt object %s/%s: %w", bucket, k, err)
			}
			if f == nil || f.Matches(obj) {
				count++
			}
			return nil
		})
	})
	return count, err
}

// Batch applies all operations inside a single bolt write transaction,
// which gives the atomic multi-key commit the waitlist's activation
// protocol relies on.
func (s *BoltStore) Batch(ops []BatchOp) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, op := range ops {
			switch op.Kind {
			case BatchPut:
				if _, err := putInTx(tx, op.Bucket, op.Key, op.Value, op.Options); err != nil {
					return err
				}
			case BatchDelete:
				if err := deleteInTx(tx, op.Bucket, op.Key, op.Options); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown batch operation: %q", op.Kind)
			}
		}
		return nil
	})
}

func putInTx(tx *bolt.Tx, bucket, key string, value interface{}, opts PutOptions) (string, error) {
	b := tx.Bucket([]byte(bucket))
	if b == nil {
		return "", fmt.Errorf("no such bucket: %s", bucket)
	}

	existing := b.Get([]byte(key))
	if opts.MustNotExist && existing != nil {
		return "", ErrUniqueConflict
	}
	if opts.Etag != "" {
		if existing == nil {
			return "", ErrEtagConflict
		}
		var env envelope
		if err := json.Unmarshal(existing, &env); err != nil {
			return "", fmt.Errorf("corrupt object %s/%s: %w", bucket, key, err)
		}
		if env.Etag != opts.Etag {
			return "", ErrEtagConflict
		}
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to encode object %s/%s: %w", bucket, key, err)
	}
	etag := uuid.NewString()
	data, err := json.Marshal(envelope{Etag: etag, Value: raw})
	if err != nil {
		return "", err
	}
	if err := b.Put([]byte(key), data); err != nil {
		return "", err
	}
	return etag, nil
}

func deleteInTx(tx *bolt.Tx, bucket, key string, opts PutOptions) error {
	b := tx.Bucket([]byte(bucket))
	if b == nil {
		return fmt.Errorf("no such bucket: %s", bucket)
	}
	existing := b.Get([]byte(key))
	if existing == nil {
		return ErrNotFound
	}
	if opts.Etag != "" {
		var env envelope
		if err := json.Unmarshal(existing, &env); err != nil {
			return fmt.Errorf("corrupt object %s/%s: %w", bucket, key, err)
		}
		if env.Etag != opts.Etag {
			return ErrEtagConflict
		}
	}
	return b.Delete([]byte(key))
}

func decodeForMatch(data []byte) (map[string]interface{}, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(env.Value, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// compareSortValues orders two decoded JSON field values for sorting.
// RFC 3339 strings order as times, numbers numerically, strings
// lexicographically. Missing values sort first.
func compareSortValues(a, b interface{}) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}

	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			at, aerr := time.Parse(time.RFC3339Nano, as)
			bt, berr := time.Parse(time.RFC3339Nano, bs)
			if aerr == nil && berr == nil {
				switch {
				case at.Before(bt):
					return -1
				case at.After(bt):
					return 1
				}
				return 0
			}
			switch {
			case as < bs:
				return -1
			case as > bs:
				return 1
			}
			return 0
		}
	}

	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
	return 0
}
