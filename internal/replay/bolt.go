package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var consumedBucket = []byte("consumed")

// BoltGuard persists consumed identifiers in a bbolt file. bbolt allows a
// single writer at a time, so the lookup and insert inside one Update
// transaction are atomic across goroutines. The bucket sequence counts the
// stored records.
type BoltGuard struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the store at path.
func OpenBolt(path string) (*BoltGuard, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open replay store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(consumedBucket)
		if err != nil {
			return err
		}
		// Stores written without a running count get one on first open.
		if b.Sequence() == 0 {
			if n := b.Stats().KeyN; n > 0 {
				return b.SetSequence(uint64(n))
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init replay store: %w", err)
	}
	return &BoltGuard{db: db}, nil
}

func (g *BoltGuard) Consumed(ctx context.Context, id string) (bool, error) {
	key, err := NormalizeID(id)
	if err != nil {
		return false, err
	}
	var found bool
	err = g.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(consumedBucket).Get([]byte(key)) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("replay lookup %s: %w", key, err)
	}
	return found, nil
}

func (g *BoltGuard) CheckAndConsume(ctx context.Context, rec Record) (bool, error) {
	key, err := NormalizeID(rec.ID)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("consume %s: %w", key, err)
	}

	rec.ID = key
	if rec.ConsumedAt.IsZero() {
		rec.ConsumedAt = time.Now().UTC()
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("failed to encode record: %w", err)
	}

	var already bool
	err = g.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(consumedBucket)
		if b.Get([]byte(key)) != nil {
			already = true
			return nil
		}
		if _, err := b.NextSequence(); err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
	if err != nil {
		return false, fmt.Errorf("consume %s: %w", key, err)
	}
	return already, nil
}

func (g *BoltGuard) Lookup(ctx context.Context, id string) (Record, bool, error) {
	key, err := NormalizeID(id)
	if err != nil {
		return Record{}, false, err
	}
	var (
		rec   Record
		found bool
	)
	err = g.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(consumedBucket).Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("replay lookup %s: %w", key, err)
	}
	return rec, found, nil
}

func (g *BoltGuard) Count(ctx context.Context) (int, error) {
	var n int
	err := g.db.View(func(tx *bolt.Tx) error {
		n = int(tx.Bucket(consumedBucket).Sequence())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("replay count: %w", err)
	}
	return n, nil
}

func (g *BoltGuard) Close() error {
	return g.db.Close()
}

// MemoryPath selects the in-process guard in Open.
const MemoryPath = ":memory:"

// Open returns a MemoryGuard for MemoryPath and a BoltGuard otherwise.
func Open(path string) (Guard, error) {
	if path == MemoryPath {
		return NewMemoryGuard(), nil
	}
	return OpenBolt(path)
}
