package cache

import (
	"bytes"
	"context"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("entries")

// BoltStore is a Store backed by a single bbolt database file. Entries are
// stored as msgpack under their composed key. Bolt serializes writers
// internally, so concurrent upserts from the background writer and
// synchronous fallbacks are safe without extra locking.
type BoltStore struct {
	db        *bolt.DB
	path      string
	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	once      sync.Once
	sweep     time.Duration
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens (creating if needed) a bbolt-backed store at path. Bolt
// has no in-memory mode, so path is required. sweep controls how often the
// background sweeper deletes expired entries; values <= 0 default to one
// minute.
func NewBoltStore(ctx context.Context, path string, sweep time.Duration) (*BoltStore, error) {
	if path == "" {
		return nil, errors.New("cache: bolt store requires a file path")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "cache: open bolt store %q", path)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "cache: create bolt bucket")
	}

	childCtx, cancel := context.WithCancel(ctx)
	s := &BoltStore{
		db:     db,
		path:   path,
		ctx:    childCtx,
		cancel: cancel,
		sweep:  sweep,
	}
	if s.sweep <= 0 {
		s.sweep = time.Minute
	}

	s.waitGroup.Add(1)
	go s.run()

	return s, nil
}

func (s *BoltStore) Get(ctx context.Context, key string) (*Entry, error) {
	var out *Entry
	now := time.Now()
	// Read and bump in one write transaction so the bookkeeping update is
	// atomic with the read.
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket)
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		var e Entry
		if err := msgpack.Unmarshal(raw, &e); err != nil {
			return errors.Wrap(err, "decode entry")
		}
		e.HitCount++
		e.LastAccessed = now
		data, err := msgpack.Marshal(&e)
		if err != nil {
			return errors.Wrap(err, "encode entry")
		}
		if err := b.Put([]byte(key), data); err != nil {
			return err
		}
		out = &e
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "cache: bolt get")
	}
	return out, nil
}

func (s *BoltStore) Set(ctx context.Context, e *Entry) error {
	normalizeEntry(e, time.Now())
	data, err := msgpack.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "cache: encode entry")
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(e.Key), data)
	})
	return errors.Wrap(err, "cache: bolt set")
}

func (s *BoltStore) Delete(ctx context.Context, key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete([]byte(key))
	})
	return errors.Wrap(err, "cache: bolt delete")
}

func (s *BoltStore) Clear(ctx context.Context, namespace string) error {
	prefix := []byte(namespace + Separator)
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if namespace != "" && !bytes.HasPrefix(k, prefix) {
				continue
			}
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrap(err, "cache: bolt clear")
}

func (s *BoltStore) Entries(ctx context.Context, namespace string, fn func(Entry) bool) error {
	prefix := []byte(namespace + Separator)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if namespace != "" && !bytes.HasPrefix(k, prefix) {
				continue
			}
			var e Entry
			if err := msgpack.Unmarshal(v, &e); err != nil {
				return errors.Wrap(err, "decode entry")
			}
			if !fn(e) {
				return nil
			}
		}
		return nil
	})
	return errors.Wrap(err, "cache: bolt entries")
}

func (s *BoltStore) Stats(ctx context.Context) (StoreStats, error) {
	st := StoreStats{Namespaces: make(map[string]int64)}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket)
		st.Entries = int64(b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			if ns, _, _, err := SplitKey(string(k)); err == nil {
				st.Namespaces[ns]++
			}
			return nil
		})
	})
	if err != nil {
		return StoreStats{}, errors.Wrap(err, "cache: bolt stats")
	}
	if fi, err := os.Stat(s.path); err == nil {
		st.SizeBytes = fi.Size()
	}
	return st, nil
}

func (s *BoltStore) Close() error {
	var dbErr error
	s.once.Do(func() {
		s.cancel()
		s.waitGroup.Wait()
		dbErr = s.db.Close()
	})
	return dbErr
}

// run deletes expired entries in the background.
func (s *BoltStore) run() {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			_ = s.db.Update(func(tx *bolt.Tx) error {
				c := tx.Bucket(boltBucket).Cursor()
				for k, v := c.First(); k != nil; k, v = c.Next() {
					var e Entry
					if msgpack.Unmarshal(v, &e) != nil {
						continue
					}
					if e.Expired(now) {
						_ = c.Delete()
					}
				}
				return nil
			})
		}
	}
}
