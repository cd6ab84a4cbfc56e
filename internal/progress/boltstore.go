package progress

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketProcessed = []byte("processed")

// BoltStore keeps tracked domains as keys of a bbolt bucket, the value is
// the time the domain settled.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketProcessed)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("could not create bucket: %w", err)
	}
	return &BoltStore{db: db, now: time.Now}, nil
}

func (s *BoltStore) Load() ([]string, error) {
	var domains []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProcessed).ForEach(func(k, _ []byte) error {
			domains = append(domains, string(k))
			return nil
		})
	})
	return domains, err
}

func (s *BoltStore) Append(domain string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProcessed)
		if b.Get([]byte(domain)) != nil {
			return nil
		}
		return b.Put([]byte(domain), []byte(s.now().UTC().Format(time.RFC3339)))
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
