package power

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

const (
	bucket     = "mast"
	socketsKey = "power_sockets"
)

type store struct {
	db *bolt.DB
}

func newStore(db *bolt.DB) *store {
	return &store{db: db}
}

// SetSockets saves the socket states as a json string in the database.
func (s *store) SetSockets(sockets map[string]bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}

		value, _ := json.Marshal(sockets)
		return b.Put([]byte(socketsKey), value)
	})
}

// GetSockets retrieves the socket states from the database.
func (s *store) GetSockets() (map[string]bool, error) {
	sockets := map[string]bool{}

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}

		value := b.Get([]byte(socketsKey))
		if value == nil {
			return fmt.Errorf("key %s not found", socketsKey)
		}

		return json.Unmarshal(value, &sockets)
	})

	return sockets, err
}
