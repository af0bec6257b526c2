package unit

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	bucket       = "mast"
	deviceIDsKey = "device_ids"
)

type store struct {
	db *bolt.DB
}

func newStore(db *bolt.DB) *store {
	return &store{db: db}
}

// SetDeviceIDs saves the device unique IDs as a json string in the database.
func (s *store) SetDeviceIDs(ids map[string]string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}

		value, _ := json.Marshal(ids)
		return b.Put([]byte(deviceIDsKey), value)
	})
}

// GetDeviceIDs retrieves the device unique IDs from the database.
func (s *store) GetDeviceIDs() (map[string]string, error) {
	ids := map[string]string{}

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}

		value := b.Get([]byte(deviceIDsKey))
		if value == nil {
			return fmt.Errorf("key %s not found", deviceIDsKey)
		}

		return json.Unmarshal(value, &ids)
	})

	return ids, err
}

// DeviceIDs returns a stable unique ID for each named device, generating and
// saving IDs for devices seen for the first time.
func DeviceIDs(db *bolt.DB, names []string) (map[string]string, error) {
	st := newStore(db)
	ids, err := st.GetDeviceIDs()
	if err != nil {
		ids = map[string]string{}
	}

	changed := false
	for _, name := range names {
		if _, ok := ids[name]; !ok {
			ids[name] = uuid.NewString()
			changed = true
		}
	}
	if changed {
		if err := st.SetDeviceIDs(ids); err != nil {
			return nil, fmt.Errorf("save device ids: %w", err)
		}
	}
	return ids, nil
}
