package focuser

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

const (
	bucket      = "mast"
	settingsKey = "focuser_settings"
)

type settings struct {
	KnownAsGoodPosition int `json:"known_as_good_position"`
}

type store struct {
	db *bolt.DB
}

// newStore creates a store and seeds it with defaults unless settings were
// saved already.
func newStore(db *bolt.DB, defaults settings) (*store, error) {
	st := store{db: db}
	if err := st.setDefaults(defaults); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *store) setDefaults(defaults settings) error {
	if _, err := s.GetSettings(); err != nil {
		return s.SetSettings(defaults)
	}
	return nil
}

// SetSettings saves the focuser settings as a json string in the database.
func (s *store) SetSettings(st settings) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}

		value, _ := json.Marshal(st)
		return b.Put([]byte(settingsKey), value)
	})
}

// GetSettings retrieves the focuser settings from the database.
func (s *store) GetSettings() (settings, error) {
	var st settings

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}

		value := b.Get([]byte(settingsKey))
		if value == nil {
			return fmt.Errorf("key %s not found", settingsKey)
		}

		return json.Unmarshal(value, &st)
	})

	return st, err
}
