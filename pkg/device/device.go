// Package device holds the pieces shared by every MAST unit subsystem: the
// status document, device identity and the error taxonomy.
package device

import (
	"sync"
	"time"
)

// Info identifies a subsystem.
type Info struct {
	Name     string `json:"DeviceName"`
	Type     string `json:"DeviceType"`
	Socket   string `json:"Socket"`
	UniqueID string `json:"UniqueID"`
}

// Status is a point-in-time status document, a mapping from field name to value.
type Status map[string]any

// NewStatus returns a status document stamped with the UTC time t.
func NewStatus(t time.Time) Status {
	return Status{"time_stamp": t.UTC().Format(time.RFC3339)}
}

// Merge copies every field of other into s and returns s.
func (s Status) Merge(other Status) Status {
	for k, v := range other {
		s[k] = v
	}
	return s
}

// Errors is the transient list of failures recorded by a device since its
// last command. It is safe for concurrent use.
type Errors struct {
	mu   sync.Mutex
	list []string
}

func (e *Errors) Reset() {
	e.mu.Lock()
	e.list = nil
	e.mu.Unlock()
}

// Record appends err and returns it unchanged.
func (e *Errors) Record(err error) error {
	if err == nil {
		return nil
	}
	e.mu.Lock()
	e.list = append(e.list, err.Error())
	e.mu.Unlock()
	return err
}

func (e *Errors) List() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.list...)
}
