package power

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

var sockets = []string{"Mount", "Stage", "Focuser", "Covers"}

func openDB(t *testing.T) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "power.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestSwitch(t *testing.T, db *bolt.DB) *Switch {
	t.Helper()
	logger, _ := test.NewNullLogger()
	sw, err := NewSwitch(db, sockets, clock.WallClock, logger)
	require.NoError(t, err)
	return sw
}

func TestSwitchOnOff(t *testing.T) {
	sw := newTestSwitch(t, nil)

	assert.False(t, sw.IsOn("Stage"))
	require.NoError(t, sw.PowerOn("Stage"))
	assert.True(t, sw.IsOn("Stage"))
	assert.False(t, sw.IsOn("Mount"))

	require.NoError(t, sw.PowerOn("Stage"))
	require.NoError(t, sw.PowerOff("Stage"))
	assert.False(t, sw.IsOn("Stage"))
}

func TestSwitchUnknownSocket(t *testing.T) {
	sw := newTestSwitch(t, nil)

	assert.ErrorIs(t, sw.PowerOn("Dome"), ErrUnknownSocket)
	assert.ErrorIs(t, sw.PowerOff("Dome"), ErrUnknownSocket)
	assert.False(t, sw.IsOn("Dome"))
}

func TestSwitchPersistsState(t *testing.T) {
	db := openDB(t)

	sw := newTestSwitch(t, db)
	require.NoError(t, sw.PowerOn("Mount"))
	require.NoError(t, sw.PowerOn("Covers"))

	restored := newTestSwitch(t, db)
	assert.True(t, restored.IsOn("Mount"))
	assert.True(t, restored.IsOn("Covers"))
	assert.False(t, restored.IsOn("Stage"))
}

func TestSwitchPersistsConcurrentTransitions(t *testing.T) {
	db := openDB(t)
	sw := newTestSwitch(t, db)

	sockets := sw.Sockets()
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		name := sockets[i%len(sockets)]
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%3 == 0 {
				assert.NoError(t, sw.PowerOff(name))
			} else {
				assert.NoError(t, sw.PowerOn(name))
			}
		}(i)
	}
	wg.Wait()

	restored := newTestSwitch(t, db)
	for _, name := range sockets {
		assert.Equal(t, sw.IsOn(name), restored.IsOn(name), name)
	}
}

func TestSwitchSerialisesTransitions(t *testing.T) {
	sw := newTestSwitch(t, nil)
	sw.SetSwitchDelay(10 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				assert.NoError(t, sw.PowerOn("Focuser"))
			} else {
				assert.NoError(t, sw.PowerOff("Focuser"))
			}
		}(i)
	}
	wg.Wait()

	require.NoError(t, sw.PowerOn("Focuser"))
	assert.True(t, sw.IsOn("Focuser"))
}

func TestSwitchStartupShutdownStatus(t *testing.T) {
	sw := newTestSwitch(t, nil)

	require.NoError(t, sw.Startup())
	for _, name := range sockets {
		assert.True(t, sw.IsOn(name), name)
	}

	st := sw.Status()
	assert.Equal(t, "On", st["sockets"].(map[string]string)["Stage"])
	assert.Equal(t, true, st["operational"])
	assert.NotEmpty(t, st["time_stamp"])

	require.NoError(t, sw.Shutdown())
	assert.Equal(t, []string{"Covers", "Focuser", "Mount", "Stage"}, sw.Sockets())
	assert.False(t, sw.IsOn("Mount"))
}
