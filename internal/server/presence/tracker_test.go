package presence

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_ClearsLastSeen(t *testing.T) {
	tr := NewTracker(nil)

	tr.Register("u1", "c1")
	tr.Unregister("u1", "c1")

	snap := tr.Snapshot()
	require.Contains(t, snap.LastSeen, "u1")
	assert.Empty(t, snap.Online)

	tr.Register("u1", "c2")
	snap = tr.Snapshot()
	assert.NotContains(t, snap.LastSeen, "u1")
	assert.Equal(t, []string{"u1"}, snap.Online)
}

func TestUnregister_LastConnectionStampsLastSeen(t *testing.T) {
	tr := NewTracker(nil)
	stamp := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return stamp }

	tr.Register("u1", "c1")
	tr.Register("u1", "c2") // second device

	tr.Unregister("u1", "c1")
	assert.True(t, tr.IsOnline("u1"))
	assert.NotContains(t, tr.Snapshot().LastSeen, "u1")

	tr.Unregister("u1", "c2")
	assert.False(t, tr.IsOnline("u1"))
	assert.Equal(t, stamp, tr.Snapshot().LastSeen["u1"])
}

func TestUnregister_EvictsCapability(t *testing.T) {
	tr := NewTracker(nil)

	tr.Register("u1", "c1")
	tr.SetCapability("u1", Capability{HasPrivateKey: true, HasWebCrypto: true})

	c, ok := tr.Capability("u1")
	require.True(t, ok)
	assert.True(t, c.HasPrivateKey)

	tr.Unregister("u1", "c1")
	_, ok = tr.Capability("u1")
	assert.False(t, ok)
}

func TestSetCapability_IgnoredWhenOffline(t *testing.T) {
	tr := NewTracker(nil)

	tr.SetCapability("ghost", Capability{HasPrivateKey: true})
	_, ok := tr.Capability("ghost")
	assert.False(t, ok)
}

func TestSetCapability_ReplacesRecord(t *testing.T) {
	tr := NewTracker(nil)
	tr.Register("u1", "c1")

	tr.SetCapability("u1", Capability{HasPrivateKey: true, HasWebCrypto: true})
	tr.SetCapability("u1", Capability{HasPrivateKey: false, HasWebCrypto: true})

	c, ok := tr.Capability("u1")
	require.True(t, ok)
	assert.False(t, c.HasPrivateKey)
	assert.True(t, c.HasWebCrypto)
}

func TestMutations_Notify(t *testing.T) {
	var snaps []Snapshot
	tr := NewTracker(func(s Snapshot) { snaps = append(snaps, s) })

	tr.Register("u1", "c1")
	tr.SetCapability("u1", Capability{HasPrivateKey: true})
	tr.Unregister("u1", "c1")

	require.Len(t, snaps, 3)
	assert.Equal(t, []string{"u1"}, snaps[0].Online)
	assert.Empty(t, snaps[2].Online)
	assert.Contains(t, snaps[2].LastSeen, "u1")
}

func TestSnapshot_IsACopy(t *testing.T) {
	tr := NewTracker(nil)
	tr.Register("u1", "c1")

	snap := tr.Snapshot()
	snap.LastSeen["u2"] = time.Now()

	assert.NotContains(t, tr.Snapshot().LastSeen, "u2")
}

// The invariant from the data model: after first connect, a user either has
// open connections or a last-seen mark, never both, never neither.
func TestOnlineLastSeenInvariant_UnderConcurrency(t *testing.T) {
	tr := NewTracker(nil)

	const users = 8
	const perUser = 20

	var wg sync.WaitGroup
	for u := 0; u < users; u++ {
		wg.Add(1)
		go func(u int) {
			defer wg.Done()
			userID := fmt.Sprintf("u%d", u)
			for i := 0; i < perUser; i++ {
				connID := fmt.Sprintf("c%d-%d", u, i)
				tr.Register(userID, connID)
				tr.SetCapability(userID, Capability{HasPrivateKey: i%2 == 0})
				tr.Unregister(userID, connID)
			}
		}(u)
	}
	wg.Wait()

	snap := tr.Snapshot()
	for u := 0; u < users; u++ {
		userID := fmt.Sprintf("u%d", u)
		online := false
		for _, id := range snap.Online {
			if id == userID {
				online = true
			}
		}
		_, hasLastSeen := snap.LastSeen[userID]
		assert.NotEqual(t, online, hasLastSeen, "user %s: online=%v lastSeen=%v", userID, online, hasLastSeen)
	}
}

func TestUnregister_UnknownUserIsNoop(t *testing.T) {
	var calls int
	tr := NewTracker(func(Snapshot) { calls++ })

	tr.Unregister("nobody", "c1")
	assert.Zero(t, calls)
}
