package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertKeepsAddrs(t *testing.T) {
	pt := NewPeerTable()
	pt.Upsert("b", "Bob", []string{"/ip4/10.0.0.2/tcp/4001"})
	pt.Upsert("b", "Bobby", nil)

	sp, ok := pt.Get("b")
	require.True(t, ok)
	assert.Equal(t, "Bobby", sp.Name)
	assert.Equal(t, []string{"/ip4/10.0.0.2/tcp/4001"}, sp.Addrs)
	assert.True(t, sp.Reachable)
	assert.True(t, sp.Online())
}

func TestReachabilitySurvivesUpdates(t *testing.T) {
	pt := NewPeerTable()
	pt.Upsert("b", "Bob", nil)
	pt.SetReachable("b", false)
	pt.Upsert("b", "Bob", nil)

	sp, _ := pt.Get("b")
	assert.False(t, sp.Reachable)

	pt.MarkOffline("b")
	pt.Upsert("b", "Bob", nil)
	sp, _ = pt.Get("b")
	assert.True(t, sp.Reachable, "coming back online resets reachability")
}

func TestPruneStale(t *testing.T) {
	pt := NewPeerTable()
	pt.Upsert("a", "Alice", nil)
	pt.Upsert("b", "Bob", nil)
	pt.MarkOffline("b")

	future := time.Now().Add(time.Minute)
	pt.PruneStale(future, time.Now().Add(-time.Minute))

	a, ok := pt.Get("a")
	require.True(t, ok)
	assert.False(t, a.Online())
	_, ok = pt.Get("b")
	assert.True(t, ok, "b is still inside the grace period")

	pt.PruneStale(future, future)
	assert.Empty(t, pt.Snapshot())
}

func TestSnapshotSortedByName(t *testing.T) {
	pt := NewPeerTable()
	pt.Upsert("z", "Carol", nil)
	pt.Upsert("y", "Alice", nil)
	pt.Upsert("x", "Bob", nil)

	var names []string
	for _, sp := range pt.Snapshot() {
		names = append(names, sp.Name)
	}
	assert.Equal(t, []string{"Alice", "Bob", "Carol"}, names)
}

func TestSubscribeReceivesEvents(t *testing.T) {
	pt := NewPeerTable()
	ch := pt.Subscribe()

	pt.Upsert("a", "Alice", nil)
	ev := <-ch
	assert.Equal(t, "update", ev.Type)
	assert.Equal(t, "Alice", ev.Peer.Name)

	pt.Remove("a")
	ev = <-ch
	assert.Equal(t, "remove", ev.Type)

	pt.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
}
