package mesh

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shape-z/windowmesh/session"
	"github.com/shape-z/windowmesh/transport"
)

// injector attaches a raw port to the default channel so tests can craft
// arbitrary inbound traffic.
func injector(bus *transport.MemoryBus) transport.Transport {
	return bus.Join(session.DefaultChannel, "injector")
}

func settleLeader(t *testing.T, clock *int64, e *Engine) {
	t.Helper()
	for _, ts := range []int64{1000, 2000, 3000, 4000} {
		tick(clock, ts, e)
	}
	require.True(t, e.store.Get().IsLeader)
}

func TestSelfEchoIsIgnored(t *testing.T) {
	clock := int64(0)
	setClock(t, &clock)
	bus := transport.NewMemoryBus(nil)

	a := boot(t, bus, "A", 0, rectA)
	tick(&clock, 1000, a)

	forged := a.selfSnapshot()
	forged.CreatedAt = 999999
	require.NoError(t, injector(bus).Broadcast(transport.Message{
		Type: transport.TypeHeartbeat,
		Peer: &forged,
	}))

	assert.Equal(t, int64(0), a.store.Get().Peers["A"].CreatedAt)
}

func TestLastSeenIsMonotonic(t *testing.T) {
	clock := int64(0)
	setClock(t, &clock)
	bus := transport.NewMemoryBus(nil)

	a := boot(t, bus, "A", 0, rectA)
	in := injector(bus)

	var observed []int64
	for _, ts := range []int64{100, 200, 300} {
		clock = ts
		require.NoError(t, in.Broadcast(transport.Message{
			Type: transport.TypeHeartbeat,
			Peer: &peerSnapshotB,
		}))
		observed = append(observed, a.store.Get().Peers["B"].LastSeen)
	}
	assert.Equal(t, []int64{100, 200, 300}, observed)
}

func TestLeaderClaimPreempts(t *testing.T) {
	clock := int64(0)
	setClock(t, &clock)
	bus := transport.NewMemoryBus(nil)

	a := boot(t, bus, "A", 0, rectA)
	settleLeader(t, &clock, a)

	require.NoError(t, injector(bus).Broadcast(transport.Message{
		Type:      transport.TypeLeaderClaim,
		ID:        "Z",
		Timestamp: 4500,
	}))
	assert.False(t, a.store.Get().IsLeader, "claims preempt unconditionally")

	// the claimant never shows up in the peer set, so the next election
	// re-adjudicates in A's favor
	tick(&clock, 5000, a)
	assert.True(t, a.store.Get().IsLeader)
}

func TestLayoutUpdateIgnoredByLeader(t *testing.T) {
	clock := int64(0)
	setClock(t, &clock)
	bus := transport.NewMemoryBus(nil)

	a := boot(t, bus, "A", 0, rectA)
	settleLeader(t, &clock, a)
	own := a.store.Get().Layout
	require.NotNil(t, own)

	foreign := mustLayout(t, "X", rectC)
	require.NoError(t, injector(bus).Broadcast(transport.Message{
		Type:   transport.TypeLayoutUpdate,
		Layout: &foreign,
	}))
	assert.True(t, own.Equal(*a.store.Get().Layout), "leaders are the source of truth")
}

func TestInvalidLayoutUpdateKeepsPrevious(t *testing.T) {
	clock := int64(0)
	setClock(t, &clock)
	bus := transport.NewMemoryBus(nil)

	a := boot(t, bus, "A", 0, rectA)
	in := injector(bus)

	good := mustLayout(t, "X", rectC)
	require.NoError(t, in.Broadcast(transport.Message{
		Type:   transport.TypeLayoutUpdate,
		Layout: &good,
	}))
	require.NotNil(t, a.store.Get().Layout)

	bad := good
	bad.Frame.W = 1
	require.NoError(t, in.Broadcast(transport.Message{
		Type:   transport.TypeLayoutUpdate,
		Layout: &bad,
	}))
	assert.True(t, good.Equal(*a.store.Get().Layout))
}

func TestSharedDataLastWriteWins(t *testing.T) {
	clock := int64(0)
	setClock(t, &clock)
	bus := transport.NewMemoryBus(nil)

	a := boot(t, bus, "A", 0, rectA)
	in := injector(bus)

	for _, value := range []string{`"first"`, `"second"`} {
		require.NoError(t, in.Broadcast(transport.Message{
			Type:  transport.TypeSharedDataUpdate,
			Key:   "pointer",
			Value: json.RawMessage(value),
		}))
	}
	assert.Equal(t, `"second"`, string(a.store.Get().SharedData["pointer"]))
}

func TestRequestLayoutReplaysSharedData(t *testing.T) {
	clock := int64(0)
	setClock(t, &clock)
	bus := transport.NewMemoryBus(nil)

	a := boot(t, bus, "A", 0, rectA)
	settleLeader(t, &clock, a)
	require.NoError(t, a.SetSharedData("cursor", map[string]int{"x": 4}))
	require.NoError(t, a.SetSharedData("theme", "dark"))

	clock = 5000
	b := boot(t, bus, "B", 5000, rectB)

	st := b.store.Get()
	require.NotNil(t, st.Layout)
	assert.JSONEq(t, `{"x":4}`, string(st.SharedData["cursor"]))
	assert.JSONEq(t, `"dark"`, string(st.SharedData["theme"]))
}

func TestGoodbyeForUnknownPeer(t *testing.T) {
	clock := int64(0)
	setClock(t, &clock)
	bus := transport.NewMemoryBus(nil)

	a := boot(t, bus, "A", 0, rectA)
	settleLeader(t, &clock, a)
	before := a.store.Get().Layout

	require.NoError(t, injector(bus).Broadcast(transport.Message{
		Type: transport.TypeGoodbye,
		ID:   "ghost",
	}))
	assert.True(t, before.Equal(*a.store.Get().Layout))
}
