package mesh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shape-z/windowmesh/geometry"
	"github.com/shape-z/windowmesh/layout"
	"github.com/shape-z/windowmesh/peers"
	"github.com/shape-z/windowmesh/transport"
)

var peerSnapshotB = peers.Snapshot{ID: "B", CreatedAt: 50, Rect: rectB, Timestamp: 50}

func mustLayout(t *testing.T, id string, r geometry.Rect) layout.Layout {
	t.Helper()
	l, err := layout.New([]layout.Screen{{ID: id, X: r.X, Y: r.Y, W: r.W, H: r.H}})
	require.NoError(t, err)
	return l
}

func twoScreenLayout(t *testing.T) layout.Layout {
	t.Helper()
	l, err := layout.New([]layout.Screen{
		{ID: "S1", X: 0, Y: 0, W: 1920, H: 1080},
		{ID: "S2", X: 1920, Y: 0, W: 1280, H: 720},
	})
	require.NoError(t, err)
	return l
}

func TestRecomputeWorldIsIdempotent(t *testing.T) {
	clock := int64(0)
	setClock(t, &clock)
	bus := transport.NewMemoryBus(nil)

	a := boot(t, bus, "A", 0, rectA)
	b := boot(t, bus, "B", 100, rectB)
	_ = b
	settleLeader(t, &clock, a)

	first := a.store.Get().Layout
	require.NotNil(t, first)
	a.locked(a.recomputeWorld)
	a.locked(a.recomputeWorld)
	assert.True(t, first.Equal(*a.store.Get().Layout))
}

func TestStaticLayoutOverridesWorld(t *testing.T) {
	clock := int64(0)
	setClock(t, &clock)
	bus := transport.NewMemoryBus(nil)

	pinned := twoScreenLayout(t)
	a := boot(t, bus, "A", 0, rectA, func(c *Config) {
		c.StaticLayout = &pinned
	})
	settleLeader(t, &clock, a)

	require.NotNil(t, a.store.Get().Layout)
	assert.True(t, pinned.Equal(*a.store.Get().Layout))

	t.Run("clearing falls back to dynamic computation", func(t *testing.T) {
		a.SetStaticLayout(nil)
		assert.Equal(t, []string{"A"}, screenIDs(a))
	})
}

func TestSetStaticLayoutRejectsInvalid(t *testing.T) {
	clock := int64(0)
	setClock(t, &clock)
	bus := transport.NewMemoryBus(nil)

	a := boot(t, bus, "A", 0, rectA)
	settleLeader(t, &clock, a)
	before := a.store.Get().Layout

	bad := twoScreenLayout(t)
	bad.Frame.W = 1
	a.SetStaticLayout(&bad)
	assert.Nil(t, a.store.Get().StaticLayout)
	assert.True(t, before.Equal(*a.store.Get().Layout))
}

func TestScreenAssignmentBySimilarity(t *testing.T) {
	clock := int64(0)
	setClock(t, &clock)
	bus := transport.NewMemoryBus(nil)

	// the follower's window is 1280x720: S2 is the closer match
	a := boot(t, bus, "A", 0, geometry.Rect{X: 40, Y: 60, W: 1280, H: 720})
	world := twoScreenLayout(t)
	require.NoError(t, injector(bus).Broadcast(transport.Message{
		Type:   transport.TypeLayoutUpdate,
		Layout: &world,
	}))

	st := a.store.Get()
	assert.Equal(t, "S2", st.AssignedScreenID)
	require.NotNil(t, st.VirtualRect)
	// without overrides the virtual rect lands exactly on the window rect
	assert.Equal(t, geometry.Rect{X: 40, Y: 60, W: 1280, H: 720}, *st.VirtualRect)
	assert.Equal(t, geometry.Point{X: 40, Y: 60}, st.ViewportOffset)
}

func TestScreenAssignmentOverrides(t *testing.T) {
	clock := int64(0)
	setClock(t, &clock)

	t.Run("screen id override", func(t *testing.T) {
		bus := transport.NewMemoryBus(nil)
		a := boot(t, bus, "A", 0, geometry.Rect{W: 1280, H: 720}, func(c *Config) {
			c.ScreenID = "S1"
		})
		world := twoScreenLayout(t)
		require.NoError(t, injector(bus).Broadcast(transport.Message{
			Type:   transport.TypeLayoutUpdate,
			Layout: &world,
		}))
		assert.Equal(t, "S1", a.store.Get().AssignedScreenID)
	})

	t.Run("unknown screen id falls back to similarity", func(t *testing.T) {
		bus := transport.NewMemoryBus(nil)
		a := boot(t, bus, "A", 0, geometry.Rect{W: 1280, H: 720}, func(c *Config) {
			c.ScreenID = "nope"
		})
		world := twoScreenLayout(t)
		require.NoError(t, injector(bus).Broadcast(transport.Message{
			Type:   transport.TypeLayoutUpdate,
			Layout: &world,
		}))
		assert.Equal(t, "S2", a.store.Get().AssignedScreenID)
	})

	t.Run("position override", func(t *testing.T) {
		bus := transport.NewMemoryBus(nil)
		a := boot(t, bus, "A", 0, geometry.Rect{X: 500, Y: 500, W: 1280, H: 720}, func(c *Config) {
			c.ScreenPosition = &geometry.Point{X: 5, Y: 7}
		})
		world := twoScreenLayout(t)
		require.NoError(t, injector(bus).Broadcast(transport.Message{
			Type:   transport.TypeLayoutUpdate,
			Layout: &world,
		}))
		st := a.store.Get()
		require.NotNil(t, st.VirtualRect)
		assert.Equal(t, geometry.Rect{X: 1925, Y: 7, W: 1280, H: 720}, *st.VirtualRect)
	})

	t.Run("display rect drives similarity", func(t *testing.T) {
		bus := transport.NewMemoryBus(nil)
		// small window on a 1920x1080 display: the display size matches S1
		a := boot(t, bus, "A", 0, geometry.Rect{W: 1200, H: 700}, func(c *Config) {
			c.DisplayRect = &geometry.Rect{W: 1920, H: 1080}
		})
		world := twoScreenLayout(t)
		require.NoError(t, injector(bus).Broadcast(transport.Message{
			Type:   transport.TypeLayoutUpdate,
			Layout: &world,
		}))
		assert.Equal(t, "S1", a.store.Get().AssignedScreenID)
	})
}

func TestAssignmentTieBreakIsStable(t *testing.T) {
	clock := int64(0)
	setClock(t, &clock)
	bus := transport.NewMemoryBus(nil)

	// two identically sized screens: similarity ties, the hash decides
	world, err := layout.New([]layout.Screen{
		{ID: "S1", X: 0, Y: 0, W: 1920, H: 1080},
		{ID: "S2", X: 1920, Y: 0, W: 1920, H: 1080},
	})
	require.NoError(t, err)

	a := boot(t, bus, "A", 0, rectA)
	in := injector(bus)
	require.NoError(t, in.Broadcast(transport.Message{Type: transport.TypeLayoutUpdate, Layout: &world}))
	first := a.store.Get().AssignedScreenID
	require.NotEmpty(t, first)

	// identical recomputes keep the same verdict
	for i := 0; i < 3; i++ {
		a.locked(a.recomputeLocalView)
		assert.Equal(t, first, a.store.Get().AssignedScreenID)
	}
}

func TestWorldUsesVirtualRectWhenPresent(t *testing.T) {
	clock := int64(0)
	setClock(t, &clock)
	bus := transport.NewMemoryBus(nil)

	a := boot(t, bus, "A", 0, rectA)
	settleLeader(t, &clock, a)

	virtual := geometry.Rect{X: 5000, Y: 5000, W: 1280, H: 720}
	snap := peerSnapshotB
	snap.VirtualRect = &virtual
	require.NoError(t, injector(bus).Broadcast(transport.Message{
		Type: transport.TypeHeartbeat,
		Peer: &snap,
	}))

	st := a.store.Get()
	require.NotNil(t, st.Layout)
	s, ok := st.Layout.Screen("B")
	require.True(t, ok)
	assert.Equal(t, virtual, s.Rect())
}

func TestNoValidScreensIsANoOp(t *testing.T) {
	clock := int64(0)
	setClock(t, &clock)
	bus := transport.NewMemoryBus(nil)

	a := boot(t, bus, "A", 0, geometry.Rect{W: 0, H: 0})
	settleLeader(t, &clock, a)
	assert.Nil(t, a.store.Get().Layout)
}
