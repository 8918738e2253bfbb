package mesh

import (
	"hash/fnv"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/shape-z/windowmesh/geometry"
	"github.com/shape-z/windowmesh/layout"
	"github.com/shape-z/windowmesh/peers"
	"github.com/shape-z/windowmesh/state"
	"github.com/shape-z/windowmesh/transport"
)

// recomputeWorld derives the global layout from the peer set and
// broadcasts it. Leader only; a static layout short-circuits everything.
// Idempotent over equal inputs: the derived layout is a pure function of
// the peer snapshots.
func (e *Engine) recomputeWorld() {
	st := e.store.Get()
	if !st.IsLeader {
		return
	}
	if st.StaticLayout != nil {
		pinned := *st.StaticLayout
		if err := pinned.Validate(); err != nil {
			e.logger.Error("static layout failed validation", zap.Error(err))
			return
		}
		e.commitLayout(pinned)
		return
	}
	contributors := st.PeerSet().Filter(peers.WithValidRect())
	contributors.Sort()
	screens := make([]layout.Screen, 0, len(contributors))
	for _, p := range contributors {
		r := p.Rect
		if p.VirtualRect != nil {
			r = *p.VirtualRect
		}
		screens = append(screens, layout.Screen{
			ID: p.ID,
			X:  r.X,
			Y:  r.Y,
			W:  r.W,
			H:  r.H,
		})
	}
	world, err := layout.New(screens)
	if err != nil {
		if errors.Cause(err) == layout.ErrNoScreens {
			// nobody contributes a valid rect yet
			return
		}
		e.logger.Error("layout recomputation failed, keeping previous layout", zap.Error(err))
		return
	}
	e.commitLayout(world)
}

func (e *Engine) commitLayout(world layout.Layout) {
	layoutRecomputes.Inc()
	e.store.Update(func(s *state.EngineState) {
		s.Layout = &world
	})
	e.recomputeLocalView()
	e.enqueue(transport.Message{
		Type:   transport.TypeLayoutUpdate,
		Layout: &world,
	})
}

// recomputeLocalView projects this peer into the active layout: pick the
// assigned screen, derive the virtual rect from the relative position on
// it, and translate into the viewport offset.
func (e *Engine) recomputeLocalView() {
	st := e.store.Get()
	if st.Layout == nil || len(st.Layout.Screens) == 0 {
		return
	}
	world := *st.Layout
	screen := e.assignScreen(st, world)
	relative := st.WinRect.Origin().Sub(screen.Rect().Origin())
	if e.config.ScreenPosition != nil {
		relative = *e.config.ScreenPosition
	}
	virtual := geometry.Rect{
		X: screen.X + relative.X,
		Y: screen.Y + relative.Y,
		W: st.WinRect.W,
		H: st.WinRect.H,
	}
	offset := virtual.Origin().Sub(world.Frame.Origin())
	e.store.Update(func(s *state.EngineState) {
		s.AssignedScreenID = screen.ID
		s.VirtualRect = &virtual
		s.ViewportOffset = offset
	})
}

// assignScreen resolves which screen of the layout this peer lives on: the
// boot override when present, else the dimension-similarity match against
// the physical display (window rect when unknown), else the first screen.
func (e *Engine) assignScreen(st state.EngineState, world layout.Layout) layout.Screen {
	if e.config.ScreenID != "" {
		if s, ok := world.Screen(e.config.ScreenID); ok {
			return s
		}
	}
	target := st.WinRect
	if e.config.DisplayRect != nil {
		target = *e.config.DisplayRect
	}
	best := world.Screens[0]
	bestScore := geometry.Similarity(target.W, target.H, best.W, best.H)
	for _, s := range world.Screens[1:] {
		score := geometry.Similarity(target.W, target.H, s.W, s.H)
		if score > bestScore {
			best, bestScore = s, score
			continue
		}
		// equal scores settle on a stable hash so reassignment does not
		// flap across recomputes
		if score == bestScore && assignmentHash(e.id, s.ID) < assignmentHash(e.id, best.ID) {
			best = s
		}
	}
	return best
}

func assignmentHash(windowID, screenID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(windowID))
	h.Write([]byte{0})
	h.Write([]byte(screenID))
	return h.Sum32()
}
