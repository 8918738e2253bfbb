// Package mesh implements the coordination engine: one Engine per peer
// process, gossiping over a session channel to agree on a shared virtual
// canvas and a single leader without any server.
package mesh

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/shape-z/windowmesh/geometry"
	"github.com/shape-z/windowmesh/identity"
	"github.com/shape-z/windowmesh/layout"
	"github.com/shape-z/windowmesh/peers"
	"github.com/shape-z/windowmesh/session"
	"github.com/shape-z/windowmesh/state"
	"github.com/shape-z/windowmesh/transport"
)

// Protocol-visible constants. Changing any of these changes how a peer
// interoperates with the rest of the session.
const (
	// HeartbeatInterval is the lifecycle tick period.
	HeartbeatInterval = 1000 * time.Millisecond
	// CleanupInterval is the stale-peer sweep period.
	CleanupInterval = 5000 * time.Millisecond
	// WindowTimeout is the silence, in milliseconds, after which a peer is
	// considered dead: evicted from the peer map and ineligible as leader.
	WindowTimeout = int64(5000)
	// GracePeriodTicks suppresses leader election for the first ticks after
	// boot, so concurrently starting peers discover each other first.
	GracePeriodTicks = 3
)

var now = func() int64 {
	return time.Now().UnixMilli()
}

// Dialer joins the named session channel and returns its transport.
// The indirection keeps the engine ignorant of any particular medium and
// lets tests wire an in-memory bus.
type Dialer func(channel string) (transport.Transport, error)

// Config carries the boot parameters of one peer.
type Config struct {
	// ID overrides the generated window id. Leave empty outside tests and
	// tooling; ids must be unique within a session and regenerated on
	// every boot.
	ID string
	// Rect is the peer's initial physical rectangle.
	Rect geometry.Rect
	// StaticLayout pins the layout, overriding all dynamic computation.
	StaticLayout *layout.Layout
	// SessionSeed is the layout descriptor string whose hash names the
	// session channel. Empty lands on the default channel.
	SessionSeed string
	// ScreenID forces this peer onto the named screen.
	ScreenID string
	// ScreenPosition forces the relative position on the assigned screen.
	ScreenPosition *geometry.Point
	// DisplayRect is the physical display rectangle, when known. Screen
	// assignment prefers it over the window rect for similarity matching.
	DisplayRect *geometry.Rect
}

// Engine is the per-peer coordination engine. All mutations — inbound
// messages, timer ticks and public operations — are serialized on one
// mutex; outbound messages collected during a locked section are flushed
// after it so synchronous transports cannot re-enter a held lock.
type Engine struct {
	config    Config
	id        string
	createdAt int64
	logger    *zap.Logger
	store     *state.Store
	transport transport.Transport

	mtx           sync.Mutex
	outbox        []transport.Message
	tickCount     int
	disposed      bool
	started       bool
	cancelInbound func()
	heartbeats    *time.Ticker
	cleanups      *time.Ticker
	done          chan struct{}
}

// New creates the engine, derives the session channel from the seed and
// joins it. The lifecycle loop does not run until Start.
func New(config Config, dial Dialer, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	window := identity.New()
	if config.ID != "" {
		window = identity.WithID(config.ID)
	}
	channel := session.Channel(config.SessionSeed)
	e := &Engine{
		config:    config,
		id:        window.ID(),
		createdAt: window.CreatedAt(),
		done:      make(chan struct{}),
		logger: logger.With(
			zap.String("window_id", window.ID()),
			zap.String("session_channel", channel),
		),
	}
	e.store = state.NewStore(state.EngineState{
		WindowID:     e.id,
		WinRect:      config.Rect,
		Peers:        map[string]peers.Snapshot{},
		SharedData:   map[string]json.RawMessage{},
		StaticLayout: config.StaticLayout,
	}, e.logger)

	tr, err := dial(channel)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to join session channel %s", channel)
	}
	e.transport = tr
	e.cancelInbound = tr.OnMessage(e.handleMessage)
	return e, nil
}

// ID returns the window id of this peer.
func (e *Engine) ID() string {
	return e.id
}

// Store exposes the reactive state for subscription and reads.
func (e *Engine) Store() *state.Store {
	return e.store
}

// Start announces the peer (one immediate hello plus one layout request)
// and runs the lifecycle loop until Dispose.
func (e *Engine) Start() {
	e.mtx.Lock()
	if e.started || e.disposed {
		e.mtx.Unlock()
		return
	}
	e.started = true
	e.heartbeats = time.NewTicker(HeartbeatInterval)
	e.cleanups = time.NewTicker(CleanupInterval)
	e.mtx.Unlock()
	e.announce()
	go e.run()
}

func (e *Engine) announce() {
	e.locked(func() {
		e.publishSelf(transport.TypeHello)
		e.requestData()
	})
}

func (e *Engine) run() {
	for {
		select {
		case <-e.done:
			return
		case <-e.heartbeats.C:
			e.heartbeatTick()
		case <-e.cleanups.C:
			e.cleanupTick()
		}
	}
}

// UpdateRect signals that the peer's physical rectangle changed.
func (e *Engine) UpdateRect(rect geometry.Rect) {
	e.locked(func() {
		if e.disposed {
			return
		}
		e.store.Update(func(s *state.EngineState) {
			s.WinRect = rect
		})
		e.recomputeLocalView()
		e.publishSelf(transport.TypeHeartbeat)
		if e.store.Get().IsLeader {
			e.recomputeWorld()
		}
	})
}

// SetStaticLayout installs or clears the pinned layout and forces a world
// recomputation.
func (e *Engine) SetStaticLayout(l *layout.Layout) {
	e.locked(func() {
		if e.disposed {
			return
		}
		if l != nil {
			if err := l.Validate(); err != nil {
				e.logger.Error("rejecting invalid static layout", zap.Error(err))
				return
			}
			pinned := *l
			l = &pinned
		}
		e.store.Update(func(s *state.EngineState) {
			s.StaticLayout = l
		})
		e.recomputeWorld()
	})
}

// SetSharedData writes one shared map entry locally and broadcasts it.
// Concurrent writes to the same key across peers resolve by most-recent
// delivery, not causal merge.
func (e *Engine) SetSharedData(key string, value interface{}) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "failed to encode shared value for key %q", key)
	}
	e.locked(func() {
		if e.disposed {
			return
		}
		e.store.Set(func(s state.EngineState) state.EngineState {
			return s.WithSharedData(key, payload)
		})
		e.enqueue(transport.Message{
			Type:  transport.TypeSharedDataUpdate,
			Key:   key,
			Value: payload,
		})
	})
	return nil
}

// Dispose stops the timers, says goodbye and closes the transport.
// Idempotent: further calls no-op.
func (e *Engine) Dispose() {
	e.mtx.Lock()
	if e.disposed {
		e.mtx.Unlock()
		return
	}
	e.disposed = true
	e.mtx.Unlock()
	close(e.done)
	if e.heartbeats != nil {
		e.heartbeats.Stop()
	}
	if e.cleanups != nil {
		e.cleanups.Stop()
	}
	e.cancelInbound()
	err := e.transport.Broadcast(transport.Message{
		Type: transport.TypeGoodbye,
		ID:   e.id,
	})
	if err != nil {
		e.logger.Warn("failed to broadcast goodbye", zap.Error(err))
	}
	if err := e.transport.Close(); err != nil {
		e.logger.Warn("failed to close transport", zap.Error(err))
	}
	e.logger.Info("engine disposed")
}

// locked serializes a mutation and flushes the outbox afterwards, outside
// the lock. Handlers fired synchronously by the transport during the flush
// therefore find the lock free.
func (e *Engine) locked(fn func()) {
	e.mtx.Lock()
	fn()
	out := e.outbox
	e.outbox = nil
	e.mtx.Unlock()
	for _, msg := range out {
		if err := e.transport.Broadcast(msg); err != nil {
			e.logger.Warn("failed to broadcast message",
				zap.String("message_type", string(msg.Type)),
				zap.Error(err))
		}
	}
}

func (e *Engine) enqueue(msg transport.Message) {
	e.outbox = append(e.outbox, msg)
}

// publishSelf emits the self snapshot and refreshes its own peers entry,
// so the self peer is never stale.
func (e *Engine) publishSelf(typ transport.Type) {
	snap := e.selfSnapshot()
	e.store.Set(func(s state.EngineState) state.EngineState {
		return s.WithPeer(snap)
	})
	e.enqueue(transport.Message{Type: typ, Peer: &snap})
}

// requestData asks the leader for the layout and the shared map.
func (e *Engine) requestData() {
	e.enqueue(transport.Message{Type: transport.TypeRequestLayout, ID: e.id})
}

func (e *Engine) selfSnapshot() peers.Snapshot {
	st := e.store.Get()
	ts := now()
	return peers.Snapshot{
		ID:               e.id,
		CreatedAt:        e.createdAt,
		LastSeen:         ts,
		Rect:             st.WinRect,
		AssignedScreenID: st.AssignedScreenID,
		VirtualRect:      st.VirtualRect,
		Timestamp:        ts,
	}
}
