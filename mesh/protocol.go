package mesh

import (
	"sort"

	"go.uber.org/zap"

	"github.com/shape-z/windowmesh/state"
	"github.com/shape-z/windowmesh/transport"
)

// handleMessage ingests one inbound message. Malformed payloads never
// reach the state: the transport already dropped frames without a
// discriminator, and each reaction validates its own variant fields.
func (e *Engine) handleMessage(msg transport.Message) {
	e.locked(func() {
		if e.disposed {
			return
		}
		messagesReceived.WithLabelValues(string(msg.Type)).Inc()
		switch msg.Type {
		case transport.TypeHello, transport.TypeHeartbeat:
			e.handlePresence(msg)
		case transport.TypeGoodbye:
			e.handleGoodbye(msg)
		case transport.TypeLayoutUpdate:
			e.handleLayoutUpdate(msg)
		case transport.TypeLeaderClaim:
			e.handleLeaderClaim(msg)
		case transport.TypeRequestLayout:
			e.handleRequestLayout(msg)
		case transport.TypeSharedDataUpdate:
			e.handleSharedData(msg)
		}
	})
}

// handlePresence upserts the sender. Snapshots claiming our own id are
// ignored so a transport that echoes cannot contaminate the self entry.
func (e *Engine) handlePresence(msg transport.Message) {
	if msg.Peer == nil || msg.Peer.ID == "" || msg.Peer.ID == e.id {
		return
	}
	snap := *msg.Peer
	snap.LastSeen = now()
	e.store.Set(func(s state.EngineState) state.EngineState {
		return s.WithPeer(snap)
	})
	knownPeers.Set(float64(len(e.store.Get().Peers)))
	if e.store.Get().IsLeader {
		// a new peer, or a moved rect, may change the frame
		e.recomputeWorld()
	}
}

// handleGoodbye evicts the departed peer. Every survivor prunes the dead
// screen from its local layout copy immediately, so the canvas converges
// before the next leader broadcast; the leader then recomputes and
// rebroadcasts as usual.
func (e *Engine) handleGoodbye(msg transport.Message) {
	if msg.ID == "" || msg.ID == e.id {
		return
	}
	e.store.Set(func(s state.EngineState) state.EngineState {
		s = s.WithoutPeers(msg.ID)
		if s.Layout != nil {
			if pruned, ok := s.Layout.WithoutScreen(msg.ID); ok {
				s.Layout = &pruned
			}
		}
		return s
	})
	knownPeers.Set(float64(len(e.store.Get().Peers)))
	e.recomputeLocalView()
	st := e.store.Get()
	if st.IsLeader && st.StaticLayout == nil {
		e.recomputeWorld()
	}
	e.logger.Info("peer said goodbye", zap.String("peer_id", msg.ID))
}

// handleLayoutUpdate adopts the leader's layout. Leaders ignore it: they
// are the source of truth. An update identical to the current layout is a
// no-op.
func (e *Engine) handleLayoutUpdate(msg transport.Message) {
	if msg.Layout == nil {
		return
	}
	st := e.store.Get()
	if st.IsLeader {
		return
	}
	if err := msg.Layout.Validate(); err != nil {
		e.logger.Error("dropping invalid layout update", zap.Error(err))
		return
	}
	if st.Layout != nil && st.Layout.Equal(*msg.Layout) {
		return
	}
	adopted := *msg.Layout
	e.store.Update(func(s *state.EngineState) {
		s.Layout = &adopted
	})
	e.recomputeLocalView()
}

// handleLeaderClaim steps down unconditionally. The claim is explicit
// preemption, not final assignment: the next tick's election re-adjudicates.
func (e *Engine) handleLeaderClaim(msg transport.Message) {
	if msg.ID == "" || msg.ID == e.id {
		return
	}
	if e.store.Get().IsLeader {
		e.logger.Info("stepping down, leadership claimed",
			zap.String("claimant_id", msg.ID))
		leadershipTransitions.Inc()
	}
	e.store.Update(func(s *state.EngineState) {
		s.IsLeader = false
	})
}

// handleRequestLayout serves a newcomer: rebroadcast the layout, then
// replay every shared entry one by one so it obtains the full map.
func (e *Engine) handleRequestLayout(msg transport.Message) {
	if msg.ID == e.id {
		return
	}
	st := e.store.Get()
	if !st.IsLeader {
		return
	}
	e.recomputeWorld()
	st = e.store.Get()
	keys := make([]string, 0, len(st.SharedData))
	for key := range st.SharedData {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		e.enqueue(transport.Message{
			Type:  transport.TypeSharedDataUpdate,
			Key:   key,
			Value: st.SharedData[key],
		})
	}
}

func (e *Engine) handleSharedData(msg transport.Message) {
	if msg.Key == "" {
		return
	}
	e.store.Set(func(s state.EngineState) state.EngineState {
		return s.WithSharedData(msg.Key, msg.Value)
	})
}
