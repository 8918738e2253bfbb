package mesh

import (
	"sort"

	"go.uber.org/zap"

	"github.com/shape-z/windowmesh/peers"
	"github.com/shape-z/windowmesh/state"
	"github.com/shape-z/windowmesh/transport"
)

// heartbeatTick publishes the self snapshot and, once the grace period is
// over, runs the leader election.
func (e *Engine) heartbeatTick() {
	e.locked(func() {
		if e.disposed {
			return
		}
		e.publishSelf(transport.TypeHeartbeat)
		if e.tickCount < GracePeriodTicks {
			e.tickCount++
			return
		}
		e.runElection()
	})
}

// runElection derives the leader deterministically from the current peer
// set: oldest createdAt wins, ties broken by lexicographic id. Every peer
// observing the same set reaches the same verdict, which is what heals a
// split brain within one tick of the partitions merging.
func (e *Engine) runElection() {
	st := e.store.Get()
	candidates := st.PeerSet().Filter(peers.Alive(now(), WindowTimeout))
	leader, ok := candidates.Leader()
	if !ok {
		return
	}
	if st.LeaderID != leader.ID {
		e.store.Update(func(s *state.EngineState) {
			s.LeaderID = leader.ID
		})
		e.logger.Info("elected leader", zap.String("leader_id", leader.ID))
	}
	// late joiners recover the layout even when the leader is throttled
	// and not heartbeating in short order
	if !st.IsLeader && st.Layout == nil {
		e.requestData()
	}
	if leader.ID == e.id {
		if !st.IsLeader {
			e.becomeLeader()
		}
		return
	}
	if st.IsLeader {
		e.logger.Info("stepping down", zap.String("leader_id", leader.ID))
		leadershipTransitions.Inc()
		e.store.Update(func(s *state.EngineState) {
			s.IsLeader = false
		})
	}
}

func (e *Engine) becomeLeader() {
	e.logger.Info("assuming leadership")
	leadershipTransitions.Inc()
	e.store.Update(func(s *state.EngineState) {
		s.IsLeader = true
	})
	e.enqueue(transport.Message{
		Type:      transport.TypeLeaderClaim,
		ID:        e.id,
		Timestamp: now(),
	})
	e.recomputeWorld()
}

// cleanupTick evicts peers that have been silent past WindowTimeout. The
// self entry is refreshed every heartbeat and never evicted.
func (e *Engine) cleanupTick() {
	e.locked(func() {
		if e.disposed {
			return
		}
		deadline := now() - WindowTimeout
		st := e.store.Get()
		stale := []string{}
		for id, p := range st.Peers {
			if id == e.id {
				continue
			}
			if p.LastSeen < deadline {
				stale = append(stale, id)
			}
		}
		if len(stale) == 0 {
			return
		}
		sort.Strings(stale)
		e.logger.Info("evicting stale peers", zap.Strings("peer_ids", stale))
		e.store.Set(func(s state.EngineState) state.EngineState {
			return s.WithoutPeers(stale...)
		})
		knownPeers.Set(float64(len(e.store.Get().Peers)))
		st = e.store.Get()
		if st.IsLeader && st.StaticLayout == nil {
			e.recomputeWorld()
		}
	})
}
