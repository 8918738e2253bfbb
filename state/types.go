package state

import (
	"encoding/json"

	"github.com/shape-z/windowmesh/geometry"
	"github.com/shape-z/windowmesh/layout"
	"github.com/shape-z/windowmesh/peers"
)

// EngineState is the full per-peer snapshot held by the Store. Everything
// the engine knows lives here; external collaborators read it through
// subscriptions and never write any field except the shared data map,
// which goes through the engine entry point.
type EngineState struct {
	WindowID         string                     `json:"windowId"`
	WinRect          geometry.Rect              `json:"winRect"`
	Peers            map[string]peers.Snapshot  `json:"peers"`
	Layout           *layout.Layout             `json:"layout,omitempty"`
	AssignedScreenID string                     `json:"assignedScreenId,omitempty"`
	ViewportOffset   geometry.Point             `json:"viewportOffset"`
	VirtualRect      *geometry.Rect             `json:"virtualRect,omitempty"`
	IsLeader         bool                       `json:"isLeader"`
	LeaderID         string                     `json:"leaderId,omitempty"`
	SharedData       map[string]json.RawMessage `json:"sharedData"`
	StaticLayout     *layout.Layout             `json:"staticLayout,omitempty"`
}

// PeerSet flattens the peers map, self included, for election and layout
// computation.
func (s EngineState) PeerSet() peers.Set {
	set := make(peers.Set, 0, len(s.Peers))
	for _, p := range s.Peers {
		set = append(set, p)
	}
	return set
}

// WithPeer returns the state with the given snapshot upserted into a fresh
// peers map. The receiver is left untouched.
func (s EngineState) WithPeer(p peers.Snapshot) EngineState {
	next := make(map[string]peers.Snapshot, len(s.Peers)+1)
	for id, existing := range s.Peers {
		next[id] = existing
	}
	next[p.ID] = p
	s.Peers = next
	return s
}

// WithoutPeers returns the state with the given peer ids evicted.
func (s EngineState) WithoutPeers(ids ...string) EngineState {
	next := make(map[string]peers.Snapshot, len(s.Peers))
	for id, existing := range s.Peers {
		next[id] = existing
	}
	for _, id := range ids {
		delete(next, id)
	}
	s.Peers = next
	return s
}

// WithSharedData returns the state with the key set in a fresh shared data
// map. Last write wins: the caller applies entries in delivery order.
func (s EngineState) WithSharedData(key string, value json.RawMessage) EngineState {
	next := make(map[string]json.RawMessage, len(s.SharedData)+1)
	for k, v := range s.SharedData {
		next[k] = v
	}
	next[key] = value
	s.SharedData = next
	return s
}
