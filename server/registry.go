package main

import (
	"log"
	"sync"
	"sync/atomic"

	"gridtalk/internal/protocol"
	"gridtalk/internal/spatial"
)

// Registry holds all connected players. The accepting task inserts, each
// session's own teardown removes; everything else reads snapshots.
type Registry struct {
	mu      sync.RWMutex
	players map[uint32]*Player
	nextID  atomic.Uint32

	// Metrics, reset on each Stats call.
	routedFrames  atomic.Uint64
	droppedFrames atomic.Uint64
}

// NewRegistry returns an empty player registry.
func NewRegistry() *Registry {
	return &Registry{players: make(map[uint32]*Player)}
}

// NextID returns a fresh process-local player ID.
func (r *Registry) NextID() uint32 {
	return r.nextID.Add(1)
}

// Add registers a connected player.
func (r *Registry) Add(p *Player) {
	r.mu.Lock()
	r.players[p.ID] = p
	total := len(r.players)
	r.mu.Unlock()
	log.Printf("[registry] player %d (%s) joined, total=%d", p.ID, p.Name, total)
}

// AddUnique registers a player unless another connected player already
// holds the same public key. Returns false without registering on a
// duplicate key.
func (r *Registry) AddUnique(p *Player) bool {
	r.mu.Lock()
	for _, existing := range r.players {
		if existing.PublicKey == p.PublicKey {
			r.mu.Unlock()
			return false
		}
	}
	r.players[p.ID] = p
	total := len(r.players)
	r.mu.Unlock()
	log.Printf("[registry] player %d (%s) joined, total=%d", p.ID, p.Name, total)
	return true
}

// Remove unregisters a player by ID.
func (r *Registry) Remove(id uint32) bool {
	r.mu.Lock()
	_, existed := r.players[id]
	delete(r.players, id)
	total := len(r.players)
	r.mu.Unlock()
	if existed {
		log.Printf("[registry] player %d left, total=%d", id, total)
	}
	return existed
}

// Get returns the player with the given ID, or nil.
func (r *Registry) Get(id uint32) *Player {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.players[id]
}

// ByKey returns the connected player holding the given public key, or nil.
func (r *Registry) ByKey(key [32]byte) *Player {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.players {
		if p.PublicKey == key {
			return p
		}
	}
	return nil
}

// All returns a snapshot of every connected player.
func (r *Registry) All() []*Player {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Player, 0, len(r.players))
	for _, p := range r.players {
		out = append(out, p)
	}
	return out
}

// Count returns the number of connected players.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.players)
}

// Peers returns the router's view of every connected player.
func (r *Registry) Peers() []spatial.Peer {
	players := r.All()
	peers := make([]spatial.Peer, 0, len(players))
	for _, p := range players {
		peers = append(peers, p.Snapshot())
	}
	return peers
}

// WorldState returns the presence records for a WORLD_STATE broadcast.
func (r *Registry) WorldState() []protocol.PlayerInfo {
	players := r.All()
	infos := make([]protocol.PlayerInfo, 0, len(players))
	for _, p := range players {
		infos = append(infos, p.Info())
	}
	return infos
}

// Broadcast sends a game message to every connected player except
// excludeID (0 = send to all).
func (r *Registry) Broadcast(t protocol.MsgType, payload []byte, excludeID uint32) {
	for _, p := range r.All() {
		if p.ID == excludeID {
			continue
		}
		p.SendGame(t, payload)
	}
}

// BroadcastWorldState sends the current WORLD_STATE to every player.
func (r *Registry) BroadcastWorldState() {
	r.Broadcast(protocol.MsgWorldState, protocol.EncodeWorldState(r.WorldState()), 0)
}

// Stats returns and resets the routed/dropped frame counters.
func (r *Registry) Stats() (routed, dropped uint64, players int) {
	return r.routedFrames.Swap(0), r.droppedFrames.Swap(0), r.Count()
}
