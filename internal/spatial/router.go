package spatial

import (
	"math"
	"sync"
)

// Peer is the position snapshot the router operates on.
type Peer struct {
	ID    uint32
	X     uint16
	Y     uint16
	Level string
	Muted bool
}

// Recipient is one routing decision: deliver the source's audio to ID at
// the given volume.
type Recipient struct {
	ID     uint32
	Volume float64
}

// volumeDriftTolerance is how far a cached recipient's volume may drift
// before the cache entry is recomputed.
const volumeDriftTolerance = 0.01

type cacheEntry struct {
	x, y       uint16
	level      string
	recipients []Recipient
	positions  map[uint32][2]uint16 // recipient id -> position at cache time
}

// Router computes the recipient set for a speaking source and caches the
// result per source until positions or membership change.
type Router struct {
	mu    sync.Mutex
	cache map[uint32]*cacheEntry
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{cache: make(map[uint32]*cacheEntry)}
}

// Recipients returns the players who should hear source, with per-recipient
// volume. peers is the full connected-player snapshot; the source itself,
// players on other levels, and out-of-range players are excluded. A muted
// source has no recipients.
func (r *Router) Recipients(source Peer, peers []Peer) []Recipient {
	if source.Muted {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.cache[source.ID]; ok && r.cacheValid(source, entry, peers) {
		return entry.recipients
	}

	entry := &cacheEntry{
		x:         source.X,
		y:         source.Y,
		level:     source.Level,
		positions: make(map[uint32][2]uint16),
	}
	for _, p := range peers {
		if p.ID == source.ID || p.Level != source.Level {
			continue
		}
		vol := Volume(int(p.X)-int(source.X), int(p.Y)-int(source.Y))
		if vol > 0.0 {
			entry.recipients = append(entry.recipients, Recipient{ID: p.ID, Volume: vol})
			entry.positions[p.ID] = [2]uint16{p.X, p.Y}
		}
	}
	r.cache[source.ID] = entry
	return entry.recipients
}

// cacheValid reports whether a cached recipient list still holds: the
// source has not moved, every cached recipient is still present on the
// same level with a volume within tolerance, and no player outside the
// cached set has entered the audible disc.
func (r *Router) cacheValid(source Peer, entry *cacheEntry, peers []Peer) bool {
	if entry.x != source.X || entry.y != source.Y || entry.level != source.Level {
		return false
	}

	byID := make(map[uint32]Peer, len(peers))
	for _, p := range peers {
		byID[p.ID] = p
	}

	for _, rec := range entry.recipients {
		p, ok := byID[rec.ID]
		if !ok || p.Level != source.Level {
			return false
		}
		vol := Volume(int(p.X)-int(source.X), int(p.Y)-int(source.Y))
		if math.Abs(vol-rec.Volume) > volumeDriftTolerance {
			return false
		}
	}

	for _, p := range peers {
		if p.ID == source.ID || p.Level != source.Level {
			continue
		}
		if _, cached := entry.positions[p.ID]; cached {
			continue
		}
		if Volume(int(p.X)-int(source.X), int(p.Y)-int(source.Y)) > 0.0 {
			return false // new player entered the disc
		}
	}
	return true
}

// Invalidate drops the cached recipient list for one source. Call on
// disconnect and on any state change the cache cannot observe.
func (r *Router) Invalidate(id uint32) {
	r.mu.Lock()
	delete(r.cache, id)
	r.mu.Unlock()
}

// InvalidateAll drops every cached recipient list.
func (r *Router) InvalidateAll() {
	r.mu.Lock()
	r.cache = make(map[uint32]*cacheEntry)
	r.mu.Unlock()
}
