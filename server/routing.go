package main

import (
	"context"
	"time"

	"gridtalk/internal/spatial"
)

// RunRouting is the audio routing loop: every 20 ms it reconciles the
// in-range track sets, then fans each source's buffered frames out to its
// recipients with per-recipient volume applied.
func (s *Server) RunRouting(ctx context.Context) {
	ticker := time.NewTicker(routingTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.routeTick()
		}
	}
}

// routeTick runs one routing cycle.
func (s *Server) routeTick() {
	players := s.reg.All()
	peers := make([]spatial.Peer, 0, len(players))
	byID := make(map[uint32]*Player, len(players))
	for _, p := range players {
		peers = append(peers, p.Snapshot())
		byID[p.ID] = p
	}

	inRange := buildInRange(peers)

	// Ensure a track exists for every in-range (source, recipient) pair so
	// the renegotiation loop can offer it before audio starts flowing.
	for recipientID, sources := range inRange {
		r := byID[recipientID]
		if r == nil || !r.webrtcConnected.Load() {
			continue
		}
		for sourceID := range sources {
			r.EnsureTrack(sourceID)
		}
	}

	// Fan out each source's pending frames.
	for _, src := range players {
		relay := src.Relay()
		if relay == nil || !src.webrtcConnected.Load() {
			continue
		}
		if dropped := relay.Dropped(); dropped > 0 {
			s.reg.droppedFrames.Add(dropped)
		}
		if src.Muted() {
			relay.Drain() // no forwarding, but keep the queue from building up
			continue
		}

		recipients := s.router.Recipients(src.Snapshot(), peers)
		if len(recipients) == 0 {
			relay.Drain()
			continue
		}
		for {
			frame := relay.NextFrame()
			if frame == nil {
				break
			}
			s.fanOut(src.ID, frame, recipients, byID)
		}
	}

	// Prune tracks whose source is no longer in range of the recipient.
	for _, r := range players {
		sources := inRange[r.ID]
		for _, sourceID := range r.TrackSources() {
			if _, ok := sources[sourceID]; !ok {
				r.RemoveTrack(sourceID)
			}
		}
	}
}

// fanOut delivers one source frame to every recipient at its volume. Each
// recipient gets its own scaled copy; the source frame is never aliased.
func (s *Server) fanOut(sourceID uint32, frame []float32, recipients []spatial.Recipient, byID map[uint32]*Player) {
	for _, rec := range recipients {
		r := byID[rec.ID]
		if r == nil || !r.webrtcConnected.Load() {
			continue
		}
		track := r.EnsureTrack(sourceID)
		if track == nil {
			continue
		}
		track.Enqueue(scaleFrame(frame, rec.Volume))
		s.reg.routedFrames.Add(1)
	}
}

// scaleFrame returns a volume-scaled copy of frame.
func scaleFrame(frame []float32, volume float64) []float32 {
	out := make([]float32, len(frame))
	v := float32(volume)
	for i, sample := range frame {
		out[i] = sample * v
	}
	return out
}

// buildInRange computes, for every recipient, the set of sources it can
// hear: same level, within audio range, not itself. Mute does not affect
// track existence, only routing.
func buildInRange(peers []spatial.Peer) map[uint32]map[uint32]struct{} {
	out := make(map[uint32]map[uint32]struct{}, len(peers))
	for _, r := range peers {
		sources := make(map[uint32]struct{})
		for _, src := range peers {
			if src.ID == r.ID || src.Level != r.Level {
				continue
			}
			if spatial.Volume(int(src.X)-int(r.X), int(src.Y)-int(r.Y)) > 0 {
				sources[src.ID] = struct{}{}
			}
		}
		out[r.ID] = sources
	}
	return out
}
