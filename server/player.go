package main

import (
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"gridtalk/internal/protocol"
	"gridtalk/internal/spatial"
)

// Player is one connected session: identity, presence, and the transport
// handles that carry its audio and game messages.
type Player struct {
	ID        uint32
	Name      string
	PublicKey [32]byte

	// Presence. Guarded by mu; the registry snapshots it for the router.
	mu    sync.Mutex
	level string
	x, y  uint16
	muted bool

	// Transport.
	pc      *webrtc.PeerConnection
	dcMu    sync.Mutex
	dc      *webrtc.DataChannel
	tcpMu   sync.Mutex
	tcp     net.Conn // nil once signalling is done
	relayMu sync.Mutex
	relay   *InboundRelay

	// Outbound tracks keyed by source player ID. Written by the routing
	// loop (sole writer); read by the renegotiation loop.
	outMu    sync.Mutex
	outbound map[uint32]*OutboundTrack

	webrtcConnected    atomic.Bool
	dcOpen             atomic.Bool
	needsRenegotiation atomic.Bool
	closed             atomic.Bool

	// Liveness, monotonic nanoseconds.
	lastPong atomic.Int64
	pingSent atomic.Int64
	pingMS   atomic.Int64
}

// Position returns the player's current level and coordinates.
func (p *Player) Position() (level string, x, y uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level, p.x, p.y
}

// SetPosition moves the player, optionally switching levels.
func (p *Player) SetPosition(level string, x, y uint16) {
	p.mu.Lock()
	p.level = level
	p.x = x
	p.y = y
	p.mu.Unlock()
}

// Muted reports the player's mute flag.
func (p *Player) Muted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}

// SetMuted updates the player's mute flag.
func (p *Player) SetMuted(muted bool) {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()
}

// Snapshot returns the player's routing view.
func (p *Player) Snapshot() spatial.Peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return spatial.Peer{ID: p.ID, X: p.x, Y: p.y, Level: p.level, Muted: p.muted}
}

// Info returns the player's WORLD_STATE record.
func (p *Player) Info() protocol.PlayerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return protocol.PlayerInfo{ID: p.ID, X: p.x, Y: p.y, Muted: p.muted, Name: p.Name, Level: p.level}
}

// SendGame delivers a game message to the player: over the data channel
// once it is open, over the TCP socket while still signalling. Send
// failures are logged, not fatal; transport errors surface through the
// connection state callbacks.
func (p *Player) SendGame(t protocol.MsgType, payload []byte) {
	frame := protocol.Frame(t, payload)

	p.dcMu.Lock()
	dc := p.dc
	p.dcMu.Unlock()
	if dc != nil && p.dcOpen.Load() {
		if err := dc.Send(frame); err != nil {
			log.Printf("[session %d] data channel send: %v", p.ID, err)
		}
		return
	}

	p.tcpMu.Lock()
	defer p.tcpMu.Unlock()
	if p.tcp != nil {
		if _, err := p.tcp.Write(frame); err != nil {
			log.Printf("[session %d] tcp send: %v", p.ID, err)
		}
	}
}

// Relay returns the player's inbound audio relay, or nil before the
// microphone track has arrived.
func (p *Player) Relay() *InboundRelay {
	p.relayMu.Lock()
	defer p.relayMu.Unlock()
	return p.relay
}

// SetRelay installs the inbound audio relay once the remote track arrives.
func (p *Player) SetRelay(relay *InboundRelay) {
	p.relayMu.Lock()
	p.relay = relay
	p.relayMu.Unlock()
}

// Track returns the outbound track carrying sourceID's audio to this
// player, if one exists.
func (p *Player) Track(sourceID uint32) (*OutboundTrack, bool) {
	p.outMu.Lock()
	defer p.outMu.Unlock()
	t, ok := p.outbound[sourceID]
	return t, ok
}

// EnsureTrack returns the outbound track for sourceID, creating it (and
// flagging renegotiation) if absent. Returns nil if track creation fails.
func (p *Player) EnsureTrack(sourceID uint32) *OutboundTrack {
	p.outMu.Lock()
	defer p.outMu.Unlock()
	if t, ok := p.outbound[sourceID]; ok {
		return t
	}
	t, err := NewOutboundTrack(sourceID, p.ID)
	if err != nil {
		log.Printf("[session %d] create track for source %d: %v", p.ID, sourceID, err)
		return nil
	}
	p.outbound[sourceID] = t
	p.needsRenegotiation.Store(true)
	return t
}

// RemoveTrack detaches and stops the outbound track for sourceID, flagging
// renegotiation if one was present.
func (p *Player) RemoveTrack(sourceID uint32) {
	p.outMu.Lock()
	t, ok := p.outbound[sourceID]
	if ok {
		delete(p.outbound, sourceID)
	}
	p.outMu.Unlock()
	if !ok {
		return
	}
	if sender := t.Sender(); sender != nil && p.pc != nil {
		if err := p.pc.RemoveTrack(sender); err != nil {
			log.Printf("[session %d] remove track for source %d: %v", p.ID, sourceID, err)
		}
	}
	t.Stop()
	p.needsRenegotiation.Store(true)
}

// TrackSources returns the source IDs this player currently has outbound
// tracks for.
func (p *Player) TrackSources() []uint32 {
	p.outMu.Lock()
	defer p.outMu.Unlock()
	out := make([]uint32, 0, len(p.outbound))
	for id := range p.outbound {
		out = append(out, id)
	}
	return out
}
