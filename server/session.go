package main

import (
	"errors"
	"io"
	"log"
	"net"
	"time"

	"gridtalk/internal/auth"
	"gridtalk/internal/level"
	"gridtalk/internal/protocol"
	"gridtalk/internal/spatial"
	"gridtalk/internal/store"
)

// authTimeout bounds the TCP handshake so half-open connections cannot
// hold sockets indefinitely.
const authTimeout = 30 * time.Second

// Server ties together the player registry, the spatial router, the level
// registry, and the identity store.
type Server struct {
	reg    *Registry
	router *spatial.Router
	levels *level.Registry
	store  *store.Store
}

// NewServer builds a Server around its collaborators.
func NewServer(levels *level.Registry, st *store.Store) *Server {
	return &Server{
		reg:    NewRegistry(),
		router: spatial.NewRouter(),
		levels: levels,
		store:  st,
	}
}

// handleConn runs one TCP signalling session: challenge, auth, hello,
// level delivery, and the SDP exchange. The socket closes once the data
// channel is open; from then on the session lives on the peer connection.
func (s *Server) handleConn(conn net.Conn) {
	conn.SetDeadline(time.Now().Add(authTimeout))

	p, ok := s.authenticate(conn)
	if !ok {
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	defer func() {
		// Reached on TCP read errors. Once signalling has completed the
		// socket is expected to die; before that it means the client went
		// away mid-handshake.
		if !p.dcOpen.Load() {
			s.closePlayer(p, "signalling connection lost")
		}
	}()

	if err := s.sendHello(p); err != nil {
		log.Printf("[session %d] hello: %v", p.ID, err)
		return
	}

	for {
		t, payload, err := protocol.ReadMessage(conn)
		if err != nil {
			if !p.dcOpen.Load() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Printf("[session %d] tcp read: %v", p.ID, err)
			}
			return
		}
		switch t {
		case protocol.MsgLevelManifestRequest, protocol.MsgLevelFilesRequest, protocol.MsgLevelPackRequest:
			s.serveLevel(p, t, payload)
		case protocol.MsgWebRTCOffer:
			sdp, err := protocol.DecodeSDP(payload)
			if err != nil {
				log.Printf("[session %d] offer: %v", p.ID, err)
				return
			}
			answer, err := s.setupPeer(p, sdp)
			if err != nil {
				log.Printf("[session %d] peer setup: %v", p.ID, err)
				return
			}
			p.SendGame(protocol.MsgWebRTCAnswer, protocol.EncodeSDP(answer))
		default:
			// Unknown or out-of-phase types are dropped, never fatal.
		}
	}
}

// authenticate runs the Ed25519 challenge/response over a fresh TCP
// connection. On success the player is created and registered; on failure
// the rejection code is reported and the connection is abandoned.
func (s *Server) authenticate(conn net.Conn) (*Player, bool) {
	nonce, err := auth.NewNonce()
	if err != nil {
		log.Printf("[auth] nonce: %v", err)
		return nil, false
	}
	if err := protocol.WriteMessage(conn, protocol.MsgAuthChallenge, protocol.EncodeAuthChallenge(nonce)); err != nil {
		return nil, false
	}

	t, payload, err := protocol.ReadMessage(conn)
	if err != nil || t != protocol.MsgAuthResponse {
		return nil, false
	}
	resp, err := protocol.DecodeAuthResponse(payload)
	if err != nil {
		return nil, false
	}

	code, p := s.authDecision(nonce, resp)
	protocol.WriteMessage(conn, protocol.MsgAuthResult, protocol.EncodeAuthResult(code))
	if code != protocol.AuthSuccess {
		log.Printf("[auth] rejected %q: %s", resp.Name, protocol.AuthResultString(code))
		return nil, false
	}

	p.tcpMu.Lock()
	p.tcp = conn
	p.tcpMu.Unlock()
	log.Printf("[auth] %s authenticated as player %d", p.Name, p.ID)
	return p, true
}

// authDecision applies the auth policy and, on success, creates and
// registers the player at its spawn position.
func (s *Server) authDecision(nonce [32]byte, resp protocol.AuthResponse) (byte, *Player) {
	if !auth.ValidName(resp.Name) {
		return protocol.AuthInvalidName, nil
	}
	if !auth.Verify(resp.PublicKey, nonce, resp.Name, resp.Signature) {
		return protocol.AuthInvalidSignature, nil
	}

	if existingKey, ok := s.store.PublicKey(resp.Name); ok && existingKey != resp.PublicKey {
		return protocol.AuthNameTaken, nil
	}
	if existingName, ok := s.store.NameByKey(resp.PublicKey); ok && existingName != resp.Name {
		return protocol.AuthKeyMismatch, nil
	}
	if err := s.store.Register(resp.Name, resp.PublicKey); err != nil {
		// Lost a registration race; report the binding conflict.
		return protocol.AuthNameTaken, nil
	}

	lvl, x, y := s.spawnFor(resp.Name)
	p := &Player{
		ID:        s.reg.NextID(),
		Name:      resp.Name,
		PublicKey: resp.PublicKey,
		level:     lvl,
		x:         x,
		y:         y,
		outbound:  make(map[uint32]*OutboundTrack),
	}
	if !s.reg.AddUnique(p) {
		return protocol.AuthAlreadyConnected, nil
	}
	return protocol.AuthSuccess, p
}

// spawnFor returns the player's spawn position: the persisted last-known
// position when it is still in a loaded level and walkable, else a fresh
// spawn on main.
func (s *Server) spawnFor(name string) (string, uint16, uint16) {
	if st, ok := s.store.GetState(name); ok {
		if lv, ok := s.levels.Level(st.Level); ok && lv.Walkable(int(st.X), int(st.Y)) {
			return st.Level, st.X, st.Y
		}
	}
	lv, _ := s.levels.Level("main")
	x, y := lv.SpawnPosition()
	return "main", x, y
}

// sendHello sends SERVER_HELLO with the player's level grid and spawn.
func (s *Server) sendHello(p *Player) error {
	lvlName, x, y := p.Position()
	lv, ok := s.levels.Level(lvlName)
	if !ok {
		return errors.New("player on unknown level " + lvlName)
	}
	hello := protocol.ServerHello{
		PlayerID:  p.ID,
		Width:     uint16(lv.Width),
		Height:    uint16(lv.Height),
		SpawnX:    x,
		SpawnY:    y,
		LevelData: lv.GridBytes(),
		LevelName: lvlName,
	}
	p.tcpMu.Lock()
	defer p.tcpMu.Unlock()
	if p.tcp == nil {
		return net.ErrClosed
	}
	return protocol.WriteMessage(p.tcp, protocol.MsgServerHello, protocol.EncodeServerHello(hello))
}

// enterPlaying moves a session into the playing state once its data
// channel opens: the TCP socket is released, presence is announced, and
// outbound tracks toward every in-range speaker are prepared.
func (s *Server) enterPlaying(p *Player) {
	log.Printf("[session %d] data channel open", p.ID)
	p.lastPong.Store(time.Now().UnixNano())

	// Signalling is done; further traffic rides the data channel.
	p.tcpMu.Lock()
	if p.tcp != nil {
		p.tcp.Close()
		p.tcp = nil
	}
	p.tcpMu.Unlock()

	s.reg.Broadcast(protocol.MsgPlayerJoined, protocol.EncodePlayerJoined(p.ID, p.Name), p.ID)
	s.reg.BroadcastWorldState()
	s.router.InvalidateAll()

	// Prepare tracks from every in-range speaker so the first
	// renegotiation already carries them.
	self := p.Snapshot()
	for _, peer := range s.reg.Peers() {
		if peer.ID == self.ID || peer.Level != self.Level {
			continue
		}
		if spatial.Volume(int(peer.X)-int(self.X), int(peer.Y)-int(self.Y)) > 0 {
			p.EnsureTrack(peer.ID)
		}
	}
	p.needsRenegotiation.Store(true)
	if p.webrtcConnected.Load() {
		go s.renegotiate(p) // first offer without waiting for the tick
	}

	go s.pingLoop(p)
}

// pingLoop drives the session's keepalive clock.
func (s *Server) pingLoop(p *Player) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for range ticker.C {
		if p.closed.Load() {
			return
		}
		if time.Since(time.Unix(0, p.lastPong.Load())) > pongTimeout {
			s.closePlayer(p, "ping timeout")
			return
		}
		p.pingSent.Store(time.Now().UnixNano())
		p.SendGame(protocol.MsgPing, nil)
	}
}

// handleGameFrame decodes one data-channel message and dispatches it.
// Malformed frames close the session; unknown types are dropped.
func (s *Server) handleGameFrame(p *Player, data []byte) {
	t, payload, err := protocol.ParseFrame(data)
	if err != nil {
		log.Printf("[session %d] bad frame: %v", p.ID, err)
		s.closePlayer(p, "protocol error")
		return
	}
	switch t {
	case protocol.MsgPositionUpdate:
		seq, x, y, err := protocol.DecodePositionUpdate(payload)
		if err != nil {
			s.closePlayer(p, "protocol error")
			return
		}
		s.handleMove(p, seq, x, y)
	case protocol.MsgMuteStatus:
		muted, err := protocol.DecodeMuteStatus(payload)
		if err != nil {
			s.closePlayer(p, "protocol error")
			return
		}
		p.SetMuted(muted)
		s.router.Invalidate(p.ID)
		s.reg.BroadcastWorldState()
	case protocol.MsgPong:
		now := time.Now().UnixNano()
		p.lastPong.Store(now)
		if sent := p.pingSent.Swap(0); sent != 0 {
			p.pingMS.Store((now - sent) / int64(time.Millisecond))
		}
	case protocol.MsgWebRTCAnswer:
		sdp, err := protocol.DecodeSDP(payload)
		if err != nil {
			s.closePlayer(p, "protocol error")
			return
		}
		s.applyRenegotiationAnswer(p, sdp)
	case protocol.MsgLevelManifestRequest, protocol.MsgLevelFilesRequest, protocol.MsgLevelPackRequest:
		s.serveLevel(p, t, payload)
	default:
		// Unknown message types are dropped silently.
	}
}

// handleMove applies a POSITION_UPDATE: adjacency check, walkability,
// doors. The ack always carries the authoritative position.
func (s *Server) handleMove(p *Player, seq uint32, x, y uint16) {
	lvlName, curX, curY := p.Position()
	lv, ok := s.levels.Level(lvlName)
	if !ok {
		p.SendGame(protocol.MsgPositionAck, protocol.EncodePositionAck(seq, curX, curY))
		return
	}

	dx := int(x) - int(curX)
	dy := int(y) - int(curY)
	moved := false
	if dx >= -1 && dx <= 1 && dy >= -1 && dy <= 1 && lv.Walkable(int(x), int(y)) {
		p.SetPosition(lvlName, x, y)
		moved = true

		if lv.Tiles.Get(lv.TileAt(int(x), int(y))).IsDoor {
			if door, ok := lv.DoorAt(x, y); ok {
				s.handleDoor(p, lvlName, door)
			}
		}
	}

	_, ackX, ackY := p.Position()
	p.SendGame(protocol.MsgPositionAck, protocol.EncodePositionAck(seq, ackX, ackY))
	if moved {
		s.reg.BroadcastWorldState()
	}
}

// handleDoor applies a door or teleporter the player just stepped on.
// Cross-level doors notify the client before the position ack so it can
// start loading the target level.
func (s *Server) handleDoor(p *Player, lvlName string, door level.Door) {
	target := door.TargetLevel
	if target == "" || target == lvlName {
		p.SetPosition(lvlName, door.TargetX, door.TargetY)
		return
	}
	if _, ok := s.levels.Level(target); !ok {
		log.Printf("[session %d] door targets unknown level %q", p.ID, target)
		return
	}
	p.SendGame(protocol.MsgDoorTransition, protocol.EncodeDoorTransition(target, door.TargetX, door.TargetY))
	p.SetPosition(target, door.TargetX, door.TargetY)
	s.router.Invalidate(p.ID)
	log.Printf("[session %d] %s entered door to %s (%d,%d)", p.ID, p.Name, target, door.TargetX, door.TargetY)
}

// serveLevel answers the three level delivery requests. Unknown levels
// yield empty responses; the client surfaces those as level errors.
func (s *Server) serveLevel(p *Player, t protocol.MsgType, payload []byte) {
	switch t {
	case protocol.MsgLevelManifestRequest:
		name, err := protocol.DecodeLevelRequest(payload)
		if err != nil {
			return
		}
		out, err := protocol.EncodeLevelManifest(s.levels.Manifest(name))
		if err != nil {
			log.Printf("[session %d] manifest %q: %v", p.ID, name, err)
			return
		}
		p.SendGame(protocol.MsgLevelManifest, out)
	case protocol.MsgLevelFilesRequest:
		name, paths, err := protocol.DecodeLevelFilesRequest(payload)
		if err != nil {
			return
		}
		p.SendGame(protocol.MsgLevelFilesData, protocol.EncodeLevelFilesData(s.levels.Files(name, paths)))
	case protocol.MsgLevelPackRequest:
		name, err := protocol.DecodeLevelRequest(payload)
		if err != nil {
			return
		}
		p.SendGame(protocol.MsgLevelPackData, protocol.EncodeLevelPackData(s.levels.Tarball(name)))
	}
}

// closePlayer tears down a session exactly once: persist position, stop
// audio, close transports, drop registry and router state, and announce
// the departure.
func (s *Server) closePlayer(p *Player, reason string) {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	log.Printf("[session %d] closing (%s)", p.ID, reason)

	lvlName, x, y := p.Position()
	if err := s.store.SaveState(p.Name, store.State{X: x, Y: y, Level: lvlName}); err != nil {
		log.Printf("[session %d] persist state: %v", p.ID, err)
	}

	if relay := p.Relay(); relay != nil {
		relay.Stop()
	}
	p.outMu.Lock()
	for _, t := range p.outbound {
		t.Stop()
	}
	p.outbound = make(map[uint32]*OutboundTrack)
	p.outMu.Unlock()

	if p.pc != nil {
		p.pc.Close()
	}
	p.tcpMu.Lock()
	if p.tcp != nil {
		p.tcp.Close()
		p.tcp = nil
	}
	p.tcpMu.Unlock()

	if s.reg.Remove(p.ID) {
		s.router.Invalidate(p.ID)
		s.reg.Broadcast(protocol.MsgPlayerLeft, protocol.EncodePlayerLeft(p.ID), p.ID)
		s.reg.BroadcastWorldState()
	}
}

// applyRenegotiationAnswer installs the client's answer to a server offer.
func (s *Server) applyRenegotiationAnswer(p *Player, sdp string) {
	if p.pc == nil {
		return
	}
	answer := webrtcSessionDescription(sdp)
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		log.Printf("[session %d] renegotiation answer: %v", p.ID, err)
	}
}
