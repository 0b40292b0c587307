package main

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"gopkg.in/hraban/opus.v2"

	"gridtalk/internal/auth"
	"gridtalk/internal/level"
	"gridtalk/internal/protocol"
)

// fetchTimeout bounds level delivery and signalling waits.
const fetchTimeout = 30 * time.Second

// GameClient drives one connection: auth over TCP, level delivery, the
// WebRTC session, prediction, and audio routing.
type GameClient struct {
	name     string
	identity Identity
	playback *Playback
	capture  *Capture
	cache    *LevelCache

	playerID   uint32
	scratchDir string

	mu        sync.Mutex
	levelName string
	level     *level.Level
	predictor Predictor
	players   []protocol.PlayerInfo
	muted     bool

	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	tcpMu sync.Mutex
	tcp   net.Conn

	trackMu  sync.Mutex
	trackMap map[string]uint32 // transceiver MID -> source player ID

	dcOpen     chan struct{}
	closed     chan struct{}
	closeOnce  sync.Once
	manifestCh chan map[string]protocol.FileStat
	filesCh    chan map[string][]byte
	answerCh   chan string
}

// NewGameClient builds a client around an identity and audio plumbing.
func NewGameClient(name string, id Identity, playback *Playback, capture *Capture, cache *LevelCache) *GameClient {
	return &GameClient{
		name:       name,
		identity:   id,
		playback:   playback,
		capture:    capture,
		cache:      cache,
		trackMap:   make(map[string]uint32),
		dcOpen:     make(chan struct{}),
		closed:     make(chan struct{}),
		manifestCh: make(chan map[string]protocol.FileStat, 1),
		filesCh:    make(chan map[string][]byte, 1),
		answerCh:   make(chan string, 1),
	}
}

// Connect performs the full session setup: TCP auth, level delivery, SDP
// exchange, and the switch onto the data channel.
func (c *GameClient) Connect(host string, port int) error {
	conn, err := net.Dial("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	c.tcpMu.Lock()
	c.tcp = conn
	c.tcpMu.Unlock()

	if err := c.authenticate(conn); err != nil {
		conn.Close()
		return err
	}

	hello, err := c.readHello(conn)
	if err != nil {
		conn.Close()
		return err
	}
	c.playerID = hello.PlayerID
	gridLevel, err := level.GridFromBytes(hello.LevelName, int(hello.Width), int(hello.Height), hello.LevelData)
	if err != nil {
		conn.Close()
		return err
	}
	c.mu.Lock()
	c.levelName = hello.LevelName
	c.level = gridLevel
	c.predictor.Reset(hello.SpawnX, hello.SpawnY)
	c.mu.Unlock()

	scratch, err := os.MkdirTemp("", "gridtalk-level-*")
	if err != nil {
		conn.Close()
		return err
	}
	c.scratchDir = scratch

	// From here on, everything incoming is dispatched by the reader; level
	// delivery and the SDP answer arrive through channels.
	go c.readTCP(conn)

	if lv, err := c.fetchLevel(hello.LevelName); err != nil {
		log.Printf("[client] level fetch: %v (using wire grid)", err)
	} else {
		c.mu.Lock()
		c.level = lv
		c.mu.Unlock()
	}

	if err := c.setupWebRTC(); err != nil {
		conn.Close()
		return fmt.Errorf("webrtc: %w", err)
	}

	select {
	case <-c.dcOpen:
	case <-c.closed:
		return errors.New("connection closed during setup")
	case <-time.After(fetchTimeout):
		c.Close()
		return errors.New("timeout waiting for data channel")
	}

	// Signalling is complete; the data channel carries everything now.
	c.tcpMu.Lock()
	if c.tcp != nil {
		c.tcp.Close()
		c.tcp = nil
	}
	c.tcpMu.Unlock()

	if c.capture != nil {
		if err := c.capture.Start(); err != nil {
			log.Printf("[client] microphone unavailable: %v", err)
		}
	}
	log.Printf("[client] connected as %s (id=%d) on %s", c.name, c.playerID, hello.LevelName)
	return nil
}

// authenticate runs the challenge/response over the fresh TCP socket.
func (c *GameClient) authenticate(conn net.Conn) error {
	t, payload, err := protocol.ReadMessage(conn)
	if err != nil || t != protocol.MsgAuthChallenge {
		return errors.New("expected auth challenge")
	}
	nonce, err := protocol.DecodeAuthChallenge(payload)
	if err != nil {
		return err
	}
	resp := protocol.AuthResponse{
		PublicKey: c.identity.PublicKey,
		Signature: auth.Sign(c.identity.PrivateKey, nonce, c.name),
		Name:      c.name,
	}
	if err := protocol.WriteMessage(conn, protocol.MsgAuthResponse, protocol.EncodeAuthResponse(resp)); err != nil {
		return err
	}
	t, payload, err = protocol.ReadMessage(conn)
	if err != nil || t != protocol.MsgAuthResult {
		return errors.New("expected auth result")
	}
	code, err := protocol.DecodeAuthResult(payload)
	if err != nil {
		return err
	}
	if code != protocol.AuthSuccess {
		return fmt.Errorf("authentication failed: %s", protocol.AuthResultString(code))
	}
	return nil
}

// readHello reads the SERVER_HELLO that follows a successful auth.
func (c *GameClient) readHello(conn net.Conn) (protocol.ServerHello, error) {
	t, payload, err := protocol.ReadMessage(conn)
	if err != nil || t != protocol.MsgServerHello {
		return protocol.ServerHello{}, errors.New("expected server hello")
	}
	return protocol.DecodeServerHello(payload)
}

// readTCP dispatches messages arriving on the TCP socket until signalling
// ends and the socket closes.
func (c *GameClient) readTCP(conn net.Conn) {
	for {
		t, payload, err := protocol.ReadMessage(conn)
		if err != nil {
			return
		}
		c.handleMessage(t, payload)
	}
}

// send delivers a game message over the data channel once open, over TCP
// before that.
func (c *GameClient) send(t protocol.MsgType, payload []byte) error {
	select {
	case <-c.dcOpen:
		return c.dc.Send(protocol.Frame(t, payload))
	default:
	}
	c.tcpMu.Lock()
	defer c.tcpMu.Unlock()
	if c.tcp == nil {
		return net.ErrClosed
	}
	return protocol.WriteMessage(c.tcp, t, payload)
}

// fetchLevel retrieves a level via the content-addressed delta protocol:
// manifest, cache intersection, then exactly the missing files.
func (c *GameClient) fetchLevel(name string) (*level.Level, error) {
	if err := c.send(protocol.MsgLevelManifestRequest, protocol.EncodeLevelRequest(name)); err != nil {
		return nil, err
	}
	var manifest map[string]protocol.FileStat
	select {
	case manifest = <-c.manifestCh:
	case <-time.After(fetchTimeout):
		return nil, errors.New("timeout waiting for level manifest")
	}
	if len(manifest) == 0 {
		return nil, fmt.Errorf("level %q unknown to server", name)
	}

	missing, have := missingPaths(manifest, c.cache)
	if len(missing) > 0 {
		req, err := protocol.EncodeLevelFilesRequest(name, missing)
		if err != nil {
			return nil, err
		}
		if err := c.send(protocol.MsgLevelFilesRequest, req); err != nil {
			return nil, err
		}
		var files map[string][]byte
		select {
		case files = <-c.filesCh:
		case <-time.After(fetchTimeout):
			return nil, errors.New("timeout waiting for level files")
		}
		if err := verifyFiles(manifest, files); err != nil {
			return nil, err
		}
		for path, data := range files {
			have[path] = data
			if err := c.cache.Store(data); err != nil {
				log.Printf("[client] cache store %s: %v", path, err)
			}
		}
	}
	log.Printf("[client] level %s: %d files cached, %d fetched", name, len(have)-len(missing), len(missing))
	return assembleLevel(name, have, c.scratchDir)
}

// handleMessage dispatches one server message, whichever transport it
// arrived on. Unknown types are dropped.
func (c *GameClient) handleMessage(t protocol.MsgType, payload []byte) {
	switch t {
	case protocol.MsgWorldState:
		players, err := protocol.DecodeWorldState(payload)
		if err != nil {
			return
		}
		c.applyWorldState(players)
	case protocol.MsgPositionAck:
		seq, x, y, err := protocol.DecodePositionAck(payload)
		if err != nil {
			return
		}
		c.mu.Lock()
		lv := c.level
		c.predictor.Ack(seq, x, y, func(px, py int) bool { return lv != nil && lv.Walkable(px, py) })
		c.mu.Unlock()
	case protocol.MsgPlayerJoined:
		id, name, err := protocol.DecodePlayerJoined(payload)
		if err == nil {
			log.Printf("[client] player %s joined (id=%d)", name, id)
		}
	case protocol.MsgPlayerLeft:
		id, err := protocol.DecodePlayerLeft(payload)
		if err != nil {
			return
		}
		c.mu.Lock()
		kept := c.players[:0]
		for _, p := range c.players {
			if p.ID != id {
				kept = append(kept, p)
			}
		}
		c.players = kept
		c.mu.Unlock()
		c.playback.RemoveSpeaker(id)
	case protocol.MsgDoorTransition:
		target, x, y, err := protocol.DecodeDoorTransition(payload)
		if err != nil {
			return
		}
		go c.transition(target, x, y)
	case protocol.MsgPing:
		c.send(protocol.MsgPong, nil)
	case protocol.MsgAudioTrackMap:
		m, err := protocol.DecodeAudioTrackMap(payload)
		if err != nil {
			return
		}
		c.trackMu.Lock()
		for mid, id := range m {
			c.trackMap[mid] = id
		}
		c.trackMu.Unlock()
	case protocol.MsgWebRTCOffer:
		sdp, err := protocol.DecodeSDP(payload)
		if err != nil {
			return
		}
		c.handleRenegotiationOffer(sdp)
	case protocol.MsgWebRTCAnswer:
		sdp, err := protocol.DecodeSDP(payload)
		if err != nil {
			return
		}
		select {
		case c.answerCh <- sdp:
		default:
		}
	case protocol.MsgLevelManifest:
		manifest, err := protocol.DecodeLevelManifest(payload)
		if err != nil {
			return
		}
		select {
		case c.manifestCh <- manifest:
		default:
		}
	case protocol.MsgLevelFilesData:
		files, err := protocol.DecodeLevelFilesData(payload)
		if err != nil {
			return
		}
		select {
		case c.filesCh <- files:
		default:
		}
	}
}

// applyWorldState refreshes presence and feeds positions to the playback
// engine. Our own position only follows the server when no moves are in
// flight, otherwise prediction would rubber-band.
func (c *GameClient) applyWorldState(players []protocol.PlayerInfo) {
	c.mu.Lock()
	c.players = players
	if c.predictor.Pending() == 0 {
		for _, p := range players {
			if p.ID == c.playerID {
				c.predictor.X = p.X
				c.predictor.Y = p.Y
				break
			}
		}
	}
	myX, myY := int(c.predictor.X), int(c.predictor.Y)
	myLevel := c.levelName
	c.mu.Unlock()

	c.playback.UpdateWorld(c.playerID, myX, myY, myLevel, players)
}

// transition loads the target level of a door crossing and moves there.
func (c *GameClient) transition(target string, x, y uint16) {
	lv, err := c.fetchLevel(target)
	if err != nil {
		log.Printf("[client] door transition to %s: %v", target, err)
		return
	}
	c.mu.Lock()
	c.levelName = target
	c.level = lv
	c.predictor.Reset(x, y)
	c.mu.Unlock()
	log.Printf("[client] entered %s at (%d,%d)", target, x, y)
}

// Move applies a predicted move and tells the server.
func (c *GameClient) Move(dx, dy int) {
	c.mu.Lock()
	lv := c.level
	seq, ok := c.predictor.Move(dx, dy, func(px, py int) bool { return lv != nil && lv.Walkable(px, py) })
	x, y := c.predictor.X, c.predictor.Y
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := c.send(protocol.MsgPositionUpdate, protocol.EncodePositionUpdate(seq, x, y)); err != nil {
		log.Printf("[client] send move: %v", err)
	}
}

// ToggleMute flips the mute flag locally and on the server.
func (c *GameClient) ToggleMute() bool {
	c.mu.Lock()
	c.muted = !c.muted
	muted := c.muted
	c.mu.Unlock()
	if c.capture != nil {
		c.capture.SetMuted(muted)
	}
	if err := c.send(protocol.MsgMuteStatus, protocol.EncodeMuteStatus(muted)); err != nil {
		log.Printf("[client] send mute: %v", err)
	}
	return muted
}

// Done returns a channel closed when the session ends.
func (c *GameClient) Done() <-chan struct{} {
	return c.closed
}

// Close tears the session down.
func (c *GameClient) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.capture != nil {
			c.capture.Stop()
		}
		c.playback.Stop()
		if c.pc != nil {
			c.pc.Close()
		}
		c.tcpMu.Lock()
		if c.tcp != nil {
			c.tcp.Close()
			c.tcp = nil
		}
		c.tcpMu.Unlock()
		if c.scratchDir != "" {
			os.RemoveAll(c.scratchDir)
		}
	})
}

// setupWebRTC builds the peer connection, sends the offer over TCP, and
// applies the server's answer.
func (c *GameClient) setupWebRTC() error {
	pc, err := newPeerConnection()
	if err != nil {
		return err
	}
	c.pc = pc

	if c.capture != nil {
		if _, err := pc.AddTrack(c.capture.Track()); err != nil {
			return err
		}
	}

	dc, err := pc.CreateDataChannel("game", nil)
	if err != nil {
		return err
	}
	c.dc = dc
	dc.OnOpen(func() {
		log.Printf("[client] data channel open")
		close(c.dcOpen)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t, payload, err := protocol.ParseFrame(msg.Data)
		if err != nil {
			log.Printf("[client] bad frame: %v", err)
			return
		}
		c.handleMessage(t, payload)
	})
	dc.OnClose(func() {
		c.Close()
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		go c.readSpeakerTrack(track, receiver)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			c.Close()
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return err
	}
	<-gathered

	if err := c.send(protocol.MsgWebRTCOffer, protocol.EncodeSDP(pc.LocalDescription().SDP)); err != nil {
		return err
	}
	var answer string
	select {
	case answer = <-c.answerCh:
	case <-time.After(fetchTimeout):
		return errors.New("timeout waiting for answer")
	}
	return pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer})
}

// handleRenegotiationOffer answers a server-initiated offer that adds or
// removes speaker tracks. The matching AUDIO_TRACK_MAP always precedes the
// offer, so MIDs resolve by the time frames arrive.
func (c *GameClient) handleRenegotiationOffer(sdp string) {
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		log.Printf("[client] renegotiation offer: %v", err)
		return
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		log.Printf("[client] create answer: %v", err)
		return
	}
	gathered := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		log.Printf("[client] set local description: %v", err)
		return
	}
	<-gathered
	if err := c.send(protocol.MsgWebRTCAnswer, protocol.EncodeSDP(c.pc.LocalDescription().SDP)); err != nil {
		log.Printf("[client] send answer: %v", err)
	}
}

// readSpeakerTrack decodes one incoming speaker track and routes frames to
// the playback engine via the MID→player mapping.
func (c *GameClient) readSpeakerTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	mid := c.midForReceiver(receiver)
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		log.Printf("[client] create decoder: %v", err)
		return
	}
	pcm := make([]float32, frameSize)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.DecodeFloat32(pkt.Payload, pcm)
		if err != nil {
			continue
		}
		if mid == "" {
			mid = c.midForReceiver(receiver)
		}
		c.trackMu.Lock()
		playerID, known := c.trackMap[mid]
		c.trackMu.Unlock()
		if !known {
			continue // mapping not yet announced; discard
		}
		frame := append([]float32(nil), pcm[:n]...)
		c.playback.Feed(playerID, frame)
	}
}

// midForReceiver finds the transceiver MID owning a receiver.
func (c *GameClient) midForReceiver(receiver *webrtc.RTPReceiver) string {
	for _, tr := range c.pc.GetTransceivers() {
		if tr.Receiver() == receiver {
			return tr.Mid()
		}
	}
	return ""
}

// newPeerConnection creates a WebRTC peer connection with Opus audio only.
func newPeerConnection() (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	return api.NewPeerConnection(config)
}
