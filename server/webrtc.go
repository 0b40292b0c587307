package main

import (
	"log"

	"github.com/pion/webrtc/v4"
)

// newPeerConnection creates a WebRTC peer connection with Opus audio
// support only.
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

// setupPeer wires a player's peer connection from the client's initial SDP
// offer and returns the gathered answer SDP.
func (s *Server) setupPeer(p *Player, offerSDP string) (string, error) {
	pc, err := newPeerConnection()
	if err != nil {
		return "", err
	}
	p.pc = pc

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		relay, err := NewInboundRelay(p.ID, track)
		if err != nil {
			log.Printf("[session %d] inbound relay: %v", p.ID, err)
			return
		}
		p.SetRelay(relay)
		go relay.Run()
		log.Printf("[session %d] inbound audio track started", p.ID)
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "game" {
			return
		}
		p.dcMu.Lock()
		p.dc = dc
		p.dcMu.Unlock()

		dc.OnOpen(func() {
			p.dcOpen.Store(true)
			s.enterPlaying(p)
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			s.handleGameFrame(p, msg.Data)
		})
		dc.OnClose(func() {
			s.closePlayer(p, "data channel closed")
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("[session %d] peer connection state: %s", p.ID, state)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			p.webrtcConnected.Store(true)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.closePlayer(p, "peer connection "+state.String())
		}
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return "", err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	<-gathered
	return pc.LocalDescription().SDP, nil
}
