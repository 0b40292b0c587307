package main

import (
	"context"
	"log"
	"time"

	"github.com/pion/webrtc/v4"

	"gridtalk/internal/protocol"
)

// webrtcSessionDescription wraps an answer SDP for SetRemoteDescription.
func webrtcSessionDescription(sdp string) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
}

// RunRenegotiation reconciles each session's attached tracks with its
// outbound track set every renegotiateTick.
func (s *Server) RunRenegotiation(ctx context.Context) {
	ticker := time.NewTicker(renegotiateTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range s.reg.All() {
				if p.needsRenegotiation.Load() && p.dcOpen.Load() && p.webrtcConnected.Load() {
					s.renegotiate(p)
				}
			}
		}
	}
}

// renegotiate attaches pending outbound tracks to the player's peer
// connection and drives one SDP offer cycle over the data channel. The
// AUDIO_TRACK_MAP must be sent before the offer: the client's track
// callback fires while applying the remote description and needs the
// MID→player mapping to route the first frame.
func (s *Server) renegotiate(p *Player) {
	if p.pc == nil || !p.needsRenegotiation.CompareAndSwap(true, false) {
		return
	}

	p.outMu.Lock()
	pending := make([]*OutboundTrack, 0, len(p.outbound))
	for _, t := range p.outbound {
		if !t.Attached() {
			pending = append(pending, t)
		}
	}
	p.outMu.Unlock()

	for _, t := range pending {
		sender, err := p.pc.AddTrack(t.local)
		if err != nil {
			log.Printf("[session %d] add track for source %d: %v", p.ID, t.SourceID, err)
			continue
		}
		t.SetSender(sender)
		t.Activate()

		// Drain RTCP so the interceptors keep running.
		go func(sender *webrtc.RTPSender) {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}(sender)
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		log.Printf("[session %d] create offer: %v", p.ID, err)
		p.needsRenegotiation.Store(true)
		return
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		log.Printf("[session %d] set local description: %v", p.ID, err)
		p.needsRenegotiation.Store(true)
		return
	}
	<-gathered

	trackMap := s.buildTrackMap(p)
	encoded, err := protocol.EncodeAudioTrackMap(trackMap)
	if err != nil {
		log.Printf("[session %d] encode track map: %v", p.ID, err)
		return
	}
	p.SendGame(protocol.MsgAudioTrackMap, encoded)
	p.SendGame(protocol.MsgWebRTCOffer, protocol.EncodeSDP(p.pc.LocalDescription().SDP))
	log.Printf("[session %d] renegotiation offer sent (%d tracks)", p.ID, len(trackMap))
}

// buildTrackMap walks the peer connection's transceivers and maps each
// assigned MID to the source player whose track its sender carries.
func (s *Server) buildTrackMap(p *Player) map[string]uint32 {
	out := make(map[string]uint32)

	p.outMu.Lock()
	byTrack := make(map[*webrtc.TrackLocalStaticSample]uint32, len(p.outbound))
	for _, t := range p.outbound {
		byTrack[t.local] = t.SourceID
	}
	p.outMu.Unlock()

	for _, tr := range p.pc.GetTransceivers() {
		sender := tr.Sender()
		if sender == nil || tr.Mid() == "" {
			continue
		}
		local, ok := sender.Track().(*webrtc.TrackLocalStaticSample)
		if !ok {
			continue
		}
		if sourceID, ok := byTrack[local]; ok {
			out[tr.Mid()] = sourceID
		}
	}
	return out
}
