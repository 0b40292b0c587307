package main

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"gopkg.in/hraban/opus.v2"
)

// InboundRelay receives one client's microphone track, decodes Opus to
// float32 PCM, and buffers frames for the routing loop. The queue is
// single-producer (the read goroutine) / single-consumer (the routing
// loop) and bounded; overflow drops the newest frame.
type InboundRelay struct {
	playerID uint32
	track    *webrtc.TrackRemote
	decoder  *opus.Decoder
	queue    chan []float32
	dropped  atomic.Uint64
	stopped  atomic.Bool
	stop     chan struct{}
}

// NewInboundRelay builds a relay for a freshly received remote track.
func NewInboundRelay(playerID uint32, track *webrtc.TrackRemote) (*InboundRelay, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	return &InboundRelay{
		playerID: playerID,
		track:    track,
		decoder:  dec,
		queue:    make(chan []float32, audioQueueDepth),
		stop:     make(chan struct{}),
	}, nil
}

// Run reads RTP packets from the track until it ends or Stop is called.
// Each packet's Opus payload is decoded to a PCM frame and queued.
func (ir *InboundRelay) Run() {
	for {
		select {
		case <-ir.stop:
			return
		default:
		}
		pkt, _, err := ir.track.ReadRTP()
		if err != nil {
			if !ir.stopped.Load() {
				log.Printf("[relay %d] track read: %v", ir.playerID, err)
			}
			return
		}
		ir.decodePacket(pkt)
	}
}

// decodePacket decodes one RTP payload and queues the resulting frame.
func (ir *InboundRelay) decodePacket(pkt *rtp.Packet) {
	if len(pkt.Payload) == 0 {
		return
	}
	pcm := make([]float32, frameSize)
	n, err := ir.decoder.DecodeFloat32(pkt.Payload, pcm)
	if err != nil {
		log.Printf("[relay %d] decode: %v", ir.playerID, err)
		return
	}
	select {
	case ir.queue <- pcm[:n]:
	default:
		ir.dropped.Add(1) // queue full: drop the newest frame
	}
}

// NextFrame returns the next buffered PCM frame, or nil if none is ready.
func (ir *InboundRelay) NextFrame() []float32 {
	select {
	case frame := <-ir.queue:
		return frame
	default:
		return nil
	}
}

// Drain discards all buffered frames. Used while the source is muted so
// the queue does not build up latency.
func (ir *InboundRelay) Drain() {
	for {
		select {
		case <-ir.queue:
		default:
			return
		}
	}
}

// Dropped returns and resets the overflow counter.
func (ir *InboundRelay) Dropped() uint64 {
	return ir.dropped.Swap(0)
}

// Stop terminates the read goroutine.
func (ir *InboundRelay) Stop() {
	if ir.stopped.CompareAndSwap(false, true) {
		close(ir.stop)
	}
}

// OutboundTrack carries one source player's audio to one recipient. Each
// track owns its Opus encoder so per-source encoder state survives
// renegotiation. Frames are queued by the routing loop and encoded by the
// track's pump goroutine; overflow drops the oldest frame.
type OutboundTrack struct {
	SourceID uint32

	local    *webrtc.TrackLocalStaticSample
	senderMu sync.Mutex
	sender   *webrtc.RTPSender // set once attached to the peer connection
	encoder  *opus.Encoder

	queue   chan []float32
	active  atomic.Bool // accepting audio (attached to the peer connection)
	dropped atomic.Uint64
	stopped atomic.Bool
	stop    chan struct{}
}

// NewOutboundTrack builds a track carrying sourceID's audio toward
// recipientID and starts its encode pump.
func NewOutboundTrack(sourceID, recipientID uint32) (*OutboundTrack, error) {
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: sampleRate, Channels: channels},
		fmt.Sprintf("audio-%d", sourceID),
		fmt.Sprintf("player-%d-to-%d", sourceID, recipientID),
	)
	if err != nil {
		return nil, err
	}
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	ot := &OutboundTrack{
		SourceID: sourceID,
		local:    local,
		encoder:  enc,
		queue:    make(chan []float32, audioQueueDepth),
		stop:     make(chan struct{}),
	}
	go ot.pump()
	return ot, nil
}

// Activate marks the track as attached; queued audio starts flowing.
func (ot *OutboundTrack) Activate() {
	ot.active.Store(true)
}

// SetSender records the RTP sender once the track is added to a peer
// connection. Written by the renegotiation loop, read by the routing loop
// when pruning.
func (ot *OutboundTrack) SetSender(sender *webrtc.RTPSender) {
	ot.senderMu.Lock()
	ot.sender = sender
	ot.senderMu.Unlock()
}

// Sender returns the attached RTP sender, or nil.
func (ot *OutboundTrack) Sender() *webrtc.RTPSender {
	ot.senderMu.Lock()
	defer ot.senderMu.Unlock()
	return ot.sender
}

// Attached reports whether the track has been added to a peer connection.
func (ot *OutboundTrack) Attached() bool {
	return ot.Sender() != nil
}

// Enqueue queues a PCM frame for encoding. The frame must be owned by the
// track (callers pass per-recipient copies). Frames are discarded until
// the track is activated; on overflow the oldest frame is dropped.
func (ot *OutboundTrack) Enqueue(frame []float32) {
	if !ot.active.Load() {
		return
	}
	for {
		select {
		case ot.queue <- frame:
			return
		default:
			select {
			case <-ot.queue:
				ot.dropped.Add(1) // drop the oldest to make room
			default:
			}
		}
	}
}

// pump encodes queued frames and writes them to the WebRTC track.
func (ot *OutboundTrack) pump() {
	buf := make([]byte, opusMaxPacketBytes)
	for {
		select {
		case <-ot.stop:
			return
		case frame := <-ot.queue:
			n, err := ot.encoder.EncodeFloat32(frame, buf)
			if err != nil {
				log.Printf("[track %d] encode: %v", ot.SourceID, err)
				continue
			}
			sample := media.Sample{
				Data:     append([]byte(nil), buf[:n]...),
				Duration: 20 * time.Millisecond,
			}
			if err := ot.local.WriteSample(sample); err != nil {
				if !ot.stopped.Load() {
					log.Printf("[track %d] write sample: %v", ot.SourceID, err)
				}
			}
		}
	}
}

// Dropped returns and resets the overflow counter.
func (ot *OutboundTrack) Dropped() uint64 {
	return ot.dropped.Swap(0)
}

// Stop terminates the encode pump.
func (ot *OutboundTrack) Stop() {
	if ot.stopped.CompareAndSwap(false, true) {
		close(ot.stop)
	}
}
