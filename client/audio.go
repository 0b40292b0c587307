package main

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"gopkg.in/hraban/opus.v2"
)

const (
	sampleRate         = 48000
	channels           = 1
	frameSize          = 960 // 20 ms @ 48 kHz
	opusBitrate        = 24000
	opusMaxPacketBytes = 1275 // RFC 6716 max Opus packet size
)

// initAudio initialises portaudio once per process.
var initAudio = sync.OnceValue(func() error {
	return portaudio.Initialize()
})

// paSink is a blocking portaudio output stream playing one speaker's
// voice. Each speaker gets its own stream; the OS mixer sums them.
type paSink struct {
	stream *portaudio.Stream
	buf    []float32
}

// newPASink opens a mono 48 kHz output stream.
func newPASink(name string) (audioSink, error) {
	if err := initAudio(); err != nil {
		return nil, err
	}
	buf := make([]float32, frameSize)
	stream, err := portaudio.OpenDefaultStream(0, channels, sampleRate, frameSize, buf)
	if err != nil {
		return nil, fmt.Errorf("open playback stream for %s: %w", name, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, err
	}
	return &paSink{stream: stream, buf: buf}, nil
}

// Write blocks until the frame has been handed to the device.
func (s *paSink) Write(frame []float32) error {
	copy(s.buf, frame)
	return s.stream.Write()
}

// Close stops and frees the stream.
func (s *paSink) Close() error {
	s.stream.Stop()
	return s.stream.Close()
}

// Capture reads the microphone, encodes 20 ms Opus frames, and writes
// them to the client's outbound WebRTC track.
type Capture struct {
	track   *webrtc.TrackLocalStaticSample
	encoder *opus.Encoder

	stream *portaudio.Stream
	buf    []float32

	muted   atomic.Bool
	running atomic.Bool
	wg      sync.WaitGroup
}

// NewCapture builds the microphone capture path and its WebRTC track.
func NewCapture() (*Capture, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: sampleRate, Channels: channels},
		"mic", "gridtalk-mic",
	)
	if err != nil {
		return nil, err
	}
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	enc.SetBitrate(opusBitrate)
	enc.SetDTX(true)
	return &Capture{track: track, encoder: enc}, nil
}

// Track returns the outbound track to add to the peer connection.
func (c *Capture) Track() *webrtc.TrackLocalStaticSample {
	return c.track
}

// SetMuted stops (or resumes) encoding. The capture stream keeps running
// so unmuting is instant.
func (c *Capture) SetMuted(muted bool) {
	c.muted.Store(muted)
}

// Start opens the default input device and begins the capture loop.
func (c *Capture) Start() error {
	if !c.running.CompareAndSwap(false, true) {
		return nil
	}
	if err := initAudio(); err != nil {
		c.running.Store(false)
		return err
	}
	c.buf = make([]float32, frameSize)
	stream, err := portaudio.OpenDefaultStream(channels, 0, sampleRate, frameSize, c.buf)
	if err != nil {
		c.running.Store(false)
		return err
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		c.running.Store(false)
		return err
	}
	c.stream = stream

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.captureLoop()
	}()
	log.Printf("[audio] capture started")
	return nil
}

// captureLoop reads, encodes, and ships one 20 ms frame per iteration.
func (c *Capture) captureLoop() {
	opusBuf := make([]byte, opusMaxPacketBytes)
	for c.running.Load() {
		if err := c.stream.Read(); err != nil {
			if c.running.Load() {
				log.Printf("[audio] capture read: %v", err)
			}
			return
		}
		if c.muted.Load() {
			continue
		}
		n, err := c.encoder.EncodeFloat32(c.buf, opusBuf)
		if err != nil {
			log.Printf("[audio] encode: %v", err)
			continue
		}
		sample := media.Sample{
			Data:     append([]byte(nil), opusBuf[:n]...),
			Duration: 20 * time.Millisecond,
		}
		if err := c.track.WriteSample(sample); err != nil {
			log.Printf("[audio] write sample: %v", err)
		}
	}
}

// Stop halts capture. Pa_StopStream unblocks the pending Read, then the
// goroutine must exit before Pa_CloseStream frees the native object.
func (c *Capture) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	if c.stream != nil {
		c.stream.Stop()
	}
	c.wg.Wait()
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}
	log.Printf("[audio] capture stopped")
}
