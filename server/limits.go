package main

import "time"

// Audio format shared with clients: mono float32 PCM at 48 kHz, framed at
// 20 ms. Opus is the transport codec on every WebRTC track.
const (
	sampleRate         = 48000
	channels           = 1
	frameSize          = 960  // 20 ms at 48 kHz
	opusMaxPacketBytes = 1275 // RFC 6716 max Opus packet size
)

// Operational constants.
const (
	// routingTick is the audio routing loop period, aligned to the 20 ms
	// audio frame.
	routingTick = 20 * time.Millisecond

	// renegotiateTick is how often sessions flagged needs-renegotiation
	// get a fresh SDP offer.
	renegotiateTick = 500 * time.Millisecond

	// pingInterval is how often the server pings each session over the
	// data channel.
	pingInterval = 10 * time.Second

	// pongTimeout closes a session that has not answered a ping.
	pongTimeout = 30 * time.Second

	// audioQueueDepth bounds the per-session inbound and per-track
	// outbound audio queues (10 frames ≈ 200 ms). Inbound drops the
	// newest frame on overflow, outbound the oldest; a stalled queue must
	// never stall the routing loop.
	audioQueueDepth = 10

	// metricsInterval is the stats logging period.
	metricsInterval = 5 * time.Second
)
