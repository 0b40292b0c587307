package main

import (
	"log"
	"sync"
	"time"

	"gridtalk/internal/protocol"
	"gridtalk/internal/spatial"
)

// Playback buffer sizing, in samples.
const (
	minBuffer = frameSize     // 20 ms buffered before playback starts
	maxBuffer = frameSize * 5 // 100 ms ceiling
)

// recoverBehind is how far the playback clock may fall behind before it
// resets to now instead of trying to catch up.
const recoverBehind = 100 * time.Millisecond

// audioSink is a blocking 20 ms-frame audio output. The portaudio-backed
// implementation lives in audio.go; tests substitute their own.
type audioSink interface {
	Write(frame []float32) error
	Close() error
}

// sinkFactory opens a named sink for one remote speaker.
type sinkFactory func(name string) (audioSink, error)

// SpeakerStream plays one remote speaker's voice: a ring buffer fed from
// the WebRTC track and a worker that writes 20 ms frames to the sink on a
// drift-free absolute schedule, applying live proximity volume.
type SpeakerStream struct {
	playerID uint32
	name     string

	mu       sync.Mutex
	ring     []float32
	writePos int
	readPos  int
	started  bool

	underruns uint64
	overflows uint64

	volume func() float64 // queried at playback time, not at write time
	sink   audioSink

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewSpeakerStream starts a playback stream for one speaker.
func NewSpeakerStream(playerID uint32, name string, sink audioSink, volume func() float64) *SpeakerStream {
	ss := &SpeakerStream{
		playerID: playerID,
		name:     name,
		ring:     make([]float32, maxBuffer+1),
		volume:   volume,
		sink:     sink,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go ss.run()
	return ss
}

// Feed writes decoded samples into the ring buffer. On overflow the
// oldest samples are discarded so latency stays bounded.
func (ss *SpeakerStream) Feed(samples []float32) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	size := len(ss.ring)
	used := (ss.writePos - ss.readPos + size) % size
	available := size - used - 1
	if len(samples) > available {
		discard := len(samples) - available
		ss.readPos = (ss.readPos + discard) % size
		ss.overflows++
	}

	end := ss.writePos + len(samples)
	if end <= size {
		copy(ss.ring[ss.writePos:end], samples)
	} else {
		first := size - ss.writePos
		copy(ss.ring[ss.writePos:], samples[:first])
		copy(ss.ring, samples[first:])
	}
	ss.writePos = end % size
}

// readFrame returns the next 20 ms frame, or silence. Playback holds
// until minBuffer is reached; once started, an empty buffer yields
// silence and counts an underrun but does not re-arm the threshold —
// re-arming caused audible gaps on every network hiccup.
func (ss *SpeakerStream) readFrame(out []float32) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	size := len(ss.ring)
	buffered := (ss.writePos - ss.readPos + size) % size

	if !ss.started {
		if buffered < minBuffer {
			zero(out)
			return
		}
		ss.started = true
	}
	if buffered < frameSize {
		ss.underruns++
		zero(out)
		return
	}

	end := ss.readPos + frameSize
	if end <= size {
		copy(out, ss.ring[ss.readPos:end])
	} else {
		first := size - ss.readPos
		copy(out[:first], ss.ring[ss.readPos:])
		copy(out[first:], ss.ring[:end-size])
	}
	ss.readPos = end % size
}

// run is the playback worker. It keeps an absolute target clock so sleep
// overshoot never accumulates into drift.
func (ss *SpeakerStream) run() {
	defer close(ss.done)
	frame := make([]float32, frameSize)
	frameDuration := time.Duration(frameSize) * time.Second / sampleRate
	next := time.Now()

	for {
		select {
		case <-ss.stop:
			return
		default:
		}

		ss.readFrame(frame)

		if ss.volume != nil {
			if v := float32(ss.volume()); v != 1.0 {
				for i := range frame {
					frame[i] *= v
				}
			}
		}

		if err := ss.sink.Write(frame); err != nil {
			log.Printf("[playback %d] sink write: %v", ss.playerID, err)
			return
		}

		next = next.Add(frameDuration)
		if wait := time.Until(next); wait > 0 {
			time.Sleep(wait)
		} else if wait < -recoverBehind {
			next = time.Now()
		}
	}
}

// Stop halts the worker and releases the sink.
func (ss *SpeakerStream) Stop() {
	ss.stopOnce.Do(func() { close(ss.stop) })
	<-ss.done
	ss.sink.Close()
}

// Counters returns the underrun and overflow counts.
func (ss *SpeakerStream) Counters() (underruns, overflows uint64) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.underruns, ss.overflows
}

// Playback routes decoded voice frames to per-speaker streams and keeps
// them in sync with world positions: streams are created lazily for known
// in-range speakers and torn down when a speaker moves out of range.
type Playback struct {
	mu        sync.Mutex
	streams   map[uint32]*SpeakerStream
	names     map[uint32]string
	positions map[uint32][2]int
	levels    map[uint32]string
	myX, myY  int
	myLevel   string

	newSink sinkFactory
}

// NewPlayback returns a Playback creating sinks via factory.
func NewPlayback(factory sinkFactory) *Playback {
	return &Playback{
		streams:   make(map[uint32]*SpeakerStream),
		names:     make(map[uint32]string),
		positions: make(map[uint32][2]int),
		levels:    make(map[uint32]string),
		newSink:   factory,
	}
}

// UpdateWorld ingests a WORLD_STATE: refreshes the known-speaker set and
// positions, then tears down streams for out-of-range or cross-level
// speakers.
func (pb *Playback) UpdateWorld(selfID uint32, myX, myY int, myLevel string, players []protocol.PlayerInfo) {
	var toStop []*SpeakerStream

	pb.mu.Lock()
	pb.myX, pb.myY = myX, myY
	pb.myLevel = myLevel
	seen := make(map[uint32]bool, len(players))
	for _, p := range players {
		if p.ID == selfID {
			continue
		}
		seen[p.ID] = true
		pb.names[p.ID] = p.Name
		pb.positions[p.ID] = [2]int{int(p.X), int(p.Y)}
		pb.levels[p.ID] = p.Level
	}
	for id, ss := range pb.streams {
		if !seen[id] || !pb.inRangeLocked(id) {
			delete(pb.streams, id)
			toStop = append(toStop, ss)
		}
	}
	for id := range pb.names {
		if !seen[id] {
			delete(pb.names, id)
			delete(pb.positions, id)
			delete(pb.levels, id)
		}
	}
	pb.mu.Unlock()

	for _, ss := range toStop {
		ss.Stop()
	}
}

// RemoveSpeaker tears down all state for a departed player.
func (pb *Playback) RemoveSpeaker(id uint32) {
	pb.mu.Lock()
	ss := pb.streams[id]
	delete(pb.streams, id)
	delete(pb.names, id)
	delete(pb.positions, id)
	delete(pb.levels, id)
	pb.mu.Unlock()
	if ss != nil {
		ss.Stop()
	}
}

// Feed routes one decoded frame from a speaker to its stream, creating the
// stream lazily iff the speaker is already known from a WORLD_STATE and in
// range. Frames for unknown speakers are discarded.
func (pb *Playback) Feed(playerID uint32, samples []float32) {
	pb.mu.Lock()
	ss, ok := pb.streams[playerID]
	if !ok {
		name, known := pb.names[playerID]
		if !known || !pb.inRangeLocked(playerID) {
			pb.mu.Unlock()
			return
		}
		sink, err := pb.newSink(name)
		if err != nil {
			pb.mu.Unlock()
			log.Printf("[playback] open sink for %s: %v", name, err)
			return
		}
		id := playerID
		ss = NewSpeakerStream(playerID, name, sink, func() float64 { return pb.proximityVolume(id) })
		pb.streams[playerID] = ss
	}
	pb.mu.Unlock()

	ss.Feed(samples)
}

// inRangeLocked reports whether a speaker is on my level and within audio
// range. Callers hold pb.mu.
func (pb *Playback) inRangeLocked(id uint32) bool {
	pos, ok := pb.positions[id]
	if !ok {
		return true // position not yet known, assume in range
	}
	if lvl, ok := pb.levels[id]; ok && pb.myLevel != "" && lvl != pb.myLevel {
		return false
	}
	return spatial.Volume(pos[0]-pb.myX, pos[1]-pb.myY) > 0
}

// proximityVolume is the live volume callback for a speaker's stream.
// Returns 1.0 before the first WORLD_STATE has placed the speaker.
func (pb *Playback) proximityVolume(id uint32) float64 {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pos, ok := pb.positions[id]
	if !ok {
		return 1.0
	}
	if lvl, ok := pb.levels[id]; ok && pb.myLevel != "" && lvl != pb.myLevel {
		return 0.0
	}
	return spatial.Volume(pos[0]-pb.myX, pos[1]-pb.myY)
}

// Stop tears down every stream.
func (pb *Playback) Stop() {
	pb.mu.Lock()
	streams := make([]*SpeakerStream, 0, len(pb.streams))
	for _, ss := range pb.streams {
		streams = append(streams, ss)
	}
	pb.streams = make(map[uint32]*SpeakerStream)
	pb.mu.Unlock()
	for _, ss := range streams {
		ss.Stop()
	}
}

func zero(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
}
