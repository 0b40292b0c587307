package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
)

// PlayerInfo is one player's presence record inside a WORLD_STATE message.
type PlayerInfo struct {
	ID    uint32
	X     uint16
	Y     uint16
	Muted bool
	Name  string
	Level string
}

// ServerHello carries the assigned player ID, the current level grid, and
// the spawn position.
type ServerHello struct {
	PlayerID  uint32
	Width     uint16
	Height    uint16
	SpawnX    uint16
	SpawnY    uint16
	LevelData []byte // Width*Height tile codes, row-major
	LevelName string
}

// AuthResponse is the client's reply to an AUTH_CHALLENGE.
type AuthResponse struct {
	PublicKey [32]byte
	Signature [64]byte
	Name      string
}

// FileStat is one manifest entry: SHA-256 hex digest and size in bytes.
// Its JSON form is the two-element array [hash, size].
type FileStat struct {
	Hash string
	Size int64
}

// MarshalJSON encodes the stat as [hash, size].
func (f FileStat) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{f.Hash, f.Size})
}

// UnmarshalJSON decodes the [hash, size] array form.
func (f *FileStat) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &f.Hash); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &f.Size)
}

// AudioFrame is the legacy codec-framed audio payload (MsgAudioFrame).
// The WebRTC path does not use it; it is kept for wire compatibility.
type AudioFrame struct {
	PlayerID    uint32
	TimestampMS uint32
	Volume      float64 // 0.0–1.0, carried as u16 on the wire
	OpusData    []byte
}

// ICECandidate is the legacy trickle-ICE payload (MsgWebRTCICE).
type ICECandidate struct {
	Mid        string
	MLineIndex uint16
	Candidate  string
}

// reader is a bounds-checked cursor over a payload.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) fail(what string) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: truncated %s", ErrMalformed, what)
	}
}

func (r *reader) u8(what string) byte {
	if r.err != nil || r.off+1 > len(r.buf) {
		r.fail(what)
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u16(what string) uint16 {
	if r.err != nil || r.off+2 > len(r.buf) {
		r.fail(what)
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32(what string) uint32 {
	if r.err != nil || r.off+4 > len(r.buf) {
		r.fail(what)
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) bytes(n int, what string) []byte {
	if r.err != nil || n < 0 || r.off+n > len(r.buf) {
		r.fail(what)
		return nil
	}
	v := r.buf[r.off : r.off+n]
	r.off += n
	return v
}

func (r *reader) str(n int, what string) string {
	return string(r.bytes(n, what))
}

// writer accumulates big-endian fields.
type writer struct{ buf []byte }

func (w *writer) u8(v byte)      { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16)   { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32)   { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *writer) bytes(b []byte) { w.buf = append(w.buf, b...) }

// EncodeClientHello encodes the legacy CLIENT_HELLO payload.
func EncodeClientHello(name string) []byte {
	var w writer
	w.u32(uint32(len(name)))
	w.bytes([]byte(name))
	return w.buf
}

// DecodeClientHello decodes the legacy CLIENT_HELLO payload.
func DecodeClientHello(p []byte) (string, error) {
	r := reader{buf: p}
	n := r.u32("client hello")
	name := r.str(int(n), "client hello name")
	return name, r.err
}

// EncodeServerHello encodes a SERVER_HELLO payload.
func EncodeServerHello(h ServerHello) []byte {
	var w writer
	w.u32(h.PlayerID)
	w.u16(h.Width)
	w.u16(h.Height)
	w.u16(h.SpawnX)
	w.u16(h.SpawnY)
	w.u16(uint16(len(h.LevelData)))
	w.bytes(h.LevelData)
	w.u8(byte(len(h.LevelName)))
	w.bytes([]byte(h.LevelName))
	return w.buf
}

// DecodeServerHello decodes a SERVER_HELLO payload.
func DecodeServerHello(p []byte) (ServerHello, error) {
	r := reader{buf: p}
	var h ServerHello
	h.PlayerID = r.u32("server hello")
	h.Width = r.u16("server hello")
	h.Height = r.u16("server hello")
	h.SpawnX = r.u16("server hello")
	h.SpawnY = r.u16("server hello")
	n := r.u16("level data length")
	h.LevelData = append([]byte(nil), r.bytes(int(n), "level data")...)
	nameLen := r.u8("level name length")
	h.LevelName = r.str(int(nameLen), "level name")
	return h, r.err
}

// EncodePositionUpdate encodes a POSITION_UPDATE payload.
func EncodePositionUpdate(seq uint32, x, y uint16) []byte {
	var w writer
	w.u32(seq)
	w.u16(x)
	w.u16(y)
	return w.buf
}

// DecodePositionUpdate decodes a POSITION_UPDATE payload.
func DecodePositionUpdate(p []byte) (seq uint32, x, y uint16, err error) {
	r := reader{buf: p}
	seq = r.u32("position update")
	x = r.u16("position update")
	y = r.u16("position update")
	return seq, x, y, r.err
}

// EncodePositionAck encodes a POSITION_ACK payload.
func EncodePositionAck(seq uint32, x, y uint16) []byte {
	return EncodePositionUpdate(seq, x, y)
}

// DecodePositionAck decodes a POSITION_ACK payload.
func DecodePositionAck(p []byte) (seq uint32, x, y uint16, err error) {
	return DecodePositionUpdate(p)
}

// EncodeWorldState encodes a WORLD_STATE payload.
func EncodeWorldState(players []PlayerInfo) []byte {
	var w writer
	w.u32(uint32(len(players)))
	for _, p := range players {
		w.u32(p.ID)
		w.u16(p.X)
		w.u16(p.Y)
		if p.Muted {
			w.u8(1)
		} else {
			w.u8(0)
		}
		w.u32(uint32(len(p.Name)))
		w.bytes([]byte(p.Name))
		w.u8(byte(len(p.Level)))
		w.bytes([]byte(p.Level))
	}
	return w.buf
}

// DecodeWorldState decodes a WORLD_STATE payload.
func DecodeWorldState(p []byte) ([]PlayerInfo, error) {
	r := reader{buf: p}
	n := r.u32("world state count")
	if int64(n) > int64(len(p)) {
		return nil, fmt.Errorf("%w: world state claims %d players", ErrMalformed, n)
	}
	players := make([]PlayerInfo, 0, n)
	for i := uint32(0); i < n && r.err == nil; i++ {
		var pi PlayerInfo
		pi.ID = r.u32("player id")
		pi.X = r.u16("player x")
		pi.Y = r.u16("player y")
		pi.Muted = r.u8("player muted") != 0
		nameLen := r.u32("name length")
		pi.Name = r.str(int(nameLen), "player name")
		levelLen := r.u8("level length")
		pi.Level = r.str(int(levelLen), "player level")
		players = append(players, pi)
	}
	return players, r.err
}

// EncodePlayerJoined encodes a PLAYER_JOINED payload.
func EncodePlayerJoined(id uint32, name string) []byte {
	var w writer
	w.u32(id)
	w.u32(uint32(len(name)))
	w.bytes([]byte(name))
	return w.buf
}

// DecodePlayerJoined decodes a PLAYER_JOINED payload.
func DecodePlayerJoined(p []byte) (uint32, string, error) {
	r := reader{buf: p}
	id := r.u32("player joined")
	n := r.u32("player joined name length")
	name := r.str(int(n), "player joined name")
	return id, name, r.err
}

// EncodePlayerLeft encodes a PLAYER_LEFT payload.
func EncodePlayerLeft(id uint32) []byte {
	var w writer
	w.u32(id)
	return w.buf
}

// DecodePlayerLeft decodes a PLAYER_LEFT payload.
func DecodePlayerLeft(p []byte) (uint32, error) {
	r := reader{buf: p}
	id := r.u32("player left")
	return id, r.err
}

// EncodeMuteStatus encodes a MUTE_STATUS payload.
func EncodeMuteStatus(muted bool) []byte {
	if muted {
		return []byte{1}
	}
	return []byte{0}
}

// DecodeMuteStatus decodes a MUTE_STATUS payload.
func DecodeMuteStatus(p []byte) (bool, error) {
	r := reader{buf: p}
	v := r.u8("mute status")
	return v != 0, r.err
}

// EncodeDoorTransition encodes a DOOR_TRANSITION payload.
func EncodeDoorTransition(level string, x, y uint16) []byte {
	var w writer
	w.u16(uint16(len(level)))
	w.bytes([]byte(level))
	w.u16(x)
	w.u16(y)
	return w.buf
}

// DecodeDoorTransition decodes a DOOR_TRANSITION payload.
func DecodeDoorTransition(p []byte) (level string, x, y uint16, err error) {
	r := reader{buf: p}
	n := r.u16("door transition")
	level = r.str(int(n), "door transition level")
	x = r.u16("door transition x")
	y = r.u16("door transition y")
	return level, x, y, r.err
}

// EncodeLevelRequest encodes the shared name-only payload used by
// LEVEL_PACK_REQUEST and LEVEL_MANIFEST_REQUEST.
func EncodeLevelRequest(name string) []byte {
	var w writer
	w.u16(uint16(len(name)))
	w.bytes([]byte(name))
	return w.buf
}

// DecodeLevelRequest decodes a name-only level request payload.
func DecodeLevelRequest(p []byte) (string, error) {
	r := reader{buf: p}
	n := r.u16("level request")
	name := r.str(int(n), "level request name")
	return name, r.err
}

// EncodeLevelPackData encodes the legacy LEVEL_PACK_DATA payload.
func EncodeLevelPackData(tarball []byte) []byte {
	var w writer
	w.u32(uint32(len(tarball)))
	w.bytes(tarball)
	return w.buf
}

// DecodeLevelPackData decodes the legacy LEVEL_PACK_DATA payload.
func DecodeLevelPackData(p []byte) ([]byte, error) {
	r := reader{buf: p}
	n := r.u32("level pack data")
	data := append([]byte(nil), r.bytes(int(n), "level pack tarball")...)
	return data, r.err
}

// EncodeLevelManifest encodes a LEVEL_MANIFEST payload. An unknown level is
// reported as an empty manifest.
func EncodeLevelManifest(manifest map[string]FileStat) ([]byte, error) {
	if manifest == nil {
		manifest = map[string]FileStat{}
	}
	js, err := json.Marshal(manifest)
	if err != nil {
		return nil, err
	}
	var w writer
	w.u32(uint32(len(js)))
	w.bytes(js)
	return w.buf, nil
}

// DecodeLevelManifest decodes a LEVEL_MANIFEST payload.
func DecodeLevelManifest(p []byte) (map[string]FileStat, error) {
	r := reader{buf: p}
	n := r.u32("level manifest")
	js := r.bytes(int(n), "level manifest json")
	if r.err != nil {
		return nil, r.err
	}
	var manifest map[string]FileStat
	if err := json.Unmarshal(js, &manifest); err != nil {
		return nil, fmt.Errorf("%w: manifest json: %v", ErrMalformed, err)
	}
	return manifest, nil
}

// EncodeLevelFilesRequest encodes a LEVEL_FILES_REQUEST payload.
func EncodeLevelFilesRequest(level string, paths []string) ([]byte, error) {
	if paths == nil {
		paths = []string{}
	}
	js, err := json.Marshal(paths)
	if err != nil {
		return nil, err
	}
	var w writer
	w.u16(uint16(len(level)))
	w.bytes([]byte(level))
	w.u32(uint32(len(js)))
	w.bytes(js)
	return w.buf, nil
}

// DecodeLevelFilesRequest decodes a LEVEL_FILES_REQUEST payload.
func DecodeLevelFilesRequest(p []byte) (string, []string, error) {
	r := reader{buf: p}
	n := r.u16("level files request")
	level := r.str(int(n), "level files request level")
	jn := r.u32("level files request json length")
	js := r.bytes(int(jn), "level files request json")
	if r.err != nil {
		return "", nil, r.err
	}
	var paths []string
	if err := json.Unmarshal(js, &paths); err != nil {
		return "", nil, fmt.Errorf("%w: files request json: %v", ErrMalformed, err)
	}
	return level, paths, nil
}

// EncodeLevelFilesData encodes a LEVEL_FILES_DATA payload. Entries are
// written in lexicographic path order so the encoding is deterministic.
func EncodeLevelFilesData(files map[string][]byte) []byte {
	paths := sortedKeys(files)
	var w writer
	w.u32(uint32(len(paths)))
	for _, path := range paths {
		w.u16(uint16(len(path)))
		w.bytes([]byte(path))
		w.u32(uint32(len(files[path])))
		w.bytes(files[path])
	}
	return w.buf
}

// DecodeLevelFilesData decodes a LEVEL_FILES_DATA payload.
func DecodeLevelFilesData(p []byte) (map[string][]byte, error) {
	r := reader{buf: p}
	n := r.u32("level files data count")
	if int64(n) > int64(len(p)) {
		return nil, fmt.Errorf("%w: files data claims %d entries", ErrMalformed, n)
	}
	files := make(map[string][]byte, n)
	for i := uint32(0); i < n && r.err == nil; i++ {
		pathLen := r.u16("file path length")
		path := r.str(int(pathLen), "file path")
		contentLen := r.u32("file content length")
		content := append([]byte(nil), r.bytes(int(contentLen), "file content")...)
		if r.err == nil {
			files[path] = content
		}
	}
	return files, r.err
}

// EncodeAuthChallenge encodes an AUTH_CHALLENGE payload.
func EncodeAuthChallenge(nonce [32]byte) []byte {
	return append([]byte(nil), nonce[:]...)
}

// DecodeAuthChallenge decodes an AUTH_CHALLENGE payload.
func DecodeAuthChallenge(p []byte) ([32]byte, error) {
	var nonce [32]byte
	if len(p) < 32 {
		return nonce, fmt.Errorf("%w: short auth challenge", ErrMalformed)
	}
	copy(nonce[:], p)
	return nonce, nil
}

// EncodeAuthResponse encodes an AUTH_RESPONSE payload.
func EncodeAuthResponse(a AuthResponse) []byte {
	var w writer
	w.bytes(a.PublicKey[:])
	w.bytes(a.Signature[:])
	w.u16(uint16(len(a.Name)))
	w.bytes([]byte(a.Name))
	return w.buf
}

// DecodeAuthResponse decodes an AUTH_RESPONSE payload.
func DecodeAuthResponse(p []byte) (AuthResponse, error) {
	r := reader{buf: p}
	var a AuthResponse
	copy(a.PublicKey[:], r.bytes(32, "auth response key"))
	copy(a.Signature[:], r.bytes(64, "auth response signature"))
	n := r.u16("auth response name length")
	a.Name = r.str(int(n), "auth response name")
	return a, r.err
}

// EncodeAuthResult encodes an AUTH_RESULT payload.
func EncodeAuthResult(code byte) []byte {
	return []byte{code}
}

// DecodeAuthResult decodes an AUTH_RESULT payload.
func DecodeAuthResult(p []byte) (byte, error) {
	r := reader{buf: p}
	code := r.u8("auth result")
	return code, r.err
}

// EncodeSDP encodes the shared SDP payload used by WEBRTC_OFFER and
// WEBRTC_ANSWER.
func EncodeSDP(sdp string) []byte {
	var w writer
	w.u32(uint32(len(sdp)))
	w.bytes([]byte(sdp))
	return w.buf
}

// DecodeSDP decodes an SDP payload.
func DecodeSDP(p []byte) (string, error) {
	r := reader{buf: p}
	n := r.u32("sdp")
	sdp := r.str(int(n), "sdp body")
	return sdp, r.err
}

// EncodeAudioTrackMap encodes an AUDIO_TRACK_MAP payload: JSON object
// mapping transceiver MIDs to source player IDs.
func EncodeAudioTrackMap(m map[string]uint32) ([]byte, error) {
	if m == nil {
		m = map[string]uint32{}
	}
	js, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var w writer
	w.u32(uint32(len(js)))
	w.bytes(js)
	return w.buf, nil
}

// DecodeAudioTrackMap decodes an AUDIO_TRACK_MAP payload.
func DecodeAudioTrackMap(p []byte) (map[string]uint32, error) {
	r := reader{buf: p}
	n := r.u32("audio track map")
	js := r.bytes(int(n), "audio track map json")
	if r.err != nil {
		return nil, r.err
	}
	var m map[string]uint32
	if err := json.Unmarshal(js, &m); err != nil {
		return nil, fmt.Errorf("%w: track map json: %v", ErrMalformed, err)
	}
	return m, nil
}

// EncodeAudioFrame encodes the legacy AUDIO_FRAME payload.
func EncodeAudioFrame(f AudioFrame) []byte {
	var w writer
	w.u32(f.PlayerID)
	w.u32(f.TimestampMS)
	vol := f.Volume
	if vol < 0 {
		vol = 0
	}
	if vol > 1 {
		vol = 1
	}
	w.u16(uint16(vol * 65535))
	w.u16(uint16(len(f.OpusData)))
	w.bytes(f.OpusData)
	return w.buf
}

// DecodeAudioFrame decodes the legacy AUDIO_FRAME payload.
func DecodeAudioFrame(p []byte) (AudioFrame, error) {
	r := reader{buf: p}
	var f AudioFrame
	f.PlayerID = r.u32("audio frame")
	f.TimestampMS = r.u32("audio frame timestamp")
	f.Volume = float64(r.u16("audio frame volume")) / 65535.0
	n := r.u16("audio frame opus length")
	f.OpusData = append([]byte(nil), r.bytes(int(n), "audio frame opus")...)
	return f, r.err
}

// EncodeICECandidate encodes the legacy WEBRTC_ICE payload.
func EncodeICECandidate(c ICECandidate) []byte {
	var w writer
	w.u16(uint16(len(c.Mid)))
	w.bytes([]byte(c.Mid))
	w.u16(c.MLineIndex)
	w.u32(uint32(len(c.Candidate)))
	w.bytes([]byte(c.Candidate))
	return w.buf
}

// DecodeICECandidate decodes the legacy WEBRTC_ICE payload.
func DecodeICECandidate(p []byte) (ICECandidate, error) {
	r := reader{buf: p}
	var c ICECandidate
	n := r.u16("ice candidate mid length")
	c.Mid = r.str(int(n), "ice candidate mid")
	c.MLineIndex = r.u16("ice candidate mline")
	cn := r.u32("ice candidate length")
	c.Candidate = r.str(int(cn), "ice candidate body")
	return c, r.err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
