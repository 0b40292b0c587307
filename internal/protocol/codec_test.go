package protocol

import (
	"bytes"
	"math/rand"
	"reflect"
	"testing"
)

// ---------------------------------------------------------------------------
// Framing
// ---------------------------------------------------------------------------

func TestReadWriteMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte{1, 2, 3, 4}
	if err := WriteMessage(&buf, MsgPositionUpdate, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	gotType, gotPayload, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if gotType != MsgPositionUpdate {
		t.Errorf("type = %#x, want %#x", gotType, MsgPositionUpdate)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Errorf("payload = %v, want %v", gotPayload, payload)
	}
}

func TestReadMessageEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, MsgPing, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	gotType, gotPayload, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if gotType != MsgPing || len(gotPayload) != 0 {
		t.Errorf("got (%#x, %d bytes), want (%#x, 0 bytes)", gotType, len(gotPayload), MsgPing)
	}
}

func TestReadMessageZeroLength(t *testing.T) {
	buf := bytes.NewReader([]byte{0, 0, 0, 0})
	if _, _, err := ReadMessage(buf); err == nil {
		t.Error("expected error for zero-length frame")
	}
}

func TestReadMessageOversized(t *testing.T) {
	buf := bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	if _, _, err := ReadMessage(buf); err == nil {
		t.Error("expected error for oversized frame")
	}
}

func TestReadMessageTruncated(t *testing.T) {
	// Declares 10 payload bytes but carries 2.
	buf := bytes.NewReader([]byte{0, 0, 0, 11, byte(MsgWorldState), 1, 2})
	if _, _, err := ReadMessage(buf); err == nil {
		t.Error("expected error for truncated frame")
	}
}

func TestParseFrame(t *testing.T) {
	frame := Frame(MsgPong, []byte{9})
	gotType, gotPayload, err := ParseFrame(frame)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if gotType != MsgPong || !bytes.Equal(gotPayload, []byte{9}) {
		t.Errorf("got (%#x, %v)", gotType, gotPayload)
	}
}

func TestParseFrameShort(t *testing.T) {
	if _, _, err := ParseFrame([]byte{0, 0}); err == nil {
		t.Error("expected error for short frame")
	}
}

func TestParseFrameLengthMismatch(t *testing.T) {
	frame := Frame(MsgPong, []byte{9})
	frame[3] = 99 // corrupt the declared length
	if _, _, err := ParseFrame(frame); err == nil {
		t.Error("expected error for mismatched length")
	}
}

// ---------------------------------------------------------------------------
// Message round-trips
// ---------------------------------------------------------------------------

func TestServerHelloRoundTrip(t *testing.T) {
	in := ServerHello{
		PlayerID:  7,
		Width:     20,
		Height:    15,
		SpawnX:    4,
		SpawnY:    9,
		LevelData: bytes.Repeat([]byte{'.'}, 20*15),
		LevelName: "main",
	}
	out, err := DecodeServerHello(EncodeServerHello(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestPositionUpdateRoundTrip(t *testing.T) {
	seq, x, y, err := DecodePositionUpdate(EncodePositionUpdate(42, 11, 10))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if seq != 42 || x != 11 || y != 10 {
		t.Errorf("got (%d, %d, %d)", seq, x, y)
	}
}

func TestWorldStateRoundTrip(t *testing.T) {
	in := []PlayerInfo{
		{ID: 1, X: 5, Y: 5, Muted: false, Name: "alice", Level: "main"},
		{ID: 2, X: 6, Y: 5, Muted: true, Name: "bob", Level: "dungeon"},
		{ID: 3, X: 0, Y: 0, Name: "日本語", Level: "main"},
	}
	out, err := DecodeWorldState(EncodeWorldState(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestWorldStateEmpty(t *testing.T) {
	out, err := DecodeWorldState(EncodeWorldState(nil))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("got %d players, want 0", len(out))
	}
}

func TestWorldStateBogusCount(t *testing.T) {
	// Claims 2^31 players in a 4-byte payload.
	if _, err := DecodeWorldState([]byte{0x80, 0, 0, 0}); err == nil {
		t.Error("expected error for bogus player count")
	}
}

func TestPlayerJoinedRoundTrip(t *testing.T) {
	id, name, err := DecodePlayerJoined(EncodePlayerJoined(9, "carol"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if id != 9 || name != "carol" {
		t.Errorf("got (%d, %q)", id, name)
	}
}

func TestPlayerLeftRoundTrip(t *testing.T) {
	id, err := DecodePlayerLeft(EncodePlayerLeft(1234))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if id != 1234 {
		t.Errorf("got %d", id)
	}
}

func TestMuteStatusRoundTrip(t *testing.T) {
	for _, muted := range []bool{true, false} {
		got, err := DecodeMuteStatus(EncodeMuteStatus(muted))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got != muted {
			t.Errorf("got %v, want %v", got, muted)
		}
	}
}

func TestDoorTransitionRoundTrip(t *testing.T) {
	lvl, x, y, err := DecodeDoorTransition(EncodeDoorTransition("dungeon", 10, 12))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if lvl != "dungeon" || x != 10 || y != 12 {
		t.Errorf("got (%q, %d, %d)", lvl, x, y)
	}
}

func TestLevelRequestRoundTrip(t *testing.T) {
	name, err := DecodeLevelRequest(EncodeLevelRequest("main"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if name != "main" {
		t.Errorf("got %q", name)
	}
}

func TestLevelManifestRoundTrip(t *testing.T) {
	in := map[string]FileStat{
		"level.txt":  {Hash: "aa11", Size: 42},
		"tiles.json": {Hash: "bb22", Size: 128},
	}
	payload, err := EncodeLevelManifest(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeLevelManifest(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestLevelManifestNilIsEmpty(t *testing.T) {
	payload, err := EncodeLevelManifest(nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeLevelManifest(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("got %d entries, want 0", len(out))
	}
}

func TestLevelFilesRequestRoundTrip(t *testing.T) {
	level, paths, err := DecodeLevelFilesRequest(mustEncodeFilesRequest(t, "main", []string{"tiles.json", "assets/step.wav"}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if level != "main" || !reflect.DeepEqual(paths, []string{"tiles.json", "assets/step.wav"}) {
		t.Errorf("got (%q, %v)", level, paths)
	}
}

func mustEncodeFilesRequest(t *testing.T, level string, paths []string) []byte {
	t.Helper()
	payload, err := EncodeLevelFilesRequest(level, paths)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return payload
}

func TestLevelFilesDataRoundTrip(t *testing.T) {
	in := map[string][]byte{
		"level.txt":  []byte("####\n#..#\n####\n"),
		"tiles.json": []byte(`{"tiles":{}}`),
	}
	out, err := DecodeLevelFilesData(EncodeLevelFilesData(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestAuthChallengeRoundTrip(t *testing.T) {
	var nonce [32]byte
	for i := range nonce {
		nonce[i] = byte(i)
	}
	out, err := DecodeAuthChallenge(EncodeAuthChallenge(nonce))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != nonce {
		t.Errorf("nonce mismatch")
	}
}

func TestAuthChallengeShort(t *testing.T) {
	if _, err := DecodeAuthChallenge([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for short challenge")
	}
}

func TestAuthResponseRoundTrip(t *testing.T) {
	var in AuthResponse
	for i := range in.PublicKey {
		in.PublicKey[i] = byte(i)
	}
	for i := range in.Signature {
		in.Signature[i] = byte(255 - i)
	}
	in.Name = "alice"
	out, err := DecodeAuthResponse(EncodeAuthResponse(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestAuthResultRoundTrip(t *testing.T) {
	for _, code := range []byte{AuthSuccess, AuthNameTaken, AuthKeyMismatch, AuthInvalidSignature, AuthInvalidName, AuthAlreadyConnected} {
		got, err := DecodeAuthResult(EncodeAuthResult(code))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got != code {
			t.Errorf("got %d, want %d", got, code)
		}
	}
}

func TestSDPRoundTrip(t *testing.T) {
	sdp := "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\n"
	out, err := DecodeSDP(EncodeSDP(sdp))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != sdp {
		t.Errorf("got %q", out)
	}
}

func TestAudioTrackMapRoundTrip(t *testing.T) {
	in := map[string]uint32{"0": 1, "1": 7, "2": 42}
	payload, err := EncodeAudioTrackMap(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeAudioTrackMap(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestAudioFrameRoundTrip(t *testing.T) {
	in := AudioFrame{PlayerID: 3, TimestampMS: 12345, Volume: 0.625, OpusData: []byte{1, 2, 3}}
	out, err := DecodeAudioFrame(EncodeAudioFrame(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.PlayerID != in.PlayerID || out.TimestampMS != in.TimestampMS || !bytes.Equal(out.OpusData, in.OpusData) {
		t.Errorf("got %+v, want %+v", out, in)
	}
	// Volume is quantised to u16 on the wire.
	if diff := out.Volume - in.Volume; diff > 1.0/65535 || diff < -1.0/65535 {
		t.Errorf("volume %f too far from %f", out.Volume, in.Volume)
	}
}

func TestICECandidateRoundTrip(t *testing.T) {
	in := ICECandidate{Mid: "0", MLineIndex: 1, Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host"}
	out, err := DecodeICECandidate(EncodeICECandidate(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestLevelPackDataRoundTrip(t *testing.T) {
	in := []byte("not really a tarball")
	out, err := DecodeLevelPackData(EncodeLevelPackData(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(in, out) {
		t.Errorf("got %q", out)
	}
}

func TestClientHelloRoundTrip(t *testing.T) {
	name, err := DecodeClientHello(EncodeClientHello("legacy"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if name != "legacy" {
		t.Errorf("got %q", name)
	}
}

// ---------------------------------------------------------------------------
// Property: random payloads round-trip, random garbage never panics
// ---------------------------------------------------------------------------

func TestWorldStateRandomRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 100; trial++ {
		n := rng.Intn(20)
		in := make([]PlayerInfo, n)
		for i := range in {
			in[i] = PlayerInfo{
				ID:    rng.Uint32(),
				X:     uint16(rng.Intn(1 << 16)),
				Y:     uint16(rng.Intn(1 << 16)),
				Muted: rng.Intn(2) == 1,
				Name:  randString(rng, rng.Intn(32)),
				Level: randString(rng, rng.Intn(20)),
			}
		}
		out, err := DecodeWorldState(EncodeWorldState(in))
		if err != nil {
			t.Fatalf("trial %d: decode: %v", trial, err)
		}
		if !reflect.DeepEqual(in, out) {
			t.Fatalf("trial %d: got %+v, want %+v", trial, out, in)
		}
	}
}

func TestDecodersRejectGarbage(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	decoders := []func([]byte) error{
		func(p []byte) error { _, err := DecodeServerHello(p); return err },
		func(p []byte) error { _, err := DecodeWorldState(p); return err },
		func(p []byte) error { _, _, err := DecodePlayerJoined(p); return err },
		func(p []byte) error { _, err := DecodeLevelManifest(p); return err },
		func(p []byte) error { _, err := DecodeLevelFilesData(p); return err },
		func(p []byte) error { _, err := DecodeAuthResponse(p); return err },
		func(p []byte) error { _, err := DecodeSDP(p); return err },
		func(p []byte) error { _, err := DecodeAudioTrackMap(p); return err },
	}
	// Decoders must never panic on random garbage; errors are fine.
	for trial := 0; trial < 200; trial++ {
		garbage := make([]byte, rng.Intn(64))
		rng.Read(garbage)
		for _, dec := range decoders {
			_ = dec(garbage)
		}
	}
}

func randString(rng *rand.Rand, n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rng.Intn(len(alphabet))]
	}
	return string(b)
}
