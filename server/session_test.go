package main

import (
	"os"
	"path/filepath"
	"testing"

	"gridtalk/internal/auth"
	"gridtalk/internal/level"
	"gridtalk/internal/protocol"
	"gridtalk/internal/store"
)

// testLevels writes a two-level world: main has a door at (3,1) into
// dungeon, plus a same-level teleporter at (1,2) to (1,1).
func testLevels(t *testing.T) *level.Registry {
	t.Helper()
	root := t.TempDir()
	tilesJSON := `{"tiles": {
		".": {"walkable": true, "color": "white"},
		"#": {"walkable": false, "color": "white"},
		"D": {"walkable": true, "color": "yellow", "is_door": true},
		"T": {"walkable": true, "color": "cyan", "is_door": true}
	}, "default": {"symbol": " ", "walkable": false, "color": "white"}}`

	write := func(name string, files map[string]string) {
		dir := filepath.Join(root, name)
		for path, content := range files {
			full := filepath.Join(dir, path)
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
				t.Fatal(err)
			}
		}
	}
	write("main", map[string]string{
		"level.txt":  "#####\n#.SD#\n#T..#\n#####\n",
		"tiles.json": tilesJSON,
		"level.json": `{"doors": [
			{"x": 3, "y": 1, "target_level": "dungeon", "target_x": 1, "target_y": 1},
			{"x": 1, "y": 2, "target_x": 1, "target_y": 1}
		]}`,
	})
	write("dungeon", map[string]string{
		"level.txt":  "#####\n#.S.#\n#...#\n#####\n",
		"tiles.json": tilesJSON,
	})

	reg, err := level.Load(root)
	if err != nil {
		t.Fatalf("load levels: %v", err)
	}
	return reg
}

func testServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return NewServer(testLevels(t), st)
}

// signedResponse builds a valid AUTH_RESPONSE for the given nonce.
func signedResponse(t *testing.T, nonce [32]byte, name string) (protocol.AuthResponse, [32]byte) {
	t.Helper()
	priv, pub, err := auth.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	return protocol.AuthResponse{
		PublicKey: pub,
		Signature: auth.Sign(priv, nonce, name),
		Name:      name,
	}, priv
}

// ---------------------------------------------------------------------------
// Auth decision
// ---------------------------------------------------------------------------

func TestAuthSuccessRegistersPlayer(t *testing.T) {
	s := testServer(t)
	nonce, _ := auth.NewNonce()
	resp, _ := signedResponse(t, nonce, "alice")

	code, p := s.authDecision(nonce, resp)
	if code != protocol.AuthSuccess {
		t.Fatalf("code = %d (%s)", code, protocol.AuthResultString(code))
	}
	if p == nil || p.ID == 0 {
		t.Fatal("no player created")
	}
	lvl, x, y := p.Position()
	if lvl != "main" {
		t.Errorf("spawned on %q", lvl)
	}
	lv, _ := s.levels.Level("main")
	if !lv.Walkable(int(x), int(y)) {
		t.Errorf("spawned on unwalkable (%d,%d)", x, y)
	}
	if got, ok := s.store.PublicKey("alice"); !ok || got != resp.PublicKey {
		t.Error("binding not persisted")
	}
}

func TestAuthInvalidName(t *testing.T) {
	s := testServer(t)
	nonce, _ := auth.NewNonce()
	resp, _ := signedResponse(t, nonce, "bad\nname")
	if code, _ := s.authDecision(nonce, resp); code != protocol.AuthInvalidName {
		t.Errorf("code = %d, want INVALID_NAME", code)
	}
}

func TestAuthInvalidSignature(t *testing.T) {
	s := testServer(t)
	nonce, _ := auth.NewNonce()
	resp, _ := signedResponse(t, nonce, "alice")
	resp.Signature[0] ^= 0xFF
	if code, _ := s.authDecision(nonce, resp); code != protocol.AuthInvalidSignature {
		t.Errorf("code = %d, want INVALID_SIGNATURE", code)
	}
}

func TestAuthNameTakenByDifferentKey(t *testing.T) {
	// Server knows alice → keyA. A client presenting keyB for "alice" with
	// a valid signature is rejected with NAME_TAKEN.
	s := testServer(t)
	var keyA [32]byte
	keyA[0] = 0xAA
	if err := s.store.Register("alice", keyA); err != nil {
		t.Fatal(err)
	}

	nonce, _ := auth.NewNonce()
	resp, _ := signedResponse(t, nonce, "alice")
	if code, _ := s.authDecision(nonce, resp); code != protocol.AuthNameTaken {
		t.Errorf("code = %d, want NAME_TAKEN", code)
	}
}

func TestAuthKeyMismatch(t *testing.T) {
	s := testServer(t)
	nonce, _ := auth.NewNonce()
	resp, priv := signedResponse(t, nonce, "alice")
	if code, _ := s.authDecision(nonce, resp); code != protocol.AuthSuccess {
		t.Fatal("setup auth failed")
	}
	s.reg.Remove(1) // disconnect so ALREADY_CONNECTED does not trigger

	// Same key, different claimed name.
	nonce2, _ := auth.NewNonce()
	resp2 := protocol.AuthResponse{
		PublicKey: resp.PublicKey,
		Signature: auth.Sign(priv, nonce2, "mallory"),
		Name:      "mallory",
	}
	if code, _ := s.authDecision(nonce2, resp2); code != protocol.AuthKeyMismatch {
		t.Errorf("code = %d, want KEY_MISMATCH", code)
	}
}

func TestAuthAlreadyConnected(t *testing.T) {
	s := testServer(t)
	nonce, _ := auth.NewNonce()
	resp, priv := signedResponse(t, nonce, "alice")
	if code, _ := s.authDecision(nonce, resp); code != protocol.AuthSuccess {
		t.Fatal("setup auth failed")
	}

	nonce2, _ := auth.NewNonce()
	resp2 := protocol.AuthResponse{
		PublicKey: resp.PublicKey,
		Signature: auth.Sign(priv, nonce2, "alice"),
		Name:      "alice",
	}
	if code, _ := s.authDecision(nonce2, resp2); code != protocol.AuthAlreadyConnected {
		t.Errorf("code = %d, want ALREADY_CONNECTED", code)
	}
}

func TestAuthReconnectAfterDisconnect(t *testing.T) {
	s := testServer(t)
	nonce, _ := auth.NewNonce()
	resp, priv := signedResponse(t, nonce, "alice")
	_, p := s.authDecision(nonce, resp)
	s.closePlayer(p, "test disconnect")

	nonce2, _ := auth.NewNonce()
	resp2 := protocol.AuthResponse{
		PublicKey: resp.PublicKey,
		Signature: auth.Sign(priv, nonce2, "alice"),
		Name:      "alice",
	}
	if code, _ := s.authDecision(nonce2, resp2); code != protocol.AuthSuccess {
		t.Errorf("reconnect rejected with %d", code)
	}
}

func TestSpawnUsesPersistedState(t *testing.T) {
	s := testServer(t)
	nonce, _ := auth.NewNonce()
	resp, priv := signedResponse(t, nonce, "alice")
	_, p := s.authDecision(nonce, resp)
	p.SetPosition("dungeon", 2, 2)
	s.closePlayer(p, "test disconnect")

	nonce2, _ := auth.NewNonce()
	resp2 := protocol.AuthResponse{
		PublicKey: resp.PublicKey,
		Signature: auth.Sign(priv, nonce2, "alice"),
		Name:      "alice",
	}
	_, p2 := s.authDecision(nonce2, resp2)
	lvl, x, y := p2.Position()
	if lvl != "dungeon" || x != 2 || y != 2 {
		t.Errorf("spawned at %s (%d,%d), want dungeon (2,2)", lvl, x, y)
	}
}

func TestSpawnIgnoresStateOnUnloadedLevel(t *testing.T) {
	s := testServer(t)
	s.store.Register("alice", mustKey(t))
	s.store.SaveState("alice", store.State{X: 1, Y: 1, Level: "atlantis"})
	lvl, _, _ := s.spawnFor("alice")
	if lvl != "main" {
		t.Errorf("spawned on %q, want main", lvl)
	}
}

func mustKey(t *testing.T) [32]byte {
	t.Helper()
	_, pub, err := auth.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	return pub
}

// ---------------------------------------------------------------------------
// Movement
// ---------------------------------------------------------------------------

// addPlayer registers a bare player for movement tests. No transports are
// attached; SendGame is a no-op for such players.
func addPlayer(s *Server, id uint32, name, lvl string, x, y uint16) *Player {
	p := &Player{ID: id, Name: name, level: lvl, x: x, y: y, outbound: make(map[uint32]*OutboundTrack)}
	s.reg.Add(p)
	return p
}

func TestMoveAdjacentWalkable(t *testing.T) {
	s := testServer(t)
	p := addPlayer(s, 1, "alice", "main", 1, 1)
	s.handleMove(p, 1, 2, 1)
	_, x, y := p.Position()
	if x != 2 || y != 1 {
		t.Errorf("position (%d,%d), want (2,1)", x, y)
	}
}

func TestMoveRejectsNonAdjacent(t *testing.T) {
	s := testServer(t)
	p := addPlayer(s, 1, "alice", "main", 1, 1)
	s.handleMove(p, 1, 3, 1) // two tiles away (and a door, but unreachable)
	_, x, y := p.Position()
	if x != 1 || y != 1 {
		t.Errorf("position (%d,%d), want unchanged (1,1)", x, y)
	}
}

func TestMoveRejectsUnwalkable(t *testing.T) {
	s := testServer(t)
	p := addPlayer(s, 1, "alice", "main", 1, 1)
	s.handleMove(p, 1, 1, 0) // wall
	_, x, y := p.Position()
	if x != 1 || y != 1 {
		t.Errorf("position (%d,%d), want unchanged (1,1)", x, y)
	}
}

func TestMoveThroughCrossLevelDoor(t *testing.T) {
	s := testServer(t)
	p := addPlayer(s, 1, "alice", "main", 2, 1)
	s.handleMove(p, 1, 3, 1) // door to dungeon (1,1)
	lvl, x, y := p.Position()
	if lvl != "dungeon" || x != 1 || y != 1 {
		t.Errorf("position %s (%d,%d), want dungeon (1,1)", lvl, x, y)
	}
}

func TestMoveThroughTeleporter(t *testing.T) {
	s := testServer(t)
	p := addPlayer(s, 1, "alice", "main", 1, 1)
	s.handleMove(p, 1, 1, 2) // teleporter to (1,1)
	lvl, x, y := p.Position()
	if lvl != "main" || x != 1 || y != 1 {
		t.Errorf("position %s (%d,%d), want main (1,1)", lvl, x, y)
	}
}

// ---------------------------------------------------------------------------
// Close
// ---------------------------------------------------------------------------

func TestClosePersistsPosition(t *testing.T) {
	s := testServer(t)
	nonce, _ := auth.NewNonce()
	resp, _ := signedResponse(t, nonce, "alice")
	_, p := s.authDecision(nonce, resp)
	p.SetPosition("main", 2, 2)

	s.closePlayer(p, "test")
	st, ok := s.store.GetState("alice")
	if !ok || st.Level != "main" || st.X != 2 || st.Y != 2 {
		t.Errorf("persisted state = %+v, %v", st, ok)
	}
	if s.reg.Get(p.ID) != nil {
		t.Error("player still registered after close")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s := testServer(t)
	p := addPlayer(s, 1, "alice", "main", 1, 1)
	s.closePlayer(p, "first")
	s.closePlayer(p, "second") // must not panic or double-remove
	if s.reg.Count() != 0 {
		t.Errorf("registry count = %d", s.reg.Count())
	}
}
