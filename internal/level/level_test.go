package level

import (
	"testing"

	"gridtalk/internal/tiles"
)

const grid = "#####\n#.S.#\n#...#\n#####\n"

func TestParseGrid(t *testing.T) {
	lv := ParseGrid("main", grid)
	if lv.Width != 5 || lv.Height != 4 {
		t.Fatalf("dimensions %dx%d, want 5x4", lv.Width, lv.Height)
	}
	if len(lv.Spawns) != 1 || lv.Spawns[0] != (Coord{2, 1}) {
		t.Errorf("spawns = %v, want [(2,1)]", lv.Spawns)
	}
	// The spawn marker is converted to floor.
	if lv.TileAt(2, 1) != '.' {
		t.Errorf("spawn tile = %q, want '.'", lv.TileAt(2, 1))
	}
}

func TestParseGridPadsShortRows(t *testing.T) {
	lv := ParseGrid("main", "###\n#\n")
	if lv.Width != 3 || lv.Height != 2 {
		t.Fatalf("dimensions %dx%d, want 3x2", lv.Width, lv.Height)
	}
	if lv.TileAt(2, 1) != ' ' {
		t.Errorf("padded tile = %q, want space", lv.TileAt(2, 1))
	}
}

func TestWalkable(t *testing.T) {
	lv := ParseGrid("main", grid)
	if !lv.Walkable(1, 1) {
		t.Error("floor not walkable")
	}
	if lv.Walkable(0, 0) {
		t.Error("wall walkable")
	}
	if lv.Walkable(-1, 0) || lv.Walkable(0, 99) {
		t.Error("out of bounds walkable")
	}
}

func TestSpawnPositionPrefersDeclaredSpawns(t *testing.T) {
	lv := ParseGrid("main", grid)
	x, y := lv.SpawnPosition()
	if x != 2 || y != 1 {
		t.Errorf("spawn = (%d,%d), want (2,1)", x, y)
	}
}

func TestSpawnPositionFallsBackToWalkable(t *testing.T) {
	lv := ParseGrid("main", "###\n#.#\n###\n")
	x, y := lv.SpawnPosition()
	if !lv.Walkable(int(x), int(y)) {
		t.Errorf("fallback spawn (%d,%d) is not walkable", x, y)
	}
}

func TestGridBytesRoundTrip(t *testing.T) {
	lv := ParseGrid("main", grid)
	data := lv.GridBytes()
	if len(data) != lv.Width*lv.Height {
		t.Fatalf("grid bytes = %d, want %d", len(data), lv.Width*lv.Height)
	}
	back, err := GridFromBytes("main", lv.Width, lv.Height, data)
	if err != nil {
		t.Fatalf("from bytes: %v", err)
	}
	for y := 0; y < lv.Height; y++ {
		for x := 0; x < lv.Width; x++ {
			if back.TileAt(x, y) != lv.TileAt(x, y) {
				t.Fatalf("tile (%d,%d) = %q, want %q", x, y, back.TileAt(x, y), lv.TileAt(x, y))
			}
		}
	}
}

func TestGridFromBytesSizeMismatch(t *testing.T) {
	if _, err := GridFromBytes("main", 3, 3, []byte("....")); err == nil {
		t.Error("expected error for size mismatch")
	}
}

// doorLevel builds a level with a door tile 'D' at (2,2) using a custom
// tile set.
func doorLevel(t *testing.T, doors []Door) *Level {
	t.Helper()
	lv := ParseGrid("main", "#####\n#...#\n#.D.#\n#####\n")
	set := tiles.DefaultSet()
	set.Defs['D'] = tiles.TileDef{Char: 'D', Walkable: true, IsDoor: true, Name: "door"}
	lv.Tiles = set
	for _, d := range doors {
		lv.Doors[Coord{d.X, d.Y}] = d
	}
	return lv
}

func TestValidateAcceptsConsistentDoors(t *testing.T) {
	lv := doorLevel(t, []Door{{X: 2, Y: 2, TargetX: 1, TargetY: 1}})
	if err := lv.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestValidateRejectsDoorTileWithoutEntry(t *testing.T) {
	lv := doorLevel(t, nil)
	if err := lv.Validate(); err == nil {
		t.Error("expected error for door tile with no door entry")
	}
}

func TestValidateRejectsDoorOnNonDoorTile(t *testing.T) {
	lv := doorLevel(t, []Door{
		{X: 2, Y: 2, TargetX: 1, TargetY: 1},
		{X: 1, Y: 1, TargetX: 1, TargetY: 1}, // floor, not a door tile
	})
	if err := lv.Validate(); err == nil {
		t.Error("expected error for door entry on plain floor")
	}
}

func TestValidateRejectsUnwalkableTeleporterTarget(t *testing.T) {
	lv := doorLevel(t, []Door{{X: 2, Y: 2, TargetX: 0, TargetY: 0}})
	if err := lv.Validate(); err == nil {
		t.Error("expected error for teleporter into a wall")
	}
}

func TestValidateRejectsBadStreamRadius(t *testing.T) {
	lv := ParseGrid("main", grid)
	lv.Streams[Coord{1, 1}] = Stream{X: 1, Y: 1, URL: "http://radio.example/a", Radius: 0}
	if err := lv.Validate(); err == nil {
		t.Error("expected error for zero stream radius")
	}
}

func TestApplyMetadata(t *testing.T) {
	lv := ParseGrid("main", grid)
	err := lv.ApplyMetadata([]byte(`{
		"doors": [{"x": 1, "y": 1, "target_level": "dungeon", "target_x": 3, "target_y": 4}],
		"streams": [{"x": 3, "y": 2, "url": "http://radio.example/a", "radius": 5}]
	}`))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	d, ok := lv.DoorAt(1, 1)
	if !ok || d.TargetLevel != "dungeon" || d.TargetX != 3 || d.TargetY != 4 {
		t.Errorf("door = %+v, ok=%v", d, ok)
	}
	s, ok := lv.Streams[Coord{3, 2}]
	if !ok || s.URL != "http://radio.example/a" || s.Radius != 5 {
		t.Errorf("stream = %+v, ok=%v", s, ok)
	}
}
