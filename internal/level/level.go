// Package level loads, validates, and serves game levels. A level pack is
// a directory holding an ASCII grid (level.txt), optional tile definitions
// (tiles.json), optional door/stream metadata (level.json), and sound
// assets. The Registry additionally maintains a content-addressed manifest
// of every packed file for delta delivery to clients.
package level

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"

	"gridtalk/internal/tiles"
)

// Door is a door or teleporter placed at a grid position. An empty
// TargetLevel means an intra-level teleporter.
type Door struct {
	X           uint16 `json:"x"`
	Y           uint16 `json:"y"`
	TargetLevel string `json:"target_level,omitempty"`
	TargetX     uint16 `json:"target_x"`
	TargetY     uint16 `json:"target_y"`
}

// Stream is an ambient audio stream source placed at a grid position.
type Stream struct {
	X      uint16 `json:"x"`
	Y      uint16 `json:"y"`
	URL    string `json:"url"`
	Radius int    `json:"radius"`
}

// Coord keys the door and stream maps.
type Coord struct{ X, Y uint16 }

// Level is one loaded level: grid, tile set, doors, and streams.
// Levels are immutable after loading.
type Level struct {
	Name    string
	Width   int
	Height  int
	Grid    [][]byte // [y][x] tile codes; 'S' spawn cells already converted to '.'
	Spawns  []Coord
	Doors   map[Coord]Door
	Streams map[Coord]Stream
	Tiles   tiles.Set
}

// levelJSON mirrors the level.json schema.
type levelJSON struct {
	Doors   []Door   `json:"doors"`
	Streams []Stream `json:"streams"`
}

// ParseGrid parses level.txt content into a Level with the default tile
// set. 'S' cells are recorded as spawn points and replaced with floor.
// Short rows are padded with void.
func ParseGrid(name, content string) *Level {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	height := len(lines)
	width := 0
	for _, line := range lines {
		if len(line) > width {
			width = len(line)
		}
	}

	lv := &Level{
		Name:    name,
		Width:   width,
		Height:  height,
		Grid:    make([][]byte, height),
		Doors:   make(map[Coord]Door),
		Streams: make(map[Coord]Stream),
		Tiles:   tiles.DefaultSet(),
	}
	for y, line := range lines {
		row := make([]byte, width)
		for x := 0; x < width; x++ {
			ch := byte(' ')
			if x < len(line) {
				ch = line[x]
			}
			if ch == 'S' {
				lv.Spawns = append(lv.Spawns, Coord{uint16(x), uint16(y)})
				ch = '.'
			}
			row[x] = ch
		}
		lv.Grid[y] = row
	}
	return lv
}

// ApplyMetadata populates doors and streams from a level.json document.
func (l *Level) ApplyMetadata(data []byte) error {
	var meta levelJSON
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("parse level.json: %w", err)
	}
	for _, d := range meta.Doors {
		l.Doors[Coord{d.X, d.Y}] = d
	}
	for _, s := range meta.Streams {
		l.Streams[Coord{s.X, s.Y}] = s
	}
	return nil
}

// InBounds reports whether (x, y) lies inside the grid.
func (l *Level) InBounds(x, y int) bool {
	return x >= 0 && x < l.Width && y >= 0 && y < l.Height
}

// TileAt returns the tile code at (x, y), or void for out-of-bounds.
func (l *Level) TileAt(x, y int) byte {
	if !l.InBounds(x, y) {
		return ' '
	}
	return l.Grid[y][x]
}

// Walkable reports whether (x, y) is inside the grid and walkable under
// the level's tile set.
func (l *Level) Walkable(x, y int) bool {
	if !l.InBounds(x, y) {
		return false
	}
	return l.Tiles.Walkable(l.Grid[y][x])
}

// DoorAt returns the door at (x, y), if any.
func (l *Level) DoorAt(x, y uint16) (Door, bool) {
	d, ok := l.Doors[Coord{x, y}]
	return d, ok
}

// SpawnPosition picks a spawn point: a random declared spawn cell if any
// exist, otherwise the first walkable tile, otherwise the grid centre.
func (l *Level) SpawnPosition() (uint16, uint16) {
	if len(l.Spawns) > 0 {
		c := l.Spawns[rand.Intn(len(l.Spawns))]
		return c.X, c.Y
	}
	for y := 0; y < l.Height; y++ {
		for x := 0; x < l.Width; x++ {
			if l.Walkable(x, y) {
				return uint16(x), uint16(y)
			}
		}
	}
	return uint16(l.Width / 2), uint16(l.Height / 2)
}

// GridBytes returns the Width*Height tile codes in row-major order, the
// wire form carried inside SERVER_HELLO.
func (l *Level) GridBytes() []byte {
	out := make([]byte, 0, l.Width*l.Height)
	for _, row := range l.Grid {
		out = append(out, row...)
	}
	return out
}

// GridFromBytes rebuilds a grid-only Level from its wire form.
func GridFromBytes(name string, width, height int, data []byte) (*Level, error) {
	if len(data) != width*height {
		return nil, fmt.Errorf("level data is %d bytes, want %d", len(data), width*height)
	}
	lv := &Level{
		Name:    name,
		Width:   width,
		Height:  height,
		Grid:    make([][]byte, height),
		Doors:   make(map[Coord]Door),
		Streams: make(map[Coord]Stream),
		Tiles:   tiles.DefaultSet(),
	}
	for y := 0; y < height; y++ {
		lv.Grid[y] = append([]byte(nil), data[y*width:(y+1)*width]...)
	}
	return lv, nil
}

// Validate checks level consistency: every door origin is in bounds and
// marked is_door by the tile set, every is_door tile has a door entry,
// intra-level door targets are in bounds and walkable, and stream radii
// are positive. Cross-level targets are checked by the Registry once all
// levels are loaded.
func (l *Level) Validate() error {
	for pos, d := range l.Doors {
		if !l.InBounds(int(pos.X), int(pos.Y)) {
			return fmt.Errorf("level %s: door at (%d,%d) is out of bounds", l.Name, pos.X, pos.Y)
		}
		if !l.Tiles.Get(l.TileAt(int(pos.X), int(pos.Y))).IsDoor {
			return fmt.Errorf("level %s: door at (%d,%d) sits on a non-door tile %q",
				l.Name, pos.X, pos.Y, string(l.TileAt(int(pos.X), int(pos.Y))))
		}
		if d.TargetLevel == "" {
			if !l.Walkable(int(d.TargetX), int(d.TargetY)) {
				return fmt.Errorf("level %s: teleporter at (%d,%d) targets unwalkable (%d,%d)",
					l.Name, pos.X, pos.Y, d.TargetX, d.TargetY)
			}
		}
	}
	for y := 0; y < l.Height; y++ {
		for x := 0; x < l.Width; x++ {
			if l.Tiles.Get(l.Grid[y][x]).IsDoor {
				if _, ok := l.Doors[Coord{uint16(x), uint16(y)}]; !ok {
					return fmt.Errorf("level %s: door tile at (%d,%d) has no door entry", l.Name, x, y)
				}
			}
		}
	}
	for pos, s := range l.Streams {
		if s.Radius <= 0 {
			return fmt.Errorf("level %s: stream at (%d,%d) has non-positive radius %d", l.Name, pos.X, pos.Y, s.Radius)
		}
	}
	return nil
}
