// Package tiles parses tile definitions from a level pack's tiles.json.
package tiles

import (
	"encoding/json"
	"fmt"
)

// TileDef describes one tile type's gameplay and rendering properties.
// BlocksSight and BlocksSound default to !Walkable when omitted.
type TileDef struct {
	Char            byte
	Walkable        bool
	Color           string
	Name            string
	WalkingSound    string
	NearbySound     string
	AnimationColors []string
	BlocksSight     bool
	BlocksSound     bool
	IsDoor          bool
	IsSpawn         bool
	RenderChar      string
}

// Set is the tile definitions for one level plus the fallback used for
// unknown characters.
type Set struct {
	Defs    map[byte]TileDef
	Default TileDef
}

// rawTile mirrors the tiles.json schema. Pointer fields distinguish
// "omitted" from "false".
type rawTile struct {
	Walkable        bool     `json:"walkable"`
	Color           string   `json:"color"`
	Name            string   `json:"name"`
	WalkingSound    string   `json:"walking_sound"`
	NearbySound     string   `json:"nearby_sound"`
	AnimationColors []string `json:"animation_colors"`
	BlocksSight     *bool    `json:"blocks_sight"`
	BlocksSound     *bool    `json:"blocks_sound"`
	IsDoor          bool     `json:"is_door"`
	IsSpawn         bool     `json:"is_spawn"`
	RenderChar      string   `json:"render_char"`
}

type rawFile struct {
	Tiles   map[string]rawTile `json:"tiles"`
	Default *struct {
		Symbol   string `json:"symbol"`
		Walkable bool   `json:"walkable"`
		Color    string `json:"color"`
	} `json:"default"`
}

// Parse decodes a tiles.json document.
func Parse(data []byte) (Set, error) {
	var raw rawFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return Set{}, fmt.Errorf("parse tiles.json: %w", err)
	}

	set := Set{Defs: make(map[byte]TileDef, len(raw.Tiles))}
	for key, rt := range raw.Tiles {
		if len(key) != 1 {
			return Set{}, fmt.Errorf("tiles.json: tile key %q is not a single character", key)
		}
		set.Defs[key[0]] = fromRaw(key[0], rt)
	}

	if raw.Default != nil && len(raw.Default.Symbol) == 1 {
		set.Default = TileDef{
			Char:        raw.Default.Symbol[0],
			Walkable:    raw.Default.Walkable,
			Color:       raw.Default.Color,
			BlocksSight: !raw.Default.Walkable,
			BlocksSound: !raw.Default.Walkable,
		}
	} else {
		set.Default = DefaultSet().Default
	}
	return set, nil
}

func fromRaw(char byte, rt rawTile) TileDef {
	def := TileDef{
		Char:            char,
		Walkable:        rt.Walkable,
		Color:           rt.Color,
		Name:            rt.Name,
		WalkingSound:    rt.WalkingSound,
		NearbySound:     rt.NearbySound,
		AnimationColors: rt.AnimationColors,
		IsDoor:          rt.IsDoor,
		IsSpawn:         rt.IsSpawn,
		RenderChar:      rt.RenderChar,
	}
	if rt.BlocksSight != nil {
		def.BlocksSight = *rt.BlocksSight
	} else {
		def.BlocksSight = !rt.Walkable
	}
	if rt.BlocksSound != nil {
		def.BlocksSound = *rt.BlocksSound
	} else {
		def.BlocksSound = !rt.Walkable
	}
	return def
}

// DefaultSet returns the built-in tile set used when a level pack ships no
// tiles.json: floor, wall, water, and void.
func DefaultSet() Set {
	defs := map[byte]TileDef{
		'.': {Char: '.', Walkable: true, Color: "white", Name: "floor"},
		'#': {Char: '#', Walkable: false, Color: "white", Name: "wall", BlocksSight: true, BlocksSound: true},
		'~': {Char: '~', Walkable: false, Color: "blue", Name: "water", AnimationColors: []string{"blue", "cyan"}},
		' ': {Char: ' ', Walkable: false, Name: "void", BlocksSight: true, BlocksSound: true},
	}
	return Set{
		Defs:    defs,
		Default: TileDef{Char: ' ', Walkable: false, BlocksSight: true, BlocksSound: true},
	}
}

// Get returns the definition for a tile character, falling back to the
// set's default.
func (s Set) Get(char byte) TileDef {
	if def, ok := s.Defs[char]; ok {
		return def
	}
	return s.Default
}

// Walkable reports whether a tile character is walkable under this set.
func (s Set) Walkable(char byte) bool {
	return s.Get(char).Walkable
}
