package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gridtalk/internal/level"
	"gridtalk/internal/protocol"
	"gridtalk/internal/tiles"
)

// LevelCache is the on-disk content-addressed store of level files, keyed
// by SHA-256 so assets survive across sessions and across levels sharing
// files.
type LevelCache struct {
	dir string
}

// NewLevelCache opens (creating if needed) a cache rooted at dir.
func NewLevelCache(dir string) (*LevelCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &LevelCache{dir: dir}, nil
}

// Lookup returns the cached contents for a manifest entry, verifying the
// size matches.
func (c *LevelCache) Lookup(stat protocol.FileStat) ([]byte, bool) {
	data, err := os.ReadFile(filepath.Join(c.dir, stat.Hash))
	if err != nil || int64(len(data)) != stat.Size {
		return nil, false
	}
	return data, true
}

// Store saves contents under their SHA-256 key.
func (c *LevelCache) Store(data []byte) error {
	sum := sha256.Sum256(data)
	return os.WriteFile(filepath.Join(c.dir, hex.EncodeToString(sum[:])), data, 0o644)
}

// missingPaths intersects a manifest with the cache and returns the paths
// that must be fetched, plus the contents already satisfied locally.
// Results are sorted for deterministic requests.
func missingPaths(manifest map[string]protocol.FileStat, cache *LevelCache) (missing []string, have map[string][]byte) {
	have = make(map[string][]byte)
	for path, stat := range manifest {
		if data, ok := cache.Lookup(stat); ok {
			have[path] = data
		} else {
			missing = append(missing, path)
		}
	}
	sort.Strings(missing)
	return missing, have
}

// verifyFiles checks each received file against the manifest hash and
// size. A mismatch is a protocol error.
func verifyFiles(manifest map[string]protocol.FileStat, files map[string][]byte) error {
	for path, data := range files {
		stat, ok := manifest[path]
		if !ok {
			return fmt.Errorf("%w: server sent unrequested file %q", protocol.ErrMalformed, path)
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != stat.Hash || int64(len(data)) != stat.Size {
			return fmt.Errorf("%w: hash mismatch for %q", protocol.ErrMalformed, path)
		}
	}
	return nil
}

// assembleLevel parses a level from its delivered files and writes them to
// a scratch directory so asset paths resolve for the sound players.
func assembleLevel(name string, files map[string][]byte, scratchDir string) (*level.Level, error) {
	gridData, ok := files["level.txt"]
	if !ok {
		return nil, fmt.Errorf("level %s: level.txt missing from delivery", name)
	}
	lv := level.ParseGrid(name, string(gridData))

	if tilesData, ok := files["tiles.json"]; ok {
		set, err := tiles.Parse(tilesData)
		if err != nil {
			return nil, err
		}
		lv.Tiles = set
	}
	if metaData, ok := files["level.json"]; ok {
		if err := lv.ApplyMetadata(metaData); err != nil {
			return nil, err
		}
	}

	if scratchDir != "" {
		for path, data := range files {
			if strings.Contains(path, "..") || strings.HasPrefix(path, "/") {
				continue // refuse traversal out of the scratch dir
			}
			dst := filepath.Join(scratchDir, filepath.FromSlash(path))
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(dst, data, 0o644); err != nil {
				return nil, err
			}
		}
	}
	return lv, nil
}
