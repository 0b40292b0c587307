package level

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"

	"gridtalk/internal/protocol"
	"gridtalk/internal/tiles"
)

// Registry holds every loaded level together with the content-addressed
// form served to clients. Immutable after Load, so readers need no
// synchronisation.
type Registry struct {
	levels    map[string]*Level
	manifests map[string]map[string]protocol.FileStat
	contents  map[string]map[string][]byte // level -> path -> raw bytes
}

// Load walks levelsDir, loading each subdirectory as one level pack.
// It requires a level named "main" and validates every level, including
// cross-level door targets.
func Load(levelsDir string) (*Registry, error) {
	entries, err := os.ReadDir(levelsDir)
	if err != nil {
		return nil, fmt.Errorf("levels directory: %w", err)
	}

	reg := &Registry{
		levels:    make(map[string]*Level),
		manifests: make(map[string]map[string]protocol.FileStat),
		contents:  make(map[string]map[string][]byte),
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if err := reg.loadOne(name, filepath.Join(levelsDir, name)); err != nil {
			return nil, err
		}
		lv := reg.levels[name]
		log.Printf("[levels] loaded %s (%dx%d, %d doors, %d streams, %d files)",
			name, lv.Width, lv.Height, len(lv.Doors), len(lv.Streams), len(reg.manifests[name]))
	}

	if _, ok := reg.levels["main"]; !ok {
		return nil, fmt.Errorf("required level %q not found in %s", "main", levelsDir)
	}
	if err := reg.validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

// loadOne reads one level directory: every regular file is hashed into the
// manifest, then level.txt / tiles.json / level.json are parsed.
func (r *Registry) loadOne(name, dir string) error {
	manifest := make(map[string]protocol.FileStat)
	contents := make(map[string][]byte)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		sum := sha256.Sum256(data)
		manifest[rel] = protocol.FileStat{Hash: hex.EncodeToString(sum[:]), Size: int64(len(data))}
		contents[rel] = data
		return nil
	})
	if err != nil {
		return fmt.Errorf("level %s: %w", name, err)
	}

	gridData, ok := contents["level.txt"]
	if !ok {
		return fmt.Errorf("level %s: level.txt not found", name)
	}
	lv := ParseGrid(name, string(gridData))

	if tilesData, ok := contents["tiles.json"]; ok {
		set, err := tiles.Parse(tilesData)
		if err != nil {
			return fmt.Errorf("level %s: %w", name, err)
		}
		lv.Tiles = set
	}
	if metaData, ok := contents["level.json"]; ok {
		if err := lv.ApplyMetadata(metaData); err != nil {
			return fmt.Errorf("level %s: %w", name, err)
		}
	}

	r.levels[name] = lv
	r.manifests[name] = manifest
	r.contents[name] = contents
	return nil
}

// validate runs per-level consistency checks plus the cross-level door
// target checks that need every level loaded.
func (r *Registry) validate() error {
	for _, lv := range r.levels {
		if err := lv.Validate(); err != nil {
			return err
		}
		for pos, d := range lv.Doors {
			if d.TargetLevel == "" {
				continue
			}
			target, ok := r.levels[d.TargetLevel]
			if !ok {
				return fmt.Errorf("level %s: door at (%d,%d) targets unknown level %q",
					lv.Name, pos.X, pos.Y, d.TargetLevel)
			}
			if !target.Walkable(int(d.TargetX), int(d.TargetY)) {
				return fmt.Errorf("level %s: door at (%d,%d) targets unwalkable (%d,%d) in %s",
					lv.Name, pos.X, pos.Y, d.TargetX, d.TargetY, d.TargetLevel)
			}
		}
	}
	return nil
}

// Level returns a loaded level by name.
func (r *Registry) Level(name string) (*Level, bool) {
	lv, ok := r.levels[name]
	return lv, ok
}

// Names returns the loaded level names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.levels))
	for name := range r.levels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Manifest returns the content-addressed manifest for a level, or nil for
// an unknown level (which the caller reports as an empty manifest).
func (r *Registry) Manifest(name string) map[string]protocol.FileStat {
	return r.manifests[name]
}

// Files returns the requested files for a level. Unknown paths are simply
// absent from the result, so the response carries exactly the known subset
// of what was asked for.
func (r *Registry) Files(name string, paths []string) map[string][]byte {
	contents, ok := r.contents[name]
	if !ok {
		return map[string][]byte{}
	}
	out := make(map[string][]byte, len(paths))
	for _, path := range paths {
		if data, ok := contents[path]; ok {
			out[path] = data
		}
	}
	return out
}

// Tarball builds the legacy LEVEL_PACK_DATA tarball for a level: every
// packed file, paths relative to the pack root. Returns nil for an unknown
// level.
func (r *Registry) Tarball(name string) []byte {
	contents, ok := r.contents[name]
	if !ok {
		return nil
	}
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, path := range sortedPaths(contents) {
		data := contents[path]
		hdr := &tar.Header{Name: path, Mode: 0o644, Size: int64(len(data))}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil
		}
		if _, err := tw.Write(data); err != nil {
			return nil
		}
	}
	if err := tw.Close(); err != nil {
		return nil
	}
	return buf.Bytes()
}

func sortedPaths(m map[string][]byte) []string {
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
