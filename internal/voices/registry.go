// Package voices loads the Piper voices manifest and indexes admitted voices.
package voices

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
)

type snapshot struct {
	entries map[string]Entry
	keys    []string
}

// Registry is a read-only index of voices. Reloads swap whole snapshots, so
// lookups never block.
type Registry struct {
	manifestPath string
	modelDir     string
	log          *slog.Logger
	snap         atomic.Pointer[snapshot]
}

func NewRegistry(manifestPath, modelDir string, log *slog.Logger) *Registry {
	r := &Registry{
		manifestPath: manifestPath,
		modelDir:     modelDir,
		log:          log.With(slog.String("component", "voice-registry")),
	}
	r.snap.Store(&snapshot{entries: map[string]Entry{}})
	return r
}

// Load parses the manifest and replaces the index. A missing or malformed
// manifest leaves an empty registry rather than failing.
func (r *Registry) Load() int {
	data, err := os.ReadFile(r.manifestPath)
	if err != nil {
		r.log.Warn("voices manifest unavailable", slog.String("path", r.manifestPath), slogError(err))
		r.swap(map[string]Entry{})
		return 0
	}
	entries, dropped, err := ParseManifest(data)
	if err != nil {
		r.log.Warn("voices manifest malformed", slog.String("path", r.manifestPath), slogError(err))
		r.swap(map[string]Entry{})
		return 0
	}
	r.swap(entries)
	r.log.Info("voices loaded", slog.Int("voices", len(entries)), slog.Int("dropped", dropped))
	return len(entries)
}

func (r *Registry) swap(entries map[string]Entry) {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	r.snap.Store(&snapshot{entries: entries, keys: keys})
}

func (r *Registry) Get(key string) (Entry, bool) {
	e, ok := r.snap.Load().entries[key]
	return e, ok
}

// Keys returns the admitted voice keys in sorted order.
func (r *Registry) Keys() []string {
	return append([]string(nil), r.snap.Load().keys...)
}

// All returns the admitted voices ordered by key.
func (r *Registry) All() []Entry {
	s := r.snap.Load()
	out := make([]Entry, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, s.entries[k])
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.snap.Load().keys)
}

// ResolvePaths returns the absolute-or-relative model and config paths under the model directory.
func (r *Registry) ResolvePaths(e Entry) (string, string) {
	return filepath.Join(r.modelDir, e.ModelFile), filepath.Join(r.modelDir, e.ConfigFile)
}

// DefaultVoice picks the first voice of the first preferred language family
// that has one, falling back to the first key.
func (r *Registry) DefaultVoice(preferredFamilies ...string) (string, bool) {
	s := r.snap.Load()
	if len(s.keys) == 0 {
		return "", false
	}
	for _, family := range preferredFamilies {
		for _, k := range s.keys {
			if s.entries[k].Language.Family == family {
				return k, true
			}
		}
	}
	return s.keys[0], true
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
