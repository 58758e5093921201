// Package routing maps modality codes to the AE titles of the stations that
// perform them. The table only populates response attributes; it never
// restricts worklist matching.
package routing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// EnvPrefix marks environment variables of the form MODALITY_AET_CT=CT01,CT02.
const EnvPrefix = "MODALITY_AET_"

// Table is an immutable modality to AE titles mapping.
type Table map[string][]string

// fileFormat is the layout of the routing YAML file:
//
//	modalities:
//	  CT: [CT01, CT02]
//	  MR: [MR01]
type fileFormat struct {
	Modalities map[string][]string `yaml:"modalities"`
}

// FromEnv builds a table from MODALITY_AET_* entries in environ.
func FromEnv(environ []string) Table {
	t := Table{}
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		mod := strings.ToUpper(strings.TrimPrefix(key, EnvPrefix))
		if aes := splitAEs(value); mod != "" && len(aes) > 0 {
			t[mod] = aes
		}
	}
	return t
}

// LoadFile parses a routing YAML file.
func LoadFile(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routing file: %w", err)
	}
	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("parse routing file %s: %w", path, err)
	}
	t := Table{}
	for mod, aes := range ff.Modalities {
		var clean []string
		for _, ae := range aes {
			clean = append(clean, splitAEs(ae)...)
		}
		for _, ae := range clean {
			if len(ae) > 16 {
				return nil, fmt.Errorf("routing file %s: AE title %q for %s exceeds 16 characters", path, ae, mod)
			}
		}
		if len(clean) > 0 {
			t[strings.ToUpper(strings.TrimSpace(mod))] = clean
		}
	}
	return t, nil
}

func splitAEs(s string) []string {
	var out []string
	for _, ae := range strings.Split(s, ",") {
		if ae = strings.TrimSpace(ae); ae != "" {
			out = append(out, ae)
		}
	}
	return out
}

// merge returns base overlaid with override.
func merge(base, override Table) Table {
	out := make(Table, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// Router serves lookups against the current table and swaps in a new one when
// the routing file changes.
type Router struct {
	env    Table
	path   string
	table  atomic.Pointer[Table]
	logger zerolog.Logger
}

// NewRouter builds a router from environment entries and an optional file.
// File entries override environment entries for the same modality.
func NewRouter(env Table, path string, logger zerolog.Logger) (*Router, error) {
	r := &Router{env: env, path: path, logger: logger.With().Str("component", "routing").Logger()}
	t := merge(env, nil)
	if path != "" {
		ft, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		t = merge(env, ft)
	}
	r.table.Store(&t)
	return r, nil
}

// AETitle returns the first AE title routed for modality, or "".
func (r *Router) AETitle(modality string) string {
	aes := (*r.table.Load())[strings.ToUpper(modality)]
	if len(aes) == 0 {
		return ""
	}
	return aes[0]
}

// Snapshot returns a copy of the current table.
func (r *Router) Snapshot() Table {
	return merge(*r.table.Load(), nil)
}

// Modalities lists routed modality codes in sorted order.
func (r *Router) Modalities() []string {
	t := *r.table.Load()
	mods := make([]string, 0, len(t))
	for m := range t {
		mods = append(mods, m)
	}
	sort.Strings(mods)
	return mods
}

func (r *Router) reload() {
	// A truncate-then-write shows up as an empty file first.
	if fi, err := os.Stat(r.path); err == nil && fi.Size() == 0 {
		return
	}
	ft, err := LoadFile(r.path)
	if err != nil {
		r.logger.Warn().Err(err).Msg("routing reload failed, keeping previous table")
		return
	}
	t := merge(r.env, ft)
	r.table.Store(&t)
	r.logger.Info().Int("modalities", len(t)).Msg("routing table reloaded")
}

// Watch reloads the table whenever the routing file is written or replaced,
// until ctx is done. It returns immediately when no file is configured.
func (r *Router) Watch(ctx context.Context) error {
	if r.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create routing watcher: %w", err)
	}
	defer w.Close()

	// Editors often replace the file, so watch the directory.
	dir := filepath.Dir(r.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(r.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				r.reload()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn().Err(err).Msg("routing watcher error")
		}
	}
}
