// Package migrate imports correlation data written by earlier bridge
// deployments.
package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tinyland-inc/picobridge/pkg/correlation"
	"github.com/tinyland-inc/picobridge/pkg/identity"
)

// LegacyStorageOptions controls a legacy storage import.
type LegacyStorageOptions struct {
	StorageDir  string            // node-persist directory (default: ./.storage)
	PlatformMap map[string]string // legacy id prefix ("VK", "DS") -> platform id
	OutputDSN   string            // snapshot destination, see correlation.OpenBackend
	DryRun      bool
}

// LegacyStorageResult summarizes the import.
type LegacyStorageResult struct {
	Output   string
	Imported int
	Skipped  int
	Warnings []string
}

// legacyRecord is one node-persist datum file.
type legacyRecord struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// RunLegacyStorage reads every datum in StorageDir and merges the
// correlations into the snapshot at OutputDSN. Existing entries win.
func RunLegacyStorage(ctx context.Context, opts LegacyStorageOptions) (*LegacyStorageResult, error) {
	dir := opts.StorageDir
	if dir == "" {
		dir = ".storage"
	}
	if len(opts.PlatformMap) == 0 {
		return nil, fmt.Errorf("platform map is required")
	}
	if opts.OutputDSN == "" {
		return nil, fmt.Errorf("output location is required")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("legacy storage not found: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("legacy storage is not a directory: %s", dir)
	}

	backend, err := correlation.OpenBackend(opts.OutputDSN)
	if err != nil {
		return nil, fmt.Errorf("opening output: %w", err)
	}

	createdAt := time.Now()
	store := correlation.NewStore(
		correlation.WithBackend(backend),
		correlation.WithClock(func() time.Time { return createdAt }),
		correlation.WithStrictLoad(true),
	)
	defer store.Close()

	if err := store.Load(ctx); err != nil {
		return nil, fmt.Errorf("loading existing snapshot: %w", err)
	}

	result := &LegacyStorageResult{Output: opts.OutputDSN}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		origin, mirrors, err := readLegacyDatum(path, opts.PlatformMap)
		if err != nil {
			result.Skipped++
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %v", e.Name(), err))
			continue
		}
		fi, err := e.Info()
		if err != nil {
			createdAt = time.Now()
		} else {
			createdAt = fi.ModTime()
		}
		if err := store.RecordNew(origin, mirrors); err != nil {
			result.Skipped++
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %s: %v", e.Name(), origin.Key(), err))
			continue
		}
		result.Imported++
	}

	if opts.DryRun {
		return result, nil
	}
	if err := store.Snapshot(ctx); err != nil {
		return nil, fmt.Errorf("writing snapshot: %w", err)
	}
	return result, nil
}

func readLegacyDatum(path string, platforms map[string]string) (identity.OriginID, []identity.MirrorID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return identity.OriginID{}, nil, err
	}
	var rec legacyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return identity.OriginID{}, nil, fmt.Errorf("not a storage datum: %w", err)
	}

	fields := strings.Split(rec.Key, ",")
	if len(fields) != 3 {
		return identity.OriginID{}, nil, fmt.Errorf("unexpected key %q", rec.Key)
	}
	platform, ok := platforms[fields[0]]
	if !ok {
		return identity.OriginID{}, nil, fmt.Errorf("no platform mapped for %q", fields[0])
	}
	origin, err := identity.NewOriginID(platform, fields[1], fields[2])
	if err != nil {
		return identity.OriginID{}, nil, err
	}

	ids, err := decodeLegacyIDs(rec.Value)
	if err != nil {
		return identity.OriginID{}, nil, err
	}
	mirrors := make([]identity.MirrorID, 0, len(ids))
	for _, id := range ids {
		if len(id) < 3 {
			// A destination that failed in the old bridge left a null.
			continue
		}
		p, ok := platforms[id[0]]
		if !ok {
			return identity.OriginID{}, nil, fmt.Errorf("no platform mapped for %q", id[0])
		}
		m, err := identity.NewMirrorID(p, id[1], id[2], id[3:]...)
		if err != nil {
			return identity.OriginID{}, nil, err
		}
		mirrors = append(mirrors, m)
	}
	if len(mirrors) == 0 {
		return identity.OriginID{}, nil, fmt.Errorf("%s has no mirrors", rec.Key)
	}
	return origin, mirrors, nil
}

// decodeLegacyIDs accepts a list of [prefix, chat, message...] tuples or a
// single tuple. Numeric chat and message ids are kept in decimal form.
func decodeLegacyIDs(raw json.RawMessage) ([][]string, error) {
	var list [][]any
	if err := json.Unmarshal(raw, &list); err != nil {
		var single []any
		if err2 := json.Unmarshal(raw, &single); err2 != nil {
			return nil, fmt.Errorf("unexpected value: %w", err)
		}
		list = [][]any{single}
	}
	out := make([][]string, 0, len(list))
	for _, tuple := range list {
		ids := make([]string, 0, len(tuple))
		for _, v := range tuple {
			switch x := v.(type) {
			case string:
				ids = append(ids, x)
			case float64:
				ids = append(ids, fmt.Sprintf("%.0f", x))
			}
		}
		out = append(out, ids)
	}
	return out, nil
}

// ParsePlatformMap parses "VK=platform1,DS=platform2".
func ParsePlatformMap(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		prefix, platform, ok := strings.Cut(pair, "=")
		if !ok || prefix == "" || platform == "" {
			return nil, fmt.Errorf("invalid platform mapping %q (want PREFIX=platform)", pair)
		}
		out[strings.TrimSpace(prefix)] = strings.TrimSpace(platform)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty platform map")
	}
	return out, nil
}
