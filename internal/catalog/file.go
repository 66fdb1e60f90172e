// Package catalog stores media assets for the regenerator: a JSON file for
// single-host installs and Postgres for shared ones.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/fpang/webpeasy/internal/media"
)

// Compile-time checks.
var (
	_ media.Catalog       = (*FileCatalog)(nil)
	_ media.CatalogWriter = (*FileCatalog)(nil)
)

type fileState struct {
	NextID int64          `json:"next_id"`
	Assets []*media.Asset `json:"assets"`
}

// FileCatalog keeps every asset in one JSON document. The document is
// loaded once and rewritten on every change.
type FileCatalog struct {
	path string

	mu     sync.RWMutex
	nextID int64
	assets map[int64]*media.Asset
}

// NewFileCatalog opens path, starting empty if it does not exist yet.
func NewFileCatalog(path string) (*FileCatalog, error) {
	c := &FileCatalog{path: path, nextID: 1, assets: map[int64]*media.Asset{}}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}
	for _, a := range st.Assets {
		c.assets[a.ID] = a
		if a.ID >= c.nextID {
			c.nextID = a.ID + 1
		}
	}
	if st.NextID > c.nextID {
		c.nextID = st.NextID
	}

	log.Debug().Str("path", path).Int("assets", len(c.assets)).Msg("Catalog loaded")
	return c, nil
}

func (c *FileCatalog) CountByMime(ctx context.Context, mimes []string) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.matching(mimes)), nil
}

func (c *FileCatalog) ListIDsByMime(ctx context.Context, mimes []string, offset, limit int) ([]int64, error) {
	if offset < 0 {
		offset = 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := c.matching(mimes)
	if offset >= len(ids) {
		return []int64{}, nil
	}
	end := len(ids)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return ids[offset:end], nil
}

func (c *FileCatalog) Get(ctx context.Context, id int64) (*media.Asset, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.assets[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (c *FileCatalog) UpdateMetadata(ctx context.Context, id int64, meta *media.Metadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.assets[id]
	if !ok {
		return fmt.Errorf("asset %d not found", id)
	}
	a.Metadata = meta
	return c.save()
}

// Insert adds an asset and assigns the next ID.
func (c *FileCatalog) Insert(ctx context.Context, asset *media.Asset) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *asset
	cp.ID = c.nextID
	c.nextID++
	c.assets[cp.ID] = &cp
	if err := c.save(); err != nil {
		return 0, err
	}
	return cp.ID, nil
}

// matching returns IDs in ascending order. Caller holds the lock.
func (c *FileCatalog) matching(mimes []string) []int64 {
	want := make(map[string]bool, len(mimes))
	for _, m := range mimes {
		want[m] = true
	}
	ids := make([]int64, 0, len(c.assets))
	for id, a := range c.assets {
		if want[a.MimeType] {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// save writes the document through a temp file. Caller holds the lock.
func (c *FileCatalog) save() error {
	st := fileState{NextID: c.nextID, Assets: make([]*media.Asset, 0, len(c.assets))}
	for _, a := range c.assets {
		st.Assets = append(st.Assets, a)
	}
	sort.Slice(st.Assets, func(i, j int) bool { return st.Assets[i].ID < st.Assets[j].ID })

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("failed to create catalog dir: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write catalog: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("failed to replace catalog: %w", err)
	}
	return nil
}
