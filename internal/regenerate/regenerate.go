// Package regenerate re-derives renditions for existing image assets in
// bounded, stateless batches.
package regenerate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/webpeasy/internal/media"
	"github.com/fpang/webpeasy/internal/metrics"
)

// Batch size limits.
const (
	MaxBatchSize     = 10
	DefaultBatchSize = 5
)

// Per-asset failures.
var (
	ErrInvalidAsset     = errors.New("invalid attachment")
	ErrFileMissing      = errors.New("file not found")
	ErrGenerationFailed = errors.New("regeneration failed")
)

// reasons are the operator-facing texts reported per failed asset.
var reasons = []struct {
	err error
	msg string
}{
	{ErrInvalidAsset, "Attachment is not an image."},
	{ErrFileMissing, "Image file not found."},
	{ErrGenerationFailed, "Failed to generate attachment metadata."},
}

// Generator derives rendition metadata for one asset.
type Generator interface {
	GenerateMetadata(ctx context.Context, asset *media.Asset) (*media.Metadata, error)
}

// Result is the outcome of one batch. Processed counts successes only.
type Result struct {
	Processed int      `json:"processed"`
	Errors    int      `json:"errors"`
	Messages  []string `json:"messages"`
}

// Regenerator walks the catalog and runs the generator per asset.
type Regenerator struct {
	catalog    media.Catalog
	generator  Generator
	uploadsDir string
}

func New(catalog media.Catalog, generator Generator, uploadsDir string) *Regenerator {
	return &Regenerator{catalog: catalog, generator: generator, uploadsDir: uploadsDir}
}

// CountImages returns the number of convertible assets.
func (r *Regenerator) CountImages(ctx context.Context) (int, error) {
	n, err := r.catalog.CountByMime(ctx, media.ConvertibleMimeTypes)
	if err != nil {
		return 0, fmt.Errorf("failed to count images: %w", err)
	}
	return n, nil
}

// ListBatch returns up to limit asset IDs starting at offset, ID ascending.
func (r *Regenerator) ListBatch(ctx context.Context, offset, limit int) ([]int64, error) {
	ids, err := r.catalog.ListIDsByMime(ctx, media.ConvertibleMimeTypes, max(0, offset), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	return ids, nil
}

// RegenerateOne rebuilds renditions for one asset and stores the new
// metadata. Failures wrap ErrInvalidAsset, ErrFileMissing or
// ErrGenerationFailed.
func (r *Regenerator) RegenerateOne(ctx context.Context, id int64) error {
	asset, err := r.catalog.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load attachment %d: %w", id, err)
	}
	if !media.IsImage(asset) {
		return ErrInvalidAsset
	}

	path := filepath.Join(r.uploadsDir, filepath.FromSlash(asset.File))
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return ErrFileMissing
	}

	meta, err := r.generator.GenerateMetadata(ctx, asset)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	if meta == nil {
		return ErrGenerationFailed
	}

	if err := r.catalog.UpdateMetadata(ctx, id, meta); err != nil {
		return fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	return nil
}

// ProcessBatch regenerates one page of assets. Every listed asset is
// attempted; failures are collected, never returned.
func (r *Regenerator) ProcessBatch(ctx context.Context, offset, limit int) Result {
	start := time.Now()
	limit = ClampLimit(limit)
	res := Result{Messages: []string{}}

	ids, err := r.ListBatch(ctx, offset, limit)
	if err != nil {
		log.Error().Err(err).Int("offset", offset).Int("limit", limit).Msg("Batch listing failed")
		res.Messages = append(res.Messages, err.Error())
		return res
	}

	for _, id := range ids {
		if err := r.RegenerateOne(ctx, id); err != nil {
			res.Errors++
			res.Messages = append(res.Messages, fmt.Sprintf("Failed to process attachment #%d: %s", id, Reason(err)))
			log.Warn().Err(err).Int64("asset_id", id).Msg("Asset regeneration failed")
			continue
		}
		res.Processed++
	}

	elapsed := time.Since(start)
	metrics.ObserveBatch(res.Processed, res.Errors, elapsed)
	log.Info().
		Int("offset", offset).
		Int("limit", limit).
		Int("processed", res.Processed).
		Int("errors", res.Errors).
		Dur("duration", elapsed).
		Msg("Batch processed")

	return res
}

// ClampLimit applies the default and the hard maximum.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultBatchSize
	}
	return min(limit, MaxBatchSize)
}

// Reason is the operator-facing text for a per-asset failure.
func Reason(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.msg
		}
	}
	return err.Error()
}
