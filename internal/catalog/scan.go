package catalog

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fpang/webpeasy/internal/media"
)

// derivedName matches files the editor writes, e.g. photo-150x150.jpg.
var derivedName = regexp.MustCompile(`-\d+x\d+$`)

// ScanUploads walks uploadsDir and returns every original image as an
// asset with a slash-separated path relative to uploadsDir. Renditions and
// WebP siblings are skipped. Symlinked directories are not followed.
func ScanUploads(uploadsDir string) ([]*media.Asset, error) {
	info, err := os.Stat(uploadsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("directory not found: %s", uploadsDir)
		}
		return nil, fmt.Errorf("failed to stat directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", uploadsDir)
	}

	var assets []*media.Asset
	err = filepath.WalkDir(uploadsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Error accessing path, skipping")
			return nil
		}
		if d.IsDir() {
			if path != uploadsDir && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 || strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		ext := filepath.Ext(d.Name())
		mime, err := media.GetMIMEType(ext)
		if err != nil || !media.IsConvertible(mime) {
			return nil
		}
		if derivedName.MatchString(strings.TrimSuffix(d.Name(), ext)) {
			return nil
		}

		rel, err := filepath.Rel(uploadsDir, path)
		if err != nil {
			return nil
		}
		assets = append(assets, &media.Asset{File: filepath.ToSlash(rel), MimeType: mime})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk uploads: %w", err)
	}

	sort.Slice(assets, func(i, j int) bool { return assets[i].File < assets[j].File })
	return assets, nil
}

// Import registers every scanned original that the catalog does not know
// yet, judged by file path. It returns the number of new assets.
func Import(ctx context.Context, c media.Catalog, w media.CatalogWriter, uploadsDir string) (int, error) {
	found, err := ScanUploads(uploadsDir)
	if err != nil {
		return 0, err
	}

	known := map[string]bool{}
	total, err := c.CountByMime(ctx, media.ConvertibleMimeTypes)
	if err != nil {
		return 0, err
	}
	ids, err := c.ListIDsByMime(ctx, media.ConvertibleMimeTypes, 0, total)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		a, err := c.Get(ctx, id)
		if err != nil {
			return 0, err
		}
		if a != nil {
			known[a.File] = true
		}
	}

	added := 0
	for _, a := range found {
		if known[a.File] {
			continue
		}
		if _, err := w.Insert(ctx, a); err != nil {
			return added, err
		}
		added++
	}

	log.Info().
		Str("path", uploadsDir).
		Int("scanned", len(found)).
		Int("added", added).
		Msg("Uploads imported")
	return added, nil
}
