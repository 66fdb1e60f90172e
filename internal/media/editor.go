package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"math"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"

	"github.com/fpang/webpeasy/internal/hooks"
)

// DefaultQuality is the editor quality before any provider adjusts it.
const DefaultQuality = 82

// Size is a named rendition size. Zero width or height means unbounded on
// that axis. Crop sizes are filled to the exact box.
type Size struct {
	Name   string
	Width  int
	Height int
	Crop   bool
}

// DefaultSizes are the renditions written for every image.
var DefaultSizes = []Size{
	{Name: "thumbnail", Width: 150, Height: 150, Crop: true},
	{Name: "medium", Width: 300, Height: 300},
	{Name: "medium_large", Width: 768},
	{Name: "large", Width: 1024, Height: 1024},
}

// Encoder writes an image in the target format.
type Encoder interface {
	Encode(img image.Image, quality int) ([]byte, error)
}

// Editor derives renditions for an asset. Every file it writes is named
// after the source and the rendition size, so running it twice overwrites
// the same files.
type Editor struct {
	uploadsDir string
	sizes      []Size
	bus        *hooks.Bus
	encoder    Encoder
}

// NewEditor builds an editor writing next to the originals in uploadsDir.
// encoder may be nil, in which case only legacy renditions are written.
func NewEditor(uploadsDir string, bus *hooks.Bus, encoder Encoder, sizes ...Size) *Editor {
	if len(sizes) == 0 {
		sizes = DefaultSizes
	}
	if bus == nil {
		bus = hooks.NewBus()
	}
	return &Editor{uploadsDir: uploadsDir, sizes: sizes, bus: bus, encoder: encoder}
}

// GenerateMetadata decodes the asset's original and writes every rendition.
func (e *Editor) GenerateMetadata(ctx context.Context, asset *Asset) (*Metadata, error) {
	src := filepath.Join(e.uploadsDir, filepath.FromSlash(asset.File))

	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	meta := &Metadata{
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		File:   asset.File,
		Sizes:  map[string]Rendition{},
	}
	if info, err := os.Stat(src); err == nil {
		meta.FileSize = info.Size()
	}
	if m, err := ExtractImageMeta(src); err == nil {
		meta.ImageMeta = *m
	} else {
		log.Debug().Err(err).Str("file", asset.File).Msg("No EXIF metadata")
	}

	formats := e.bus.OutputFormats(src, asset.MimeType)
	target, convert := formats[asset.MimeType]
	if convert && e.encoder == nil {
		log.Warn().Str("file", asset.File).Str("target", target).Msg("Format mapped but no encoder available")
		convert = false
	}

	legacyFormat, err := imaging.FormatFromFilename(src)
	if err != nil {
		return nil, err
	}
	legacyQuality := e.bus.Quality(DefaultQuality, asset.MimeType)

	dir, base := path.Split(asset.File)
	stem := strings.TrimSuffix(base, path.Ext(base))

	for _, size := range e.sizes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resized, ok := e.resize(img, size)
		if !ok {
			continue
		}
		rb := resized.Bounds()
		name := fmt.Sprintf("%s-%dx%d%s", stem, rb.Dx(), rb.Dy(), path.Ext(base))

		var buf bytes.Buffer
		if err := imaging.Encode(&buf, resized, legacyFormat, imaging.JPEGQuality(legacyQuality)); err != nil {
			return nil, fmt.Errorf("failed to encode %s rendition: %w", size.Name, err)
		}
		if err := e.write(dir+name, buf.Bytes()); err != nil {
			return nil, err
		}

		r := Rendition{
			File:     name,
			Width:    rb.Dx(),
			Height:   rb.Dy(),
			MimeType: asset.MimeType,
			FileSize: int64(buf.Len()),
			Sources: map[string]Source{
				asset.MimeType: {File: name, FileSize: int64(buf.Len())},
			},
		}

		if convert {
			s, err := e.writeTarget(dir, name, resized, target)
			if err != nil {
				return nil, fmt.Errorf("failed to write %s rendition: %w", size.Name, err)
			}
			r.Sources[target] = s
		}
		meta.Sizes[size.Name] = r
	}

	if convert {
		s, err := e.writeTarget(dir, base, img, target)
		if err != nil {
			return nil, fmt.Errorf("failed to write full-size sibling: %w", err)
		}
		meta.Sources = map[string]Source{target: s}
	}

	log.Debug().
		Int64("asset_id", asset.ID).
		Str("file", asset.File).
		Int("sizes", len(meta.Sizes)).
		Bool("converted", convert).
		Msg("Renditions generated")

	return meta, nil
}

// SizeNames returns the configured size names in sorted order.
func (e *Editor) SizeNames() []string {
	names := make([]string, 0, len(e.sizes))
	for _, s := range e.sizes {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}

func (e *Editor) writeTarget(dir, legacyName string, img image.Image, target string) (Source, error) {
	name, ok := SiblingName(legacyName)
	if !ok {
		return Source{}, fmt.Errorf("no sibling name for %s", legacyName)
	}
	data, err := e.encoder.Encode(img, e.bus.Quality(DefaultQuality, target))
	if err != nil {
		return Source{}, err
	}
	if err := e.write(dir+name, data); err != nil {
		return Source{}, err
	}
	return Source{File: name, FileSize: int64(len(data))}, nil
}

// write replaces rel atomically so readers never see a partial file.
func (e *Editor) write(rel string, data []byte) error {
	dst := filepath.Join(e.uploadsDir, filepath.FromSlash(rel))
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".webpeasy-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s: %w", rel, err)
	}
	return nil
}

// resize returns the rendition for size, or false when the source is
// already within the box.
func (e *Editor) resize(img image.Image, size Size) (image.Image, bool) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	if size.Crop {
		dw, dh := min(size.Width, w), min(size.Height, h)
		if dw == w && dh == h {
			return nil, false
		}
		return imaging.Fill(img, dw, dh, imaging.Center, imaging.Lanczos), true
	}

	dw, dh, ok := fitDimensions(w, h, size.Width, size.Height)
	if !ok {
		return nil, false
	}
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst, true
}

// fitDimensions scales (w, h) down to fit inside (maxW, maxH) keeping the
// aspect ratio. It never upscales.
func fitDimensions(w, h, maxW, maxH int) (int, int, bool) {
	if w <= 0 || h <= 0 {
		return 0, 0, false
	}
	scale := 1.0
	if maxW > 0 {
		scale = math.Min(scale, float64(maxW)/float64(w))
	}
	if maxH > 0 {
		scale = math.Min(scale, float64(maxH)/float64(h))
	}
	if scale >= 1 {
		return w, h, false
	}
	dw := max(1, int(math.Round(float64(w)*scale)))
	dh := max(1, int(math.Round(float64(h)*scale)))
	return dw, dh, true
}
