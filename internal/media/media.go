package media

import (
	"context"
	"fmt"
	"path"
	"strings"
)

// MIME types the core cares about.
const (
	MimeJPEG = "image/jpeg"
	MimePNG  = "image/png"
	MimeGIF  = "image/gif"
	MimeWebP = "image/webp"
	MimeSVG  = "image/svg+xml"
)

// TargetExtension is the file extension of the WebP sibling.
const TargetExtension = ".webp"

// ConvertibleMimeTypes lists the legacy formats that get a WebP sibling.
// The order is the order used when querying the catalog.
var ConvertibleMimeTypes = []string{MimeJPEG, MimePNG, MimeGIF}

// SupportedImageExtensions maps file extensions to their MIME types.
var SupportedImageExtensions = map[string]string{
	".jpg":  MimeJPEG,
	".jpeg": MimeJPEG,
	".jpe":  MimeJPEG,
	".png":  MimePNG,
	".gif":  MimeGIF,
	".webp": MimeWebP,
}

// Asset is one uploaded media item in the catalog.
type Asset struct {
	ID       int64     `json:"id"`
	File     string    `json:"file"` // relative to the uploads directory, slash separated
	MimeType string    `json:"mime_type"`
	Metadata *Metadata `json:"metadata,omitempty"`
}

// Metadata is the derived data the editor produces for an asset.
type Metadata struct {
	Width     int                  `json:"width"`
	Height    int                  `json:"height"`
	File      string               `json:"file"`
	FileSize  int64                `json:"filesize,omitempty"`
	Sizes     map[string]Rendition `json:"sizes"`
	ImageMeta ImageMeta            `json:"image_meta"`
	// Sources lists full-size alternates of the original, keyed by MIME type.
	Sources map[string]Source `json:"sources,omitempty"`
}

// Rendition is one derived size of an asset. File is the legacy-format
// rendition; Sources holds every format written for it, the legacy one
// included.
type Rendition struct {
	File     string            `json:"file"`
	Width    int               `json:"width"`
	Height   int               `json:"height"`
	MimeType string            `json:"mime-type"`
	FileSize int64             `json:"filesize,omitempty"`
	Sources  map[string]Source `json:"sources,omitempty"`
}

// Source is one encoded file of a rendition.
type Source struct {
	File     string `json:"file"`
	FileSize int64  `json:"filesize"`
}

// ImageMeta carries the EXIF fields kept with an asset.
type ImageMeta struct {
	Camera           string  `json:"camera,omitempty"`
	CreatedTimestamp int64   `json:"created_timestamp,omitempty"`
	Latitude         float64 `json:"latitude,omitempty"`
	Longitude        float64 `json:"longitude,omitempty"`
}

// Catalog is the asset store the regenerator reads from and writes
// metadata back to.
type Catalog interface {
	// CountByMime returns the number of assets whose MIME type is in mimes.
	CountByMime(ctx context.Context, mimes []string) (int, error)
	// ListIDsByMime returns asset IDs in ascending order.
	ListIDsByMime(ctx context.Context, mimes []string, offset, limit int) ([]int64, error)
	// Get returns nil, nil when the asset does not exist.
	Get(ctx context.Context, id int64) (*Asset, error)
	UpdateMetadata(ctx context.Context, id int64, meta *Metadata) error
}

// CatalogWriter is implemented by catalogs that accept new assets.
type CatalogWriter interface {
	Insert(ctx context.Context, asset *Asset) (int64, error)
}

// GetMIMEType returns the MIME type for an image file extension.
func GetMIMEType(ext string) (string, error) {
	mime, ok := SupportedImageExtensions[strings.ToLower(ext)]
	if !ok {
		return "", fmt.Errorf("unsupported image extension: %s", ext)
	}
	return mime, nil
}

// IsConvertible reports whether a MIME type gets a WebP sibling.
func IsConvertible(mime string) bool {
	for _, m := range ConvertibleMimeTypes {
		if m == mime {
			return true
		}
	}
	return false
}

// IsImage reports whether an asset is a raster image the editor can handle.
func IsImage(a *Asset) bool {
	if a == nil || !strings.HasPrefix(a.MimeType, "image/") {
		return false
	}
	_, ok := SupportedImageExtensions[strings.ToLower(path.Ext(a.File))]
	return ok
}

// SiblingName returns the WebP sibling path for a legacy image path.
// Paths without a legacy extension are returned unchanged with ok=false.
func SiblingName(name string) (string, bool) {
	ext := path.Ext(name)
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg", ".png", ".gif":
		return strings.TrimSuffix(name, ext) + TargetExtension, true
	}
	return name, false
}
