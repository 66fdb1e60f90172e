package media

import (
	"fmt"
	"os"
	"strings"

	"github.com/evanoberholster/imagemeta"
)

// ExtractImageMeta reads the EXIF fields kept with an asset. Formats
// without EXIF return an error; callers treat that as "no metadata".
func ExtractImageMeta(filePath string) (*ImageMeta, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	exifData, err := imagemeta.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode EXIF metadata: %w", err)
	}

	meta := &ImageMeta{}

	camera := strings.TrimSpace(strings.TrimSpace(exifData.Make) + " " + strings.TrimSpace(exifData.Model))
	meta.Camera = camera

	// DateTimeOriginal > CreateDate > ModifyDate
	switch {
	case !exifData.DateTimeOriginal().IsZero():
		meta.CreatedTimestamp = exifData.DateTimeOriginal().Unix()
	case !exifData.CreateDate().IsZero():
		meta.CreatedTimestamp = exifData.CreateDate().Unix()
	case !exifData.ModifyDate().IsZero():
		meta.CreatedTimestamp = exifData.ModifyDate().Unix()
	}

	gps := exifData.GPS
	if gps.Latitude() != 0 || gps.Longitude() != 0 {
		meta.Latitude = gps.Latitude()
		meta.Longitude = gps.Longitude()
	}

	return meta, nil
}
