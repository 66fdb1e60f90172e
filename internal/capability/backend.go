// Package capability probes the runtime for a WebP encoder.
package capability

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/rs/zerolog/log"
)

// Backend names.
const (
	NameFFmpeg  = "ffmpeg"
	NameLibwebp = "libwebp"
	NameNone    = "none"
)

// NoLibraryLabel is reported when no backend is present at all.
const NoLibraryLabel = "No image library detected"

// ErrNoEncoder is returned by NoBackend.Encode.
var ErrNoEncoder = errors.New("no WebP encoder available")

// Backend is one way of producing WebP files.
type Backend interface {
	Name() string
	Label() string
	// Present reports whether the backend exists at all in this runtime.
	Present() bool
	// TrySupportsTargetFormat probes for WebP support. It never panics;
	// any failure is reported as false.
	TrySupportsTargetFormat() bool
	Encode(img image.Image, quality int) ([]byte, error)
}

const probeTimeout = 5 * time.Second

// RichLibraryBackend shells out to an ffmpeg binary built with libwebp. The
// probe lists the binary's encoders and looks for libwebp.
type RichLibraryBackend struct {
	binary   string
	lookPath func(string) (string, error)
	output   func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewRichLibraryBackend looks for binary on PATH; empty means "ffmpeg".
func NewRichLibraryBackend(binary string) *RichLibraryBackend {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &RichLibraryBackend{
		binary:   binary,
		lookPath: exec.LookPath,
		output: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}
}

func (b *RichLibraryBackend) Name() string  { return NameFFmpeg }
func (b *RichLibraryBackend) Label() string { return "FFmpeg (libwebp)" }

func (b *RichLibraryBackend) Present() bool {
	_, err := b.lookPath(b.binary)
	return err == nil
}

func (b *RichLibraryBackend) TrySupportsTargetFormat() (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Msg("ffmpeg probe panicked")
			ok = false
		}
	}()

	path, err := b.lookPath(b.binary)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	out, err := b.output(ctx, path, "-hide_banner", "-encoders")
	if err != nil {
		log.Debug().Err(err).Str("binary", path).Msg("ffmpeg encoder listing failed")
		return false
	}
	return hasEncoder(out, "libwebp")
}

// hasEncoder scans `ffmpeg -encoders` output. Each encoder line is
// "<flags> <name> <description>".
func hasEncoder(out []byte, name string) bool {
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == name {
			return true
		}
	}
	return false
}

// Encode writes img to a temporary PNG and converts it with ffmpeg.
func (b *RichLibraryBackend) Encode(img image.Image, quality int) ([]byte, error) {
	path, err := b.lookPath(b.binary)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}

	tmpDir, err := os.MkdirTemp("", "webpeasy-encode-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	in := filepath.Join(tmpDir, "in.png")
	out := filepath.Join(tmpDir, "out.webp")
	if err := imaging.Save(img, in); err != nil {
		return nil, fmt.Errorf("failed to write encoder input: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	// ffmpeg -i in.png -c:v libwebp -quality Q -y out.webp
	output, err := b.output(ctx, path,
		"-hide_banner", "-loglevel", "error",
		"-i", in,
		"-c:v", "libwebp",
		"-quality", fmt.Sprint(quality),
		"-y", out,
	)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg encode failed: %w: %s", err, strings.TrimSpace(string(output)))
	}
	data, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("failed to read encoder output: %w", err)
	}
	return data, nil
}

// SimpleLibraryBackend encodes in-process with the linked libwebp. Its
// probe is a direct encode attempt.
type SimpleLibraryBackend struct {
	encode func(img image.Image, quality int) ([]byte, error)
}

func NewSimpleLibraryBackend() *SimpleLibraryBackend {
	return &SimpleLibraryBackend{encode: encodeLibwebp}
}

func encodeLibwebp(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Quality: float32(quality)}); err != nil {
		return nil, fmt.Errorf("failed to encode WebP: %w", err)
	}
	return buf.Bytes(), nil
}

func (b *SimpleLibraryBackend) Name() string  { return NameLibwebp }
func (b *SimpleLibraryBackend) Label() string { return "libwebp" }
func (b *SimpleLibraryBackend) Present() bool { return b.encode != nil }

func (b *SimpleLibraryBackend) TrySupportsTargetFormat() (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Msg("libwebp probe panicked")
			ok = false
		}
	}()

	img := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.NRGBA{A: 255})
	data, err := b.encode(img, 80)
	return err == nil && len(data) > 0
}

func (b *SimpleLibraryBackend) Encode(img image.Image, quality int) ([]byte, error) {
	return b.encode(img, quality)
}

// NoBackend stands for a runtime without any encoder.
type NoBackend struct{}

func (NoBackend) Name() string                            { return NameNone }
func (NoBackend) Label() string                           { return NoLibraryLabel }
func (NoBackend) Present() bool                           { return false }
func (NoBackend) TrySupportsTargetFormat() bool           { return false }
func (NoBackend) Encode(image.Image, int) ([]byte, error) { return nil, ErrNoEncoder }
