package capability

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Encoder modes accepted by BackendsFor.
const (
	ModeAuto    = "auto"
	ModeFFmpeg  = "ffmpeg"
	ModeLibwebp = "libwebp"
	ModeNone    = "none"
)

// Info is the support summary shown to operators.
type Info struct {
	Supported    bool   `json:"supported"`
	Library      string `json:"library"`
	LibraryLabel string `json:"library_label"`
}

// Notice is the degraded-mode text, empty when WebP is supported.
func (i Info) Notice() string {
	if i.Supported {
		return ""
	}
	return fmt.Sprintf("WebP is not supported by the image library on this server (%s). "+
		"Images are served in their original format until WebP support is available.", i.LibraryLabel)
}

// Detector decides once per process whether WebP can be produced.
type Detector struct {
	backends []Backend

	once      sync.Once
	active    Backend
	supported bool
}

// NewDetector probes backends in order; the first present backend whose
// probe succeeds is used.
func NewDetector(backends ...Backend) *Detector {
	return &Detector{backends: backends}
}

// BackendsFor returns the candidate list for an encoder mode.
func BackendsFor(mode, ffmpegBinary string) ([]Backend, error) {
	switch mode {
	case "", ModeAuto:
		return []Backend{NewRichLibraryBackend(ffmpegBinary), NewSimpleLibraryBackend()}, nil
	case ModeFFmpeg:
		return []Backend{NewRichLibraryBackend(ffmpegBinary)}, nil
	case ModeLibwebp:
		return []Backend{NewSimpleLibraryBackend()}, nil
	case ModeNone:
		return nil, nil
	}
	return nil, fmt.Errorf("unknown encoder mode %q", mode)
}

func (d *Detector) detect() {
	d.once.Do(func() {
		start := time.Now()
		for _, b := range d.backends {
			if !b.Present() {
				log.Debug().Str("backend", b.Name()).Msg("Encoder backend not present")
				continue
			}
			if b.TrySupportsTargetFormat() {
				d.active = b
				d.supported = true
				break
			}
			log.Debug().Str("backend", b.Name()).Msg("Encoder backend present without WebP support")
		}

		ev := log.Info()
		if !d.supported {
			ev = log.Warn()
		}
		ev.Bool("supported", d.supported).
			Str("library", d.info().Library).
			Dur("probe_duration", time.Since(start)).
			Msg("WebP capability detected")
	})
}

// SupportsTargetFormat reports whether WebP can be produced. The probe runs
// on first call only.
func (d *Detector) SupportsTargetFormat() bool {
	d.detect()
	return d.supported
}

// Encoder returns the active backend, or nil when unsupported.
func (d *Detector) Encoder() Backend {
	d.detect()
	if !d.supported {
		return nil
	}
	return d.active
}

// Info describes the active backend, else the first present one.
func (d *Detector) Info() Info {
	d.detect()
	return d.info()
}

func (d *Detector) info() Info {
	if d.active != nil {
		return Info{Supported: true, Library: d.active.Name(), LibraryLabel: d.active.Label()}
	}
	for _, b := range d.backends {
		if b.Present() {
			return Info{Supported: d.supported, Library: b.Name(), LibraryLabel: b.Label()}
		}
	}
	return Info{Supported: d.supported, Library: NameNone, LibraryLabel: NoLibraryLabel}
}
