// Package plugin wires WebPeasy into the host: it registers the format
// mapper, quality provider and output rewriter on the hook bus when WebP
// can be produced, and always mounts the admin surface.
package plugin

import (
	"context"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/fpang/webpeasy/internal/capability"
	"github.com/fpang/webpeasy/internal/hooks"
	"github.com/fpang/webpeasy/internal/media"
	"github.com/fpang/webpeasy/internal/rewrite"
	"github.com/fpang/webpeasy/internal/settings"
)

// Deps are the collaborators a Plugin registers and consults.
type Deps struct {
	Settings *settings.Store
	Detector *capability.Detector
	Bus      *hooks.Bus
	Rewriter *rewrite.Rewriter
	// Admin is mounted under AdminPrefix whether or not WebP is supported.
	Admin       http.Handler
	AdminPrefix string
}

// Plugin is the process-wide WebPeasy instance.
type Plugin struct {
	deps Deps

	initOnce  sync.Once
	installed bool
}

var (
	loadOnce sync.Once
	loaded   *Plugin
)

// Load returns the process-wide instance, building and initialising it on
// the first call. Later calls ignore deps and return the same instance.
func Load(ctx context.Context, deps Deps) *Plugin {
	loadOnce.Do(func() {
		loaded = New(deps)
		loaded.Init(ctx)
	})
	return loaded
}

// New builds an instance without registering anything.
func New(deps Deps) *Plugin {
	if deps.Bus == nil {
		deps.Bus = hooks.NewBus()
	}
	return &Plugin{deps: deps}
}

// Init registers the hooks. Repeated calls are no-ops.
func (p *Plugin) Init(ctx context.Context) {
	p.initOnce.Do(func() {
		info := p.deps.Detector.Info()
		if !info.Supported {
			log.Warn().
				Str("library", info.LibraryLabel).
				Msg("WebP not supported, images will be served in their original format")
			return
		}

		p.deps.Bus.AddFormatMapper(p)
		p.deps.Bus.AddQualityProvider(p)
		if p.deps.Rewriter != nil {
			p.deps.Bus.AddBufferFilter(p.deps.Rewriter)
		}
		p.installed = true

		log.Info().
			Str("library", info.Library).
			Int("quality", p.deps.Settings.Quality(ctx)).
			Msg("WebP hooks registered")
	})
}

// Installed reports whether the WebP hooks are registered.
func (p *Plugin) Installed() bool { return p.installed }

// Info is the capability summary.
func (p *Plugin) Info() capability.Info { return p.deps.Detector.Info() }

// Bus is the hook bus the plugin registers on.
func (p *Plugin) Bus() *hooks.Bus { return p.deps.Bus }

// MapOutputFormat adds a WebP output for every legacy source format. SVG
// and WebP sources are left alone, as is everything when WebP is
// unsupported.
func (p *Plugin) MapOutputFormat(formats map[string]string, filename, mime string) map[string]string {
	if formats == nil {
		formats = map[string]string{}
	}
	if !p.deps.Detector.SupportsTargetFormat() {
		return formats
	}
	switch mime {
	case media.MimeSVG, media.MimeWebP:
		return formats
	}
	if media.IsConvertible(mime) {
		formats[mime] = media.MimeWebP
	}
	return formats
}

// EditorQuality returns the configured quality for WebP output and passes
// every other MIME type through.
func (p *Plugin) EditorQuality(quality int, mime string) int {
	if mime != media.MimeWebP {
		return quality
	}
	return p.deps.Settings.Quality(context.Background())
}

// Frontend wraps the site handler with every registered buffer filter.
func (p *Plugin) Frontend(next http.Handler) http.Handler {
	h := next
	for _, f := range p.deps.Bus.BufferFilters() {
		h = rewrite.Middleware(f, h)
	}
	return h
}

// Mount registers the admin surface and the filtered site on mux.
func (p *Plugin) Mount(mux *http.ServeMux, site http.Handler) {
	if p.deps.Admin != nil && p.deps.AdminPrefix != "" {
		mux.Handle(p.deps.AdminPrefix+"/", p.deps.Admin)
	}
	mux.Handle("/", p.Frontend(site))
}
