// Package hooks is the host's extension bus. Components register format
// mappers, quality providers and output buffer filters; the image editor and
// the site frontend consult the bus when they run.
package hooks

import (
	"net/http"
	"sync"
)

// FormatMapper rewrites the output format map the editor uses when it
// writes renditions. formats maps a source MIME type to the MIME type of an
// additional file to write next to it.
type FormatMapper interface {
	MapOutputFormat(formats map[string]string, filename, mime string) map[string]string
}

// QualityProvider adjusts the encoder quality for an output MIME type.
type QualityProvider interface {
	EditorQuality(quality int, mime string) int
}

// BufferFilter captures a whole page response and transforms it before it
// is sent.
type BufferFilter interface {
	ShouldBuffer(r *http.Request) bool
	Filter(body []byte) []byte
}

// FormatMapperFunc adapts a function to FormatMapper.
type FormatMapperFunc func(formats map[string]string, filename, mime string) map[string]string

func (f FormatMapperFunc) MapOutputFormat(formats map[string]string, filename, mime string) map[string]string {
	return f(formats, filename, mime)
}

// QualityProviderFunc adapts a function to QualityProvider.
type QualityProviderFunc func(quality int, mime string) int

func (f QualityProviderFunc) EditorQuality(quality int, mime string) int {
	return f(quality, mime)
}

// Bus holds registered extensions in registration order.
type Bus struct {
	mu        sync.RWMutex
	mappers   []FormatMapper
	qualities []QualityProvider
	filters   []BufferFilter
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) AddFormatMapper(m FormatMapper) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mappers = append(b.mappers, m)
}

func (b *Bus) AddQualityProvider(p QualityProvider) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.qualities = append(b.qualities, p)
}

func (b *Bus) AddBufferFilter(f BufferFilter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filters = append(b.filters, f)
}

// OutputFormats runs every mapper over an empty map for one source file.
func (b *Bus) OutputFormats(filename, mime string) map[string]string {
	b.mu.RLock()
	mappers := append([]FormatMapper(nil), b.mappers...)
	b.mu.RUnlock()

	formats := map[string]string{}
	for _, m := range mappers {
		formats = m.MapOutputFormat(formats, filename, mime)
		if formats == nil {
			formats = map[string]string{}
		}
	}
	return formats
}

// Quality runs every provider starting from the editor default.
func (b *Bus) Quality(quality int, mime string) int {
	b.mu.RLock()
	providers := append([]QualityProvider(nil), b.qualities...)
	b.mu.RUnlock()

	for _, p := range providers {
		quality = p.EditorQuality(quality, mime)
	}
	return quality
}

// BufferFilters returns a snapshot of the registered filters.
func (b *Bus) BufferFilters() []BufferFilter {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]BufferFilter(nil), b.filters...)
}

// Counts reports how many extensions of each kind are registered.
func (b *Bus) Counts() (mappers, qualities, filters int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.mappers), len(b.qualities), len(b.filters)
}
