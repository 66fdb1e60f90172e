// Package settings is the WebPeasy configuration record: a single option
// holding the WebP quality, sanitized on every write and read.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/fpang/webpeasy/internal/options"
)

// OptionName is the record name in the option store.
const OptionName = "webpeasy_settings"

// Keys of the settings record.
const (
	KeyWebPQuality = "webp_quality"
)

// Quality bounds.
const (
	DefaultQuality = 82
	MinQuality     = 0
	MaxQuality     = 100
)

// Values is a settings record.
type Values map[string]any

// Defaults returns the default record.
func Defaults() Values {
	return Values{KeyWebPQuality: DefaultQuality}
}

// Store caches the record for the life of the process, or until the next
// Update, Reset or Invalidate.
type Store struct {
	backend options.Store

	mu    sync.Mutex
	cache Values
}

func New(backend options.Store) *Store {
	return &Store{backend: backend}
}

// Defaults returns the default record.
func (s *Store) Defaults() Values {
	return Defaults()
}

// All returns the stored record merged over the defaults.
func (s *Store) All(ctx context.Context) (Values, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache == nil {
		stored, _, err := s.backend.Load(ctx, OptionName)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", OptionName, err)
		}
		merged := Defaults()
		for k, v := range Sanitize(stored) {
			merged[k] = v
		}
		s.cache = merged
	}
	return clone(s.cache), nil
}

// Get returns one key. Unknown keys return def when given, else nil.
func (s *Store) Get(ctx context.Context, key string, def ...any) (any, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	if v, ok := all[key]; ok {
		return v, nil
	}
	if len(def) > 0 {
		return def[0], nil
	}
	return nil, nil
}

// Quality returns the configured WebP quality, always in [0, 100]. A store
// failure is logged and the default is returned.
func (s *Store) Quality(ctx context.Context) int {
	v, err := s.Get(ctx, KeyWebPQuality, DefaultQuality)
	if err != nil {
		log.Warn().Err(err).Msg("Falling back to default WebP quality")
		return DefaultQuality
	}
	return clampQuality(toInt(v))
}

// Update sanitizes raw, merges it over the current record and writes it.
// It reports false when nothing recognised was submitted.
func (s *Store) Update(ctx context.Context, raw map[string]any) (bool, error) {
	clean := Sanitize(raw)
	if len(clean) == 0 {
		return false, nil
	}
	current, err := s.All(ctx)
	if err != nil {
		return false, err
	}
	for k, v := range clean {
		current[k] = v
	}
	if err := s.save(ctx, current); err != nil {
		return false, err
	}
	log.Info().Interface("settings", map[string]any(current)).Msg("Settings updated")
	return true, nil
}

// Reset writes the defaults back.
func (s *Store) Reset(ctx context.Context) (bool, error) {
	if err := s.save(ctx, Defaults()); err != nil {
		return false, err
	}
	log.Info().Msg("Settings reset to defaults")
	return true, nil
}

// Invalidate drops the cached record.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.cache = nil
	s.mu.Unlock()
}

func (s *Store) save(ctx context.Context, v Values) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.Save(ctx, OptionName, map[string]any(v)); err != nil {
		return fmt.Errorf("failed to save %s: %w", OptionName, err)
	}
	s.cache = nil
	return nil
}

// Sanitize keeps recognised keys only and normalises their values.
func Sanitize(raw map[string]any) Values {
	out := Values{}
	if raw == nil {
		return out
	}
	if v, ok := raw[KeyWebPQuality]; ok {
		out[KeyWebPQuality] = clampQuality(toInt(v))
	}
	return out
}

// SanitizeForm is Sanitize for string form input.
func SanitizeForm(form map[string][]string) Values {
	raw := map[string]any{}
	for k, vs := range form {
		if len(vs) > 0 {
			raw[k] = vs[0]
		}
	}
	return Sanitize(raw)
}

func clampQuality(q int) int {
	return max(MinQuality, min(MaxQuality, q))
}

// toInt coerces loosely typed input. Non-numeric input becomes 0.
func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return saturate(float64(n))
	case uint:
		return saturate(float64(n))
	case uint8:
		return int(n)
	case uint16:
		return int(n)
	case uint32:
		return saturate(float64(n))
	case uint64:
		return saturate(float64(n))
	case float32:
		return saturate(float64(n))
	case float64:
		return saturate(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return saturate(float64(i))
		}
		f, _ := n.Float64()
		return saturate(f)
	case bool:
		if n {
			return 1
		}
		return 0
	case string:
		s := strings.TrimSpace(n)
		if i, err := strconv.Atoi(s); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return saturate(f)
		}
		return 0
	}
	return 0
}

// saturate truncates toward zero and caps at the int range.
func saturate(f float64) int {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt32:
		return math.MaxInt32
	case f <= math.MinInt32:
		return math.MinInt32
	}
	return int(f)
}

func clone(v Values) Values {
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}
