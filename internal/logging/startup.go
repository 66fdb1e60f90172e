package logging

import (
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// field is one entry of a startup section. Exactly one of str or on is
// meaningful, depending on flag.
type field struct {
	key  string
	str  string
	on   bool
	flag bool
}

// StartupLogger gathers how a webpeasy process was wired (encoder, stores,
// paths, features) and writes it as one structured event.
type StartupLogger struct {
	name    string
	start   time.Time
	encoder *zerolog.Event

	order    []string
	sections map[string][]field
}

// NewStartupLogger starts a summary for the named binary. Init time is
// measured from this call.
func NewStartupLogger(name string) *StartupLogger {
	return &StartupLogger{
		name:     name,
		start:    time.Now(),
		sections: map[string][]field{},
	}
}

func (s *StartupLogger) add(section string, f field) *StartupLogger {
	if _, ok := s.sections[section]; !ok {
		s.order = append(s.order, section)
	}
	fields := s.sections[section]
	for i := range fields {
		if fields[i].key == f.key {
			fields[i] = f
			return s
		}
	}
	s.sections[section] = append(fields, f)
	return s
}

// Encoder records the image backend picked by capability detection.
func (s *StartupLogger) Encoder(library, label string, supported bool) *StartupLogger {
	s.encoder = zerolog.Dict().
		Str("library", library).
		Str("label", label).
		Bool("webp", supported)
	return s
}

// Store records a persistence backend, e.g. "options" -> "dynamodb".
func (s *StartupLogger) Store(label, kind string) *StartupLogger {
	return s.add("stores", field{key: label, str: kind})
}

// Path records a directory or URL prefix the process uses.
func (s *StartupLogger) Path(label, path string) *StartupLogger {
	return s.add("paths", field{key: label, str: path})
}

// Feature records whether an optional part is active.
func (s *StartupLogger) Feature(name string, enabled bool) *StartupLogger {
	return s.add("features", field{key: name, on: enabled, flag: true})
}

// Config records a non-sensitive setting.
func (s *StartupLogger) Config(key, value string) *StartupLogger {
	return s.add("config", field{key: key, str: value})
}

// Secret records whether a secret was found, never its value.
func (s *StartupLogger) Secret(name string, present bool) *StartupLogger {
	return s.add("secrets", field{key: name, on: present, flag: true})
}

// EnvOrDefault returns the value of envVar, or defaultVal when it is empty
// or unset.
func EnvOrDefault(envVar, defaultVal string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return defaultVal
}

// Log writes the summary at info level.
func (s *StartupLogger) Log() {
	proc := zerolog.Dict().
		Str("name", s.name).
		Int("pid", os.Getpid()).
		Str("goVersion", runtime.Version()).
		Str("arch", runtime.GOARCH).
		Str("logLevel", EnvOrDefault("WEBPEASY_LOG_LEVEL", "info"))
	if fn := os.Getenv("AWS_LAMBDA_FUNCTION_NAME"); fn != "" {
		proc = proc.Str("functionName", fn).Str("region", os.Getenv("AWS_REGION"))
	}

	evt := log.Info().Dict("process", proc)
	if s.encoder != nil {
		evt = evt.Dict("encoder", s.encoder)
	}
	for _, name := range s.order {
		d := zerolog.Dict()
		for _, f := range s.sections[name] {
			if f.flag {
				d = d.Bool(f.key, f.on)
			} else {
				d = d.Str(f.key, f.str)
			}
		}
		evt = evt.Dict(name, d)
	}
	evt.Dur("initDuration", time.Since(s.start)).Msg("Startup complete")
}
