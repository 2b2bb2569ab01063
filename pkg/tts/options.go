package tts

import "time"

// Options carries engine-specific synthesis options, keyed by engine name.
// Typed fields cover the engines this repository ships; Extra is an opaque
// passthrough for anything else and is handed to the backend untouched.
type Options struct {
	Engine string `yaml:"engine,omitempty"`
	// Pan routes playback to one ear: "left", "right" or "" for both.
	Pan   string            `yaml:"pan,omitempty"`
	Edge  *EdgeOptions      `yaml:"edge,omitempty"`
	Mock  *MockOptions      `yaml:"mock,omitempty"`
	Extra map[string]string `yaml:"extra,omitempty"`
}

// EdgeOptions tunes the Microsoft Edge speech backend.
type EdgeOptions struct {
	// SynthTimeout bounds one synthesis round trip; zero keeps the
	// backend default.
	SynthTimeout time.Duration `yaml:"synth_timeout,omitempty"`
	// RequestsPerMinute throttles calls to the online service; zero
	// keeps the backend default.
	RequestsPerMinute int `yaml:"requests_per_minute,omitempty"`
}

// MockOptions tunes the mock backend used in tests and dry runs.
type MockOptions struct {
	// StartupDelay simulates synthesis latency before playback starts.
	StartupDelay time.Duration `yaml:"startup_delay,omitempty"`
	// SpeakDuration overrides the estimated speaking time; zero keeps the
	// word-count estimate.
	SpeakDuration time.Duration `yaml:"speak_duration,omitempty"`
}

// For returns the typed options when they target the named engine, along
// with the passthrough map. Callers get zero values when the options were
// written for a different engine.
func (o Options) For(engine string) (Options, bool) {
	if o.Engine != "" && o.Engine != engine {
		return Options{}, false
	}
	return o, true
}
