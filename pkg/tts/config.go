package tts

import (
	"fmt"
	"time"
)

// AudioFormat describes the synthesis output format requested from a backend.
type AudioFormat struct {
	Codec      string `yaml:"codec" env:"HYPNOTIFY_TTS_CODEC" envDefault:"mp3"`
	SampleRate int    `yaml:"sample_rate" env:"HYPNOTIFY_TTS_SAMPLE_RATE" envDefault:"24000"`
	Bitrate    int    `yaml:"bitrate" env:"HYPNOTIFY_TTS_BITRATE" envDefault:"48"`
	Channels   int    `yaml:"channels" env:"HYPNOTIFY_TTS_CHANNELS" envDefault:"1"`
}

// PlaybackConfig holds the resolved synthesis parameters for one utterance.
type PlaybackConfig struct {
	VoiceID  string      `yaml:"voice" env:"HYPNOTIFY_TTS_VOICE"`
	Language string      `yaml:"language" env:"HYPNOTIFY_TTS_LANGUAGE" envDefault:"en-US"`
	Rate     float64     `yaml:"rate" env:"HYPNOTIFY_TTS_RATE" envDefault:"1.0"`
	Pitch    float64     `yaml:"pitch" env:"HYPNOTIFY_TTS_PITCH" envDefault:"1.0"`
	Volume   float64     `yaml:"volume" env:"HYPNOTIFY_TTS_VOLUME" envDefault:"1.0"`
	Format   AudioFormat `yaml:"format"`
	SSML     bool        `yaml:"ssml" env:"HYPNOTIFY_TTS_SSML" envDefault:"false"`
	Preload  bool        `yaml:"preload" env:"HYPNOTIFY_TTS_PRELOAD" envDefault:"false"`
	// PreloadAhead caps how many upcoming utterances may be synthesized
	// before they are needed.
	PreloadAhead int     `yaml:"preload_ahead" env:"HYPNOTIFY_TTS_PRELOAD_AHEAD" envDefault:"2"`
	Options      Options `yaml:"options"`
}

// DefaultPlaybackConfig returns a PlaybackConfig with sensible defaults.
func DefaultPlaybackConfig() PlaybackConfig {
	return PlaybackConfig{
		Language: "en-US",
		Rate:     1.0,
		Pitch:    1.0,
		Volume:   1.0,
		Format: AudioFormat{
			Codec:      "mp3",
			SampleRate: 24000,
			Bitrate:    48,
			Channels:   1,
		},
		PreloadAhead: 2,
	}
}

// Validate checks the configuration ranges. It returns a typed
// CodeInvalidConfig error so callers can reject before any state mutation.
func (c *PlaybackConfig) Validate() error {
	if c.Language == "" {
		return NewError(CodeInvalidConfig, "language must not be empty")
	}
	if c.Rate < 0.1 || c.Rate > 2.0 {
		return NewError(CodeInvalidConfig, fmt.Sprintf("rate must be between 0.1 and 2.0, got %g", c.Rate))
	}
	if c.Pitch < 0.0 || c.Pitch > 2.0 {
		return NewError(CodeInvalidConfig, fmt.Sprintf("pitch must be between 0.0 and 2.0, got %g", c.Pitch))
	}
	if c.Volume < 0.0 || c.Volume > 1.0 {
		return NewError(CodeInvalidConfig, fmt.Sprintf("volume must be between 0.0 and 1.0, got %g", c.Volume))
	}
	if c.PreloadAhead < 0 || c.PreloadAhead > 10 {
		return NewError(CodeInvalidConfig, fmt.Sprintf("preload_ahead must be between 0 and 10, got %d", c.PreloadAhead))
	}
	return c.Format.Validate()
}

// Validate checks the audio format.
func (f *AudioFormat) Validate() error {
	switch f.Codec {
	case "mp3", "pcm16":
	default:
		return NewError(CodeInvalidConfig, fmt.Sprintf("unsupported codec %q", f.Codec))
	}
	validRates := []int{8000, 16000, 22050, 24000, 44100, 48000}
	rateValid := false
	for _, r := range validRates {
		if f.SampleRate == r {
			rateValid = true
			break
		}
	}
	if !rateValid {
		return NewError(CodeInvalidConfig, fmt.Sprintf("invalid sample rate %d: must be one of %v", f.SampleRate, validRates))
	}
	if f.Channels < 1 || f.Channels > 2 {
		return NewError(CodeInvalidConfig, fmt.Sprintf("channels must be 1 or 2, got %d", f.Channels))
	}
	return nil
}

// Overrides is a partial PlaybackConfig plus pacing hints. Nil fields
// inherit from the next layer down. Statements and sessions both carry one.
type Overrides struct {
	VoiceID     *string        `yaml:"voice,omitempty" json:"voice,omitempty"`
	Language    *string        `yaml:"language,omitempty" json:"language,omitempty"`
	Rate        *float64       `yaml:"rate,omitempty" json:"rate,omitempty"`
	Pitch       *float64       `yaml:"pitch,omitempty" json:"pitch,omitempty"`
	Volume      *float64       `yaml:"volume,omitempty" json:"volume,omitempty"`
	PauseBefore *time.Duration `yaml:"pause_before,omitempty" json:"pause_before,omitempty"`
	PauseAfter  *time.Duration `yaml:"pause_after,omitempty" json:"pause_after,omitempty"`
}

// IsZero reports whether no field is set.
func (o *Overrides) IsZero() bool {
	return o == nil || (o.VoiceID == nil && o.Language == nil && o.Rate == nil &&
		o.Pitch == nil && o.Volume == nil && o.PauseBefore == nil && o.PauseAfter == nil)
}

// apply copies set fields onto cfg.
func (o *Overrides) apply(cfg *PlaybackConfig) {
	if o == nil {
		return
	}
	if o.VoiceID != nil {
		cfg.VoiceID = *o.VoiceID
	}
	if o.Language != nil {
		cfg.Language = *o.Language
	}
	if o.Rate != nil {
		cfg.Rate = *o.Rate
	}
	if o.Pitch != nil {
		cfg.Pitch = *o.Pitch
	}
	if o.Volume != nil {
		cfg.Volume = *o.Volume
	}
}

// Merge resolves a PlaybackConfig from layered overrides. Layers are applied
// in order, so later layers win: pass the session override first and the
// statement override last.
func Merge(global PlaybackConfig, layers ...*Overrides) PlaybackConfig {
	cfg := global
	for _, layer := range layers {
		layer.apply(&cfg)
	}
	return cfg
}
