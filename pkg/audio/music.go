package audio

import (
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bernd-fruechtnicht/hypnotify-public-sub001/pkg/tts"
)

const (
	// DefaultMusicVolume keeps the track well under the voice.
	DefaultMusicVolume = 0.3

	// DefaultDuckLevel is the fraction of the configured volume the
	// track drops to while speech is playing.
	DefaultDuckLevel = 0.4

	defaultFadeTick = 50 * time.Millisecond

	// musicInitAttempts caps lazy initialization at the first try plus
	// one retry. After that the controller stays muted.
	musicInitAttempts = 2
)

// MusicState tracks what the background layer is doing.
type MusicState int

const (
	MusicIdle MusicState = iota
	MusicPlaying
	MusicPaused
	MusicStopped
	MusicUnavailable
)

func (s MusicState) String() string {
	switch s {
	case MusicIdle:
		return "idle"
	case MusicPlaying:
		return "playing"
	case MusicPaused:
		return "paused"
	case MusicStopped:
		return "stopped"
	case MusicUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MusicConfig controls the background music layer.
type MusicConfig struct {
	Path      string        `yaml:"path" env:"HYPNOTIFY_MUSIC_PATH"`
	Volume    float64       `yaml:"volume" env:"HYPNOTIFY_MUSIC_VOLUME"`
	Loop      bool          `yaml:"loop" env:"HYPNOTIFY_MUSIC_LOOP"`
	DuckLevel float64       `yaml:"duck_level" env:"HYPNOTIFY_MUSIC_DUCK_LEVEL"`
	FadeIn    time.Duration `yaml:"fade_in" env:"HYPNOTIFY_MUSIC_FADE_IN"`
	FadeOut   time.Duration `yaml:"fade_out" env:"HYPNOTIFY_MUSIC_FADE_OUT"`
	FadeTick  time.Duration `yaml:"fade_tick"`
}

// DefaultMusicConfig returns the stock music settings. The track stays
// silent until a path is configured.
func DefaultMusicConfig() MusicConfig {
	return MusicConfig{
		Volume:    DefaultMusicVolume,
		Loop:      true,
		DuckLevel: DefaultDuckLevel,
		FadeIn:    2 * time.Second,
		FadeOut:   2 * time.Second,
		FadeTick:  defaultFadeTick,
	}
}

// OutputOpener lazily acquires the playback device. Music defers the
// call until the first play attempt so a missing device never blocks
// session startup.
type OutputOpener func() (Output, error)

// Music plays a looped background track underneath speech. The device
// and the track are opened lazily on first use, and failures leave the
// controller muted without affecting speech playback.
//
// Volume is the product of three factors: the configured base volume,
// the fade level between 0 and 1, and the duck factor while speech is
// active. Fades ramp the level only, so a fade interrupted halfway
// resumes from where it stopped rather than snapping.
type Music struct {
	mu       sync.Mutex
	cfg      MusicConfig
	outFn    OutputOpener
	srcFn    SourceOpener
	out      Output
	player   Player
	closer   io.Closer
	state    MusicState
	base     float64 // configured volume, clamped to [0, 1]
	level    float64 // fade progress, 0 silent to 1 full
	ducked   bool
	attempts int
	initErr  *tts.Error
	fadeStop chan struct{}
	tick     time.Duration
}

// NewMusic wires a music controller. Nothing is opened until the first
// playback call.
func NewMusic(out OutputOpener, src SourceOpener, cfg MusicConfig) *Music {
	if cfg.Volume <= 0 {
		cfg.Volume = DefaultMusicVolume
	}
	if cfg.DuckLevel <= 0 || cfg.DuckLevel > 1 {
		cfg.DuckLevel = DefaultDuckLevel
	}
	if cfg.FadeTick <= 0 {
		cfg.FadeTick = defaultFadeTick
	}
	return &Music{
		cfg:   cfg,
		outFn: out,
		srcFn: src,
		state: MusicIdle,
		base:  clampVolume(cfg.Volume),
		level: 1,
		tick:  cfg.FadeTick,
	}
}

// ensureLocked opens the device and the track on first use. The device
// and the track are separate concerns: a reachable device with a broken
// track is still unavailable, but keeps the device for the retry.
func (m *Music) ensureLocked() *tts.Error {
	if m.player != nil {
		return nil
	}
	if m.initErr != nil && m.attempts >= musicInitAttempts {
		return m.initErr
	}
	m.attempts++

	out := m.out
	if out == nil {
		opened, err := m.outFn()
		if err != nil {
			m.initErr = tts.Wrap(err, tts.CodeAudioPlayback)
			m.state = MusicUnavailable
			log.Warn("music output unavailable", "err", err)
			return m.initErr
		}
		out = opened
		m.out = opened
	}

	r, closer, err := m.srcFn(out.SampleRate(), out.ChannelCount())
	if err != nil {
		m.initErr = tts.Wrap(err, tts.CodeAudioPlayback)
		m.state = MusicUnavailable
		log.Warn("music track unavailable", "err", err)
		return m.initErr
	}

	m.player = out.NewPlayer(r)
	m.closer = closer
	m.initErr = nil
	m.attempts = 0
	log.Debug("music ready", "volume", m.base)
	return nil
}

// Play starts the track, restoring full volume and cancelling any fade
// in flight.
func (m *Music) Play() error {
	m.mu.Lock()
	if err := m.ensureLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.cancelFadeLocked()
	m.level = 1
	m.applyVolumeLocked()
	m.player.Play()
	m.state = MusicPlaying
	m.mu.Unlock()
	return nil
}

// Pause halts playback, keeping the position.
func (m *Music) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != MusicPlaying || m.player == nil {
		return
	}
	m.cancelFadeLocked()
	m.player.Pause()
	m.state = MusicPaused
}

// Resume continues after Pause at the volume the track paused with.
func (m *Music) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != MusicPaused || m.player == nil {
		return
	}
	m.player.Play()
	m.state = MusicPlaying
}

// Stop ends playback and releases the track. A later Play reopens the
// source from the beginning.
func (m *Music) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Music) stopLocked() {
	m.cancelFadeLocked()
	if m.player != nil {
		m.player.Pause()
		if err := m.player.Close(); err != nil {
			log.Debug("music player close", "err", err)
		}
		m.player = nil
	}
	if m.closer != nil {
		m.closer.Close()
		m.closer = nil
	}
	if m.state != MusicUnavailable {
		m.state = MusicStopped
	}
}

// Close releases the player and the track source. Safe to call more
// than once.
func (m *Music) Close() error {
	m.Stop()
	return nil
}

// FadeIn raises the volume linearly to the configured level, starting
// from silence when the track was stopped and from the current level
// when an earlier fade was interrupted. It blocks until the ramp
// finishes and reports false when another call cancels it.
func (m *Music) FadeIn(d time.Duration) bool {
	m.mu.Lock()
	if err := m.ensureLocked(); err != nil {
		m.mu.Unlock()
		return false
	}
	if m.state != MusicPlaying {
		if m.state != MusicPaused {
			m.level = 0
		}
		m.applyVolumeLocked()
		m.player.Play()
		m.state = MusicPlaying
	}
	m.mu.Unlock()
	return m.fadeTo(1, d)
}

// FadeOut lowers the volume linearly to silence and pauses the track.
// It blocks until done and reports false when cancelled, leaving the
// track at whatever level the cancelling caller set.
func (m *Music) FadeOut(d time.Duration) bool {
	m.mu.Lock()
	if m.player == nil || m.state != MusicPlaying {
		m.mu.Unlock()
		return true
	}
	m.mu.Unlock()

	if !m.fadeTo(0, d) {
		return false
	}

	m.mu.Lock()
	// A Play racing the last tick resets the level; only pause when the
	// fade actually landed at silence.
	if m.level == 0 && m.state == MusicPlaying && m.player != nil {
		m.player.Pause()
		m.state = MusicPaused
	}
	m.mu.Unlock()
	return true
}

// fadeTo ramps the fade level toward target over d. Each tick checks
// that this fade still owns the controller, so a cancelled fade can
// never write a stale volume.
func (m *Music) fadeTo(target float64, d time.Duration) bool {
	m.mu.Lock()
	if m.player == nil {
		m.mu.Unlock()
		return true
	}
	m.cancelFadeLocked()
	if d <= 0 {
		m.level = target
		m.applyVolumeLocked()
		m.mu.Unlock()
		return true
	}
	stop := make(chan struct{})
	m.fadeStop = stop
	start := m.level
	tick := m.tick
	m.mu.Unlock()

	steps := int(d / tick)
	if steps < 1 {
		steps = 1
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for i := 1; i <= steps; i++ {
		select {
		case <-stop:
			return false
		case <-ticker.C:
		}

		m.mu.Lock()
		if m.fadeStop != stop {
			m.mu.Unlock()
			return false
		}
		m.level = start + (target-start)*float64(i)/float64(steps)
		m.applyVolumeLocked()
		if i == steps {
			m.fadeStop = nil
		}
		m.mu.Unlock()
	}
	return true
}

func (m *Music) cancelFadeLocked() {
	if m.fadeStop != nil {
		close(m.fadeStop)
		m.fadeStop = nil
	}
}

// SetVolume changes the target volume, clamped to [0, 1]. A fade in
// progress keeps running against the new target.
func (m *Music) SetVolume(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.base = clampVolume(v)
	m.applyVolumeLocked()
}

// Volume reports the configured target volume.
func (m *Music) Volume() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.base
}

// Duck scales the music down while speech is playing and back up when
// it finishes.
func (m *Music) Duck(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ducked == on {
		return
	}
	m.ducked = on
	m.applyVolumeLocked()
}

func (m *Music) applyVolumeLocked() {
	if m.player == nil {
		return
	}
	v := m.base * m.level
	if m.ducked {
		v *= m.cfg.DuckLevel
	}
	m.player.SetVolume(v)
}

// State reports the controller state, accounting for tracks that ran
// out on their own.
func (m *Music) State() MusicState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == MusicPlaying && m.player != nil && !m.player.IsPlaying() {
		return MusicStopped
	}
	return m.state
}

// Available reports whether music can play. It stays true until an
// initialization attempt fails.
func (m *Music) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initErr == nil
}

// Config returns the controller configuration.
func (m *Music) Config() MusicConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func clampVolume(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
