// Package audio drives sound output through the shared system audio
// device and layers looped background music with fading on top of it.
package audio

import (
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ebitengine/oto/v3"

	"github.com/bernd-fruechtnicht/hypnotify-public-sub001/pkg/tts"
)

const (
	// DefaultSampleRate is the shared device rate. Music tracks and
	// synthesized speech are resampled to it before playback.
	DefaultSampleRate = 44100

	// DefaultChannels is fixed to stereo so per-ear panning works.
	DefaultChannels = 2

	// bytesPerSample is the width of one signed 16-bit sample.
	bytesPerSample = 2

	deviceReadyTimeout = 5 * time.Second
)

// Player is a single playback stream attached to the output device.
type Player interface {
	Play()
	Pause()
	IsPlaying() bool
	SetVolume(volume float64)
	Volume() float64
	Close() error
}

// Output hands out playback streams. The production implementation is
// Device; tests substitute fakes.
type Output interface {
	NewPlayer(r io.Reader) Player
	SampleRate() int
	ChannelCount() int
}

// Device owns the process-wide audio context. The underlying library
// allows a single context per process, so one Device is shared by the
// speech engines and the music layer.
type Device struct {
	mu   sync.Mutex
	ctx  *oto.Context
	rate int
	ch   int
}

// NewDevice opens the system audio device and waits for it to become
// ready.
func NewDevice(sampleRate, channels int) (*Device, error) {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if channels <= 0 {
		channels = DefaultChannels
	}

	options := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
	}

	// Platform-specific buffer size adjustments
	switch runtime.GOOS {
	case "darwin":
		// macOS benefits from larger buffers
		options.BufferSize = time.Millisecond * 100
	case "windows":
		options.BufferSize = time.Millisecond * 80
	default:
		// Linux/ALSA default
		options.BufferSize = time.Millisecond * 50
	}

	ctx, ready, err := oto.NewContext(options)
	if err != nil {
		return nil, tts.NewError(tts.CodeAudioPlayback, "failed to open audio device").WithCause(err)
	}

	select {
	case <-ready:
	case <-time.After(deviceReadyTimeout):
		return nil, tts.NewError(tts.CodeAudioPlayback, "audio device initialization timed out")
	}

	log.Debug("audio device ready",
		"sample_rate", sampleRate,
		"channels", channels,
		"buffer", options.BufferSize)

	return &Device{ctx: ctx, rate: sampleRate, ch: channels}, nil
}

// NewPlayer attaches a playback stream for r. The reader must produce
// signed 16-bit little-endian PCM at the device rate and channel count.
func (d *Device) NewPlayer(r io.Reader) Player {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &devicePlayer{player: d.ctx.NewPlayer(r)}
}

// SampleRate returns the device sample rate.
func (d *Device) SampleRate() int {
	return d.rate
}

// ChannelCount returns the device channel count.
func (d *Device) ChannelCount() int {
	return d.ch
}

// devicePlayer adapts an oto player to the Player interface.
type devicePlayer struct {
	player *oto.Player
}

// Play starts or resumes playback.
func (p *devicePlayer) Play() {
	p.player.Play()
}

// Pause pauses playback, keeping buffered audio for Play to resume.
func (p *devicePlayer) Pause() {
	p.player.Pause()
}

// IsPlaying reports whether audio is currently playing.
func (p *devicePlayer) IsPlaying() bool {
	return p.player.IsPlaying()
}

// SetVolume sets the playback volume (0.0 to 1.0).
func (p *devicePlayer) SetVolume(volume float64) {
	p.player.SetVolume(volume)
}

// Volume returns the current volume.
func (p *devicePlayer) Volume() float64 {
	return p.player.Volume()
}

// Close releases the player. The source reader is left to its owner.
func (p *devicePlayer) Close() error {
	return p.player.Close()
}

// PCMDuration reports the play time of raw signed 16-bit PCM.
func PCMDuration(n, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	frames := n / (bytesPerSample * channels)
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}
