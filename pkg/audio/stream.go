package audio

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	mp3 "github.com/hajimehoshi/go-mp3"

	"github.com/bernd-fruechtnicht/hypnotify-public-sub001/pkg/tts"
)

// Pan selects which side of the stereo field a clip plays on.
type Pan int

const (
	PanCenter Pan = iota
	PanLeft
	PanRight
)

func (p Pan) String() string {
	switch p {
	case PanLeft:
		return "left"
	case PanRight:
		return "right"
	default:
		return "center"
	}
}

// ParsePan maps a config value to a Pan. An empty value means center.
func ParsePan(s string) (Pan, error) {
	switch s {
	case "", "center":
		return PanCenter, nil
	case "left":
		return PanLeft, nil
	case "right":
		return PanRight, nil
	}
	return PanCenter, tts.NewError(tts.CodeInvalidConfig, "unknown pan value: "+s)
}

// Clip is a fully decoded utterance held in memory. It reads as signed
// 16-bit little-endian PCM and tracks the playback position so progress
// can be reported while the device drains it.
type Clip struct {
	data     []byte
	reader   *bytes.Reader
	rate     int
	channels int

	mu  sync.Mutex // protects reader and pan
	pan Pan
	pos int64 // atomic
}

// NewClip wraps raw PCM data. The length must be aligned to whole
// frames.
func NewClip(pcm []byte, sampleRate, channels int) (*Clip, error) {
	if len(pcm) == 0 {
		return nil, tts.NewError(tts.CodeAudioPlayback, "empty audio data")
	}
	frame := bytesPerSample * channels
	if channels <= 0 || len(pcm)%frame != 0 {
		return nil, tts.NewError(tts.CodeAudioPlayback,
			fmt.Sprintf("pcm length %d not aligned to %d-byte frames", len(pcm), frame))
	}
	return &Clip{
		data:     pcm,
		reader:   bytes.NewReader(pcm),
		rate:     sampleRate,
		channels: channels,
	}, nil
}

// SetPan silences one side of a stereo clip. It has no effect on mono
// audio.
func (c *Clip) SetPan(p Pan) {
	c.mu.Lock()
	c.pan = p
	c.mu.Unlock()
}

func (c *Clip) Read(p []byte) (int, error) {
	c.mu.Lock()
	start, _ := c.reader.Seek(0, io.SeekCurrent)
	n, err := c.reader.Read(p)
	pan := c.pan
	c.mu.Unlock()

	if n > 0 {
		atomic.StoreInt64(&c.pos, start+int64(n))
		if pan != PanCenter && c.channels == 2 {
			silenceSide(p[:n], start, pan)
		}
	}
	return n, err
}

func (c *Clip) Seek(offset int64, whence int) (int64, error) {
	c.mu.Lock()
	pos, err := c.reader.Seek(offset, whence)
	c.mu.Unlock()

	if err == nil {
		atomic.StoreInt64(&c.pos, pos)
	}
	return pos, err
}

// Position reports how much of the clip has been read so far.
func (c *Clip) Position() time.Duration {
	return PCMDuration(int(atomic.LoadInt64(&c.pos)), c.rate, c.channels)
}

// Duration reports the total play time of the clip.
func (c *Clip) Duration() time.Duration {
	return PCMDuration(len(c.data), c.rate, c.channels)
}

// SampleRate returns the PCM sample rate.
func (c *Clip) SampleRate() int {
	return c.rate
}

// Size returns the PCM payload size in bytes.
func (c *Clip) Size() int {
	return len(c.data)
}

// silenceSide zeroes one channel of interleaved 16-bit stereo frames.
// off is the absolute byte offset of b[0] within the stream, which
// keeps channel phase correct for unaligned reads.
func silenceSide(b []byte, off int64, pan Pan) {
	for i := range b {
		left := (off+int64(i))%4 < 2
		if pan == PanRight && left {
			b[i] = 0
		}
		if pan == PanLeft && !left {
			b[i] = 0
		}
	}
}

// DecodeMP3 decodes a complete MP3 payload into a Clip, resampling to
// targetRate when the encoded rate differs. The decoder always emits
// stereo frames, so clips are stereo regardless of the source.
func DecodeMP3(data []byte, targetRate int) (*Clip, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, tts.NewError(tts.CodeAudioPlayback, "failed to decode mp3").WithCause(err)
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return nil, tts.NewError(tts.CodeAudioPlayback, "failed to decode mp3").WithCause(err)
	}

	rate := dec.SampleRate()
	if targetRate > 0 && targetRate != rate {
		pcm, err = ResamplePCM(pcm, 2, rate, targetRate)
		if err != nil {
			return nil, err
		}
		rate = targetRate
	}
	return NewClip(pcm, rate, 2)
}

// Loop repeats src endlessly by rewinding on end of stream.
func Loop(src io.ReadSeeker) io.Reader {
	return &loopStream{src: src}
}

type loopStream struct {
	src io.ReadSeeker
}

func (l *loopStream) Read(p []byte) (int, error) {
	n, err := l.src.Read(p)
	if err != io.EOF {
		return n, err
	}
	if _, err := l.src.Seek(0, io.SeekStart); err != nil {
		return n, err
	}
	if n > 0 {
		return n, nil
	}
	n, err = l.src.Read(p)
	if err == io.EOF {
		// Empty source, refuse to spin.
		return n, io.ErrNoProgress
	}
	return n, err
}

// SourceOpener opens a music stream tailored to the device format. It
// is called on every restart so playback always begins at the top of
// the track.
type SourceOpener func(sampleRate, channels int) (io.Reader, io.Closer, error)

// FileSource opens an MP3 file from disk, looping it when loop is set
// and resampling to the device rate.
func FileSource(path string, loop bool) SourceOpener {
	return func(sampleRate, channels int) (io.Reader, io.Closer, error) {
		if channels != DefaultChannels {
			return nil, nil, tts.NewError(tts.CodeAudioPlayback, "music playback requires a stereo device")
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, tts.NewError(tts.CodeAudioPlayback, "failed to open music file").WithCause(err)
		}
		dec, err := mp3.NewDecoder(f)
		if err != nil {
			f.Close()
			return nil, nil, tts.NewError(tts.CodeAudioPlayback, "failed to decode music file").WithCause(err)
		}

		var r io.Reader = dec
		if loop {
			r = Loop(dec)
		}
		r = Resample(r, channels, dec.SampleRate(), sampleRate)
		return r, f, nil
	}
}
