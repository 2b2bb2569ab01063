package audio

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/bernd-fruechtnicht/hypnotify-public-sub001/pkg/tts"
)

// resampleBatch is how many output frames are produced per refill.
const resampleBatch = 512

// Resample converts interleaved signed 16-bit little-endian PCM from
// one sample rate to another using linear interpolation. It returns r
// unchanged when the rates already match.
func Resample(r io.Reader, channels, from, to int) io.Reader {
	if channels <= 0 || from <= 0 || to <= 0 || from == to {
		return r
	}
	return &resampler{
		src:      r,
		channels: channels,
		step:     float64(from) / float64(to),
		frame:    make([]byte, bytesPerSample*channels),
		cur:      make([]float64, channels),
		nxt:      make([]float64, channels),
	}
}

// ResamplePCM converts an in-memory PCM buffer between sample rates.
func ResamplePCM(pcm []byte, channels, from, to int) ([]byte, error) {
	if from == to {
		return pcm, nil
	}
	out, err := io.ReadAll(Resample(bytes.NewReader(pcm), channels, from, to))
	if err != nil {
		return nil, tts.NewError(tts.CodeAudioPlayback, "resample failed").WithCause(err)
	}
	return out, nil
}

type resampler struct {
	src      io.Reader
	channels int
	step     float64 // source frames advanced per output frame
	pos      float64 // fractional position between cur and nxt
	cur, nxt []float64
	frame    []byte
	primed   bool
	srcDone  bool
	err      error
	pending  []byte
}

func (r *resampler) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		r.fill()
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// fill interpolates up to resampleBatch output frames from the source.
func (r *resampler) fill() {
	if !r.primed {
		if !r.readFrame(r.cur) {
			if r.err == nil {
				r.err = io.EOF
			}
			return
		}
		if !r.readFrame(r.nxt) {
			copy(r.nxt, r.cur)
		}
		r.primed = true
	}

	buf := make([]byte, 0, resampleBatch*len(r.frame))
	for i := 0; i < resampleBatch; i++ {
		for r.pos >= 1 {
			copy(r.cur, r.nxt)
			if !r.readFrame(r.nxt) {
				if r.err == nil {
					r.err = io.EOF
				}
				r.pending = buf
				return
			}
			r.pos--
		}
		for ch := 0; ch < r.channels; ch++ {
			v := r.cur[ch] + (r.nxt[ch]-r.cur[ch])*r.pos
			buf = binary.LittleEndian.AppendUint16(buf, uint16(int16(math.Round(v))))
		}
		r.pos += r.step
	}
	r.pending = buf
}

// readFrame decodes the next source frame into dst. It reports false
// once the source is exhausted or failed.
func (r *resampler) readFrame(dst []float64) bool {
	if r.srcDone {
		return false
	}
	if _, err := io.ReadFull(r.src, r.frame); err != nil {
		if err != io.EOF && err != io.ErrUnexpectedEOF {
			r.err = err
		}
		r.srcDone = true
		return false
	}
	for ch := 0; ch < r.channels; ch++ {
		dst[ch] = float64(int16(binary.LittleEndian.Uint16(r.frame[ch*bytesPerSample:])))
	}
	return true
}
