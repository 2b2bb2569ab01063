// Package edge speaks through the Microsoft Edge online speech service.
// Synthesis produces an MP3 payload that is decoded and played on the
// shared audio device, so pause and resume happen at the player and the
// service is never re-contacted mid-utterance.
package edge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/wujunwei928/edge-tts-go/edge_tts"
	"golang.org/x/time/rate"

	"github.com/bernd-fruechtnicht/hypnotify-public-sub001/pkg/audio"
	"github.com/bernd-fruechtnicht/hypnotify-public-sub001/pkg/tts"
)

const (
	// DefaultSynthTimeout bounds one synthesis round trip.
	DefaultSynthTimeout = 15 * time.Second

	// DefaultRequestsPerMinute throttles calls to the free service.
	// Sessions synthesize one statement at a time, so this is generous.
	DefaultRequestsPerMinute = 30

	synthesisBurst  = 3
	monitorInterval = 50 * time.Millisecond
)

// catalog lists the service voices this backend exposes. The service
// itself offers hundreds; these cover the shipped session languages
// with voices suited to slow, even narration.
var catalog = []tts.Voice{
	{ID: "en-US-AriaNeural", Name: "Aria", Language: "en-US", Gender: "Female"},
	{ID: "en-US-GuyNeural", Name: "Guy", Language: "en-US", Gender: "Male"},
	{ID: "en-US-JennyNeural", Name: "Jenny", Language: "en-US", Gender: "Female"},
	{ID: "en-GB-SoniaNeural", Name: "Sonia", Language: "en-GB", Gender: "Female"},
	{ID: "en-GB-RyanNeural", Name: "Ryan", Language: "en-GB", Gender: "Male"},
	{ID: "de-DE-KatjaNeural", Name: "Katja", Language: "de-DE", Gender: "Female"},
	{ID: "de-DE-ConradNeural", Name: "Conrad", Language: "de-DE", Gender: "Male"},
	{ID: "fr-FR-DeniseNeural", Name: "Denise", Language: "fr-FR", Gender: "Female"},
	{ID: "es-ES-ElviraNeural", Name: "Elvira", Language: "es-ES", Gender: "Female"},
}

// playback is one in-flight utterance. It is registered before
// synthesis starts so Stop can cancel it at any phase; player and clip
// are attached once the audio is ready.
type playback struct {
	utt    *tts.Utterance
	player audio.Player
	clip   *audio.Clip
	cancel chan struct{}
}

// Backend synthesizes through the edge speech service and plays the
// result locally. One instance drives one utterance at a time.
type Backend struct {
	deviceFn audio.OutputOpener
	cache    tts.Cache
	resolver *tts.Resolver
	machine  *tts.Machine
	limiter  *rate.Limiter
	timeout  time.Duration

	// synth and decode are swapped out by tests.
	synth  func(ctx context.Context, voiceID, text string) ([]byte, error)
	decode func(data []byte, targetRate int) (*audio.Clip, error)

	mu      sync.Mutex
	device  audio.Output
	current *playback
	paused  bool
	closed  bool
}

// New wires the edge service to the shared playback device. cache may
// be nil to disable synthesis caching; prefs seeds per-language voice
// selection.
func New(device audio.OutputOpener, cache tts.Cache, prefs tts.Preferences) *Backend {
	return &Backend{
		deviceFn: device,
		cache:    cache,
		resolver: tts.NewResolver(prefs),
		machine:  tts.NewMachine(),
		limiter:  rate.NewLimiter(rate.Limit(float64(DefaultRequestsPerMinute)/60), synthesisBurst),
		timeout:  DefaultSynthTimeout,
		synth:    synthesize,
		decode:   audio.DecodeMP3,
	}
}

// Name returns the engine identifier.
func (b *Backend) Name() string { return "edge" }

// Available reports whether the backend accepts utterances. Network
// reachability is only learned per call, so this stays true until
// Shutdown.
func (b *Backend) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

// Voices lists the curated service voices, optionally filtered by
// language tag.
func (b *Backend) Voices(language string) ([]tts.Voice, error) {
	voices := make([]tts.Voice, 0, len(catalog))
	for _, v := range catalog {
		if language == "" || v.Language == language {
			voices = append(voices, v)
		}
	}
	return voices, nil
}

// Capabilities describes the engine. Pause works at the player, while
// rate and pitch are not passed through to the service.
func (b *Backend) Capabilities() tts.Capabilities {
	return tts.Capabilities{Pause: true, Rate: false, Pitch: false, Network: true}
}

// OnStateChange registers a listener for playback status transitions.
func (b *Backend) OnStateChange(fn func(tts.PlaybackState)) {
	b.machine.OnChange(fn)
}

// OnError registers a listener for typed backend errors.
func (b *Backend) OnError(fn func(*tts.Error)) {
	b.machine.OnError(fn)
}

// SetSynthTimeout overrides the per-request synthesis deadline.
func (b *Backend) SetSynthTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timeout = d
}

// SetRequestLimit overrides the service request throttle.
func (b *Backend) SetRequestLimit(perMinute int) {
	if perMinute <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60), synthesisBurst)
}

// Speak synthesizes text and starts playback. The returned utterance
// resolves when the clip drains, Stop interrupts it, or the device
// fails. Stop during synthesis resolves the utterance as interrupted
// without an error.
func (b *Backend) Speak(ctx context.Context, text string, cfg tts.PlaybackConfig) (*tts.Utterance, error) {
	if err := ctx.Err(); err != nil {
		return nil, tts.Wrap(err, tts.CodeUnknown)
	}
	if !b.machine.Begin(text) {
		return nil, tts.NewError(tts.CodeUnknown, "backend is busy with another utterance")
	}

	voice, err := b.resolver.Resolve(catalogCopy(), cfg.Language, cfg.VoiceID)
	if err != nil {
		perr := tts.Wrap(err, tts.CodeVoiceNotFound)
		b.machine.Fail(perr)
		return nil, perr
	}
	pan, err := audio.ParsePan(cfg.Options.Pan)
	if err != nil {
		perr := tts.Wrap(err, tts.CodeInvalidConfig)
		b.machine.Fail(perr)
		return nil, perr
	}

	utt := tts.NewUtterance()
	pb := &playback{utt: utt, cancel: make(chan struct{})}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		perr := tts.NewError(tts.CodeEngineNotAvailable, "edge backend is shut down")
		b.machine.Fail(perr)
		return nil, perr
	}
	b.current = pb
	b.paused = false
	timeout := b.timeout
	b.mu.Unlock()

	if opts, ok := cfg.Options.For(b.Name()); ok && opts.Edge != nil && opts.Edge.SynthTimeout > 0 {
		timeout = opts.Edge.SynthTimeout
	}

	// Stop closes pb.cancel, which aborts an in-flight service call.
	sctx, cancelSynth := context.WithCancel(ctx)
	go func() {
		select {
		case <-pb.cancel:
			cancelSynth()
		case <-sctx.Done():
		}
	}()

	data, cached, perr := b.fetchAudio(sctx, voice.ID, text, cfg, timeout)
	cancelSynth()
	if perr != nil {
		if !b.release(pb) {
			return utt, nil
		}
		b.machine.Fail(perr)
		return nil, perr
	}

	device, perr := b.ensureDevice()
	if perr != nil {
		if !b.release(pb) {
			return utt, nil
		}
		b.machine.Fail(perr)
		return nil, perr
	}

	clip, err := b.decode(data, device.SampleRate())
	if err != nil {
		if !b.release(pb) {
			return utt, nil
		}
		perr := tts.Wrap(err, tts.CodeAudioPlayback)
		b.machine.Fail(perr)
		return nil, perr
	}
	clip.SetPan(pan)
	b.machine.SetDuration(clip.Duration())

	b.mu.Lock()
	if b.current != pb {
		// Stopped while synthesizing; Stop already resolved utt.
		b.mu.Unlock()
		return utt, nil
	}
	pb.clip = clip
	pb.player = device.NewPlayer(clip)
	pb.player.SetVolume(cfg.Volume)
	b.mu.Unlock()

	pb.player.Play()
	b.machine.Transition(tts.StatusPlaying)
	go b.monitor(pb)

	log.Debug("edge playback started",
		"voice", voice.ID,
		"cached", cached,
		"pan", pan,
		"duration", clip.Duration())
	return utt, nil
}

// Stop interrupts the in-flight utterance, if any, at whatever phase
// it is in.
func (b *Backend) Stop() error {
	b.mu.Lock()
	pb := b.current
	b.current = nil
	b.paused = false
	b.mu.Unlock()

	if pb == nil {
		return nil
	}
	close(pb.cancel)
	if pb.player != nil {
		pb.player.Pause()
		if err := pb.player.Close(); err != nil {
			log.Debug("player close after stop", "err", err)
		}
	}
	b.machine.Transition(tts.StatusStopped)
	pb.utt.Resolve(tts.Result{Outcome: tts.OutcomeInterrupted})
	return nil
}

// Pause suspends playback at the device. During synthesis it is a
// no-op; the utterance is not playing yet.
func (b *Backend) Pause() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil || b.current.player == nil || b.paused {
		return nil
	}
	b.paused = true
	b.current.player.Pause()
	b.machine.Transition(tts.StatusPaused)
	return nil
}

// Resume continues playback after Pause.
func (b *Backend) Resume() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil || b.current.player == nil || !b.paused {
		return nil
	}
	b.paused = false
	b.current.player.Play()
	b.machine.Transition(tts.StatusPlaying)
	return nil
}

// Shutdown interrupts playback and refuses further Speak calls.
func (b *Backend) Shutdown() {
	b.Stop()
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

// release clears the active slot for a failed utterance. It reports
// false when Stop got there first, meaning utt is already resolved.
func (b *Backend) release(pb *playback) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != pb {
		return false
	}
	b.current = nil
	return true
}

// fetchAudio returns the MP3 payload for text, consulting the cache
// before paying for a service round trip.
func (b *Backend) fetchAudio(ctx context.Context, voiceID, text string, cfg tts.PlaybackConfig, timeout time.Duration) ([]byte, bool, *tts.Error) {
	key := tts.CacheKey(b.Name(), cfg, text)
	if b.cache != nil {
		entry, err := b.cache.Get(ctx, key)
		switch {
		case err == nil:
			return entry.Audio, true, nil
		case !errors.Is(err, tts.ErrCacheMiss):
			log.Warn("synthesis cache read failed", "err", err)
		}
	}

	b.mu.Lock()
	limiter := b.limiter
	b.mu.Unlock()
	if err := limiter.Wait(ctx); err != nil {
		return nil, false, tts.Wrap(err, tts.CodeUnknown)
	}

	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	data, err := b.synth(sctx, voiceID, text)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, tts.Wrap(ctx.Err(), tts.CodeUnknown)
		}
		return nil, false, tts.NewError(tts.CodeNetwork, "speech synthesis failed").WithCause(err)
	}
	if len(data) == 0 {
		return nil, false, tts.NewError(tts.CodeNetwork, "speech service returned no audio")
	}

	if b.cache != nil {
		entry := &tts.Entry{
			Audio:     data,
			Text:      text,
			Engine:    b.Name(),
			VoiceID:   voiceID,
			Rate:      cfg.Rate,
			CreatedAt: time.Now(),
		}
		if err := b.cache.Put(ctx, key, entry); err != nil {
			log.Warn("synthesis cache write failed", "err", err)
		}
	}
	return data, false, nil
}

// ensureDevice opens the playback device on first use.
func (b *Backend) ensureDevice() (audio.Output, *tts.Error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.device != nil {
		return b.device, nil
	}
	out, err := b.deviceFn()
	if err != nil {
		return nil, tts.Wrap(err, tts.CodeAudioPlayback)
	}
	b.device = out
	return out, nil
}

// monitor follows the device until the clip drains, mirroring playback
// progress into the state machine.
func (b *Backend) monitor(pb *playback) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pb.cancel:
			return
		case <-ticker.C:
		}

		b.mu.Lock()
		if b.current != pb {
			b.mu.Unlock()
			return
		}
		paused := b.paused
		b.mu.Unlock()

		if paused {
			continue
		}

		elapsed := pb.clip.Position()
		total := pb.clip.Duration()
		if total > 0 {
			snap := b.machine.Snapshot()
			frac := float64(elapsed) / float64(total)
			b.machine.Progress(int(frac*float64(snap.Length)), elapsed)
		}

		// The device reads ahead, so the position reaches the end well
		// before the buffered audio finishes sounding.
		if elapsed >= total && !pb.player.IsPlaying() {
			b.complete(pb)
			return
		}
	}
}

// complete resolves a fully drained utterance.
func (b *Backend) complete(pb *playback) {
	b.mu.Lock()
	if b.current != pb {
		b.mu.Unlock()
		return
	}
	b.current = nil
	b.paused = false
	b.mu.Unlock()

	if err := pb.player.Close(); err != nil {
		log.Debug("player close after completion", "err", err)
	}
	b.machine.Transition(tts.StatusCompleted)
	pb.utt.Resolve(tts.Result{Outcome: tts.OutcomeCompleted})
}

// synthesize performs one service round trip. The client library is
// synchronous, so the call runs in its own goroutine and is abandoned
// on timeout or cancellation; closing the communicator unblocks it.
func synthesize(ctx context.Context, voiceID, text string) ([]byte, error) {
	comm, err := edge_tts.New(voiceID)
	if err != nil {
		return nil, err
	}
	defer comm.Close()

	type reply struct {
		data []byte
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		data, err := comm.Output(text)
		ch <- reply{data: data, err: err}
	}()

	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func catalogCopy() []tts.Voice {
	return append([]tts.Voice(nil), catalog...)
}
