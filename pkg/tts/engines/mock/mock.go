// Package mock provides a speech backend for tests and dry runs. It speaks
// silence on a timer and can be scripted to fail, so queue and session
// behavior can be exercised without audio hardware or a network engine.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/bernd-fruechtnicht/hypnotify-public-sub001/pkg/tts"
)

// Backend implements tts.Backend with timer-driven playback.
type Backend struct {
	mu            sync.Mutex
	caps          tts.Capabilities
	available     bool
	startupDelay  time.Duration
	speakDuration time.Duration // zero derives the duration from the text

	shouldFail   bool
	failureError *tts.Error
	failAsync    bool

	callCount int
	spoken    []string

	machine *tts.Machine
	current *tts.Utterance
	timer   *time.Timer
	paused  bool
	remain  time.Duration
	started time.Time
}

// New creates a mock backend that supports pause. Playback time defaults to
// the word-count estimate; SetSpeakDuration or MockOptions shorten it for
// fast tests.
func New() *Backend {
	return &Backend{
		caps:         tts.Capabilities{Pause: true, Rate: true, Pitch: true},
		available:    true,
		startupDelay: time.Millisecond,
		machine:      tts.NewMachine(),
	}
}

// Name returns the backend identifier.
func (b *Backend) Name() string { return "mock" }

// Available reports the scripted availability.
func (b *Backend) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available
}

// Voices returns a fixed voice list, filtered by language when given.
func (b *Backend) Voices(language string) ([]tts.Voice, error) {
	all := []tts.Voice{
		{ID: "mock-en-calm", Name: "Calm", Language: "en-US", Gender: "Neutral"},
		{ID: "mock-en-warm", Name: "Warm", Language: "en-GB", Gender: "Female"},
		{ID: "mock-de-still", Name: "Still", Language: "de-DE", Gender: "Female"},
	}
	if language == "" {
		return all, nil
	}
	var out []tts.Voice
	for _, v := range all {
		if v.Language == language {
			out = append(out, v)
		}
	}
	return out, nil
}

// Capabilities returns the scripted capability set.
func (b *Backend) Capabilities() tts.Capabilities {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.caps
}

// OnStateChange registers a playback state listener.
func (b *Backend) OnStateChange(fn func(tts.PlaybackState)) {
	b.machine.OnChange(fn)
}

// OnError registers an error listener.
func (b *Backend) OnError(fn func(*tts.Error)) {
	b.machine.OnError(fn)
}

// Speak simulates one utterance. The returned utterance resolves after the
// configured speaking time unless Stop or a scripted failure ends it first.
func (b *Backend) Speak(ctx context.Context, text string, cfg tts.PlaybackConfig) (*tts.Utterance, error) {
	b.mu.Lock()
	b.callCount++
	b.spoken = append(b.spoken, text)

	if !b.available {
		b.mu.Unlock()
		return nil, tts.NewError(tts.CodeEngineNotAvailable, "mock backend shut down")
	}
	if b.shouldFail && !b.failAsync {
		err := b.failureError
		b.mu.Unlock()
		b.machine.Fail(err)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		b.mu.Unlock()
		return nil, tts.Wrap(err, tts.CodeUnknown)
	}

	utt := tts.NewUtterance()
	b.current = utt
	b.paused = false

	duration := b.playTime(text, cfg)
	startup := b.startupDelay
	if opts, ok := cfg.Options.For("mock"); ok && opts.Mock != nil && opts.Mock.StartupDelay > 0 {
		startup = opts.Mock.StartupDelay
	}
	failAsync := b.shouldFail && b.failAsync
	failErr := b.failureError
	b.mu.Unlock()

	b.machine.Begin(text)
	if startup > 0 {
		time.Sleep(startup)
	}
	b.machine.Transition(tts.StatusPlaying)

	b.mu.Lock()
	if b.current != utt {
		// Stopped while starting up.
		b.mu.Unlock()
		return utt, nil
	}
	b.started = time.Now()
	b.remain = duration
	if failAsync {
		b.timer = time.AfterFunc(duration, func() { b.failCurrent(utt, failErr) })
	} else {
		b.timer = time.AfterFunc(duration, func() { b.completeCurrent(utt) })
	}
	b.mu.Unlock()

	return utt, nil
}

// Stop interrupts the in-flight utterance, resolving it with
// OutcomeInterrupted.
func (b *Backend) Stop() error {
	b.mu.Lock()
	utt := b.current
	b.current = nil
	b.paused = false
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	if utt == nil {
		return nil
	}
	b.machine.Transition(tts.StatusStopped)
	utt.Resolve(tts.Result{Outcome: tts.OutcomeInterrupted})
	return nil
}

// Pause suspends the current utterance, keeping the remaining time.
func (b *Backend) Pause() error {
	b.mu.Lock()
	if !b.caps.Pause {
		b.mu.Unlock()
		return tts.ErrPauseNotSupported
	}
	if b.current == nil || b.paused {
		b.mu.Unlock()
		return nil
	}
	b.paused = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	elapsed := time.Since(b.started)
	if elapsed < b.remain {
		b.remain -= elapsed
	} else {
		b.remain = 0
	}
	b.mu.Unlock()

	b.machine.Transition(tts.StatusPaused)
	return nil
}

// Resume continues a paused utterance for its remaining time.
func (b *Backend) Resume() error {
	b.mu.Lock()
	if !b.caps.Pause {
		b.mu.Unlock()
		return tts.ErrPauseNotSupported
	}
	utt := b.current
	if utt == nil || !b.paused {
		b.mu.Unlock()
		return nil
	}
	b.paused = false
	b.started = time.Now()
	b.timer = time.AfterFunc(b.remain, func() { b.completeCurrent(utt) })
	b.mu.Unlock()

	b.machine.Transition(tts.StatusPlaying)
	return nil
}

// Shutdown marks the backend unavailable; subsequent Speak calls fail.
func (b *Backend) Shutdown() {
	b.Stop()
	b.mu.Lock()
	b.available = false
	b.mu.Unlock()
}

// Test control methods

// SetStartupDelay sets the simulated synthesis latency before playback.
func (b *Backend) SetStartupDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startupDelay = d
}

// SetSpeakDuration fixes the playback time per utterance. Zero restores the
// word-count estimate.
func (b *Backend) SetSpeakDuration(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.speakDuration = d
}

// SetCapabilities overrides the advertised capability set.
func (b *Backend) SetCapabilities(caps tts.Capabilities) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.caps = caps
}

// SetAvailable overrides availability.
func (b *Backend) SetAvailable(available bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.available = available
}

// SetFailure scripts every Speak to fail with err. When async is true the
// failure is delivered through the utterance after the speaking time,
// otherwise Speak itself returns it.
func (b *Backend) SetFailure(err *tts.Error, async bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shouldFail = true
	b.failureError = err
	b.failAsync = async
}

// ClearFailure restores normal completion.
func (b *Backend) ClearFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shouldFail = false
	b.failureError = nil
	b.failAsync = false
}

// CallCount returns how many times Speak was invoked.
func (b *Backend) CallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.callCount
}

// Spoken returns the texts passed to Speak, in order.
func (b *Backend) Spoken() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.spoken))
	copy(out, b.spoken)
	return out
}

// playTime picks the speaking time for an utterance: a scripted duration,
// then per-utterance mock options, then the word-count estimate.
func (b *Backend) playTime(text string, cfg tts.PlaybackConfig) time.Duration {
	if b.speakDuration > 0 {
		return b.speakDuration
	}
	if opts, ok := cfg.Options.For("mock"); ok && opts.Mock != nil && opts.Mock.SpeakDuration > 0 {
		return opts.Mock.SpeakDuration
	}
	return tts.EstimateDuration(text, cfg.Rate)
}

func (b *Backend) completeCurrent(utt *tts.Utterance) {
	b.mu.Lock()
	if b.current != utt {
		b.mu.Unlock()
		return
	}
	b.current = nil
	b.timer = nil
	b.mu.Unlock()

	b.machine.Transition(tts.StatusCompleted)
	utt.Resolve(tts.Result{Outcome: tts.OutcomeCompleted})
}

func (b *Backend) failCurrent(utt *tts.Utterance, err *tts.Error) {
	b.mu.Lock()
	if b.current != utt {
		b.mu.Unlock()
		return
	}
	b.current = nil
	b.timer = nil
	b.mu.Unlock()

	b.machine.Fail(err)
	utt.Resolve(tts.Result{Outcome: tts.OutcomeError, Err: err})
}
