package tts

import (
	"context"
	"errors"
	"sync"
)

// Voice identifies one synthesis voice offered by a backend.
type Voice struct {
	ID       string // backend-specific identifier
	Name     string // human-readable name
	Language string // BCP-47 language tag, e.g. "en-US"
	Gender   string
}

// Capabilities describes what a backend can do. Pause is capability-tested:
// callers must not invoke Pause/Resume on a backend that reports false.
type Capabilities struct {
	Pause   bool // supports mid-utterance pause and resume
	Rate    bool // honors PlaybackConfig.Rate
	Pitch   bool // honors PlaybackConfig.Pitch
	Network bool // needs a network connection
}

// Outcome is the terminal result of one utterance.
type Outcome int

const (
	// OutcomeCompleted indicates the utterance was spoken to the end.
	OutcomeCompleted Outcome = iota
	// OutcomeInterrupted indicates the utterance was stopped deliberately.
	OutcomeInterrupted
	// OutcomeError indicates the utterance failed.
	OutcomeError
)

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeInterrupted:
		return "interrupted"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// Result resolves one Speak call. Err is set only for OutcomeError.
type Result struct {
	Outcome Outcome
	Err     *Error
}

// Utterance is one in-flight Speak call. It resolves exactly once, on
// completion, interruption, or failure.
type Utterance struct {
	done chan Result
	once sync.Once
}

// NewUtterance creates an unresolved utterance. Backend implementations
// create one per Speak call and resolve it when playback ends.
func NewUtterance() *Utterance {
	return &Utterance{done: make(chan Result, 1)}
}

// Done returns a channel that receives the terminal Result exactly once.
func (u *Utterance) Done() <-chan Result {
	return u.done
}

// Resolve delivers the terminal result. Calls after the first are ignored.
func (u *Utterance) Resolve(r Result) {
	u.once.Do(func() {
		u.done <- r
	})
}

// ErrPauseNotSupported reports a capability gap, not a playback failure.
var ErrPauseNotSupported = errors.New("backend does not support pause")

// Backend is the uniform speech engine contract. One instance serves one
// channel; stereo sessions construct an instance per channel so Stop,
// Pause and Resume are unambiguous.
type Backend interface {
	// Name returns the engine identifier, e.g. "edge" or "mock".
	Name() string

	// Available reports whether the engine can synthesize right now.
	Available() bool

	// Voices lists voices for a language tag; an empty tag lists all.
	Voices(language string) ([]Voice, error)

	// Speak synthesizes and plays text. It returns once playback has
	// started (or synthesis has been handed to the device); the returned
	// utterance resolves when playback ends. A synchronous error means
	// nothing was started.
	Speak(ctx context.Context, text string, cfg PlaybackConfig) (*Utterance, error)

	// Stop cancels the in-flight utterance, if any. The utterance
	// resolves with OutcomeInterrupted.
	Stop() error

	// Pause suspends the in-flight utterance. Returns
	// ErrPauseNotSupported when Capabilities().Pause is false; status is
	// then unchanged.
	Pause() error

	// Resume continues a paused utterance.
	Resume() error

	// Capabilities describes the engine.
	Capabilities() Capabilities

	// OnStateChange registers a listener for the backend's own status
	// transitions.
	OnStateChange(fn func(PlaybackState))

	// OnError registers a listener for typed backend errors.
	OnError(fn func(*Error))
}
