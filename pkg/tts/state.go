package tts

import (
	"sync"
	"time"
)

// Status represents the lifecycle state of one utterance or channel.
type Status int

const (
	// StatusIdle indicates no utterance is in flight.
	StatusIdle Status = iota
	// StatusLoading indicates speak was requested and synthesis is underway.
	StatusLoading
	// StatusPlaying indicates audio is being spoken.
	StatusPlaying
	// StatusPaused indicates playback is suspended mid-utterance.
	StatusPaused
	// StatusStopped indicates playback was cancelled explicitly.
	StatusStopped
	// StatusCompleted indicates the utterance finished normally.
	StatusCompleted
	// StatusError indicates the utterance failed.
	StatusError
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	case StatusStopped:
		return "stopped"
	case StatusCompleted:
		return "completed"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status ends an utterance.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusCompleted || s == StatusError
}

// PlaybackState is an immutable snapshot of one channel's playback.
type PlaybackState struct {
	Status   Status
	Text     string        // text of the current utterance
	Position int           // character position within Text
	Length   int           // total character length of Text
	Elapsed  time.Duration // time spent speaking the current utterance
	Duration time.Duration // estimated total speaking time
	Err      *Error        // last error, set while Status == StatusError
}

// IsActive returns true if an utterance is in flight.
func (s PlaybackState) IsActive() bool {
	return s.Status == StatusLoading || s.Status == StatusPlaying || s.Status == StatusPaused
}

// CanPlay returns true if a new utterance may begin.
func (s PlaybackState) CanPlay() bool {
	return s.Status == StatusIdle || s.Status.Terminal()
}

// CanPause returns true if playback can be paused.
func (s PlaybackState) CanPause() bool {
	return s.Status == StatusPlaying
}

// CanStop returns true if playback can be stopped.
func (s PlaybackState) CanStop() bool {
	return s.IsActive()
}

// Machine owns one channel's playback state. Transitions are the only legal
// mutation path; every successful transition publishes a snapshot to the
// registered listeners. Listeners are invoked synchronously and must not
// block.
type Machine struct {
	mu           sync.Mutex
	state        PlaybackState
	transitions  map[Status][]Status
	listeners    []func(PlaybackState)
	errListeners []func(*Error)
}

// NewMachine creates a state machine in StatusIdle.
func NewMachine() *Machine {
	return &Machine{
		transitions: map[Status][]Status{
			StatusIdle:      {StatusLoading, StatusError},
			StatusLoading:   {StatusPlaying, StatusStopped, StatusError},
			StatusPlaying:   {StatusPaused, StatusStopped, StatusCompleted, StatusError},
			StatusPaused:    {StatusPlaying, StatusStopped, StatusError},
			StatusStopped:   {StatusIdle},
			StatusCompleted: {StatusIdle},
			StatusError:     {StatusIdle},
		},
	}
}

// Current returns the current status.
func (m *Machine) Current() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Status
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() PlaybackState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnChange registers a listener invoked with a snapshot on every transition.
func (m *Machine) OnChange(fn func(PlaybackState)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// OnError registers a listener invoked on every transition into StatusError.
func (m *Machine) OnError(fn func(*Error)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errListeners = append(m.errListeners, fn)
}

// Begin starts a new utterance: StatusIdle (or a terminal status, reset
// first) to StatusLoading, recording the requested text.
func (m *Machine) Begin(text string) bool {
	m.mu.Lock()
	if m.state.Status.Terminal() {
		m.state = PlaybackState{Status: StatusIdle}
	}
	if !m.canTransition(StatusLoading) {
		m.mu.Unlock()
		return false
	}
	m.state = PlaybackState{
		Status: StatusLoading,
		Text:   text,
		Length: len([]rune(text)),
	}
	snap := m.state
	m.mu.Unlock()

	m.notify(snap)
	return true
}

// Transition attempts to move to the given status. Stop resets the position
// to zero; completion snaps the position to the end of the text.
func (m *Machine) Transition(to Status) bool {
	m.mu.Lock()
	if !m.canTransition(to) {
		m.mu.Unlock()
		return false
	}
	m.state.Status = to
	switch to {
	case StatusStopped:
		m.state.Position = 0
		m.state.Elapsed = 0
	case StatusCompleted:
		m.state.Position = m.state.Length
	case StatusIdle:
		m.state = PlaybackState{Status: StatusIdle}
	}
	snap := m.state
	m.mu.Unlock()

	m.notify(snap)
	return true
}

// Fail moves to StatusError from any non-terminal status, recording the
// typed error and notifying error listeners.
func (m *Machine) Fail(err *Error) bool {
	m.mu.Lock()
	if !m.canTransition(StatusError) {
		m.mu.Unlock()
		return false
	}
	m.state.Status = StatusError
	m.state.Err = err
	snap := m.state
	errListeners := make([]func(*Error), len(m.errListeners))
	copy(errListeners, m.errListeners)
	m.mu.Unlock()

	m.notify(snap)
	for _, fn := range errListeners {
		fn(err)
	}
	return true
}

// Reset returns a terminal machine to StatusIdle for the next utterance.
func (m *Machine) Reset() bool {
	return m.Transition(StatusIdle)
}

// Progress updates position and elapsed time for the current utterance and
// publishes the updated snapshot. The status is unchanged.
func (m *Machine) Progress(position int, elapsed time.Duration) {
	m.mu.Lock()
	if !m.state.IsActive() {
		m.mu.Unlock()
		return
	}
	if position > m.state.Length {
		position = m.state.Length
	}
	m.state.Position = position
	m.state.Elapsed = elapsed
	snap := m.state
	m.mu.Unlock()

	m.notify(snap)
}

// SetDuration records the estimated total speaking time once known.
func (m *Machine) SetDuration(d time.Duration) {
	m.mu.Lock()
	m.state.Duration = d
	m.mu.Unlock()
}

// rearm silently returns the machine to StatusIdle between retry attempts
// of the same item. Not a transition: listeners are not notified.
func (m *Machine) rearm() {
	m.mu.Lock()
	m.state = PlaybackState{Status: StatusIdle}
	m.mu.Unlock()
}

// canTransition reports transition legality. Caller holds the lock.
func (m *Machine) canTransition(to Status) bool {
	valid, ok := m.transitions[m.state.Status]
	if !ok {
		return false
	}
	for _, s := range valid {
		if s == to {
			return true
		}
	}
	return false
}

// notify delivers a snapshot to state listeners.
func (m *Machine) notify(snap PlaybackState) {
	m.mu.Lock()
	listeners := make([]func(PlaybackState), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}
