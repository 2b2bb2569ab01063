package tts

import (
	"testing"
	"time"
)

func TestStatusString(t *testing.T) {
	tests := []struct {
		status   Status
		expected string
	}{
		{StatusIdle, "idle"},
		{StatusLoading, "loading"},
		{StatusPlaying, "playing"},
		{StatusPaused, "paused"},
		{StatusStopped, "stopped"},
		{StatusCompleted, "completed"},
		{StatusError, "error"},
		{Status(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.status.String(); got != tt.expected {
				t.Errorf("Status.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		name     string
		status   Status
		expected bool
	}{
		{"idle is not terminal", StatusIdle, false},
		{"loading is not terminal", StatusLoading, false},
		{"playing is not terminal", StatusPlaying, false},
		{"paused is not terminal", StatusPaused, false},
		{"stopped is terminal", StatusStopped, true},
		{"completed is terminal", StatusCompleted, true},
		{"error is terminal", StatusError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Terminal(); got != tt.expected {
				t.Errorf("Status.Terminal() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestPlaybackStateIsActive(t *testing.T) {
	tests := []struct {
		name     string
		status   Status
		expected bool
	}{
		{"idle is not active", StatusIdle, false},
		{"loading is active", StatusLoading, true},
		{"playing is active", StatusPlaying, true},
		{"paused is active", StatusPaused, true},
		{"stopped is not active", StatusStopped, false},
		{"completed is not active", StatusCompleted, false},
		{"error is not active", StatusError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := PlaybackState{Status: tt.status}
			if got := state.IsActive(); got != tt.expected {
				t.Errorf("PlaybackState.IsActive() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestPlaybackStateCanPlay(t *testing.T) {
	tests := []struct {
		name     string
		status   Status
		expected bool
	}{
		{"can play from idle", StatusIdle, true},
		{"cannot play while loading", StatusLoading, false},
		{"cannot play while playing", StatusPlaying, false},
		{"cannot play while paused", StatusPaused, false},
		{"can play after stop", StatusStopped, true},
		{"can play after completion", StatusCompleted, true},
		{"can play after error", StatusError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := PlaybackState{Status: tt.status}
			if got := state.CanPlay(); got != tt.expected {
				t.Errorf("PlaybackState.CanPlay() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestPlaybackStateCanPause(t *testing.T) {
	tests := []struct {
		name     string
		status   Status
		expected bool
	}{
		{"cannot pause idle", StatusIdle, false},
		{"cannot pause loading", StatusLoading, false},
		{"can pause playing", StatusPlaying, true},
		{"cannot pause paused", StatusPaused, false},
		{"cannot pause stopped", StatusStopped, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := PlaybackState{Status: tt.status}
			if got := state.CanPause(); got != tt.expected {
				t.Errorf("PlaybackState.CanPause() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestPlaybackStateCanStop(t *testing.T) {
	tests := []struct {
		name     string
		status   Status
		expected bool
	}{
		{"cannot stop idle", StatusIdle, false},
		{"can stop loading", StatusLoading, true},
		{"can stop playing", StatusPlaying, true},
		{"can stop paused", StatusPaused, true},
		{"cannot stop stopped", StatusStopped, false},
		{"cannot stop completed", StatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := PlaybackState{Status: tt.status}
			if got := state.CanStop(); got != tt.expected {
				t.Errorf("PlaybackState.CanStop() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestNewMachine(t *testing.T) {
	m := NewMachine()
	if got := m.Current(); got != StatusIdle {
		t.Errorf("initial status = %v, want idle", got)
	}
	snap := m.Snapshot()
	if snap.Text != "" || snap.Position != 0 || snap.Err != nil {
		t.Errorf("initial snapshot not zero: %+v", snap)
	}
}

func TestMachineTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		allowed bool
	}{
		{"idle to loading", StatusIdle, StatusLoading, true},
		{"idle to playing", StatusIdle, StatusPlaying, false},
		{"idle to error", StatusIdle, StatusError, true},
		{"loading to playing", StatusLoading, StatusPlaying, true},
		{"loading to stopped", StatusLoading, StatusStopped, true},
		{"loading to paused", StatusLoading, StatusPaused, false},
		{"playing to paused", StatusPlaying, StatusPaused, true},
		{"playing to completed", StatusPlaying, StatusCompleted, true},
		{"playing to stopped", StatusPlaying, StatusStopped, true},
		{"playing to loading", StatusPlaying, StatusLoading, false},
		{"paused to playing", StatusPaused, StatusPlaying, true},
		{"paused to stopped", StatusPaused, StatusStopped, true},
		{"paused to completed", StatusPaused, StatusCompleted, false},
		{"stopped to idle", StatusStopped, StatusIdle, true},
		{"stopped to playing", StatusStopped, StatusPlaying, false},
		{"completed to idle", StatusCompleted, StatusIdle, true},
		{"error to idle", StatusError, StatusIdle, true},
		{"error to loading", StatusError, StatusLoading, false},
	}

	// Paths to reach each starting status from idle.
	paths := map[Status][]Status{
		StatusIdle:      {},
		StatusLoading:   {StatusLoading},
		StatusPlaying:   {StatusLoading, StatusPlaying},
		StatusPaused:    {StatusLoading, StatusPlaying, StatusPaused},
		StatusStopped:   {StatusLoading, StatusStopped},
		StatusCompleted: {StatusLoading, StatusPlaying, StatusCompleted},
		StatusError:     {StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine()
			for _, step := range paths[tt.from] {
				if !m.Transition(step) {
					t.Fatalf("setup transition to %v failed", step)
				}
			}
			got := m.Transition(tt.to)
			if got != tt.allowed {
				t.Errorf("Transition(%v -> %v) = %v, want %v", tt.from, tt.to, got, tt.allowed)
			}
			if tt.allowed && m.Current() != tt.to {
				t.Errorf("status after transition = %v, want %v", m.Current(), tt.to)
			}
			if !tt.allowed && m.Current() != tt.from {
				t.Errorf("status changed on rejected transition: %v, want %v", m.Current(), tt.from)
			}
		})
	}
}

func TestMachineBegin(t *testing.T) {
	m := NewMachine()
	if !m.Begin("hello world") {
		t.Fatal("Begin from idle = false, want true")
	}
	snap := m.Snapshot()
	if snap.Status != StatusLoading {
		t.Errorf("status after Begin = %v, want loading", snap.Status)
	}
	if snap.Text != "hello world" {
		t.Errorf("Text = %q, want %q", snap.Text, "hello world")
	}
	if snap.Length != 11 {
		t.Errorf("Length = %d, want 11", snap.Length)
	}

	// Begin must be rejected while an utterance is in flight.
	if m.Begin("another") {
		t.Error("Begin while loading = true, want false")
	}
}

func TestMachineBeginResetsTerminal(t *testing.T) {
	tests := []struct {
		name     string
		terminal Status
	}{
		{"after completion", StatusCompleted},
		{"after stop", StatusStopped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine()
			m.Transition(StatusLoading)
			m.Transition(StatusPlaying)
			m.Transition(tt.terminal)

			if !m.Begin("next") {
				t.Fatalf("Begin %s = false, want true", tt.name)
			}
			snap := m.Snapshot()
			if snap.Status != StatusLoading {
				t.Errorf("status = %v, want loading", snap.Status)
			}
			if snap.Text != "next" {
				t.Errorf("Text = %q, want %q", snap.Text, "next")
			}
		})
	}
}

func TestMachineBeginClearsError(t *testing.T) {
	m := NewMachine()
	m.Fail(NewError(CodeNetwork, "lost connection"))
	if m.Current() != StatusError {
		t.Fatalf("status = %v, want error", m.Current())
	}

	if !m.Begin("retry text") {
		t.Fatal("Begin after error = false, want true")
	}
	if snap := m.Snapshot(); snap.Err != nil {
		t.Errorf("Err after Begin = %v, want nil", snap.Err)
	}
}

func TestMachineFail(t *testing.T) {
	m := NewMachine()
	m.Transition(StatusLoading)
	m.Transition(StatusPlaying)

	var notified *Error
	m.OnError(func(err *Error) { notified = err })

	perr := NewError(CodeAudioPlayback, "device lost")
	if !m.Fail(perr) {
		t.Fatal("Fail from playing = false, want true")
	}
	snap := m.Snapshot()
	if snap.Status != StatusError {
		t.Errorf("status = %v, want error", snap.Status)
	}
	if snap.Err != perr {
		t.Errorf("snapshot Err = %v, want the failure", snap.Err)
	}
	if notified != perr {
		t.Errorf("error listener got %v, want the failure", notified)
	}

	// A terminal machine rejects another failure.
	if m.Fail(NewError(CodeUnknown, "again")) {
		t.Error("Fail from error = true, want false")
	}
}

func TestMachineOnChange(t *testing.T) {
	m := NewMachine()
	var seen []Status
	m.OnChange(func(s PlaybackState) { seen = append(seen, s.Status) })

	m.Begin("listen to this")
	m.Transition(StatusPlaying)
	m.Transition(StatusCompleted)

	want := []Status{StatusLoading, StatusPlaying, StatusCompleted}
	if len(seen) != len(want) {
		t.Fatalf("listener calls = %d, want %d", len(seen), len(want))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("notification %d = %v, want %v", i, seen[i], want[i])
		}
	}
}

func TestMachineRejectedTransitionNotSilent(t *testing.T) {
	m := NewMachine()
	calls := 0
	m.OnChange(func(PlaybackState) { calls++ })

	m.Transition(StatusPlaying) // invalid from idle
	if calls != 0 {
		t.Errorf("listener calls after rejected transition = %d, want 0", calls)
	}
}

func TestMachineProgress(t *testing.T) {
	m := NewMachine()
	m.Begin("ten chars!")
	m.Transition(StatusPlaying)

	m.Progress(4, 2*time.Second)
	snap := m.Snapshot()
	if snap.Position != 4 {
		t.Errorf("Position = %d, want 4", snap.Position)
	}
	if snap.Elapsed != 2*time.Second {
		t.Errorf("Elapsed = %v, want 2s", snap.Elapsed)
	}

	// Positions beyond the text clamp to its length.
	m.Progress(500, 3*time.Second)
	if snap = m.Snapshot(); snap.Position != 10 {
		t.Errorf("clamped Position = %d, want 10", snap.Position)
	}
}

func TestMachineProgressIgnoredWhenInactive(t *testing.T) {
	m := NewMachine()
	m.Progress(5, time.Second)
	if snap := m.Snapshot(); snap.Position != 0 || snap.Elapsed != 0 {
		t.Errorf("Progress mutated an idle machine: %+v", snap)
	}
}

func TestMachineCompletedSnapsPosition(t *testing.T) {
	m := NewMachine()
	m.Begin("all the way through")
	m.Transition(StatusPlaying)
	m.Progress(3, time.Second)
	m.Transition(StatusCompleted)

	snap := m.Snapshot()
	if snap.Position != snap.Length {
		t.Errorf("Position = %d, want Length %d", snap.Position, snap.Length)
	}
}

func TestMachineStopResetsPosition(t *testing.T) {
	m := NewMachine()
	m.Begin("cut short")
	m.Transition(StatusPlaying)
	m.Progress(5, time.Second)
	m.Transition(StatusStopped)

	snap := m.Snapshot()
	if snap.Position != 0 {
		t.Errorf("Position after stop = %d, want 0", snap.Position)
	}
	if snap.Elapsed != 0 {
		t.Errorf("Elapsed after stop = %v, want 0", snap.Elapsed)
	}
}

func TestMachineReset(t *testing.T) {
	m := NewMachine()
	m.Begin("done soon")
	m.Transition(StatusPlaying)
	m.Transition(StatusCompleted)

	if !m.Reset() {
		t.Fatal("Reset from completed = false, want true")
	}
	snap := m.Snapshot()
	if snap.Status != StatusIdle {
		t.Errorf("status = %v, want idle", snap.Status)
	}
	if snap.Text != "" || snap.Position != 0 {
		t.Errorf("snapshot not cleared: %+v", snap)
	}

	// Reset has no meaning mid-utterance.
	m.Begin("busy")
	if m.Reset() {
		t.Error("Reset while loading = true, want false")
	}
}

func TestMachineFullLifecycle(t *testing.T) {
	m := NewMachine()
	steps := []struct {
		to   Status
		want Status
	}{
		{StatusLoading, StatusLoading},
		{StatusPlaying, StatusPlaying},
		{StatusPaused, StatusPaused},
		{StatusPlaying, StatusPlaying},
		{StatusCompleted, StatusCompleted},
		{StatusIdle, StatusIdle},
	}

	for i, step := range steps {
		if !m.Transition(step.to) {
			t.Fatalf("step %d: Transition(%v) = false, want true", i, step.to)
		}
		if m.Current() != step.want {
			t.Errorf("step %d: status = %v, want %v", i, m.Current(), step.want)
		}
	}
}
