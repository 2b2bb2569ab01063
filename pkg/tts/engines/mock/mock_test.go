package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bernd-fruechtnicht/hypnotify-public-sub001/pkg/tts"
)

func fastBackend() *Backend {
	b := New()
	b.SetStartupDelay(0)
	b.SetSpeakDuration(10 * time.Millisecond)
	return b
}

func TestNew(t *testing.T) {
	b := New()
	if b == nil {
		t.Fatal("New() = nil")
	}
	if !b.Available() {
		t.Error("Available() = false, want true by default")
	}
	if !b.Capabilities().Pause {
		t.Error("Capabilities().Pause = false, want true by default")
	}
}

func TestSpeakCompletes(t *testing.T) {
	b := fastBackend()
	utt, err := b.Speak(context.Background(), "hello there", tts.DefaultPlaybackConfig())
	if err != nil {
		t.Fatalf("Speak() error = %v", err)
	}

	res := <-utt.Done()
	if res.Outcome != tts.OutcomeCompleted {
		t.Errorf("outcome = %v, want completed", res.Outcome)
	}
	if got := b.CallCount(); got != 1 {
		t.Errorf("CallCount() = %d, want 1", got)
	}
	if spoken := b.Spoken(); len(spoken) != 1 || spoken[0] != "hello there" {
		t.Errorf("Spoken() = %v, want [hello there]", spoken)
	}
}

func TestStopInterrupts(t *testing.T) {
	b := New()
	b.SetStartupDelay(0)
	b.SetSpeakDuration(time.Second)

	utt, err := b.Speak(context.Background(), "a very long statement", tts.DefaultPlaybackConfig())
	if err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	if err := b.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	select {
	case res := <-utt.Done():
		if res.Outcome != tts.OutcomeInterrupted {
			t.Errorf("outcome = %v, want interrupted", res.Outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("utterance did not resolve after Stop")
	}
}

func TestStopWithoutUtterance(t *testing.T) {
	b := New()
	if err := b.Stop(); err != nil {
		t.Errorf("Stop() with nothing playing = %v, want nil", err)
	}
}

func TestPauseHoldsCompletion(t *testing.T) {
	b := New()
	b.SetStartupDelay(0)
	b.SetSpeakDuration(50 * time.Millisecond)

	utt, err := b.Speak(context.Background(), "pause me", tts.DefaultPlaybackConfig())
	if err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	if err := b.Pause(); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}

	select {
	case <-utt.Done():
		t.Fatal("utterance completed while paused")
	case <-time.After(120 * time.Millisecond):
	}

	if err := b.Resume(); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	res := <-utt.Done()
	if res.Outcome != tts.OutcomeCompleted {
		t.Errorf("outcome = %v, want completed", res.Outcome)
	}
}

func TestPauseWithoutCapability(t *testing.T) {
	b := fastBackend()
	b.SetCapabilities(tts.Capabilities{})

	if err := b.Pause(); !errors.Is(err, tts.ErrPauseNotSupported) {
		t.Errorf("Pause() = %v, want ErrPauseNotSupported", err)
	}
	if err := b.Resume(); !errors.Is(err, tts.ErrPauseNotSupported) {
		t.Errorf("Resume() = %v, want ErrPauseNotSupported", err)
	}
}

func TestScriptedSyncFailure(t *testing.T) {
	b := fastBackend()
	scripted := tts.NewError(tts.CodeNetwork, "no route to synthesis")
	b.SetFailure(scripted, false)

	_, err := b.Speak(context.Background(), "doomed", tts.DefaultPlaybackConfig())
	if err == nil {
		t.Fatal("Speak() = nil error, want scripted failure")
	}
	if !errors.Is(err, tts.ErrNetwork) {
		t.Errorf("Speak() error = %v, want ErrNetwork", err)
	}

	b.ClearFailure()
	utt, err := b.Speak(context.Background(), "recovered", tts.DefaultPlaybackConfig())
	if err != nil {
		t.Fatalf("Speak() after ClearFailure = %v", err)
	}
	if res := <-utt.Done(); res.Outcome != tts.OutcomeCompleted {
		t.Errorf("outcome = %v, want completed", res.Outcome)
	}
}

func TestScriptedAsyncFailure(t *testing.T) {
	b := fastBackend()
	scripted := tts.NewError(tts.CodeAudioPlayback, "device vanished mid-utterance")
	b.SetFailure(scripted, true)

	utt, err := b.Speak(context.Background(), "doomed later", tts.DefaultPlaybackConfig())
	if err != nil {
		t.Fatalf("Speak() error = %v, want async delivery", err)
	}

	res := <-utt.Done()
	if res.Outcome != tts.OutcomeError {
		t.Fatalf("outcome = %v, want error", res.Outcome)
	}
	if !errors.Is(res.Err, tts.ErrAudioPlayback) {
		t.Errorf("Err = %v, want ErrAudioPlayback", res.Err)
	}
}

func TestShutdown(t *testing.T) {
	b := fastBackend()
	b.Shutdown()
	if b.Available() {
		t.Error("Available() after Shutdown = true, want false")
	}
	_, err := b.Speak(context.Background(), "too late", tts.DefaultPlaybackConfig())
	if !errors.Is(err, tts.ErrEngineNotAvailable) {
		t.Errorf("Speak() after Shutdown = %v, want ErrEngineNotAvailable", err)
	}
}

func TestVoicesFilter(t *testing.T) {
	b := New()
	all, err := b.Voices("")
	if err != nil {
		t.Fatalf("Voices() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Voices(\"\") count = %d, want 3", len(all))
	}

	english, err := b.Voices("en-US")
	if err != nil {
		t.Fatalf("Voices(en-US) error = %v", err)
	}
	if len(english) != 1 || english[0].Language != "en-US" {
		t.Errorf("Voices(en-US) = %v, want one en-US voice", english)
	}
}

func TestSpeakDurationFromOptions(t *testing.T) {
	b := New()
	b.SetStartupDelay(0)

	cfg := tts.DefaultPlaybackConfig()
	cfg.Options = tts.Options{
		Engine: "mock",
		Mock:   &tts.MockOptions{SpeakDuration: 5 * time.Millisecond},
	}

	start := time.Now()
	utt, err := b.Speak(context.Background(), "a sentence that would normally take seconds to speak aloud", cfg)
	if err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	<-utt.Done()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("playback took %v, want the scripted few milliseconds", elapsed)
	}
}

func TestStateListenerSequence(t *testing.T) {
	b := fastBackend()

	var seen []tts.Status
	done := make(chan struct{})
	b.OnStateChange(func(s tts.PlaybackState) {
		seen = append(seen, s.Status)
		if s.Status == tts.StatusCompleted {
			close(done)
		}
	})

	if _, err := b.Speak(context.Background(), "watch me", tts.DefaultPlaybackConfig()); err != nil {
		t.Fatalf("Speak() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("never reached completed")
	}

	want := []tts.Status{tts.StatusLoading, tts.StatusPlaying, tts.StatusCompleted}
	if len(seen) != len(want) {
		t.Fatalf("listener calls = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("state %d = %v, want %v", i, seen[i], want[i])
		}
	}
}

func TestCanceledContext(t *testing.T) {
	b := fastBackend()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := b.Speak(ctx, "never spoken", tts.DefaultPlaybackConfig()); err == nil {
		t.Error("Speak() with canceled context = nil, want error")
	}
}
