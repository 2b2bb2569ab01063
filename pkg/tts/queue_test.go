package tts

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeBackend is an in-package controllable backend for queue tests.
type fakeBackend struct {
	mu         sync.Mutex
	caps       Capabilities
	speakDelay time.Duration
	failures   int    // Speak calls to fail before succeeding
	failErr    *Error // error used for scripted failures
	failAsync  bool   // deliver failures via the utterance instead of Speak
	calls      int
	active     int32 // concurrently playing utterances
	maxActive  int32
	current    *Utterance
	timer      *time.Timer
	started    []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		caps:       Capabilities{Pause: true, Rate: true},
		speakDelay: 10 * time.Millisecond,
	}
}

func (b *fakeBackend) Name() string    { return "fake" }
func (b *fakeBackend) Available() bool { return true }

func (b *fakeBackend) Pause() error {
	if !b.caps.Pause {
		return ErrPauseNotSupported
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
	}
	return nil
}

func (b *fakeBackend) Resume() error {
	if !b.caps.Pause {
		return ErrPauseNotSupported
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != nil {
		utt := b.current
		b.timer = time.AfterFunc(b.speakDelay, func() { b.complete(utt) })
	}
	return nil
}

func (b *fakeBackend) Capabilities() Capabilities        { return b.caps }
func (b *fakeBackend) Voices(string) ([]Voice, error)    { return nil, nil }
func (b *fakeBackend) OnStateChange(func(PlaybackState)) {}
func (b *fakeBackend) OnError(func(*Error))              {}

func (b *fakeBackend) Speak(_ context.Context, text string, _ PlaybackConfig) (*Utterance, error) {
	b.mu.Lock()
	b.calls++
	b.started = append(b.started, text)
	if b.failures > 0 && !b.failAsync {
		b.failures--
		err := b.failErr
		b.mu.Unlock()
		return nil, err
	}

	utt := NewUtterance()
	b.current = utt
	active := atomic.AddInt32(&b.active, 1)
	for {
		max := atomic.LoadInt32(&b.maxActive)
		if active <= max || atomic.CompareAndSwapInt32(&b.maxActive, max, active) {
			break
		}
	}

	if b.failures > 0 && b.failAsync {
		b.failures--
		err := b.failErr
		b.timer = time.AfterFunc(b.speakDelay, func() {
			b.release(utt)
			utt.Resolve(Result{Outcome: OutcomeError, Err: err})
		})
		b.mu.Unlock()
		return utt, nil
	}

	b.timer = time.AfterFunc(b.speakDelay, func() { b.complete(utt) })
	b.mu.Unlock()
	return utt, nil
}

func (b *fakeBackend) Stop() error {
	b.mu.Lock()
	utt := b.current
	if b.timer != nil {
		b.timer.Stop()
	}
	b.mu.Unlock()
	if utt != nil {
		b.release(utt)
		utt.Resolve(Result{Outcome: OutcomeInterrupted})
	}
	return nil
}

func (b *fakeBackend) complete(utt *Utterance) {
	b.release(utt)
	utt.Resolve(Result{Outcome: OutcomeCompleted})
}

func (b *fakeBackend) release(utt *Utterance) {
	b.mu.Lock()
	if b.current == utt {
		b.current = nil
		atomic.AddInt32(&b.active, -1)
	}
	b.mu.Unlock()
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *fakeBackend) startedTexts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.started))
	copy(out, b.started)
	return out
}

// waitFor polls until cond is true or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

// resultRecorder collects item completions in delivery order.
type resultRecorder struct {
	mu      sync.Mutex
	results []Result
	texts   []string
}

func (r *resultRecorder) record(text string) func(Result) {
	return func(res Result) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.results = append(r.results, res)
		r.texts = append(r.texts, text)
	}
}

func (r *resultRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

func (r *resultRecorder) snapshot() ([]string, []Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	texts := make([]string, len(r.texts))
	copy(texts, r.texts)
	results := make([]Result, len(r.results))
	copy(results, r.results)
	return texts, results
}

func TestQueueCompletionOrder(t *testing.T) {
	backend := newFakeBackend()
	q := NewQueue("main", backend, QueueConfig{})
	defer q.Close()

	rec := &resultRecorder{}
	cfg := DefaultPlaybackConfig()
	for _, text := range []string{"A", "B", "C"} {
		it := NewItem(text, cfg)
		it.OnDone(rec.record(text))
		if err := q.Enqueue(it); err != nil {
			t.Fatalf("Enqueue(%s) = %v, want nil", text, err)
		}
	}

	waitFor(t, time.Second, func() bool { return rec.count() == 3 })

	texts, results := rec.snapshot()
	want := []string{"A", "B", "C"}
	for i, text := range want {
		if texts[i] != text {
			t.Errorf("completion %d = %s, want %s", i, texts[i], text)
		}
		if results[i].Outcome != OutcomeCompleted {
			t.Errorf("completion %d outcome = %v, want completed", i, results[i].Outcome)
		}
	}
	if got := rec.count(); got != 3 {
		t.Errorf("completion count = %d, want 3 (no duplicates)", got)
	}
}

func TestQueuePriorityOrdering(t *testing.T) {
	backend := newFakeBackend()
	backend.speakDelay = 40 * time.Millisecond
	q := NewQueue("main", backend, QueueConfig{})
	defer q.Close()

	cfg := DefaultPlaybackConfig()
	first := NewItem("first", cfg)
	if err := q.Enqueue(first); err != nil {
		t.Fatalf("Enqueue(first) = %v", err)
	}
	// While first plays, queue a low and a high priority item.
	waitFor(t, time.Second, func() bool { return q.Active() != nil })

	low := NewItem("low", cfg)
	high := NewItem("high", cfg)
	high.Priority = 5
	if err := q.Enqueue(low); err != nil {
		t.Fatalf("Enqueue(low) = %v", err)
	}
	if err := q.Enqueue(high); err != nil {
		t.Fatalf("Enqueue(high) = %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(backend.startedTexts()) == 3 })
	got := backend.startedTexts()
	want := []string{"first", "high", "low"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("start order[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	backend := newFakeBackend()
	backend.speakDelay = 30 * time.Millisecond
	q := NewQueue("main", backend, QueueConfig{})
	defer q.Close()

	cfg := DefaultPlaybackConfig()
	blocker := NewItem("blocker", cfg)
	if err := q.Enqueue(blocker); err != nil {
		t.Fatalf("Enqueue(blocker) = %v", err)
	}
	waitFor(t, time.Second, func() bool { return q.Active() != nil })

	for _, text := range []string{"p3-a", "p3-b", "p3-c"} {
		it := NewItem(text, cfg)
		it.Priority = 3
		if err := q.Enqueue(it); err != nil {
			t.Fatalf("Enqueue(%s) = %v", text, err)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return len(backend.startedTexts()) == 4 })
	got := backend.startedTexts()
	want := []string{"blocker", "p3-a", "p3-b", "p3-c"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("start order[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestQueueFullRejection(t *testing.T) {
	backend := newFakeBackend()
	backend.speakDelay = 200 * time.Millisecond
	q := NewQueue("main", backend, QueueConfig{MaxSize: 2})
	defer q.Close()

	cfg := DefaultPlaybackConfig()
	if err := q.Enqueue(NewItem("active", cfg)); err != nil {
		t.Fatalf("Enqueue(active) = %v", err)
	}
	waitFor(t, time.Second, func() bool { return q.Active() != nil })

	if err := q.Enqueue(NewItem("pending-1", cfg)); err != nil {
		t.Fatalf("Enqueue(pending-1) = %v", err)
	}
	if err := q.Enqueue(NewItem("pending-2", cfg)); err != nil {
		t.Fatalf("Enqueue(pending-2) = %v", err)
	}

	err := q.Enqueue(NewItem("overflow", cfg))
	if err == nil {
		t.Fatal("Enqueue(overflow) = nil, want queue full error")
	}
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("overflow error = %v, want ErrQueueFull", err)
	}
	perr, ok := AsError(err)
	if !ok || perr.Code != CodeQueueFull {
		t.Errorf("overflow error code = %v, want CodeQueueFull", err)
	}
	if q.Len() != 2 {
		t.Errorf("Len() = %d, want 2 (no partial enqueue)", q.Len())
	}
}

func TestQueueRetryExhaustion(t *testing.T) {
	backend := newFakeBackend()
	backend.failures = 100
	backend.failErr = NewError(CodeNetwork, "synthesis unreachable")
	q := NewQueue("main", backend, QueueConfig{
		MaxRetryAttempts: 2,
		RetryDelay:       time.Millisecond,
	})
	defer q.Close()

	var errCount int32
	q.SetCallbacks(nil, func(_ *Item, _ *Error) {
		atomic.AddInt32(&errCount, 1)
	})

	it := NewItem("doomed", DefaultPlaybackConfig())
	if err := q.Enqueue(it); err != nil {
		t.Fatalf("Enqueue = %v", err)
	}

	res := <-it.Done()
	if res.Outcome != OutcomeError {
		t.Fatalf("outcome = %v, want error", res.Outcome)
	}
	if !errors.Is(res.Err, ErrNetwork) {
		t.Errorf("err = %v, want ErrNetwork", res.Err)
	}

	// 1 initial attempt + 2 retries.
	waitFor(t, time.Second, func() bool { return backend.callCount() == 3 })
	if got := backend.callCount(); got != 3 {
		t.Errorf("speak attempts = %d, want 3", got)
	}
	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&errCount) == 1 })
	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt32(&errCount); got != 1 {
		t.Errorf("error callbacks = %d, want exactly 1", got)
	}
	if got := it.Retries(); got != 2 {
		t.Errorf("Retries() = %d, want 2", got)
	}
}

func TestQueueRetryThenSuccess(t *testing.T) {
	backend := newFakeBackend()
	backend.failures = 1
	backend.failErr = NewError(CodeNetwork, "transient")
	q := NewQueue("main", backend, QueueConfig{
		MaxRetryAttempts: 2,
		RetryDelay:       time.Millisecond,
	})
	defer q.Close()

	it := NewItem("flaky", DefaultPlaybackConfig())
	if err := q.Enqueue(it); err != nil {
		t.Fatalf("Enqueue = %v", err)
	}

	res := <-it.Done()
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %v, want completed", res.Outcome)
	}
	if got := backend.callCount(); got != 2 {
		t.Errorf("speak attempts = %d, want 2", got)
	}
	stats := q.Stats()
	if stats.Retried != 1 {
		t.Errorf("Stats().Retried = %d, want 1", stats.Retried)
	}
}

func TestQueueNonRecoverableNoRetry(t *testing.T) {
	backend := newFakeBackend()
	backend.failures = 100
	backend.failErr = NewError(CodeVoiceNotFound, "no such voice")
	q := NewQueue("main", backend, QueueConfig{MaxRetryAttempts: 2})
	defer q.Close()

	it := NewItem("unspoken", DefaultPlaybackConfig())
	if err := q.Enqueue(it); err != nil {
		t.Fatalf("Enqueue = %v", err)
	}

	res := <-it.Done()
	if res.Outcome != OutcomeError {
		t.Fatalf("outcome = %v, want error", res.Outcome)
	}
	if got := backend.callCount(); got != 1 {
		t.Errorf("speak attempts = %d, want 1 (no retry)", got)
	}
}

func TestQueueAsyncFailureRetries(t *testing.T) {
	backend := newFakeBackend()
	backend.failures = 1
	backend.failAsync = true
	backend.failErr = NewError(CodeAudioPlayback, "device hiccup")
	q := NewQueue("main", backend, QueueConfig{
		MaxRetryAttempts: 1,
		RetryDelay:       time.Millisecond,
	})
	defer q.Close()

	it := NewItem("eventually", DefaultPlaybackConfig())
	if err := q.Enqueue(it); err != nil {
		t.Fatalf("Enqueue = %v", err)
	}

	res := <-it.Done()
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %v, want completed after retry", res.Outcome)
	}
	if got := backend.callCount(); got != 2 {
		t.Errorf("speak attempts = %d, want 2", got)
	}
}

func TestQueueInterrupt(t *testing.T) {
	backend := newFakeBackend()
	backend.speakDelay = 300 * time.Millisecond
	q := NewQueue("main", backend, QueueConfig{})
	defer q.Close()

	cfg := DefaultPlaybackConfig()
	slow := NewItem("slow", cfg)
	if err := q.Enqueue(slow); err != nil {
		t.Fatalf("Enqueue(slow) = %v", err)
	}
	waitFor(t, time.Second, func() bool { return q.Active() != nil })

	urgent := NewItem("urgent", cfg)
	urgent.Priority = 8
	preempted, err := q.Interrupt(urgent)
	if err != nil {
		t.Fatalf("Interrupt = %v", err)
	}
	if !preempted {
		t.Fatal("Interrupt preempted = false, want true")
	}

	res := <-slow.Done()
	if res.Outcome != OutcomeInterrupted {
		t.Errorf("preempted outcome = %v, want interrupted (not an error)", res.Outcome)
	}
	if res.Err != nil {
		t.Errorf("preempted Err = %v, want nil", res.Err)
	}

	res = <-urgent.Done()
	if res.Outcome != OutcomeCompleted {
		t.Errorf("urgent outcome = %v, want completed", res.Outcome)
	}
}

func TestQueueInterruptRespectsNonInterruptible(t *testing.T) {
	backend := newFakeBackend()
	backend.speakDelay = 50 * time.Millisecond
	q := NewQueue("main", backend, QueueConfig{})
	defer q.Close()

	cfg := DefaultPlaybackConfig()
	protected := NewItem("protected", cfg)
	protected.Interruptible = false
	if err := q.Enqueue(protected); err != nil {
		t.Fatalf("Enqueue = %v", err)
	}
	waitFor(t, time.Second, func() bool { return q.Active() != nil })

	urgent := NewItem("urgent", cfg)
	urgent.Priority = 8
	preempted, err := q.Interrupt(urgent)
	if err != nil {
		t.Fatalf("Interrupt = %v", err)
	}
	if preempted {
		t.Error("Interrupt preempted a non-interruptible item")
	}

	res := <-protected.Done()
	if res.Outcome != OutcomeCompleted {
		t.Errorf("protected outcome = %v, want completed", res.Outcome)
	}
	res = <-urgent.Done()
	if res.Outcome != OutcomeCompleted {
		t.Errorf("urgent outcome = %v, want completed", res.Outcome)
	}
}

func TestQueueClearNoErrorCallbacks(t *testing.T) {
	backend := newFakeBackend()
	backend.speakDelay = 300 * time.Millisecond
	q := NewQueue("main", backend, QueueConfig{})
	defer q.Close()

	var errCount int32
	q.SetCallbacks(nil, func(_ *Item, _ *Error) {
		atomic.AddInt32(&errCount, 1)
	})

	cfg := DefaultPlaybackConfig()
	items := []*Item{NewItem("A", cfg), NewItem("B", cfg), NewItem("C", cfg)}
	for _, it := range items {
		if err := q.Enqueue(it); err != nil {
			t.Fatalf("Enqueue = %v", err)
		}
	}
	waitFor(t, time.Second, func() bool { return q.Active() != nil })

	q.Clear()

	for _, it := range items {
		res := <-it.Done()
		if res.Outcome != OutcomeInterrupted {
			t.Errorf("%s outcome = %v, want interrupted", it.Text, res.Outcome)
		}
	}
	if got := atomic.LoadInt32(&errCount); got != 0 {
		t.Errorf("error callbacks after Clear = %d, want 0", got)
	}
	if q.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", q.Len())
	}
}

func TestQueueClearOnError(t *testing.T) {
	backend := newFakeBackend()
	backend.failures = 1
	backend.failErr = NewError(CodeVoiceNotFound, "gone")
	backend.speakDelay = 50 * time.Millisecond
	q := NewQueue("main", backend, QueueConfig{ClearOnError: true})
	defer q.Close()

	var errCount int32
	q.SetCallbacks(nil, func(_ *Item, _ *Error) {
		atomic.AddInt32(&errCount, 1)
	})

	cfg := DefaultPlaybackConfig()
	doomed := NewItem("doomed", cfg)
	follower := NewItem("follower", cfg)
	if err := q.Enqueue(doomed); err != nil {
		t.Fatalf("Enqueue = %v", err)
	}
	if err := q.Enqueue(follower); err != nil {
		t.Fatalf("Enqueue = %v", err)
	}

	res := <-doomed.Done()
	if res.Outcome != OutcomeError {
		t.Fatalf("doomed outcome = %v, want error", res.Outcome)
	}
	res = <-follower.Done()
	if res.Outcome != OutcomeInterrupted {
		t.Errorf("follower outcome = %v, want interrupted", res.Outcome)
	}
	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&errCount) == 1 })
	if got := atomic.LoadInt32(&errCount); got != 1 {
		t.Errorf("error callbacks = %d, want 1", got)
	}
}

func TestQueuePauseResume(t *testing.T) {
	backend := newFakeBackend()
	backend.speakDelay = 40 * time.Millisecond
	q := NewQueue("main", backend, QueueConfig{})
	defer q.Close()

	it := NewItem("pausable", DefaultPlaybackConfig())
	if err := q.Enqueue(it); err != nil {
		t.Fatalf("Enqueue = %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return q.State().Status == StatusPlaying
	})

	q.Pause()
	if got := q.State().Status; got != StatusPaused {
		t.Errorf("status after Pause = %v, want paused", got)
	}

	// Paused playback must not complete on its own.
	select {
	case <-it.Done():
		t.Fatal("item completed while paused")
	case <-time.After(80 * time.Millisecond):
	}

	q.Resume()
	res := <-it.Done()
	if res.Outcome != OutcomeCompleted {
		t.Errorf("outcome = %v, want completed", res.Outcome)
	}
	if got := backend.callCount(); got != 1 {
		t.Errorf("speak attempts = %d, want 1 (true pause, no restart)", got)
	}
}

func TestQueuePauseRestartWithoutCapability(t *testing.T) {
	backend := newFakeBackend()
	backend.caps.Pause = false
	backend.speakDelay = 60 * time.Millisecond
	q := NewQueue("main", backend, QueueConfig{})
	defer q.Close()

	it := NewItem("restarted", DefaultPlaybackConfig())
	if err := q.Enqueue(it); err != nil {
		t.Fatalf("Enqueue = %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return q.State().Status == StatusPlaying
	})

	q.Pause()
	if got := q.State().Status; got != StatusPaused {
		t.Errorf("status after Pause = %v, want paused", got)
	}

	q.Resume()
	res := <-it.Done()
	if res.Outcome != OutcomeCompleted {
		t.Errorf("outcome = %v, want completed", res.Outcome)
	}
	// The capability gap forces a fresh speak of the same item.
	if got := backend.callCount(); got != 2 {
		t.Errorf("speak attempts = %d, want 2 (restart)", got)
	}
}

func TestQueueSingleActiveInvariant(t *testing.T) {
	backend := newFakeBackend()
	backend.speakDelay = 2 * time.Millisecond
	q := NewQueue("main", backend, QueueConfig{MaxSize: 64})
	defer q.Close()

	rec := &resultRecorder{}
	cfg := DefaultPlaybackConfig()
	const n = 20
	for i := 0; i < n; i++ {
		it := NewItem("item", cfg)
		it.Priority = i % 3
		it.OnDone(rec.record(it.ID))
		if err := q.Enqueue(it); err != nil {
			t.Fatalf("Enqueue #%d = %v", i, err)
		}
	}

	waitFor(t, 5*time.Second, func() bool { return rec.count() == n })
	if got := atomic.LoadInt32(&backend.maxActive); got > 1 {
		t.Errorf("max concurrently active utterances = %d, want at most 1", got)
	}
}

func TestQueueCloseIdempotent(t *testing.T) {
	backend := newFakeBackend()
	q := NewQueue("main", backend, QueueConfig{})
	q.Close()
	q.Close()

	err := q.Enqueue(NewItem("late", DefaultPlaybackConfig()))
	if !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Enqueue after Close = %v, want ErrQueueClosed", err)
	}
}

func TestQueueInvalidPriority(t *testing.T) {
	backend := newFakeBackend()
	q := NewQueue("main", backend, QueueConfig{})
	defer q.Close()

	it := NewItem("broken", DefaultPlaybackConfig())
	it.Priority = 11
	err := q.Enqueue(it)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Enqueue priority 11 = %v, want ErrInvalidConfig", err)
	}
}

func TestEstimateDuration(t *testing.T) {
	tests := []struct {
		name string
		text string
		rate float64
		want time.Duration
	}{
		{"five words at normal rate", "one two three four five", 1.0, 2 * time.Second},
		{"five words at double rate", "one two three four five", 2.0, time.Second},
		{"empty text counts one word", "", 1.0, 400 * time.Millisecond},
		{"zero rate treated as normal", "one two three four five", 0, 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateDuration(tt.text, tt.rate); got != tt.want {
				t.Errorf("EstimateDuration(%q, %g) = %v, want %v", tt.text, tt.rate, got, tt.want)
			}
		})
	}
}

func TestItemResolvesOnce(t *testing.T) {
	it := NewItem("once", DefaultPlaybackConfig())
	var count int32
	it.OnDone(func(Result) { atomic.AddInt32(&count, 1) })

	it.resolve(Result{Outcome: OutcomeCompleted})
	it.resolve(Result{Outcome: OutcomeInterrupted})
	it.resolve(Result{Outcome: OutcomeError})

	if got := atomic.LoadInt32(&count); got != 1 {
		t.Errorf("OnDone invocations = %d, want 1", got)
	}
	res := <-it.Done()
	if res.Outcome != OutcomeCompleted {
		t.Errorf("first resolution wins: outcome = %v, want completed", res.Outcome)
	}
}
