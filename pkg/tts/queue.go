package tts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/mattn/go-runewidth"
)

// Default queue configuration.
const (
	DefaultQueueSize        = 32
	DefaultMaxRetryAttempts = 2
	DefaultRetryDelay       = 250 * time.Millisecond
	MaxPriority             = 10
)

// ErrQueueClosed is returned by operations on a closed queue.
var ErrQueueClosed = errors.New("speech queue is closed")

// QueueConfig tunes a single speech queue.
type QueueConfig struct {
	// MaxSize caps the number of pending items; zero uses DefaultQueueSize.
	MaxSize int
	// MaxRetryAttempts is how many times a recoverable failure is retried
	// before the item's error callback fires.
	MaxRetryAttempts int
	// RetryDelay is waited before a retried item rejoins the queue.
	RetryDelay time.Duration
	// ClearOnError drops all pending items when an item fails for good.
	ClearOnError bool
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultQueueSize
	}
	if c.MaxRetryAttempts < 0 {
		c.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	return c
}

// Item is one pending or in-flight speech request. Priority and
// Interruptible may be set freely before Enqueue; afterwards the queue owns
// the item. The item resolves exactly once via Done or the OnDone callback.
type Item struct {
	ID            string
	Text          string
	Config        PlaybackConfig
	Priority      int // 0..MaxPriority, higher served first
	Interruptible bool
	EnqueuedAt    time.Time

	retries int
	done    chan Result
	once    sync.Once
	onDone  func(Result)
}

// NewItem creates a speech request with priority 0, interruptible.
func NewItem(text string, cfg PlaybackConfig) *Item {
	return &Item{
		ID:            uuid.NewString(),
		Text:          text,
		Config:        cfg,
		Interruptible: true,
		EnqueuedAt:    time.Now(),
		done:          make(chan Result, 1),
	}
}

// Done returns a channel receiving the item's terminal Result exactly once.
func (it *Item) Done() <-chan Result {
	return it.done
}

// OnDone sets a completion callback, invoked exactly once with the terminal
// result, before the next item can become active. Set before enqueueing.
func (it *Item) OnDone(fn func(Result)) {
	it.onDone = fn
}

// Retries returns how many retry attempts the item has consumed.
func (it *Item) Retries() int {
	return it.retries
}

func (it *Item) resolve(r Result) {
	it.once.Do(func() {
		it.done <- r
		if it.onDone != nil {
			it.onDone(r)
		}
	})
}

// QueueStats counts queue activity since construction.
type QueueStats struct {
	Enqueued    int
	Completed   int
	Interrupted int
	Failed      int
	Retried     int
}

// Queue orders speech requests for one channel and drives them through a
// Backend one at a time: priority descending, FIFO within a priority. At
// most one item is ever active; an item's completion is delivered before
// the next item can start.
type Queue struct {
	label   string
	cfg     QueueConfig
	backend Backend
	machine *Machine

	mu              sync.Mutex
	pending         []*Item
	active          *Item
	paused          bool
	parkOnInterrupt bool
	restart         *Item
	retryTimers     map[string]*retryEntry
	stats           QueueStats
	closed          bool

	onItemDone func(*Item, Result)
	onItemErr  func(*Item, *Error)

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type retryEntry struct {
	timer *time.Timer
	item  *Item
}

// NewQueue creates a queue for one channel and starts its worker. The label
// names the channel in logs ("main", "left", "right").
func NewQueue(label string, backend Backend, cfg QueueConfig) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		label:       label,
		cfg:         cfg.withDefaults(),
		backend:     backend,
		machine:     NewMachine(),
		retryTimers: make(map[string]*retryEntry),
		wake:        make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Machine exposes the channel's state machine for listener registration.
func (q *Queue) Machine() *Machine {
	return q.machine
}

// State returns a snapshot of the channel's playback state.
func (q *Queue) State() PlaybackState {
	return q.machine.Snapshot()
}

// SetCallbacks registers queue-level callbacks. onItemDone fires for every
// resolved item; onItemErr fires exactly once per item that fails for good.
func (q *Queue) SetCallbacks(onItemDone func(*Item, Result), onItemErr func(*Item, *Error)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onItemDone = onItemDone
	q.onItemErr = onItemErr
}

// Enqueue inserts an item, failing synchronously with a CodeQueueFull error
// when the pending capacity is reached. No state is mutated on rejection.
func (q *Queue) Enqueue(it *Item) error {
	if it.Priority < 0 || it.Priority > MaxPriority {
		return NewError(CodeInvalidConfig,
			fmt.Sprintf("priority must be between 0 and %d, got %d", MaxPriority, it.Priority))
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if len(q.pending) >= q.cfg.MaxSize {
		q.mu.Unlock()
		return NewError(CodeQueueFull,
			fmt.Sprintf("queue %q is at capacity (%d)", q.label, q.cfg.MaxSize))
	}
	q.insertLocked(it)
	q.stats.Enqueued++
	q.mu.Unlock()

	log.Debug("enqueued", "queue", q.label, "id", it.ID,
		"priority", it.Priority, "text", truncateText(it.Text))
	q.kick()
	return nil
}

// Interrupt enqueues an item and, when it outranks an interruptible active
// item, stops the active item so the new one starts immediately. The
// preempted item resolves with OutcomeInterrupted, not an error. The bool
// reports whether an active item was preempted.
func (q *Queue) Interrupt(it *Item) (bool, error) {
	if err := q.Enqueue(it); err != nil {
		return false, err
	}

	q.mu.Lock()
	active := q.active
	preempt := active != nil && active != q.restart &&
		active.Interruptible && it.Priority > active.Priority
	q.mu.Unlock()

	if !preempt {
		return false, nil
	}
	log.Debug("interrupting active item", "queue", q.label,
		"active", active.ID, "by", it.ID)
	if err := q.backend.Stop(); err != nil {
		log.Warn("backend stop failed during interrupt", "queue", q.label, "err", err)
	}
	return true, nil
}

// Pause suspends the queue: the active utterance pauses (or, for backends
// without pause support, stops and is parked for a restart on Resume) and
// no further items are activated.
func (q *Queue) Pause() {
	q.mu.Lock()
	if q.paused || q.closed {
		q.mu.Unlock()
		return
	}
	q.paused = true
	active := q.active
	hasRestart := q.restart != nil
	q.mu.Unlock()

	if active == nil || hasRestart {
		return
	}
	if q.backend.Capabilities().Pause {
		q.machine.Transition(StatusPaused)
		if err := q.backend.Pause(); err != nil {
			log.Warn("backend pause failed", "queue", q.label, "err", err)
		}
		return
	}

	// No pause capability: stop the utterance and restart it on resume.
	q.mu.Lock()
	q.parkOnInterrupt = true
	q.mu.Unlock()
	q.machine.Transition(StatusPaused)
	if err := q.backend.Stop(); err != nil {
		log.Warn("backend stop failed during pause", "queue", q.label, "err", err)
	}
}

// Resume continues a paused queue. A parked item restarts from its
// beginning; a truly paused utterance continues in place.
func (q *Queue) Resume() {
	q.mu.Lock()
	if !q.paused || q.closed {
		q.mu.Unlock()
		return
	}
	q.paused = false
	restart := q.restart
	q.restart = nil
	if restart != nil {
		q.active = restart
	}
	hadActive := q.active != nil
	q.mu.Unlock()

	if restart != nil {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.drive(restart, false)
		}()
		return
	}
	if hadActive && q.backend.Capabilities().Pause {
		if err := q.backend.Resume(); err != nil {
			log.Warn("backend resume failed", "queue", q.label, "err", err)
		}
		q.machine.Transition(StatusPlaying)
		return
	}
	q.kick()
}

// Clear stops the active item and discards everything pending without
// invoking error callbacks; discarded items resolve with
// OutcomeInterrupted. Deliberate cancellation, not a failure.
func (q *Queue) Clear() {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	discarded := make([]*Item, 0, len(pending)+len(q.retryTimers)+1)
	discarded = append(discarded, pending...)
	for id, entry := range q.retryTimers {
		entry.timer.Stop()
		delete(q.retryTimers, id)
		discarded = append(discarded, entry.item)
	}
	if q.restart != nil {
		discarded = append(discarded, q.restart)
		if q.active == q.restart {
			q.active = nil
		}
		q.restart = nil
	}
	hadActive := q.active != nil
	q.mu.Unlock()

	if hadActive {
		if err := q.backend.Stop(); err != nil {
			log.Warn("backend stop failed during clear", "queue", q.label, "err", err)
		}
	}
	for _, it := range discarded {
		q.mu.Lock()
		q.stats.Interrupted++
		q.mu.Unlock()
		it.resolve(Result{Outcome: OutcomeInterrupted})
	}
	log.Debug("queue cleared", "queue", q.label, "discarded", len(discarded))
}

// Close clears the queue and stops its worker. Safe to call repeatedly.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.Clear()
	q.cancel()
	q.wg.Wait()
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Active returns the in-flight item, or nil.
func (q *Queue) Active() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Stats returns a copy of the queue counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// insertLocked places an item behind every pending item of the same or
// higher priority. Caller holds the lock.
func (q *Queue) insertLocked(it *Item) {
	i := len(q.pending)
	for ; i > 0; i-- {
		if q.pending[i-1].Priority >= it.Priority {
			break
		}
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[i+1:], q.pending[i:])
	q.pending[i] = it
}

func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
		}
		for q.processNext() {
		}
	}
}

// processNext activates the highest-priority pending item when the active
// slot is free. Returns false when there is nothing to do.
func (q *Queue) processNext() bool {
	q.mu.Lock()
	if q.closed || q.paused || q.active != nil || len(q.pending) == 0 {
		q.mu.Unlock()
		return false
	}
	it := q.pending[0]
	q.pending = q.pending[1:]
	q.active = it
	q.mu.Unlock()

	q.drive(it, true)
	return true
}

// drive speaks one item and blocks until it settles. begin is false when
// restarting a parked item whose machine never left paused.
func (q *Queue) drive(it *Item, begin bool) {
	if begin {
		q.machine.Begin(it.Text)
		q.machine.SetDuration(EstimateDuration(it.Text, it.Config.Rate))
	}

	utt, err := q.backend.Speak(q.ctx, it.Text, it.Config)
	if err != nil {
		q.fail(it, Wrap(err, CodeUnknown))
		return
	}
	// Synchronous start APIs give no separate started signal; playing
	// begins once the call returns.
	q.machine.Transition(StatusPlaying)

	select {
	case res := <-utt.Done():
		q.settle(it, res)
	case <-q.ctx.Done():
		if err := q.backend.Stop(); err != nil {
			log.Debug("backend stop on shutdown", "queue", q.label, "err", err)
		}
		q.finish(it, Result{Outcome: OutcomeInterrupted})
	}
}

// settle routes a backend result: park for restart when pausing without
// backend support, retry or surface failures, finish everything else. The
// park flag is consumed whatever the outcome, so a pause that loses the
// race against natural completion cannot leak into the next item.
func (q *Queue) settle(it *Item, res Result) {
	q.mu.Lock()
	park := q.parkOnInterrupt
	q.parkOnInterrupt = false
	q.mu.Unlock()

	switch res.Outcome {
	case OutcomeError:
		perr := res.Err
		if perr == nil {
			perr = NewError(CodeUnknown, "backend reported failure without error")
		}
		q.fail(it, perr)
	case OutcomeInterrupted:
		if park {
			q.mu.Lock()
			if q.paused && !q.closed {
				q.restart = it
				q.mu.Unlock()
				log.Debug("parked active item for restart", "queue", q.label, "id", it.ID)
				return
			}
			closed := q.closed
			q.mu.Unlock()
			if !closed {
				// Resumed before the stop settled: restart right away.
				q.drive(it, false)
				return
			}
		}
		q.finish(it, res)
	default:
		q.finish(it, res)
	}
}

// finish resolves an item and frees the active slot. The completion
// callback runs before the next activation is possible.
func (q *Queue) finish(it *Item, res Result) {
	switch res.Outcome {
	case OutcomeCompleted:
		q.machine.Transition(StatusCompleted)
	case OutcomeInterrupted:
		q.machine.Transition(StatusStopped)
	}

	q.mu.Lock()
	switch res.Outcome {
	case OutcomeCompleted:
		q.stats.Completed++
	case OutcomeInterrupted:
		q.stats.Interrupted++
	}
	onDone := q.onItemDone
	q.mu.Unlock()

	it.resolve(res)
	if onDone != nil {
		onDone(it, res)
	}

	q.mu.Lock()
	if q.active == it {
		q.active = nil
	}
	q.mu.Unlock()
	q.kick()
}

// fail retries recoverable failures up to MaxRetryAttempts, re-enqueueing
// at the back of the item's priority class after RetryDelay. Exhausted or
// unrecoverable failures resolve the item with OutcomeError exactly once.
func (q *Queue) fail(it *Item, perr *Error) {
	if perr.Recoverable && it.retries < q.cfg.MaxRetryAttempts {
		it.retries++
		q.mu.Lock()
		q.stats.Retried++
		if q.active == it {
			q.active = nil
		}
		q.mu.Unlock()
		q.machine.rearm()

		log.Debug("retrying after recoverable failure", "queue", q.label,
			"id", it.ID, "attempt", it.retries, "err", perr)
		q.scheduleRetry(it)
		q.kick()
		return
	}

	q.machine.Fail(perr)
	log.Error("utterance failed", "queue", q.label, "id", it.ID,
		"code", perr.Code, "err", perr)

	q.mu.Lock()
	q.stats.Failed++
	onErr := q.onItemErr
	clearPending := q.cfg.ClearOnError
	q.mu.Unlock()

	it.resolve(Result{Outcome: OutcomeError, Err: perr})
	if onErr != nil {
		onErr(it, perr)
	}

	q.mu.Lock()
	if q.active == it {
		q.active = nil
	}
	q.mu.Unlock()

	if clearPending {
		q.Clear()
		return
	}
	q.kick()
}

// scheduleRetry re-inserts the item after RetryDelay unless the queue was
// cleared or closed in the meantime.
func (q *Queue) scheduleRetry(it *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		it.resolve(Result{Outcome: OutcomeInterrupted})
		return
	}
	entry := &retryEntry{item: it}
	entry.timer = time.AfterFunc(q.cfg.RetryDelay, func() {
		q.mu.Lock()
		if _, ok := q.retryTimers[it.ID]; !ok {
			q.mu.Unlock()
			return
		}
		delete(q.retryTimers, it.ID)
		if q.closed {
			q.mu.Unlock()
			return
		}
		q.insertLocked(it)
		q.mu.Unlock()
		q.kick()
	})
	q.retryTimers[it.ID] = entry
}

// EstimateDuration estimates speaking time for text at roughly 150 words
// per minute, scaled by rate.
func EstimateDuration(text string, rate float64) time.Duration {
	words := len(strings.Fields(text))
	if words == 0 {
		words = 1
	}
	if rate <= 0 {
		rate = 1.0
	}
	seconds := float64(words) * 60.0 / (150.0 * rate)
	return time.Duration(seconds * float64(time.Second))
}

// truncateText shortens statement text for log lines, safe for wide runes.
func truncateText(text string) string {
	return runewidth.Truncate(text, 40, "…")
}
