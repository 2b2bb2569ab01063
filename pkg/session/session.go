// Package session orchestrates guided playback: it resolves statements
// from the content store, speaks them through per-channel speech queues,
// paces them with configured pauses and keeps an optional music bed
// ducked under the voice. State changes fan out over an event bus.
package session

import (
	"context"
	"sync"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bernd-fruechtnicht/hypnotify-public-sub001/pkg/audio"
	"github.com/bernd-fruechtnicht/hypnotify-public-sub001/pkg/content"
	"github.com/bernd-fruechtnicht/hypnotify-public-sub001/pkg/tts"
)

// Bus topics.
const (
	topicState = "session.state"
	topicError = "session.error"
)

// Engine is the speech backend surface the orchestrator manages. Both
// bundled engines satisfy it.
type Engine interface {
	tts.Backend
	Shutdown()
}

// BackendFactory builds one engine per channel. A stereo session calls
// it once per side so each voice owns its own playback.
type BackendFactory func(channel string) (Engine, error)

// Mode distinguishes single-voice from two-voice sessions.
type Mode string

const (
	ModeLinear Mode = "linear"
	ModeStereo Mode = "stereo"
)

// Request describes one session. Either IDs (linear) or LeftIDs and
// RightIDs (stereo) select the statements. Optional fields fall back to
// the stored settings.
type Request struct {
	Language string
	IDs      []string
	LeftIDs  []string
	RightIDs []string

	// Override applies to every statement of the session; statement
	// overrides still win field by field.
	Override *tts.Overrides

	// PauseBetween replaces the stored default gap when positive.
	PauseBetween time.Duration

	Music   *bool
	Duck    *bool
	Offsets *OffsetRange
}

// State is a session snapshot as published on the bus.
type State struct {
	SessionID    string
	Status       tts.Status
	Mode         Mode
	Index        int // statements completed, both sides combined
	LeftIndex    int
	RightIndex   int
	Total        int
	Elapsed      time.Duration
	MusicPlaying bool
	StartedAt    time.Time
	PausedAt     time.Time
	LastError    *tts.Error
}

// Config wires an Orchestrator. Store and Factory are required; the
// rest is optional.
type Config struct {
	Store    content.Store
	Settings content.SettingsStore
	Factory  BackendFactory
	Music    *audio.Music
	Bus      evbus.Bus
	Queue    tts.QueueConfig
	Offsets  OffsetRange
}

// Orchestrator runs one session at a time.
type Orchestrator struct {
	store    content.Store
	settings content.SettingsStore
	factory  BackendFactory
	music    *audio.Music
	bus      evbus.Bus
	queueCfg tts.QueueConfig
	offsets  OffsetRange

	mu        sync.Mutex
	sessionID string
	status    tts.Status
	mode      Mode
	channels  []*channel
	total     int
	startedAt time.Time
	pausedAt  time.Time
	pausedAcc time.Duration
	endedAt   time.Time
	lastErr   *tts.Error
	musicOn   bool
	duck      bool
	cancelRun context.CancelFunc
	done      chan struct{}

	runWG sync.WaitGroup
}

// New creates an orchestrator. It does not open any audio resources;
// engines are built per session by the factory.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, tts.NewError(tts.CodeInvalidConfig, "content store is required")
	}
	if cfg.Factory == nil {
		return nil, tts.NewError(tts.CodeInvalidConfig, "backend factory is required")
	}
	bus := cfg.Bus
	if bus == nil {
		bus = evbus.New()
	}
	offsets := cfg.Offsets
	if offsets == (OffsetRange{}) {
		offsets = DefaultOffsetRange
	}
	done := make(chan struct{})
	close(done)
	return &Orchestrator{
		store:     cfg.Store,
		settings:  cfg.Settings,
		factory:   cfg.Factory,
		music:     cfg.Music,
		bus:       bus,
		queueCfg:  cfg.Queue,
		offsets:   offsets,
		status:    tts.StatusIdle,
		cancelRun: func() {},
		done:      done,
	}, nil
}

// OnState registers an asynchronous listener for session snapshots.
func (o *Orchestrator) OnState(fn func(State)) error {
	return o.bus.SubscribeAsync(topicState, fn, false)
}

// OffState removes a listener registered with OnState.
func (o *Orchestrator) OffState(fn func(State)) error {
	return o.bus.Unsubscribe(topicState, fn)
}

// OnError registers an asynchronous listener for session errors,
// including recovered per-channel degradations.
func (o *Orchestrator) OnError(fn func(*tts.Error)) error {
	return o.bus.SubscribeAsync(topicError, fn, false)
}

// OffError removes a listener registered with OnError.
func (o *Orchestrator) OffError(fn func(*tts.Error)) error {
	return o.bus.Unsubscribe(topicError, fn)
}

// Start begins a new session and returns its id once playback is
// running. Only one session runs at a time; starting while one is
// active fails. ctx covers startup only, not the session itself.
func (o *Orchestrator) Start(ctx context.Context, req Request) (string, error) {
	o.mu.Lock()
	if o.status == tts.StatusLoading || o.status == tts.StatusPlaying || o.status == tts.StatusPaused {
		o.mu.Unlock()
		return "", tts.NewError(tts.CodeInvalidConfig, "a session is already running")
	}
	o.resetLocked()
	id := o.sessionID
	o.mu.Unlock()
	o.publishState()

	settings := o.loadSettings(ctx)
	global := settings.Playback
	base := tts.Merge(global, req.Override)
	if err := base.Validate(); err != nil {
		return "", o.fail(tts.Wrap(err, tts.CodeInvalidConfig))
	}
	language := req.Language
	if language == "" {
		language = base.Language
	}

	gap := settings.PauseBetween
	if req.Override != nil && req.Override.PauseAfter != nil {
		gap = *req.Override.PauseAfter
	}
	if req.PauseBetween > 0 {
		gap = req.PauseBetween
	}

	mode := ModeLinear
	var chans []*channel
	add := func(name, pan string, sts []content.Statement, delay time.Duration) {
		if len(sts) == 0 {
			return
		}
		chans = append(chans, &channel{
			name:       name,
			pan:        pan,
			statements: sts,
			delay:      delay,
			language:   language,
			global:     global,
			override:   req.Override,
			gap:        gap,
		})
	}
	if len(req.LeftIDs) > 0 || len(req.RightIDs) > 0 {
		mode = ModeStereo
		if len(req.IDs) > 0 {
			log.Warn("ignoring linear ids, stereo sides given", "session", id)
		}
		left, err := o.store.StatementsByIDs(ctx, req.LeftIDs)
		if err != nil {
			return "", o.fail(tts.Wrap(err, tts.CodeUnknown))
		}
		right, err := o.store.StatementsByIDs(ctx, req.RightIDs)
		if err != nil {
			return "", o.fail(tts.Wrap(err, tts.CodeUnknown))
		}
		offsets := o.offsets
		if req.Offsets != nil {
			offsets = *req.Offsets
		}
		add(ChannelLeft, ChannelLeft, left, 0)
		add(ChannelRight, ChannelRight, right, offsets.draw())
	} else {
		sts, err := o.store.StatementsByIDs(ctx, req.IDs)
		if err != nil {
			return "", o.fail(tts.Wrap(err, tts.CodeUnknown))
		}
		add(ChannelMain, "", sts, 0)
	}

	total := 0
	for _, ch := range chans {
		total += len(ch.statements)
	}
	if total == 0 {
		return "", o.fail(tts.NewError(tts.CodeInvalidConfig, "no playable statements"))
	}

	engines := make([]Engine, len(chans))
	var g errgroup.Group
	for i, ch := range chans {
		g.Go(func() error {
			eng, err := o.factory(ch.name)
			if err != nil {
				return err
			}
			engines[i] = eng
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, eng := range engines {
			if eng != nil {
				eng.Shutdown()
			}
		}
		return "", o.fail(tts.Wrap(err, tts.CodeEngineNotAvailable))
	}
	for i, ch := range chans {
		ch.backend = engines[i]
		ch.queue = tts.NewQueue(ch.name, engines[i], o.queueCfg)
		ch.queue.Machine().OnChange(o.channelChanged(ch))
	}

	musicOn := settings.Music.Enabled
	if req.Music != nil {
		musicOn = *req.Music
	}
	musicOn = musicOn && o.music != nil && o.music.Available()
	duck := settings.Music.Duck
	if req.Duck != nil {
		duck = *req.Duck
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	if o.status != tts.StatusLoading {
		// Stopped while we were still building; tear down and bow out.
		o.mu.Unlock()
		cancel()
		for _, ch := range chans {
			ch.queue.Close()
			ch.backend.Shutdown()
		}
		return id, nil
	}
	o.channels = chans
	o.mode = mode
	o.total = total
	o.status = tts.StatusPlaying
	o.musicOn = musicOn
	o.duck = duck
	o.cancelRun = cancel
	o.mu.Unlock()

	if musicOn {
		fade := o.music.Config().FadeIn
		go func() {
			if o.music.FadeIn(fade) {
				return
			}
			if !o.music.Available() {
				log.Warn("background music unavailable", "session", id)
			}
		}()
	}

	for _, ch := range chans {
		o.runWG.Add(1)
		go func() {
			defer o.runWG.Done()
			o.runChannel(runCtx, ch)
		}()
	}
	go o.watch(runCtx)

	log.Info("session started", "session", id, "mode", mode,
		"statements", total, "music", musicOn)
	o.publishState()
	return id, nil
}

// resetLocked rearms the orchestrator for a fresh session. Caller holds mu.
func (o *Orchestrator) resetLocked() {
	o.sessionID = uuid.NewString()
	o.status = tts.StatusLoading
	o.mode = ModeLinear
	o.channels = nil
	o.total = 0
	o.startedAt = time.Now()
	o.pausedAt = time.Time{}
	o.pausedAcc = 0
	o.endedAt = time.Time{}
	o.lastErr = nil
	o.musicOn = false
	o.duck = false
	o.cancelRun = func() {}
	o.done = make(chan struct{})
}

// fail marks a session that never reached playback as errored. A Stop
// racing the build phase wins; fail then only reports the error back.
func (o *Orchestrator) fail(perr *tts.Error) *tts.Error {
	o.mu.Lock()
	if o.status != tts.StatusLoading {
		o.mu.Unlock()
		return perr
	}
	o.status = tts.StatusError
	o.lastErr = perr
	o.endedAt = time.Now()
	done := o.done
	o.mu.Unlock()
	o.bus.Publish(topicError, perr)
	o.publishState()
	close(done)
	return perr
}

func (o *Orchestrator) loadSettings(ctx context.Context) content.Settings {
	if o.settings == nil {
		return content.DefaultSettings()
	}
	s, err := o.settings.Settings(ctx)
	if err != nil {
		log.Warn("settings unavailable, using defaults", "err", err)
		return content.DefaultSettings()
	}
	return s
}

// watch waits for all channel runners and settles the final status.
// When the session was stopped explicitly, finish already ran and the
// cancelled context tells us to leave the status alone.
func (o *Orchestrator) watch(ctx context.Context) {
	o.runWG.Wait()
	if ctx.Err() != nil {
		return
	}

	o.mu.Lock()
	final := tts.StatusCompleted
	errored := 0
	for _, ch := range o.channels {
		if ch.err != nil {
			errored++
		}
	}
	if o.mode == ModeStereo {
		if errored == len(o.channels) {
			final = tts.StatusError
		}
	} else if errored > 0 {
		final = tts.StatusError
	}
	o.mu.Unlock()

	var fade time.Duration
	if final == tts.StatusCompleted && o.music != nil {
		fade = o.music.Config().FadeOut
	}
	o.finish(final, fade)
}

// finish settles the session exactly once: it cancels the runners,
// closes the queues, shuts the engines down and stops the music. The
// first caller wins; later callers return immediately.
func (o *Orchestrator) finish(final tts.Status, fade time.Duration) {
	o.mu.Lock()
	if o.status != tts.StatusLoading && o.status != tts.StatusPlaying && o.status != tts.StatusPaused {
		o.mu.Unlock()
		return
	}
	o.status = final
	o.endedAt = time.Now()
	if !o.pausedAt.IsZero() {
		o.pausedAcc += time.Since(o.pausedAt)
		o.pausedAt = time.Time{}
	}
	id := o.sessionID
	chans := o.channels
	cancel := o.cancelRun
	done := o.done
	musicOn := o.musicOn
	o.mu.Unlock()

	cancel()

	var g errgroup.Group
	for _, ch := range chans {
		g.Go(func() error {
			ch.queue.Close()
			ch.backend.Shutdown()
			return nil
		})
	}
	if musicOn {
		g.Go(func() error {
			if fade > 0 {
				o.music.FadeOut(fade)
			}
			o.music.Stop()
			return nil
		})
	}
	g.Wait()
	o.runWG.Wait()

	log.Info("session finished", "session", id, "status", final)
	o.publishState()
	close(done)
}

// Stop ends the running session, if any, and blocks until every channel
// has been torn down. Stopping twice is harmless.
func (o *Orchestrator) Stop() {
	o.finish(tts.StatusStopped, 0)
	o.Wait()
}

// StopWithFade stops like Stop but lets the music bed fade out over d.
func (o *Orchestrator) StopWithFade(d time.Duration) {
	o.finish(tts.StatusStopped, d)
	o.Wait()
}

// Wait blocks until the current session has fully settled. It returns
// immediately when no session was started.
func (o *Orchestrator) Wait() {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	<-done
}

// Pause suspends playback on every channel and the music bed.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	if o.status != tts.StatusPlaying {
		o.mu.Unlock()
		return tts.NewError(tts.CodeInvalidConfig, "no playing session to pause")
	}
	o.status = tts.StatusPaused
	o.pausedAt = time.Now()
	chans := o.channels
	musicOn := o.musicOn
	o.mu.Unlock()

	for _, ch := range chans {
		ch.queue.Pause()
	}
	if musicOn {
		o.music.Pause()
	}
	o.publishState()
	return nil
}

// Resume continues a paused session.
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	if o.status != tts.StatusPaused {
		o.mu.Unlock()
		return tts.NewError(tts.CodeInvalidConfig, "no paused session to resume")
	}
	o.status = tts.StatusPlaying
	if !o.pausedAt.IsZero() {
		o.pausedAcc += time.Since(o.pausedAt)
		o.pausedAt = time.Time{}
	}
	chans := o.channels
	musicOn := o.musicOn
	o.mu.Unlock()

	// mirror of Pause: bed back first, voices on top
	if musicOn {
		o.music.Resume()
	}
	for _, ch := range chans {
		ch.queue.Resume()
	}
	o.publishState()
	return nil
}

// advance counts one statement as done on the channel.
func (o *Orchestrator) advance(ch *channel) {
	o.mu.Lock()
	ch.index++
	o.mu.Unlock()
	o.publishState()
}

// degrade records a channel failure. In stereo mode the other channel
// keeps going; the watcher decides the session outcome once all runners
// are finished.
func (o *Orchestrator) degrade(ch *channel, perr *tts.Error) {
	if perr == nil {
		perr = tts.NewError(tts.CodeUnknown, "channel failed")
	}
	o.mu.Lock()
	ch.err = perr
	o.lastErr = perr
	stereo := o.mode == ModeStereo
	o.mu.Unlock()

	o.bus.Publish(topicError, perr)
	if stereo {
		log.Warn("channel degraded, continuing on the other side",
			"channel", ch.name, "err", perr)
	} else {
		log.Error("session channel failed", "channel", ch.name, "err", perr)
	}
	o.publishState()
}

// channelChanged tracks whether any channel is audibly speaking and
// ducks the music bed accordingly.
func (o *Orchestrator) channelChanged(ch *channel) func(tts.PlaybackState) {
	return func(ps tts.PlaybackState) {
		speaking := ps.Status == tts.StatusPlaying
		o.mu.Lock()
		if ch.speaking == speaking {
			o.mu.Unlock()
			return
		}
		ch.speaking = speaking
		any := false
		for _, c := range o.channels {
			if c.speaking {
				any = true
				break
			}
		}
		duck := o.duck && o.musicOn
		o.mu.Unlock()

		if duck {
			o.music.Duck(any)
		}
		o.publishState()
	}
}

func (o *Orchestrator) publishState() {
	o.bus.Publish(topicState, o.Snapshot())
}

// Snapshot returns the current session state.
func (o *Orchestrator) Snapshot() State {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := State{
		SessionID: o.sessionID,
		Status:    o.status,
		Mode:      o.mode,
		Total:     o.total,
		StartedAt: o.startedAt,
		PausedAt:  o.pausedAt,
		LastError: o.lastErr,
	}
	for _, ch := range o.channels {
		switch ch.name {
		case ChannelLeft:
			s.LeftIndex = ch.index
		case ChannelRight:
			s.RightIndex = ch.index
		default:
			s.Index = ch.index
		}
	}
	if o.mode == ModeStereo {
		s.Index = s.LeftIndex + s.RightIndex
	}
	if !o.startedAt.IsZero() {
		end := time.Now()
		if !o.pausedAt.IsZero() {
			end = o.pausedAt
		} else if !o.endedAt.IsZero() {
			end = o.endedAt
		}
		s.Elapsed = end.Sub(o.startedAt) - o.pausedAcc
	}
	if o.music != nil {
		s.MusicPlaying = o.music.State() == audio.MusicPlaying
	}
	return s
}

// Status returns the current session status.
func (o *Orchestrator) Status() tts.Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Close stops any running session. The bus, store and music controller
// belong to the caller.
func (o *Orchestrator) Close() error {
	o.Stop()
	return nil
}
