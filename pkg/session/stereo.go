package session

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bernd-fruechtnicht/hypnotify-public-sub001/pkg/content"
	"github.com/bernd-fruechtnicht/hypnotify-public-sub001/pkg/tts"
)

// Channel names. A linear session runs a single main channel; a stereo
// session runs left and right concurrently, each with its own engine.
const (
	ChannelMain  = "main"
	ChannelLeft  = "left"
	ChannelRight = "right"
)

// OffsetRange bounds the random delay applied to the right channel of a
// stereo session so the two voices do not start in lockstep.
type OffsetRange struct {
	Min time.Duration `yaml:"min" json:"min"`
	Max time.Duration `yaml:"max" json:"max"`
}

// DefaultOffsetRange staggers the delayed channel by 1.5 to 4 seconds.
var DefaultOffsetRange = OffsetRange{Min: 1500 * time.Millisecond, Max: 4 * time.Second}

// draw picks a delay within the range. A degenerate range collapses to Min.
func (r OffsetRange) draw() time.Duration {
	if r.Min < 0 {
		r.Min = 0
	}
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + rand.N(r.Max-r.Min)
}

// channel is one independent voice of a running session. index, err and
// speaking are guarded by the orchestrator's lock.
type channel struct {
	name       string
	pan        string
	backend    Engine
	queue      *tts.Queue
	statements []content.Statement
	delay      time.Duration

	language string
	global   tts.PlaybackConfig
	override *tts.Overrides
	gap      time.Duration

	index    int
	err      *tts.Error
	speaking bool
}

// runChannel walks the channel's statements in order, enqueueing one at
// a time and waiting for it to resolve before pacing the next. It
// returns when the statements are exhausted, the channel fails, or the
// session context is cancelled.
func (o *Orchestrator) runChannel(ctx context.Context, ch *channel) {
	if ch.delay > 0 {
		log.Debug("channel start offset", "channel", ch.name, "delay", ch.delay)
		if !sleep(ctx, ch.delay) {
			return
		}
	}

	for i, st := range ch.statements {
		text, ok := st.TextFor(ch.language)
		if !ok {
			log.Warn("statement has no usable text, skipping",
				"channel", ch.name, "id", st.ID, "language", ch.language)
			o.advance(ch)
			continue
		}

		cfg := tts.Merge(ch.global, ch.override, st.Overrides)
		cfg.Options.Pan = ch.pan

		if !sleep(ctx, pauseBefore(st, ch.override)) {
			return
		}

		it := tts.NewItem(text, cfg)
		if err := ch.queue.Enqueue(it); err != nil {
			if errors.Is(err, tts.ErrQueueClosed) {
				return
			}
			o.degrade(ch, tts.Wrap(err, tts.CodeUnknown))
			return
		}

		var res tts.Result
		select {
		case res = <-it.Done():
		case <-ctx.Done():
			return
		}

		switch res.Outcome {
		case tts.OutcomeCompleted:
			o.advance(ch)
		case tts.OutcomeInterrupted:
			return
		case tts.OutcomeError:
			o.degrade(ch, res.Err)
			return
		}

		if i < len(ch.statements)-1 {
			if !sleep(ctx, pauseAfter(st, ch.gap)) {
				return
			}
		}
	}
}

// pauseBefore returns the silence to hold before a statement. The
// statement's own override wins over the session-wide one.
func pauseBefore(st content.Statement, session *tts.Overrides) time.Duration {
	if st.Overrides != nil && st.Overrides.PauseBefore != nil {
		return *st.Overrides.PauseBefore
	}
	if session != nil && session.PauseBefore != nil {
		return *session.PauseBefore
	}
	return 0
}

// pauseAfter returns the gap to hold after a statement. gap already
// folds the session override and the stored default.
func pauseAfter(st content.Statement, gap time.Duration) time.Duration {
	if st.Overrides != nil && st.Overrides.PauseAfter != nil {
		return *st.Overrides.PauseAfter
	}
	return gap
}

// sleep waits for d or until ctx is cancelled, reporting whether the
// full duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
