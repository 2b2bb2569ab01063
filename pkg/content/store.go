// Package content stores the statements a session narrates and the
// defaults it starts from. Stores are collaborators of the playback
// packages: sessions read them, they never reach back into playback.
package content

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bernd-fruechtnicht/hypnotify-public-sub001/pkg/tts"
)

// ErrNotFound reports an id with no stored statement behind it.
var ErrNotFound = errors.New("statement not found")

// Statement is one immutable unit of narration. Sessions reference
// statements by ID, never by value, so edits between sessions are not
// half-visible to a running one.
type Statement struct {
	ID       string `yaml:"id" json:"id"`
	Set      string `yaml:"set,omitempty" json:"set,omitempty"`
	Position int    `yaml:"position,omitempty" json:"position,omitempty"`
	// Text maps a BCP-47 language tag to the narration text.
	Text      map[string]string `yaml:"text" json:"text"`
	Overrides *tts.Overrides    `yaml:"overrides,omitempty" json:"overrides,omitempty"`
	Tags      []string          `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// TextFor returns the statement text for a language tag, falling back
// to the bare base language, then to any stored variant of that base,
// then to any text at all. The final fallback is deterministic: lowest
// language tag wins.
func (s Statement) TextFor(lang string) (string, bool) {
	if t, ok := s.Text[lang]; ok && t != "" {
		return t, true
	}
	if i := strings.IndexByte(lang, '-'); i > 0 {
		base := lang[:i]
		if t, ok := s.Text[base]; ok && t != "" {
			return t, true
		}
		for _, tag := range sortedKeys(s.Text) {
			if strings.HasPrefix(tag, base) && s.Text[tag] != "" {
				return s.Text[tag], true
			}
		}
	}
	for _, tag := range sortedKeys(s.Text) {
		if s.Text[tag] != "" {
			return s.Text[tag], true
		}
	}
	return "", false
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Store serves statements. StatementsByIDs preserves the request order
// and skips missing ids with a logged gap, never a hard failure.
type Store interface {
	Statement(ctx context.Context, id string) (Statement, error)
	StatementsByIDs(ctx context.Context, ids []string) ([]Statement, error)
	StatementsBySet(ctx context.Context, set string) ([]Statement, error)
	Sets(ctx context.Context) ([]string, error)
	SaveStatements(ctx context.Context, statements []Statement) error
	Close() error
}

// MusicSettings describe the background bed without binding the store
// to the audio layer.
type MusicSettings struct {
	Enabled bool    `yaml:"enabled" json:"enabled"`
	Path    string  `yaml:"path,omitempty" json:"path,omitempty"`
	Volume  float64 `yaml:"volume" json:"volume"`
	Duck    bool    `yaml:"duck" json:"duck"`
}

// Settings are the global defaults a session reads once when it
// starts. Changes made while a session runs apply from the next
// session on.
type Settings struct {
	Playback tts.PlaybackConfig `yaml:"playback" json:"playback"`
	// Voices ranks candidate voice names per language tag.
	Voices       tts.Preferences `yaml:"voices,omitempty" json:"voices,omitempty"`
	PauseBetween time.Duration   `yaml:"pause_between" json:"pause_between"`
	Music        MusicSettings   `yaml:"music" json:"music"`
}

// DefaultSettings returns the built-in session defaults.
func DefaultSettings() Settings {
	return Settings{
		Playback:     tts.DefaultPlaybackConfig(),
		PauseBetween: 2 * time.Second,
		Music:        MusicSettings{Volume: 0.3, Duck: true},
	}
}

// SettingsStore persists the global session defaults.
type SettingsStore interface {
	Settings(ctx context.Context) (Settings, error)
	SaveSettings(ctx context.Context, s Settings) error
}

// orderByIDs arranges found statements in request order, logging a gap
// for every id the store could not serve.
func orderByIDs(ids []string, found map[string]Statement) []Statement {
	out := make([]Statement, 0, len(ids))
	for _, id := range ids {
		st, ok := found[id]
		if !ok {
			log.Warn("statement missing, skipping", "id", id)
			continue
		}
		out = append(out, st)
	}
	return out
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}
