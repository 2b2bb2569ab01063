// Package seed ships the content a fresh install starts with: the
// default statement library, session settings with ranked voice
// preferences, and the keyword filter that splits a statement list
// between the ears for two-voice sessions.
package seed

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"github.com/bernd-fruechtnicht/hypnotify-public-sub001/pkg/content"
	"github.com/bernd-fruechtnicht/hypnotify-public-sub001/pkg/tts"
)

//go:embed data/*.yaml
var dataFS embed.FS

// Data bundles the embedded defaults.
type Data struct {
	Statements []content.Statement
	Settings   content.Settings
	Stereo     StereoFilter
}

// ChannelFilter matches statements for one ear, by tag or by text
// fragment per language.
type ChannelFilter struct {
	Tags     []string            `yaml:"tags,omitempty"`
	Keywords map[string][]string `yaml:"keywords,omitempty"`
}

// StereoFilter splits a statement list into left and right ears. Tag
// matches win over keyword matches; unmatched statements go to the
// default side.
type StereoFilter struct {
	Default string        `yaml:"default"`
	Left    ChannelFilter `yaml:"left"`
	Right   ChannelFilter `yaml:"right"`
}

// dur accepts "2s" style durations in the seed files.
type dur time.Duration

func (d *dur) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = dur(parsed)
	return nil
}

// seedStatement is the authoring shape: override fields are flattened
// into the row instead of nesting an overrides block.
type seedStatement struct {
	ID          string            `yaml:"id"`
	Set         string            `yaml:"set"`
	Position    int               `yaml:"position"`
	Text        map[string]string `yaml:"text"`
	Tags        []string          `yaml:"tags"`
	Voice       *string           `yaml:"voice"`
	Rate        *float64          `yaml:"rate"`
	Pitch       *float64          `yaml:"pitch"`
	Volume      *float64          `yaml:"volume"`
	PauseBefore *dur              `yaml:"pause_before"`
	PauseAfter  *dur              `yaml:"pause_after"`
}

type seedSettings struct {
	Language     string              `yaml:"language"`
	Rate         float64             `yaml:"rate"`
	PauseBetween dur                 `yaml:"pause_between"`
	Voices       map[string][]string `yaml:"voices"`
	Music        struct {
		Enabled bool    `yaml:"enabled"`
		Path    string  `yaml:"path"`
		Volume  float64 `yaml:"volume"`
		Duck    bool    `yaml:"duck"`
	} `yaml:"music"`
}

// Load parses the embedded seed files.
func Load() (*Data, error) {
	var stmts struct {
		Statements []seedStatement `yaml:"statements"`
	}
	if err := readSeed("statements.yaml", &stmts); err != nil {
		return nil, err
	}
	var cfg seedSettings
	if err := readSeed("settings.yaml", &cfg); err != nil {
		return nil, err
	}
	var stereo StereoFilter
	if err := readSeed("stereo.yaml", &stereo); err != nil {
		return nil, err
	}

	d := &Data{Settings: content.DefaultSettings(), Stereo: stereo}
	for _, row := range stmts.Statements {
		st, err := row.statement()
		if err != nil {
			return nil, err
		}
		d.Statements = append(d.Statements, st)
	}
	if cfg.Language != "" {
		d.Settings.Playback.Language = cfg.Language
	}
	if cfg.Rate > 0 {
		d.Settings.Playback.Rate = cfg.Rate
	}
	if cfg.PauseBetween > 0 {
		d.Settings.PauseBetween = time.Duration(cfg.PauseBetween)
	}
	if len(cfg.Voices) > 0 {
		d.Settings.Voices = cfg.Voices
	}
	d.Settings.Music.Enabled = cfg.Music.Enabled
	d.Settings.Music.Path = cfg.Music.Path
	if cfg.Music.Volume > 0 {
		d.Settings.Music.Volume = cfg.Music.Volume
	}
	d.Settings.Music.Duck = cfg.Music.Duck
	return d, nil
}

// Ensure seeds an empty store with the embedded defaults and returns
// them. A store that already holds content is left untouched.
func Ensure(ctx context.Context, store content.Store, settings content.SettingsStore) (*Data, error) {
	d, err := Load()
	if err != nil {
		return nil, err
	}
	sets, err := store.Sets(ctx)
	if err != nil {
		return nil, fmt.Errorf("inspect content store: %w", err)
	}
	if len(sets) > 0 {
		return d, nil
	}
	if err := store.SaveStatements(ctx, d.Statements); err != nil {
		return nil, fmt.Errorf("seed statements: %w", err)
	}
	if settings != nil {
		if err := settings.SaveSettings(ctx, d.Settings); err != nil {
			return nil, fmt.Errorf("seed settings: %w", err)
		}
	}
	log.Info("seeded default content", "statements", len(d.Statements))
	return d, nil
}

// Split assigns each statement to an ear and returns the two ID lists
// in statement order.
func (f StereoFilter) Split(statements []content.Statement, language string) (left, right []string) {
	for _, st := range statements {
		if f.side(st, language) == "right" {
			right = append(right, st.ID)
		} else {
			left = append(left, st.ID)
		}
	}
	return left, right
}

func (f StereoFilter) side(st content.Statement, language string) string {
	if f.Left.matchTags(st.Tags) {
		return "left"
	}
	if f.Right.matchTags(st.Tags) {
		return "right"
	}
	if text, ok := st.TextFor(language); ok {
		lower := strings.ToLower(text)
		if f.Left.matchText(lower, language) {
			return "left"
		}
		if f.Right.matchText(lower, language) {
			return "right"
		}
	}
	if f.Default == "right" {
		return "right"
	}
	return "left"
}

func (c ChannelFilter) matchTags(tags []string) bool {
	for _, tag := range tags {
		for _, want := range c.Tags {
			if strings.EqualFold(tag, want) {
				return true
			}
		}
	}
	return false
}

func (c ChannelFilter) matchText(lower, language string) bool {
	for _, frag := range c.keywordsFor(language) {
		if strings.Contains(lower, strings.ToLower(frag)) {
			return true
		}
	}
	return false
}

// keywordsFor falls back from the full tag to the bare base language.
func (c ChannelFilter) keywordsFor(language string) []string {
	if kws, ok := c.Keywords[language]; ok {
		return kws
	}
	if base, _, found := strings.Cut(language, "-"); found {
		if kws, ok := c.Keywords[base]; ok {
			return kws
		}
	}
	return nil
}

func (row seedStatement) statement() (content.Statement, error) {
	if row.ID == "" {
		return content.Statement{}, fmt.Errorf("seed statement without id (set %q)", row.Set)
	}
	if len(row.Text) == 0 {
		return content.Statement{}, fmt.Errorf("seed statement %s has no text", row.ID)
	}
	st := content.Statement{
		ID:       row.ID,
		Set:      row.Set,
		Position: row.Position,
		Text:     row.Text,
		Tags:     row.Tags,
	}
	ov := &tts.Overrides{
		VoiceID: row.Voice,
		Rate:    row.Rate,
		Pitch:   row.Pitch,
		Volume:  row.Volume,
	}
	if row.PauseBefore != nil {
		p := time.Duration(*row.PauseBefore)
		ov.PauseBefore = &p
	}
	if row.PauseAfter != nil {
		p := time.Duration(*row.PauseAfter)
		ov.PauseAfter = &p
	}
	if !ov.IsZero() {
		st.Overrides = ov
	}
	return st, nil
}

func readSeed(name string, v any) error {
	raw, err := dataFS.ReadFile("data/" + name)
	if err != nil {
		return fmt.Errorf("read seed %s: %w", name, err)
	}
	if err := yaml.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("parse seed %s: %w", name, err)
	}
	return nil
}
