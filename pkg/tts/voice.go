package tts

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/sahilm/fuzzy"
	"golang.org/x/text/language"
)

// Preferences maps a language tag to a ranked list of preferred voice names
// or IDs, checked in order against what the backend actually offers. Keys
// may be full tags ("en-US") or base languages ("en").
type Preferences map[string][]string

// Resolver picks a concrete voice from a backend's voice list. Resolution
// falls through: explicit request, ranked preferences, BCP-47 matching,
// shared base language. Only when the whole chain is exhausted does it fail.
type Resolver struct {
	prefs Preferences
}

// NewResolver creates a resolver with the given ranked preferences.
// A nil map is valid and skips the preference step.
func NewResolver(prefs Preferences) *Resolver {
	return &Resolver{prefs: prefs}
}

// Resolve picks the best available voice for a language. The requested name
// or ID, when non-empty, is tried first (exact, then fuzzy). The typed error
// is CodeLanguageNotSupported when no offered voice shares the base
// language, CodeVoiceNotFound otherwise.
func (r *Resolver) Resolve(voices []Voice, lang, requested string) (Voice, error) {
	if len(voices) == 0 {
		return Voice{}, NewError(CodeVoiceNotFound, "backend offered no voices")
	}

	if requested != "" {
		if v, ok := findExact(voices, requested); ok {
			return v, nil
		}
		if v, ok := findFuzzy(voices, requested); ok {
			log.Debug("voice matched by fuzzy name", "requested", requested, "voice", v.ID)
			return v, nil
		}
		log.Debug("requested voice not offered, falling back", "requested", requested)
	}

	for _, candidate := range r.candidates(lang) {
		if v, ok := findExact(voices, candidate); ok {
			log.Debug("voice matched by preference", "language", lang, "voice", v.ID)
			return v, nil
		}
	}

	if v, ok := matchByTag(voices, lang); ok {
		return v, nil
	}

	if v, ok := matchBaseLanguage(voices, lang); ok {
		log.Debug("voice matched by base language", "language", lang, "voice", v.ID)
		return v, nil
	}

	if requested != "" {
		return Voice{}, NewError(CodeVoiceNotFound,
			fmt.Sprintf("voice %q not found and no fallback covers %q", requested, lang))
	}
	return Voice{}, NewError(CodeLanguageNotSupported,
		fmt.Sprintf("no voice available for language %q", lang))
}

// candidates returns the ranked preference list for a language, trying the
// full tag before the base language.
func (r *Resolver) candidates(lang string) []string {
	if r.prefs == nil {
		return nil
	}
	if names, ok := r.prefs[lang]; ok {
		return names
	}
	if base, _, found := strings.Cut(lang, "-"); found {
		return r.prefs[base]
	}
	return nil
}

func findExact(voices []Voice, nameOrID string) (Voice, bool) {
	for _, v := range voices {
		if strings.EqualFold(v.ID, nameOrID) || strings.EqualFold(v.Name, nameOrID) {
			return v, true
		}
	}
	return Voice{}, false
}

func findFuzzy(voices []Voice, requested string) (Voice, bool) {
	names := make([]string, len(voices))
	for i, v := range voices {
		names[i] = v.Name
	}
	matches := fuzzy.Find(requested, names)
	if len(matches) == 0 {
		return Voice{}, false
	}
	return voices[matches[0].Index], true
}

// matchByTag uses BCP-47 matching so near tags resolve, e.g. de-AT falls
// back to a de-DE voice.
func matchByTag(voices []Voice, lang string) (Voice, bool) {
	desired, err := language.Parse(lang)
	if err != nil {
		return Voice{}, false
	}

	tags := make([]language.Tag, 0, len(voices))
	idx := make([]int, 0, len(voices))
	for i, v := range voices {
		tag, err := language.Parse(v.Language)
		if err != nil {
			continue
		}
		tags = append(tags, tag)
		idx = append(idx, i)
	}
	if len(tags) == 0 {
		return Voice{}, false
	}

	_, i, conf := language.NewMatcher(tags).Match(desired)
	if conf == language.No {
		return Voice{}, false
	}
	return voices[idx[i]], true
}

func matchBaseLanguage(voices []Voice, lang string) (Voice, bool) {
	base, _, _ := strings.Cut(lang, "-")
	if base == "" {
		return Voice{}, false
	}
	for _, v := range voices {
		vbase, _, _ := strings.Cut(v.Language, "-")
		if strings.EqualFold(vbase, base) {
			return v, true
		}
	}
	return Voice{}, false
}
