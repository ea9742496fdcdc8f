package intent

import (
	"encoding/json"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Intent is the classified meaning of a free-text RSVP reply.
type Intent string

const (
	Confirm      Intent = "confirm"
	Decline      Intent = "decline"
	Tentative    Intent = "tentative"
	Unrecognized Intent = "unrecognized"
)

// Rules holds the phrase tables per intent. Tables are data, not code, so
// deployments can extend the vocabulary from a JSON file without a rebuild.
type Rules struct {
	Confirm   []string `json:"confirm"`
	Decline   []string `json:"decline"`
	Tentative []string `json:"tentative"`
}

// DefaultRules covers the vocabulary the reminder prompts ask for, plus the
// variants students actually type back.
func DefaultRules() Rules {
	return Rules{
		Confirm: []string{
			"yes", "y", "yeah", "yep", "sure", "confirm", "confirmed",
			"attending", "coming", "i'll be there", "ill be there",
			"count me in", "👍", "✅", "1",
		},
		Decline: []string{
			"no", "n", "nope", "cancel", "can't make it", "cant make it",
			"can't come", "cant come", "not coming", "not attending",
			"skip", "wont make it", "won't make it", "👎", "❌", "0",
		},
		Tentative: []string{
			"maybe", "unsure", "uncertain", "not sure", "might",
			"possibly", "will try", "i'll try", "ill try", "🤔",
		},
	}
}

// LoadRules reads phrase tables from a JSON file. Intents missing from the
// file fall back to the defaults.
func LoadRules(path string) (Rules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, err
	}
	rules := DefaultRules()
	var override Rules
	if err := json.Unmarshal(raw, &override); err != nil {
		return Rules{}, err
	}
	if len(override.Confirm) > 0 {
		rules.Confirm = override.Confirm
	}
	if len(override.Decline) > 0 {
		rules.Decline = override.Decline
	}
	if len(override.Tentative) > 0 {
		rules.Tentative = override.Tentative
	}
	return rules, nil
}

// Classifier maps noisy free text onto the closed intent set. It is a rules
// engine on purpose: the vocabulary is small, and an unrecognized reply
// triggers a clarifying prompt, which is cheaper than a wrong auto-mark.
type Classifier struct {
	rules Rules
}

// NewClassifier builds a classifier over the given phrase tables.
func NewClassifier(rules Rules) *Classifier {
	return &Classifier{rules: rules}
}

// Classify returns the single intent of a message. The longest matching
// phrase across all tables decides, so "not attending" lands on decline even
// though the confirm table knows "attending". Between equal-length matches,
// confirm beats decline beats tentative.
func (c *Classifier) Classify(text string) Intent {
	normalized := normalize(text)
	if normalized == "" {
		return Unrecognized
	}
	best := Unrecognized
	bestLen := 0
	for _, table := range []struct {
		in      Intent
		phrases []string
	}{
		{Confirm, c.rules.Confirm},
		{Decline, c.rules.Decline},
		{Tentative, c.rules.Tentative},
	} {
		if l := longestMatch(normalized, table.phrases); l > bestLen {
			best = table.in
			bestLen = l
		}
	}
	return best
}

func longestMatch(normalized string, phrases []string) int {
	best := 0
	for _, phrase := range phrases {
		p := normalize(phrase)
		if len(p) > best && matchPhrase(normalized, p) {
			best = len(p)
		}
	}
	return best
}

// matchPhrase requires word boundaries for textual phrases so that "no"
// does not fire inside "know". Emoji and other non-letter tokens match by
// plain containment.
func matchPhrase(text, phrase string) bool {
	if phrase == "" {
		return false
	}
	if !hasLetterOrDigit(phrase) {
		return strings.Contains(text, phrase)
	}
	idx := 0
	for {
		i := strings.Index(text[idx:], phrase)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(phrase)
		if boundaryBefore(text, start) && boundaryAfter(text, end) {
			return true
		}
		idx = start + 1
		if idx >= len(text) {
			return false
		}
	}
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func boundaryAfter(text string, i int) bool {
	if i >= len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[i:])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func hasLetterOrDigit(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}
