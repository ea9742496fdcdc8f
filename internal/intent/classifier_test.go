package intent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	c := NewClassifier(DefaultRules())

	tests := []struct {
		text string
		want Intent
	}{
		{"Yes!! 👍", Confirm},
		{"yes", Confirm},
		{"YES", Confirm},
		{"  confirm  ", Confirm},
		{"i'll be there", Confirm},
		{"count me in!", Confirm},
		{"👍", Confirm},
		{"cant make it today", Decline},
		{"No", Decline},
		{"sorry, can't come this time", Decline},
		{"not attending", Decline},
		{"👎", Decline},
		{"maybe", Tentative},
		{"not sure yet", Tentative},
		{"will try to come", Tentative},
		{"🤔", Tentative},
		{"ok cool", Unrecognized},
		{"what time is the class?", Unrecognized},
		{"", Unrecognized},
		{"   ", Unrecognized},
		// "no" must not fire inside an unrelated word
		{"i know, thanks", Unrecognized},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.Classify(tt.text), "text %q", tt.text)
	}
}

func TestClassifyPrecedence(t *testing.T) {
	c := NewClassifier(DefaultRules())

	// The longest phrase is the strongest signal, so a hedged yes reads
	// as tentative rather than a hard confirm.
	assert.Equal(t, Tentative, c.Classify("yes, but maybe"))
	assert.Equal(t, Decline, c.Classify("maybe... actually cant make it"))
	// Equal-length matches fall back to confirm > decline > tentative.
	assert.Equal(t, Confirm, c.Classify("1 or 0"))
}

func TestClassifyNegatedPhrasesBeatBareTokens(t *testing.T) {
	c := NewClassifier(DefaultRules())

	// The negated phrase is the longer match and must win over the bare
	// token it contains; otherwise a student saying they are NOT coming
	// gets auto-marked present.
	assert.Equal(t, Decline, c.Classify("not attending"))
	assert.Equal(t, Decline, c.Classify("not coming today"))
	assert.Equal(t, Tentative, c.Classify("not sure yet"))
	assert.Equal(t, Tentative, c.Classify("hmm, not sure"))
}

func TestClassifyMultibyteBoundaries(t *testing.T) {
	c := NewClassifier(DefaultRules())

	// An adjacent multi-byte rune is still a letter, not a boundary.
	assert.Equal(t, Unrecognized, c.Classify("éno"))
	// Punctuation outside ASCII is a boundary.
	assert.Equal(t, Decline, c.Classify("no…"))
}

func TestLoadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"confirm":["haan","aunga"]}`), 0o600))

	rules, err := LoadRules(path)
	require.NoError(t, err)

	c := NewClassifier(rules)
	assert.Equal(t, Confirm, c.Classify("haan"))
	// Unlisted intents keep the defaults.
	assert.Equal(t, Decline, c.Classify("no"))
	// The replaced confirm table no longer knows "yes".
	assert.Equal(t, Unrecognized, c.Classify("yes"))
}

func TestLoadRulesMissingFile(t *testing.T) {
	_, err := LoadRules(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}
