package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kalambet/learnd/internal/composer"
)

var photosynthesis = []composer.Exchange{{
	Question: "What is photosynthesis in plants?",
	Answer:   "Photosynthesis converts light in plants into chemical energy.",
}}

func TestIsFollowUp(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"tell me more", true},
		{"What are its advantages?", true},
		{"pros?", true},
		{"Give me an example", true},
		{"describe the light reactions", true},
		{"What is osmosis?", false},
		{"Define osmosis", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, IsFollowUp(c.msg, photosynthesis), c.msg)
	}
}

func TestIsFollowUp_NoHistory(t *testing.T) {
	assert.False(t, IsFollowUp("tell me more", nil))
}

func TestKeyTerms_RecurringWordsFirst(t *testing.T) {
	assert.Equal(t, []string{"photosynthesis", "plants"}, KeyTerms(photosynthesis))
}

func TestKeyTerms_QuotedPhrases(t *testing.T) {
	h := []composer.Exchange{{Question: `Explain "binary search"`, Answer: "It halves the range."}}
	assert.Equal(t, []string{"binary search"}, KeyTerms(h))
}

func TestKeyTerms_OnlyRecentWindow(t *testing.T) {
	h := []composer.Exchange{
		{Question: "mitochondria mitochondria", Answer: "powerhouse"},
		{Question: "enzymes", Answer: "catalysts"},
		{Question: "ribosomes", Answer: "proteins"},
		{Question: "vacuoles", Answer: "storage"},
	}
	assert.NotContains(t, KeyTerms(h), "mitochondria")
	assert.Empty(t, KeyTerms(nil))
}

func TestExpand(t *testing.T) {
	got, ok := Expand("tell me more", photosynthesis)
	assert.True(t, ok)
	assert.Equal(t, "photosynthesis plants tell me more", got)

	got, ok = Expand("What is osmosis?", photosynthesis)
	assert.False(t, ok)
	assert.Equal(t, "What is osmosis?", got)
}

func TestExpand_FallsBackToLastQuestion(t *testing.T) {
	h := []composer.Exchange{{Question: "Define osmosis", Answer: "Water moving across a membrane."}}
	got, ok := Expand("what about it?", h)
	assert.True(t, ok)
	assert.Equal(t, "Define osmosis what about it?", got)
}
