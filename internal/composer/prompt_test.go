package composer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextText_Empty(t *testing.T) {
	c := New(4000)
	assert.Equal(t, "", c.ContextText(nil))
	assert.Equal(t, "", c.ContextText([]Block{{Text: "   "}}))
}

func TestContextText_SortedByScore(t *testing.T) {
	c := New(4000)
	out := c.ContextText([]Block{
		{Title: "low", Text: "low relevance", Score: 0.1},
		{Title: "high", Text: "high relevance", Score: 0.9},
	})
	assert.True(t, strings.Index(out, "high relevance") < strings.Index(out, "low relevance"))
	assert.Contains(t, out, "[Source 1: high]")
	assert.Contains(t, out, "[Source 2: low]")
}

func TestContextText_BudgetDropsLowestScoring(t *testing.T) {
	big := strings.Repeat("x", 300)
	c := New(100) // roughly one block of ~80 tokens fits
	out := c.ContextText([]Block{
		{Title: "keep", Text: big, Score: 0.9},
		{Title: "drop", Text: big, Score: 0.2},
	})
	assert.Contains(t, out, "keep")
	assert.NotContains(t, out, "drop")
}

func TestNew_DefaultBudget(t *testing.T) {
	assert.Equal(t, defaultMaxContextTokens, New(0).MaxContextTokens)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
}

func TestChatMessages_InternalWithContextAndHistory(t *testing.T) {
	c := New(4000)
	msgs := c.ChatMessages(ChatRequest{
		Mode:    "internal",
		Role:    "learner",
		Context: []Block{{Title: "bio.pdf", Text: "Chlorophyll absorbs light.", Score: 0.8}},
		History: []Exchange{{Question: "what is a cell?", Answer: "the unit of life"}},
		Message: "what does chlorophyll do?",
	})
	require.Len(t, msgs, 5)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "ONLY using the provided context")
	assert.Contains(t, msgs[1].Content, "Chlorophyll absorbs light.")
	assert.Equal(t, "user", msgs[2].Role)
	assert.Equal(t, "assistant", msgs[3].Role)
	assert.Equal(t, "user", msgs[4].Role)
	assert.Equal(t, "what does chlorophyll do?", msgs[4].Content)
}

func TestChatMessages_ExternalWithoutContext(t *testing.T) {
	msgs := New(4000).ChatMessages(ChatRequest{Mode: "external", Role: "trainer", Message: "hi"})
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0].Content, "cite sources")
	assert.Contains(t, msgs[0].Content, "objectives")
}

func TestContentMessages_PerType(t *testing.T) {
	c := New(4000)
	cases := map[string]string{
		"flashcard":  "| KEY | Description |",
		"quiz":       "answer_4",
		"assessment": "choice_answer_four",
		"ppt":        "## ",
		"audio":      "read aloud",
		"video":      "scenes",
		"pdf":        "markdown",
	}
	for typ, want := range cases {
		msgs := c.ContentMessages(ContentRequest{Type: typ, Role: "learner", Topic: "photosynthesis", Requirements: []string{"Difficulty: easy"}})
		require.Len(t, msgs, 2, typ)
		assert.Contains(t, msgs[0].Content, want, typ)
		assert.Contains(t, msgs[0].Content, "- Difficulty: easy", typ)
		assert.Equal(t, "Create the content based on: photosynthesis", msgs[1].Content)
	}
}

func TestContentMessages_TrueFalseQuizHasTwoAnswers(t *testing.T) {
	msgs := New(4000).ContentMessages(ContentRequest{Type: "quiz", TrueFalseOnly: true})
	assert.Contains(t, msgs[0].Content, "answer_2")
	assert.NotContains(t, msgs[0].Content, "answer_3")
}

func TestContentMessages_ContextAdded(t *testing.T) {
	msgs := New(4000).ContentMessages(ContentRequest{
		Type:     "code",
		Language: "go",
		Topic:    "binary search",
		Context:  []Block{{Text: "Binary search halves the range."}},
	})
	require.Len(t, msgs, 3)
	assert.Contains(t, msgs[0].Content, "runnable go program")
	assert.Contains(t, msgs[1].Content, "Binary search halves the range.")
}
