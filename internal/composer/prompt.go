// Package composer assembles the messages sent to the language model: chat
// prompts with retrieved or web context and conversation history, and
// generation prompts for each kind of educational content.
package composer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/learnd/internal/proxy"
)

const defaultMaxContextTokens = 4000

// Block is one piece of grounding context, from a document chunk or a web
// page.
type Block struct {
	Title string
	Text  string
	Score float64
}

// Composer builds prompts, keeping injected context within a token budget.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer with the given token budget for injected context.
// If maxContextTokens <= 0, the default (4000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// ContextText renders blocks as numbered sources, highest score first,
// dropping blocks that no longer fit the budget. It returns "" when nothing
// fits.
func (c *Composer) ContextText(blocks []Block) string {
	if len(blocks) == 0 {
		return ""
	}

	sorted := make([]Block, 0, len(blocks))
	for _, b := range blocks {
		if strings.TrimSpace(b.Text) != "" {
			sorted = append(sorted, b)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	remaining := c.MaxContextTokens
	var sb strings.Builder
	n := 0
	for _, b := range sorted {
		entry := formatBlock(n+1, b)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			continue
		}
		sb.WriteString(entry)
		remaining -= tokens
		n++
	}
	return strings.TrimSpace(sb.String())
}

func formatBlock(i int, b Block) string {
	if b.Title != "" {
		return fmt.Sprintf("[Source %d: %s]\n%s\n\n", i, b.Title, strings.TrimSpace(b.Text))
	}
	return fmt.Sprintf("[Source %d]\n%s\n\n", i, strings.TrimSpace(b.Text))
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// roleHint tunes tone to the audience.
func roleHint(role string) string {
	switch strings.ToLower(role) {
	case "learner":
		return "Use beginner-friendly language, short paragraphs, and examples."
	case "trainer":
		return "Be detailed, structured, and include objectives and outcomes."
	case "admin":
		return "Be concise, structured, and highlight compliance or policy relevance."
	default:
		return "Use clear and concise language."
	}
}

func system(content string) proxy.Message {
	return proxy.Message{Role: "system", Content: content}
}

func user(content string) proxy.Message {
	return proxy.Message{Role: "user", Content: content}
}
