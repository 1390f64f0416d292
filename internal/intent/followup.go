// Package intent recognises follow-up questions and rewrites them into
// standalone retrieval queries using the recent conversation.
package intent

import (
	"regexp"
	"sort"
	"strings"

	"github.com/kalambet/learnd/internal/composer"
)

// historyWindow is how many recent messages key terms are drawn from.
const historyWindow = 6

const maxTerms = 5

var followUpPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(it|its|they|them|their|this|that|these|those)\b`),
	regexp.MustCompile(`\b(the topic|the subject|the concept|the thing)\b`),
	regexp.MustCompile(`\b(more|further|additional|also|another)\b`),
	regexp.MustCompile(`\b(explain|tell|describe|show|give)\s+(me|us)\s+(more|about|details)`),
	regexp.MustCompile(`\b(what about|how about|what else|tell me)\b`),
	regexp.MustCompile(`\b(pros|cons|advantages|disadvantages|benefits|drawbacks)\b`),
	regexp.MustCompile(`\b(example|examples|instance|instances)\b`),
}

var vagueStarters = []string{
	"tell me", "explain", "what about", "how about",
	"what else", "give me", "show me", "describe",
}

var shortFollowUpWords = []string{"more", "details", "examples", "pros", "cons"}

var (
	termPattern   = regexp.MustCompile(`\b[A-Z][a-z]+\b|\b[a-z]{4,}\b`)
	quotedPattern = regexp.MustCompile(`"([^"]+)"`)
)

// IsFollowUp reports whether message leans on earlier turns: it carries a
// reference word, opens with a vague starter, or is a very short request for
// more. Without history nothing is a follow-up.
func IsFollowUp(message string, history []composer.Exchange) bool {
	if len(history) == 0 {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(message))

	for _, p := range followUpPatterns {
		if p.MatchString(msg) {
			return true
		}
	}
	for _, s := range vagueStarters {
		if strings.HasPrefix(msg, s) {
			return true
		}
	}
	if len(strings.Fields(msg)) <= 3 {
		for _, w := range shortFollowUpWords {
			if strings.Contains(msg, w) {
				return true
			}
		}
	}
	return false
}

// KeyTerms returns up to five terms that recur in the last few messages,
// most frequent first, followed by up to two quoted phrases.
func KeyTerms(history []composer.Exchange) []string {
	text := recentText(history)
	if text == "" {
		return nil
	}

	counts := map[string]int{}
	var order []string
	for _, w := range termPattern.FindAllString(text, -1) {
		w = strings.ToLower(w)
		if counts[w] == 0 {
			order = append(order, w)
		}
		counts[w]++
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })

	var terms []string
	for _, w := range order[:min(maxTerms, len(order))] {
		if counts[w] >= 2 {
			terms = append(terms, w)
		}
	}
	quoted := quotedPattern.FindAllStringSubmatch(text, 2)
	for _, q := range quoted {
		terms = append(terms, q[1])
	}
	if len(terms) > maxTerms {
		terms = terms[:maxTerms]
	}
	return terms
}

// Expand rewrites a follow-up into a query that stands on its own. It
// prefixes the top three key terms, or the last question when no term
// recurs. The second result reports whether anything changed.
func Expand(message string, history []composer.Exchange) (string, bool) {
	if !IsFollowUp(message, history) {
		return message, false
	}
	terms := KeyTerms(history)
	if len(terms) == 0 {
		last := history[len(history)-1].Question
		if strings.TrimSpace(last) == "" {
			return message, false
		}
		return last + " " + message, true
	}
	return strings.TrimSpace(strings.Join(terms[:min(3, len(terms))], " ") + " " + message), true
}

// recentText joins the last historyWindow messages, counting each question
// and answer as one message.
func recentText(history []composer.Exchange) string {
	var msgs []string
	for _, ex := range history {
		msgs = append(msgs, ex.Question, ex.Answer)
	}
	if len(msgs) > historyWindow {
		msgs = msgs[len(msgs)-historyWindow:]
	}
	var parts []string
	for _, m := range msgs {
		if strings.TrimSpace(m) != "" {
			parts = append(parts, m)
		}
	}
	return strings.Join(parts, " ")
}
