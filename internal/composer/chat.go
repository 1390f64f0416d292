package composer

import (
	"fmt"

	"github.com/kalambet/learnd/internal/proxy"
)

// Exchange is one earlier question and answer of the conversation.
type Exchange struct {
	Question string
	Answer   string
}

// ChatRequest is everything needed to prompt one chat turn.
type ChatRequest struct {
	Mode    string // "internal" or "external"
	Role    string
	Context []Block
	History []Exchange
	Message string
}

// NotFoundAnswer is returned in internal mode when retrieval found nothing.
const NotFoundAnswer = "I couldn't find this in the internal documents. Try rephrasing or checking external mode."

// ChatMessages builds the message list for a chat turn: the mode's system
// prompt, grounding context when present, the earlier exchanges in order and
// finally the new message.
func (c *Composer) ChatMessages(req ChatRequest) []proxy.Message {
	var sys string
	if req.Mode == "internal" {
		sys = fmt.Sprintf("You are a learning assistant answering from internal course documents. User role: %s. "+
			"Answer ONLY using the provided context. If the answer is not in the context, say you don't know and suggest a follow-up.", req.Role)
	} else {
		sys = fmt.Sprintf("You are a learning assistant. User role: %s. Provide concise, correct answers. "+
			"If context is provided, cite sources with [1], [2], ... matching the source list. If you're unsure, say so.", req.Role)
	}
	sys += " " + roleHint(req.Role)

	msgs := []proxy.Message{system(sys)}
	if ctx := c.ContextText(req.Context); ctx != "" {
		msgs = append(msgs, system("Context for grounding:\n"+ctx))
	}
	for _, ex := range req.History {
		msgs = append(msgs,
			proxy.Message{Role: "user", Content: ex.Question},
			proxy.Message{Role: "assistant", Content: ex.Answer},
		)
	}
	return append(msgs, user(req.Message))
}
