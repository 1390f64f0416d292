// Package chat answers one conversational turn: it rate-limits the caller,
// gathers document or web context, prompts the model with the live session
// memory and records the finished turn.
package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/kalambet/learnd/internal/apperr"
	"github.com/kalambet/learnd/internal/composer"
	"github.com/kalambet/learnd/internal/intent"
	"github.com/kalambet/learnd/internal/logger"
	"github.com/kalambet/learnd/internal/metrics"
	"github.com/kalambet/learnd/internal/proxy"
	"github.com/kalambet/learnd/internal/retrieval"
	"github.com/kalambet/learnd/internal/storage"
	"github.com/kalambet/learnd/internal/websearch"
)

const (
	ModeInternal = "internal"
	ModeExternal = "external"
)

const (
	defaultTimeout       = 10 * time.Second
	defaultHistoryWindow = 10
	defaultRateLimit     = 10
)

// Retriever searches the internal document index.
type Retriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) ([]retrieval.Chunk, error)
}

// WebSearcher finds open-web context.
type WebSearcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]websearch.Result, error)
}

// Generator produces a completion.
type Generator interface {
	Complete(ctx context.Context, req proxy.Request) (proxy.Completion, error)
}

// Sessions is the session memory the responder reads and appends to.
type Sessions interface {
	Live(ctx context.Context, sessionID, userID string, last int) ([]storage.Turn, error)
	AppendTurn(ctx context.Context, sessionID, userID, role string, t storage.Turn) (storage.Turn, error)
	CachedContext(ctx context.Context, sessionID string) (string, error)
	SetCachedContext(ctx context.Context, sessionID, text string) error
}

// Config tunes the responder. Zero values select the defaults: 10 queries
// per minute per client, a 10s budget, the last 10 turns as history and the
// top 5 chunks.
type Config struct {
	RateLimit     int
	Timeout       time.Duration
	HistoryWindow int
	TopK          int
}

// Query is one user message.
type Query struct {
	UserID    string   `json:"userId"`
	SessionID string   `json:"sessionId"`
	Role      string   `json:"role"`
	Mode      string   `json:"mode"`
	Message   string   `json:"message"`
	SubjectID string   `json:"subjectId,omitempty"`
	TopicID   string   `json:"topicId,omitempty"`
	DocName   string   `json:"docName,omitempty"`
	DocIDs    []string `json:"docIds,omitempty"`

	// ClientKey identifies the caller for rate limiting, usually the remote
	// address. Empty falls back to UserID.
	ClientKey string `json:"-"`
}

// Answer is the recorded reply.
type Answer struct {
	Answer         string           `json:"answer"`
	Sources        []storage.Source `json:"sources"`
	SessionID      string           `json:"sessionId"`
	UserID         string           `json:"userId"`
	Mode           string           `json:"mode"`
	TurnID         string           `json:"turnId"`
	ResponseTimeMs int64            `json:"responseTimeMs"`
	TokenCount     int              `json:"tokenCount"`
	Timestamp      time.Time        `json:"timestamp"`
}

// Responder answers chat queries.
type Responder struct {
	sessions  Sessions
	retriever Retriever
	web       WebSearcher
	gen       Generator
	composer  *composer.Composer
	limiter   *Limiter
	cfg       Config
	log       *logger.Logger
	now       func() time.Time
}

// NewResponder wires a Responder. web may be nil, in which case external
// mode answers without web context.
func NewResponder(
	sessions Sessions,
	retriever Retriever,
	web WebSearcher,
	gen Generator,
	comp *composer.Composer,
	cfg Config,
	log *logger.Logger,
) *Responder {
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = defaultHistoryWindow
	}
	if cfg.TopK <= 0 {
		cfg.TopK = retrieval.DefaultTopK
	}
	return &Responder{
		sessions:  sessions,
		retriever: retriever,
		web:       web,
		gen:       gen,
		composer:  comp,
		limiter:   NewLimiter(cfg.RateLimit),
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

func validate(q *Query) error {
	q.Message = strings.TrimSpace(q.Message)
	if q.UserID == "" || q.SessionID == "" {
		return apperr.E(apperr.Validation, "userId and sessionId are required")
	}
	if q.Message == "" {
		return apperr.E(apperr.Validation, "message is required")
	}
	if q.Mode != ModeInternal && q.Mode != ModeExternal {
		return apperr.E(apperr.Validation, "mode must be internal or external")
	}
	switch q.Role {
	case "":
		q.Role = "learner"
	case "learner", "trainer", "admin":
	default:
		return apperr.E(apperr.Validation, "role must be learner, trainer or admin")
	}
	return nil
}

// Respond answers q. The rate limit is checked before anything else; context
// gathering and generation share one deadline. A turn is recorded only when
// an answer is returned.
func (r *Responder) Respond(ctx context.Context, q Query) (Answer, error) {
	if err := validate(&q); err != nil {
		return Answer{}, err
	}
	key := q.ClientKey
	if key == "" {
		key = q.UserID
	}
	if !r.limiter.Allow(key, r.now()) {
		metrics.ChatOutcomes.WithLabelValues(q.Mode, "rate_limited").Inc()
		return Answer{}, apperr.E(apperr.RateLimited, "rate limit exceeded: %d queries per minute", r.cfg.RateLimit)
	}

	start := r.now()
	tctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	text, completion, sources, contextText, err := r.answer(tctx, q)
	if err != nil {
		if tctx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
			metrics.ChatOutcomes.WithLabelValues(q.Mode, "timeout").Inc()
			return Answer{}, apperr.E(apperr.Timeout, "query took longer than %s", r.cfg.Timeout)
		}
		if apperr.KindOf(err) == apperr.ProviderFailure {
			metrics.ChatOutcomes.WithLabelValues(q.Mode, "provider_failure").Inc()
		}
		return Answer{}, err
	}
	if tctx.Err() == context.DeadlineExceeded {
		metrics.ChatOutcomes.WithLabelValues(q.Mode, "timeout").Inc()
		return Answer{}, apperr.E(apperr.Timeout, "query took longer than %s", r.cfg.Timeout)
	}

	turn := storage.Turn{
		Mode:           q.Mode,
		UserMessage:    q.Message,
		AIResponse:     text,
		Sources:        sources,
		ResponseTimeMs: r.now().Sub(start).Milliseconds(),
		TokenCount:     tokenCount(text, completion),
		SubjectID:      q.SubjectID,
		TopicID:        q.TopicID,
		DocName:        q.DocName,
	}
	saved, err := r.sessions.AppendTurn(ctx, q.SessionID, q.UserID, q.Role, turn)
	if err != nil {
		return Answer{}, err
	}
	if contextText != "" {
		if err := r.sessions.SetCachedContext(ctx, q.SessionID, contextText); err != nil {
			r.log.Warn("caching retrieval context failed", "session_id", q.SessionID, "error", err)
		}
	}

	outcome := "ok"
	if completion == nil {
		outcome = "no_context"
	}
	metrics.ChatOutcomes.WithLabelValues(q.Mode, outcome).Inc()

	if sources == nil {
		sources = []storage.Source{}
	}
	return Answer{
		Answer:         text,
		Sources:        sources,
		SessionID:      q.SessionID,
		UserID:         q.UserID,
		Mode:           q.Mode,
		TurnID:         saved.TurnID,
		ResponseTimeMs: saved.ResponseTimeMs,
		TokenCount:     saved.TokenCount,
		Timestamp:      saved.Timestamp,
	}, nil
}

// answer gathers context and generates. completion is nil when the fixed
// no-context answer was used. contextText is the rendered context worth
// caching for the session, "" when nothing new was retrieved.
func (r *Responder) answer(ctx context.Context, q Query) (text string, completion *proxy.Completion, sources []storage.Source, contextText string, err error) {
	live, err := r.sessions.Live(ctx, q.SessionID, q.UserID, r.cfg.HistoryWindow)
	if err != nil {
		return "", nil, nil, "", err
	}
	history := make([]composer.Exchange, 0, len(live))
	for _, t := range live {
		history = append(history, composer.Exchange{Question: t.UserMessage, Answer: t.AIResponse})
	}

	search := q.Message
	expanded, followUp := intent.Expand(q.Message, history)
	if followUp {
		search = expanded
		r.log.Debug("expanded follow-up query", "session_id", q.SessionID, "query", expanded)
	}

	var blocks []composer.Block
	if q.Mode == ModeInternal {
		blocks, sources, err = r.internalContext(ctx, q, search)
		if err != nil {
			return "", nil, nil, "", err
		}
		if len(blocks) > 0 {
			contextText = r.composer.ContextText(blocks)
		} else if followUp {
			cached, cerr := r.sessions.CachedContext(ctx, q.SessionID)
			if cerr != nil {
				r.log.Warn("loading cached context failed", "session_id", q.SessionID, "error", cerr)
			}
			if cached != "" {
				blocks = []composer.Block{{Title: "Earlier context", Text: cached}}
			}
		}
		if len(blocks) == 0 {
			return composer.NotFoundAnswer, nil, sources, "", nil
		}
	} else {
		blocks, sources = r.webContext(ctx, q, search)
	}

	req := proxy.Request{Messages: r.composer.ChatMessages(composer.ChatRequest{
		Mode:    q.Mode,
		Role:    q.Role,
		Context: blocks,
		History: history,
		Message: q.Message,
	})}
	if q.Mode == ModeInternal {
		t := 0.1
		req.Temperature = &t
	}

	c, err := r.gen.Complete(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "", nil, nil, "", err
		}
		r.log.Warn("chat generation failed", "session_id", q.SessionID, "error", err)
		return "", nil, nil, "", apperr.Wrap(apperr.ProviderFailure, "chat.Respond", err, "language model request failed")
	}
	return c.Text, &c, sources, contextText, nil
}

func (r *Responder) internalContext(ctx context.Context, q Query, search string) ([]composer.Block, []storage.Source, error) {
	chunks, err := r.retriever.Retrieve(ctx, retrieval.Query{
		Text:      search,
		SubjectID: q.SubjectID,
		TopicID:   q.TopicID,
		DocName:   q.DocName,
		DocIDs:    q.DocIDs,
		TopK:      r.cfg.TopK,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, nil, err
		}
		r.log.Warn("document search failed", "session_id", q.SessionID, "error", err)
		return nil, nil, apperr.Wrap(apperr.ProviderFailure, "chat.Respond", err, "document search failed")
	}

	var blocks []composer.Block
	var sources []storage.Source
	for _, c := range chunks {
		title := c.Title
		if title == "" {
			title = c.DocName
		}
		if title == "" {
			title = "Document"
		}
		score := c.Score
		sources = append(sources, storage.Source{Title: title, DocName: c.DocName, RelevanceScore: &score})
		if len(strings.TrimSpace(c.Text)) > 5 {
			blocks = append(blocks, composer.Block{Title: title, Text: c.Text, Score: c.Score})
		}
	}
	return blocks, sources, nil
}

// webContext is best effort: a failed search answers without context.
func (r *Responder) webContext(ctx context.Context, q Query, search string) ([]composer.Block, []storage.Source) {
	if r.web == nil {
		return nil, nil
	}
	results, err := r.web.Search(ctx, search, r.cfg.TopK)
	if err != nil {
		r.log.Warn("web search failed", "session_id", q.SessionID, "error", err)
		return nil, nil
	}
	var blocks []composer.Block
	var sources []storage.Source
	for _, res := range results {
		score := res.Score
		sources = append(sources, storage.Source{Title: res.Title, URL: res.URL, RelevanceScore: &score})
		blocks = append(blocks, composer.Block{Title: res.Title, Text: res.Body(), Score: res.Score})
	}
	return blocks, sources
}

// tokenCount prefers the provider's accounting and falls back to a word
// count of the answer.
func tokenCount(text string, c *proxy.Completion) int {
	if c != nil && c.Usage != nil && c.Usage.TotalTokens > 0 {
		return c.Usage.TotalTokens
	}
	return len(strings.Fields(text))
}
