// Package reranking re-scores retrieved chunks with the language model
// before they reach a prompt.
package reranking

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/learnd/internal/logger"
	"github.com/kalambet/learnd/internal/proxy"
	"github.com/kalambet/learnd/internal/retrieval"
)

const (
	DefaultTimeout     = 5 * time.Second
	DefaultThreshold   = 0.3
	defaultConcurrency = 3
)

type Retriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) ([]retrieval.Chunk, error)
}

type Generator interface {
	Complete(ctx context.Context, req proxy.Request) (proxy.Completion, error)
}

type Config struct {
	// Timeout bounds the whole scoring pass. When it fires the chunks are
	// returned in their original order.
	Timeout time.Duration
	// Threshold drops chunks scored below it.
	Threshold   float64
	Concurrency int
}

// Reranker wraps a Retriever and re-orders what it returns by model-judged
// relevance. It satisfies the same Retriever interface it wraps.
type Reranker struct {
	next Retriever
	gen  Generator
	cfg  Config
	log  *logger.Logger
}

func New(next Retriever, gen Generator, cfg Config, log *logger.Logger) *Reranker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &Reranker{next: next, gen: gen, cfg: cfg, log: log.With("service", "Reranker")}
}

func (r *Reranker) Retrieve(ctx context.Context, q retrieval.Query) ([]retrieval.Chunk, error) {
	chunks, err := r.next.Retrieve(ctx, q)
	if err != nil || len(chunks) < 2 {
		return chunks, err
	}
	return r.Rerank(ctx, q.Text, chunks), nil
}

// Rerank scores every chunk against query, drops those under the threshold
// and sorts the rest by score. A chunk whose scoring call fails keeps its
// original score.
func (r *Reranker) Rerank(ctx context.Context, query string, chunks []retrieval.Chunk) []retrieval.Chunk {
	tctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	scores := make([]float64, len(chunks))
	scored := make([]bool, len(chunks))

	g, gctx := errgroup.WithContext(tctx)
	g.SetLimit(r.cfg.Concurrency)
	for i := range chunks {
		g.Go(func() error {
			s, err := r.score(gctx, query, chunks[i])
			if err != nil {
				if gctx.Err() == nil {
					r.log.Debug("scoring chunk failed, keeping original score", "doc_name", chunks[i].DocName, "error", err)
				}
				return nil
			}
			scores[i], scored[i] = s, true
			return nil
		})
	}
	_ = g.Wait()

	if tctx.Err() != nil {
		r.log.Warn("reranking timed out, using retrieval order", "chunks", len(chunks), "timeout", r.cfg.Timeout)
		return chunks
	}

	out := make([]retrieval.Chunk, 0, len(chunks))
	for i, c := range chunks {
		if scored[i] {
			if scores[i] < r.cfg.Threshold {
				continue
			}
			c.Score = scores[i]
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func (r *Reranker) score(ctx context.Context, query string, c retrieval.Chunk) (float64, error) {
	prompt := "Rate the relevance of the following text to the query on a scale of 0.0 to 1.0.\n" +
		"Query: " + query + "\n" +
		"Text: " + c.Text + "\n" +
		`Respond with only a JSON object: {"score": <float>}`

	temp := 0.0
	resp, err := r.gen.Complete(ctx, proxy.Request{
		Messages:    []proxy.Message{{Role: "user", Content: prompt}},
		MaxTokens:   20,
		Temperature: &temp,
	})
	if err != nil {
		return 0, err
	}
	return parseScore(resp.Text)
}

// parseScore pulls {"score": x} out of a reply that may be wrapped in a code
// fence or surrounded by prose. The result is clamped to [0, 1].
func parseScore(resp string) (float64, error) {
	s := strings.TrimSpace(resp)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return 0, fmt.Errorf("no JSON object in response")
	}

	var obj struct {
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err != nil {
		return 0, fmt.Errorf("unmarshal score: %w", err)
	}
	if obj.Score == nil {
		return 0, fmt.Errorf("score missing")
	}
	return min(max(*obj.Score, 0), 1), nil
}
