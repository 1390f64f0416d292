package reranking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/learnd/internal/logger"
	"github.com/kalambet/learnd/internal/proxy"
	"github.com/kalambet/learnd/internal/retrieval"
)

type fakeGen struct {
	calls atomic.Int32
	fn    func(ctx context.Context, prompt string) (string, error)
}

func (f *fakeGen) Complete(ctx context.Context, req proxy.Request) (proxy.Completion, error) {
	f.calls.Add(1)
	text, err := f.fn(ctx, req.Messages[len(req.Messages)-1].Content)
	if err != nil {
		return proxy.Completion{}, err
	}
	return proxy.Completion{Text: text}, nil
}

// byText scores a chunk by looking up its text in the prompt.
func byText(scores map[string]string) func(context.Context, string) (string, error) {
	return func(_ context.Context, prompt string) (string, error) {
		for text, reply := range scores {
			if strings.Contains(prompt, "Text: "+text+"\n") {
				return reply, nil
			}
		}
		return "", errors.New("unexpected prompt")
	}
}

type fakeRetriever struct {
	chunks []retrieval.Chunk
	err    error
}

func (f *fakeRetriever) Retrieve(context.Context, retrieval.Query) ([]retrieval.Chunk, error) {
	return f.chunks, f.err
}

func makeChunks(texts ...string) []retrieval.Chunk {
	out := make([]retrieval.Chunk, len(texts))
	for i, t := range texts {
		out[i] = retrieval.Chunk{Text: t, DocName: fmt.Sprintf("doc-%d.pdf", i), Score: 0.5}
	}
	return out
}

func texts(chunks []retrieval.Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}

func TestRerank_ReordersByScore(t *testing.T) {
	gen := &fakeGen{fn: byText(map[string]string{
		"photosynthesis": `{"score": 0.9}`,
		"mitosis":        `{"score": 0.4}`,
		"chlorophyll":    `{"score": 0.7}`,
	})}
	r := New(nil, gen, Config{}, logger.Nop())

	out := r.Rerank(context.Background(), "how do plants make food", makeChunks("photosynthesis", "mitosis", "chlorophyll"))
	assert.Equal(t, []string{"photosynthesis", "chlorophyll", "mitosis"}, texts(out))
	assert.InDelta(t, 0.9, out[0].Score, 1e-9)
	assert.EqualValues(t, 3, gen.calls.Load())
}

func TestRerank_DropsBelowThreshold(t *testing.T) {
	gen := &fakeGen{fn: byText(map[string]string{
		"a": `{"score": 0.8}`,
		"b": `{"score": 0.1}`,
		"c": `{"score": 0.35}`,
	})}
	r := New(nil, gen, Config{Threshold: 0.3}, logger.Nop())

	out := r.Rerank(context.Background(), "q", makeChunks("a", "b", "c"))
	assert.Equal(t, []string{"a", "c"}, texts(out))
}

func TestRerank_AllBelowThresholdIsEmpty(t *testing.T) {
	gen := &fakeGen{fn: func(context.Context, string) (string, error) { return `{"score": 0.05}`, nil }}
	r := New(nil, gen, Config{}, logger.Nop())

	out := r.Rerank(context.Background(), "q", makeChunks("a", "b"))
	assert.Empty(t, out)
}

func TestRerank_FailedScoreKeepsChunk(t *testing.T) {
	gen := &fakeGen{fn: byText(map[string]string{
		"a": "no idea, sorry",
		"b": `{"score": 0.95}`,
	})}
	r := New(nil, gen, Config{}, logger.Nop())

	out := r.Rerank(context.Background(), "q", makeChunks("a", "b"))
	require.Len(t, out, 2)
	assert.Equal(t, []string{"b", "a"}, texts(out))
	assert.InDelta(t, 0.5, out[1].Score, 1e-9)
}

func TestRerank_TimeoutReturnsOriginalOrder(t *testing.T) {
	gen := &fakeGen{fn: func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	r := New(nil, gen, Config{Timeout: 50 * time.Millisecond}, logger.Nop())

	chunks := makeChunks("a", "b", "c", "d")
	start := time.Now()
	out := r.Rerank(context.Background(), "q", chunks)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, chunks, out)
}

func TestRetrieve_WrapsNext(t *testing.T) {
	next := &fakeRetriever{chunks: makeChunks("low", "high")}
	gen := &fakeGen{fn: byText(map[string]string{
		"low":  `{"score": 0.4}`,
		"high": `{"score": 0.9}`,
	})}
	r := New(next, gen, Config{}, logger.Nop())

	out, err := r.Retrieve(context.Background(), retrieval.Query{Text: "q"})
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "low"}, texts(out))
}

func TestRetrieve_SkipsScoringForSingleChunk(t *testing.T) {
	next := &fakeRetriever{chunks: makeChunks("only")}
	gen := &fakeGen{fn: func(context.Context, string) (string, error) { return `{"score": 0}`, nil }}
	r := New(next, gen, Config{}, logger.Nop())

	out, err := r.Retrieve(context.Background(), retrieval.Query{Text: "q"})
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Zero(t, gen.calls.Load())
}

func TestRetrieve_PropagatesError(t *testing.T) {
	boom := errors.New("retrieval down")
	r := New(&fakeRetriever{err: boom}, &fakeGen{}, Config{}, logger.Nop())

	_, err := r.Retrieve(context.Background(), retrieval.Query{Text: "q"})
	assert.ErrorIs(t, err, boom)
}

func TestParseScore(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    float64
		wantErr bool
	}{
		{"plain", `{"score": 0.7}`, 0.7, false},
		{"fenced", "```json\n{\"score\": 0.8}\n```", 0.8, false},
		{"filler", `The relevance score is: {"score": 0.6}`, 0.6, false},
		{"clamped high", `{"score": 3}`, 1, false},
		{"clamped low", `{"score": -1}`, 0, false},
		{"missing field", `{"relevance": 0.6}`, 0, true},
		{"garbage", "completely unparseable", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseScore(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}
