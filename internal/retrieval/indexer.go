package retrieval

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// indexBatchSize bounds the number of chunks sent per index request.
const indexBatchSize = 64

// IndexChunk is one piece of an uploaded document handed to the service.
type IndexChunk struct {
	ID        string `json:"id"`
	DocID     string `json:"docId"`
	DocName   string `json:"docName"`
	SubjectID string `json:"subjectId"`
	TopicID   string `json:"topicId"`
	Text      string `json:"text"`
}

// Index sends chunks to the search service in batches, several at a time.
// Returns nil for empty input.
func (c *Client) Index(ctx context.Context, chunks []IndexChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the service.

	for start := 0; start < len(chunks); start += indexBatchSize {
		end := min(start+indexBatchSize, len(chunks))
		batch := chunks[start:end]
		g.Go(func() error {
			req := struct {
				Chunks []IndexChunk `json:"chunks"`
			}{batch}
			if err := c.post(gCtx, "/index", req, nil); err != nil {
				return fmt.Errorf("indexing chunks %d-%d: %w", start, end-1, err)
			}
			return nil
		})
	}
	return g.Wait()
}
