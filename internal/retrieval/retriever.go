// Package retrieval is the client for the external similarity search
// service. It queries document chunks scoped by subject, topic and document
// ids, and forwards newly uploaded chunks for indexing. Embeddings and
// ranking are the service's concern.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTopK is the number of chunks requested when a query does not say.
const DefaultTopK = 5

// Query is a scoped similarity search.
type Query struct {
	Text        string   `json:"query"`
	SubjectID   string   `json:"subjectId,omitempty"`
	SubjectName string   `json:"subjectName,omitempty"`
	TopicID     string   `json:"topicId,omitempty"`
	TopicName   string   `json:"topicName,omitempty"`
	DocName     string   `json:"docName,omitempty"`
	DocIDs      []string `json:"docIds,omitempty"`
	TopK        int      `json:"topK"`
}

// Chunk is a retrieved context fragment with its similarity score.
type Chunk struct {
	Text    string  `json:"text"`
	DocID   string  `json:"docId"`
	DocName string  `json:"docName"`
	Title   string  `json:"title"`
	Score   float64 `json:"score"`
}

// Error is returned when the search service answers with a non-2xx status.
type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("search service returned %d: %s", e.StatusCode, e.Body)
}

// Client talks to the search service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client for the service at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Retrieve returns the top chunks for q. An empty result is not an error.
func (c *Client) Retrieve(ctx context.Context, q Query) ([]Chunk, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, nil
	}
	if q.TopK <= 0 {
		q.TopK = DefaultTopK
	}

	var out struct {
		Results []Chunk `json:"results"`
	}
	if err := c.post(ctx, "/search", q, &out); err != nil {
		return nil, fmt.Errorf("searching documents: %w", err)
	}
	if len(out.Results) > q.TopK {
		out.Results = out.Results[:q.TopK]
	}
	return out.Results, nil
}

// Ping checks that the service answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return &Error{StatusCode: resp.StatusCode}
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshalling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
