package render

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

// maxRenderedBytes caps the size of a file accepted from the renderer.
const maxRenderedBytes = 512 << 20

// Remote asks the renderer service to produce binary formats.
type Remote struct {
	baseURL    string
	httpClient *http.Client
}

func NewRemote(baseURL string) *Remote {
	return &Remote{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

type renderRequest struct {
	Title   string         `json:"title"`
	Text    string         `json:"text"`
	Options map[string]any `json:"options,omitempty"`
}

// Render POSTs the text to /render/{contentType} and stores the response
// body under the type's canonical name.
func (r *Remote) Render(ctx context.Context, in Input) ([]File, error) {
	body, err := json.Marshal(renderRequest{Title: in.Title, Text: in.Text, Options: in.Options})
	if err != nil {
		return nil, &Error{ContentType: in.ContentType, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/render/"+in.ContentType, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{ContentType: in.ContentType, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, &Error{ContentType: in.ContentType, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &Error{ContentType: in.ContentType, Err: fmt.Errorf("renderer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRenderedBytes+1))
	if err != nil {
		return nil, &Error{ContentType: in.ContentType, Err: fmt.Errorf("reading rendered file: %w", err)}
	}
	if len(data) > maxRenderedBytes {
		return nil, &Error{ContentType: in.ContentType, Err: fmt.Errorf("rendered file exceeds %d bytes", maxRenderedBytes)}
	}
	if len(data) == 0 {
		return nil, &Error{ContentType: in.ContentType, Err: fmt.Errorf("renderer returned an empty file")}
	}
	return []File{{Name: CanonicalName(in.ContentType, in.Language), Data: data}}, nil
}
