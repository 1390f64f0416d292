package ollama

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/kalambet/learnd/internal/proxy"
)

// EnsureReady checks that Ollama is running and the configured model is
// available, pulling it if needed with progress written to w. It then warms
// the model up so the first generation does not pay the load time.
func EnsureReady(ctx context.Context, c *Client, w io.Writer) error {
	if !c.IsRunning(ctx) {
		return fmt.Errorf("ollama is not reachable at %s. Start it with: ollama serve", c.baseURL)
	}

	if c.HasModel(ctx, c.model) {
		fmt.Fprintf(w, "model %s: ready\n", c.model)
	} else {
		fmt.Fprintf(w, "model %s: pulling...\n", c.model)
		err := c.PullModel(ctx, c.model, func(p PullProgress) {
			if p.Total > 0 {
				pct := float64(p.Completed) / float64(p.Total) * 100
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", c.model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", c.model)
	}

	warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := c.Complete(warmCtx, proxy.Request{
		Messages:  []proxy.Message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	if err != nil {
		fmt.Fprintf(w, "model %s: warm-up failed (non-fatal): %v\n", c.model, err)
	} else {
		fmt.Fprintf(w, "model %s: warm\n", c.model)
	}
	return nil
}
