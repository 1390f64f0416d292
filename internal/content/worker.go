package content

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/learnd/internal/artifact"
	"github.com/kalambet/learnd/internal/composer"
	"github.com/kalambet/learnd/internal/logger"
	"github.com/kalambet/learnd/internal/metrics"
	"github.com/kalambet/learnd/internal/proxy"
	"github.com/kalambet/learnd/internal/render"
	"github.com/kalambet/learnd/internal/retrieval"
	"github.com/kalambet/learnd/internal/storage"
	"github.com/kalambet/learnd/internal/websearch"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultJobTimeout   = 10 * time.Minute
	webResults          = 3
)

// JobStore is the queue side of the job table.
type JobStore interface {
	ClaimNextJob(ctx context.Context, workerID string) (*storage.ContentJob, error)
	CompleteJob(ctx context.Context, id, workerID, filePath, downloadURL string, rag *storage.RAGMetadata, at time.Time) error
	FailJob(ctx context.Context, id, workerID, errMsg string, rag *storage.RAGMetadata, at time.Time) error
}

type Retriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) ([]retrieval.Chunk, error)
}

// WebGatherer searches the web and fetches the result pages.
type WebGatherer interface {
	Gather(ctx context.Context, query string, maxResults int) ([]websearch.Result, error)
}

type Generator interface {
	Complete(ctx context.Context, req proxy.Request) (proxy.Completion, error)
}

// Deps are the collaborators a Worker calls. Web may be nil.
type Deps struct {
	Retriever Retriever
	Web       WebGatherer
	Generator Generator
	Renderer  render.Renderer
	Artifacts artifact.Store
	Composer  *composer.Composer
}

// Worker generates content for pending jobs it claims from the store.
type Worker struct {
	id      string
	store   JobStore
	deps    Deps
	poll    time.Duration
	timeout time.Duration
	log     *logger.Logger
	now     func() time.Time
}

// NewWorker creates a Worker. pollInterval <= 0 defaults to 2s and
// jobTimeout <= 0 to 10 minutes.
func NewWorker(id string, store JobStore, deps Deps, pollInterval, jobTimeout time.Duration, log *logger.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if jobTimeout <= 0 {
		jobTimeout = defaultJobTimeout
	}
	return &Worker{
		id:      id,
		store:   store,
		deps:    deps,
		poll:    pollInterval,
		timeout: jobTimeout,
		log:     log.With("worker", id),
		now:     time.Now,
	}
}

// Run claims jobs until ctx is cancelled, sleeping until wake fires or the
// poll interval passes whenever the queue is empty.
func (w *Worker) Run(ctx context.Context, wake <-chan struct{}) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.log.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-time.After(w.poll):
		}
	}
}

// finishTimeout bounds the write of a job's terminal state.
const finishTimeout = 5 * time.Second

// RunOnce claims and processes a single job. It returns true if a job was
// processed, whatever its outcome. Once claimed, a job runs to completion
// even if ctx is cancelled.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, w.id)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.timeout)
	defer cancel()

	start := w.now()
	log := w.log.With("content_id", job.ContentID, "content_type", job.ContentType)
	log.Info("generating content")

	filePath, rag, err := w.process(jctx, job)
	metrics.JobDuration.WithLabelValues(job.ContentType).Observe(w.now().Sub(start).Seconds())

	// The terminal write must land even when jctx has expired.
	wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer wcancel()

	if err != nil {
		log.Warn("content job failed", "error", err)
		if failErr := w.store.FailJob(wctx, job.ContentID, w.id, err.Error(), rag, w.now().UTC()); failErr != nil {
			return true, fmt.Errorf("marking job %s failed: %w", job.ContentID, failErr)
		}
		metrics.JobTransitions.WithLabelValues(job.ContentType, storage.StatusFailed).Inc()
		return true, nil
	}

	if err := w.store.CompleteJob(wctx, job.ContentID, w.id, filePath, DownloadPath+job.ContentID, rag, w.now().UTC()); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ContentID, err)
	}
	metrics.JobTransitions.WithLabelValues(job.ContentType, storage.StatusCompleted).Inc()
	log.Info("content job completed", "file_path", filePath)
	return true, nil
}

// process runs one job and returns the key of its canonical file. A panic is
// reported as an error so the job still reaches a terminal state.
func (w *Worker) process(ctx context.Context, job *storage.ContentJob) (filePath string, rag *storage.RAGMetadata, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("internal error: %v", r)
		}
	}()

	var cfg Config
	if err := json.Unmarshal([]byte(job.ConfigJSON), &cfg); err != nil {
		return "", nil, fmt.Errorf("parsing content config: %w", err)
	}

	var blocks []composer.Block
	if job.Mode == ModeInternal {
		blocks, rag = w.documentContext(ctx, job)
	} else {
		blocks = w.webContext(ctx, job)
	}

	msgs := w.deps.Composer.ContentMessages(composer.ContentRequest{
		Type:          job.ContentType,
		Role:          job.Role,
		Topic:         job.Prompt,
		Requirements:  cfg.Requirements(),
		Context:       blocks,
		TrueFalseOnly: cfg.TrueFalseOnly(),
		Language:      cfg.Language(),
	})
	completion, err := w.deps.Generator.Complete(ctx, proxy.Request{Messages: msgs})
	if err != nil {
		var pe *proxy.ProviderError
		if errors.As(err, &pe) {
			return "", rag, fmt.Errorf("provider failure: %w", err)
		}
		return "", rag, fmt.Errorf("generation failed: %w", err)
	}

	title := job.TopicName
	if title == "" {
		title = job.Prompt
	}
	files, err := w.deps.Renderer.Render(ctx, render.Input{
		ContentType:   job.ContentType,
		Title:         title,
		Text:          completion.Text,
		Options:       cfg.Options(),
		TrueFalseOnly: cfg.TrueFalseOnly(),
		Language:      cfg.Language(),
	})
	if err != nil {
		return "", rag, err
	}
	if len(files) == 0 {
		return "", rag, fmt.Errorf("renderer produced no files")
	}

	for _, f := range files {
		key := artifact.Key(job.UserID, job.ContentID, f.Name)
		if err := w.deps.Artifacts.Put(ctx, key, bytes.NewReader(f.Data)); err != nil {
			return "", rag, fmt.Errorf("storing %s: %w", f.Name, err)
		}
	}
	return artifact.Key(job.UserID, job.ContentID, files[0].Name), rag, nil
}

// documentContext retrieves grounding chunks. The metadata is recorded
// whatever happens; a search failure leaves the job without context.
func (w *Worker) documentContext(ctx context.Context, job *storage.ContentJob) ([]composer.Block, *storage.RAGMetadata) {
	rag := &storage.RAGMetadata{
		RequestedDocIDs: job.DocIDs,
		DocumentsUsed:   []string{},
	}
	if rag.RequestedDocIDs == nil {
		rag.RequestedDocIDs = []string{}
	}
	chunks, err := w.deps.Retriever.Retrieve(ctx, retrieval.Query{
		Text:        job.Prompt,
		SubjectName: job.SubjectName,
		TopicName:   job.TopicName,
		DocIDs:      job.DocIDs,
		TopK:        retrieval.DefaultTopK,
	})
	if err != nil {
		w.log.Warn("document search failed, generating without context", "content_id", job.ContentID, "error", err)
		rag.Error = err.Error()
		return nil, rag
	}

	seen := map[string]bool{}
	var blocks []composer.Block
	for _, c := range chunks {
		blocks = append(blocks, composer.Block{Title: c.Title, Text: c.Text, Score: c.Score})
		name := c.DocName
		if name == "" {
			name = c.DocID
		}
		if name != "" && !seen[name] {
			seen[name] = true
			rag.DocumentsUsed = append(rag.DocumentsUsed, name)
		}
	}
	rag.NumBlocksRetrieved = len(chunks)
	rag.RAGUsed = len(chunks) > 0
	return blocks, rag
}

func (w *Worker) webContext(ctx context.Context, job *storage.ContentJob) []composer.Block {
	if w.deps.Web == nil {
		return nil
	}
	results, err := w.deps.Web.Gather(ctx, job.Prompt, webResults)
	if err != nil {
		w.log.Warn("web search failed, generating without context", "content_id", job.ContentID, "error", err)
		return nil
	}
	blocks := make([]composer.Block, 0, len(results))
	for _, r := range results {
		blocks = append(blocks, composer.Block{Title: r.Title, Text: r.Body(), Score: r.Score})
	}
	return blocks
}
