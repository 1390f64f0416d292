// Package ingest accepts knowledge documents, extracts their text and hands
// the chunks to the search service for indexing.
package ingest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/kalambet/learnd/internal/apperr"
	"github.com/kalambet/learnd/internal/logger"
	"github.com/kalambet/learnd/internal/metrics"
	"github.com/kalambet/learnd/internal/retrieval"
	"github.com/kalambet/learnd/internal/storage"
)

const (
	DefaultMaxBytes      = 50 << 20
	DefaultMaxConcurrent = 5
	DefaultQueueWait     = 30 * time.Second
)

// Indexer forwards chunks to the search service.
type Indexer interface {
	Index(ctx context.Context, chunks []retrieval.IndexChunk) error
}

// DocumentStore records which documents were ingested.
type DocumentStore interface {
	SaveDocument(ctx context.Context, d storage.KnowledgeDocument) error
	ListDocuments(ctx context.Context, subjectID, topicID string) ([]storage.KnowledgeDocument, error)
}

type Config struct {
	MaxBytes      int64
	MaxConcurrent int
	QueueWait     time.Duration
}

type UploadRequest struct {
	SubjectID  string
	TopicID    string
	UploadedBy string
	DocName    string
	Body       io.Reader
}

// Document is an ingested knowledge document.
type Document struct {
	DocID      string    `json:"docId"`
	SubjectID  string    `json:"subjectId"`
	TopicID    string    `json:"topicId"`
	DocName    string    `json:"docName"`
	UploadedBy string    `json:"uploadedBy,omitempty"`
	ChunkCount int       `json:"chunkCount"`
	SizeBytes  int64     `json:"sizeBytes"`
	CreatedAt  time.Time `json:"createdAt"`
}

func toDocument(d storage.KnowledgeDocument) Document {
	return Document(d)
}

// Uploader bounds the number of uploads in flight and their size.
type Uploader struct {
	index Indexer
	store DocumentStore
	cfg   Config
	sem   *semaphore.Weighted
	log   *logger.Logger
	now   func() time.Time
}

func NewUploader(index Indexer, store DocumentStore, cfg Config, log *logger.Logger) *Uploader {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.QueueWait <= 0 {
		cfg.QueueWait = DefaultQueueWait
	}
	return &Uploader{
		index: index,
		store: store,
		cfg:   cfg,
		sem:   semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		log:   log,
		now:   time.Now,
	}
}

// Upload ingests one document. It waits up to QueueWait for a free slot and
// fails with Busy when none frees up or the body exceeds MaxBytes.
func (u *Uploader) Upload(ctx context.Context, req UploadRequest) (Document, error) {
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	req.TopicID = strings.TrimSpace(req.TopicID)
	req.DocName = strings.TrimSpace(req.DocName)
	if req.SubjectID == "" || req.TopicID == "" {
		return Document{}, apperr.E(apperr.Validation, "subjectId and topicId are required")
	}
	if req.DocName == "" {
		return Document{}, apperr.E(apperr.Validation, "a file name is required")
	}
	if req.Body == nil {
		return Document{}, apperr.E(apperr.Validation, "file is required")
	}

	waitCtx, cancel := context.WithTimeout(ctx, u.cfg.QueueWait)
	err := u.sem.Acquire(waitCtx, 1)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return Document{}, ctx.Err()
		}
		metrics.UploadRejections.WithLabelValues("concurrency").Inc()
		return Document{}, apperr.E(apperr.Busy, "too many uploads in progress, try again later")
	}
	defer u.sem.Release(1)

	data, err := io.ReadAll(io.LimitReader(req.Body, u.cfg.MaxBytes+1))
	if err != nil {
		return Document{}, apperr.Wrap(apperr.Validation, "ingest.Upload", err, "reading upload")
	}
	if int64(len(data)) > u.cfg.MaxBytes {
		metrics.UploadRejections.WithLabelValues("size").Inc()
		return Document{}, apperr.E(apperr.Busy, "file exceeds the %d MB upload limit", u.cfg.MaxBytes>>20)
	}

	text, err := extractText(req.DocName, data)
	if err != nil {
		metrics.UploadRejections.WithLabelValues("format").Inc()
		return Document{}, apperr.Wrap(apperr.Validation, "ingest.Upload", err, "could not read "+req.DocName)
	}
	pieces := chunkText(text, chunkSize)
	if len(pieces) == 0 {
		metrics.UploadRejections.WithLabelValues("empty").Inc()
		return Document{}, apperr.E(apperr.Validation, "%s contains no text", req.DocName)
	}

	doc := storage.KnowledgeDocument{
		DocID:      uuid.NewString(),
		SubjectID:  req.SubjectID,
		TopicID:    req.TopicID,
		DocName:    req.DocName,
		UploadedBy: req.UploadedBy,
		ChunkCount: len(pieces),
		SizeBytes:  int64(len(data)),
		CreatedAt:  u.now().UTC(),
	}
	chunks := make([]retrieval.IndexChunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = retrieval.IndexChunk{
			ID:        fmt.Sprintf("%s-%d", doc.DocID, i),
			DocID:     doc.DocID,
			DocName:   doc.DocName,
			SubjectID: doc.SubjectID,
			TopicID:   doc.TopicID,
			Text:      p,
		}
	}

	if err := u.index.Index(ctx, chunks); err != nil {
		return Document{}, apperr.Wrap(apperr.ProviderFailure, "ingest.Upload", err, "indexing document")
	}
	if err := u.store.SaveDocument(ctx, doc); err != nil {
		return Document{}, apperr.Wrap(apperr.Internal, "ingest.Upload", err, "saving document")
	}
	u.log.Info("document ingested", "doc_id", doc.DocID, "subject_id", doc.SubjectID, "topic_id", doc.TopicID, "chunks", doc.ChunkCount)
	return toDocument(doc), nil
}

// Documents lists ingested documents, optionally for one subject and topic.
func (u *Uploader) Documents(ctx context.Context, subjectID, topicID string) ([]Document, error) {
	docs, err := u.store.ListDocuments(ctx, subjectID, topicID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "ingest.Documents", err, "listing documents")
	}
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		out = append(out, toDocument(d))
	}
	return out, nil
}
