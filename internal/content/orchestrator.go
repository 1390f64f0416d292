// Package content runs educational content generation as tracked
// asynchronous jobs: submission, a background worker pool, status queries
// and downloads of the finished artifacts.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/learnd/internal/apperr"
	"github.com/kalambet/learnd/internal/artifact"
	"github.com/kalambet/learnd/internal/logger"
	"github.com/kalambet/learnd/internal/paging"
	"github.com/kalambet/learnd/internal/storage"
)

const (
	ModeInternal = "internal"
	ModeExternal = "external"
)

// DownloadPath is the URL prefix a completed job is downloaded from.
const DownloadPath = "/api/content/download/"

// Store is the job persistence the orchestrator needs.
type Store interface {
	CreateJob(ctx context.Context, j storage.ContentJob) error
	GetJob(ctx context.Context, id string) (storage.ContentJob, error)
	ListJobs(ctx context.Context, f storage.JobFilter) ([]storage.ContentJob, int, error)
	ReleaseClaims(ctx context.Context) (int64, error)
}

// DownloadRecorder accounts for successful downloads.
type DownloadRecorder interface {
	Record(ctx context.Context, contentID string, at time.Time, downloaderContext string) error
}

// Request is a generation request.
type Request struct {
	UserID      string   `json:"userId"`
	Role        string   `json:"role"`
	Mode        string   `json:"mode"`
	ContentType string   `json:"contentType"`
	Prompt      string   `json:"prompt"`
	Config      Config   `json:"contentConfig"`
	DocIDs      []string `json:"docIds,omitempty"`
	SubjectName string   `json:"subjectName,omitempty"`
	TopicName   string   `json:"topicName,omitempty"`
}

type SubmitResult struct {
	ContentID  string `json:"contentId"`
	UserID     string `json:"userId"`
	Status     string `json:"status"`
	ETASeconds int    `json:"etaSeconds"`
}

// StatusView is the lifecycle part of a job.
type StatusView struct {
	ContentID   string     `json:"contentId"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Job is the full record of a job as exposed to clients.
type Job struct {
	ContentID   string               `json:"contentId"`
	UserID      string               `json:"userId"`
	Role        string               `json:"role"`
	Mode        string               `json:"mode"`
	ContentType string               `json:"contentType"`
	Prompt      string               `json:"prompt"`
	Config      json.RawMessage      `json:"contentConfig"`
	Status      string               `json:"status"`
	CreatedAt   time.Time            `json:"createdAt"`
	CompletedAt *time.Time           `json:"completedAt,omitempty"`
	FilePath    string               `json:"filePath,omitempty"`
	DownloadURL string               `json:"downloadUrl,omitempty"`
	Error       string               `json:"error,omitempty"`
	RAG         *storage.RAGMetadata `json:"ragMetadata,omitempty"`
	SubjectName string               `json:"subjectName,omitempty"`
	TopicName   string               `json:"topicName,omitempty"`
	DocIDs      []string             `json:"docIds,omitempty"`
}

func toJob(j storage.ContentJob) Job {
	return Job{
		ContentID:   j.ContentID,
		UserID:      j.UserID,
		Role:        j.Role,
		Mode:        j.Mode,
		ContentType: j.ContentType,
		Prompt:      j.Prompt,
		Config:      json.RawMessage(j.ConfigJSON),
		Status:      j.Status,
		CreatedAt:   j.CreatedAt,
		CompletedAt: j.CompletedAt,
		FilePath:    j.FilePath,
		DownloadURL: j.DownloadURL,
		Error:       j.Error,
		RAG:         j.RAG,
		SubjectName: j.SubjectName,
		TopicName:   j.TopicName,
		DocIDs:      j.DocIDs,
	}
}

// ListFilter narrows List. Empty fields match everything.
type ListFilter struct {
	Status      string
	ContentType string
}

type ListPage struct {
	Contents   []Job             `json:"contents"`
	Pagination paging.Pagination `json:"pagination"`
}

// Download is an open artifact. The caller must close Body.
type Download struct {
	Body        io.ReadCloser
	Size        int64
	ContentType string
	Filename    string
}

// Orchestrator accepts jobs and serves their state. Generation itself is
// done by Workers started with Start.
type Orchestrator struct {
	store     Store
	artifacts artifact.Store
	downloads DownloadRecorder
	log       *logger.Logger
	wake      chan struct{}
	now       func() time.Time
	newID     func() string
}

func NewOrchestrator(store Store, artifacts artifact.Store, downloads DownloadRecorder, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		store:     store,
		artifacts: artifacts,
		downloads: downloads,
		log:       log,
		wake:      make(chan struct{}, 64),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Wakeups delivers one signal per submitted job to idle workers.
func (o *Orchestrator) Wakeups() <-chan struct{} {
	return o.wake
}

func (o *Orchestrator) notify() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func validateRequest(req *Request) error {
	req.Prompt = strings.TrimSpace(req.Prompt)
	if strings.TrimSpace(req.UserID) == "" {
		return apperr.E(apperr.Validation, "userId is required")
	}
	// The user id is the first segment of every artifact key.
	if strings.ContainsAny(req.UserID, `/\`) || req.UserID == "." || req.UserID == ".." {
		return apperr.E(apperr.Validation, "userId must not contain path separators or dot segments")
	}
	if req.Prompt == "" {
		return apperr.E(apperr.Validation, "prompt is required")
	}
	switch req.Role {
	case "":
		req.Role = "learner"
	case "learner", "trainer", "admin":
	default:
		return apperr.E(apperr.Validation, "role must be learner, trainer or admin")
	}
	switch req.Mode {
	case "":
		req.Mode = ModeExternal
	case ModeInternal, ModeExternal:
	default:
		return apperr.E(apperr.Validation, "mode must be internal or external")
	}
	if err := req.Config.Normalize(req.ContentType); err != nil {
		return err
	}

	var ids []string
	for _, id := range req.DocIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	req.DocIDs = ids
	if req.Mode == ModeInternal && req.ContentType == TypePDF && len(ids) == 0 {
		return apperr.E(apperr.Validation, "internal mode pdf generation requires at least one docId")
	}
	return nil
}

// Submit validates req, persists a pending job and returns without waiting
// for generation.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (SubmitResult, error) {
	if err := validateRequest(&req); err != nil {
		return SubmitResult{}, err
	}
	cfg, err := json.Marshal(req.Config)
	if err != nil {
		return SubmitResult{}, apperr.Wrap(apperr.Internal, "content.Submit", err, "encoding content config")
	}

	j := storage.ContentJob{
		ContentID:   o.newID(),
		UserID:      req.UserID,
		Role:        req.Role,
		Mode:        req.Mode,
		ContentType: req.ContentType,
		Prompt:      req.Prompt,
		ConfigJSON:  string(cfg),
		CreatedAt:   o.now().UTC(),
		SubjectName: req.SubjectName,
		TopicName:   req.TopicName,
		DocIDs:      req.DocIDs,
	}
	if err := o.store.CreateJob(ctx, j); err != nil {
		return SubmitResult{}, apperr.Wrap(apperr.Internal, "content.Submit", err, "saving job")
	}
	o.notify()
	o.log.Info("content job submitted", "content_id", j.ContentID, "user_id", j.UserID, "content_type", j.ContentType, "mode", j.Mode)

	return SubmitResult{
		ContentID:  j.ContentID,
		UserID:     j.UserID,
		Status:     storage.StatusPending,
		ETASeconds: ETA(j.ContentType),
	}, nil
}

func (o *Orchestrator) get(ctx context.Context, op, id string) (storage.ContentJob, error) {
	j, err := o.store.GetJob(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.ContentJob{}, apperr.E(apperr.NotFound, "content %s not found", id)
	}
	if err != nil {
		return storage.ContentJob{}, apperr.Wrap(apperr.Internal, op, err, "loading job")
	}
	return j, nil
}

func (o *Orchestrator) Status(ctx context.Context, id string) (StatusView, error) {
	j, err := o.get(ctx, "content.Status", id)
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{
		ContentID:   j.ContentID,
		Status:      j.Status,
		CreatedAt:   j.CreatedAt,
		CompletedAt: j.CompletedAt,
		Error:       j.Error,
	}, nil
}

func (o *Orchestrator) Info(ctx context.Context, id string) (Job, error) {
	j, err := o.get(ctx, "content.Info", id)
	if err != nil {
		return Job{}, err
	}
	return toJob(j), nil
}

// List pages through userID's jobs, newest first.
func (o *Orchestrator) List(ctx context.Context, userID string, page, limit int, f ListFilter) (ListPage, error) {
	if strings.TrimSpace(userID) == "" {
		return ListPage{}, apperr.E(apperr.Validation, "userId is required")
	}
	if err := paging.Validate(page, limit); err != nil {
		return ListPage{}, err
	}
	if f.Status != "" && f.Status != storage.StatusPending && f.Status != storage.StatusCompleted && f.Status != storage.StatusFailed {
		return ListPage{}, apperr.E(apperr.Validation, "unknown status %q", f.Status)
	}
	if f.ContentType != "" && !slices.Contains(Types, f.ContentType) {
		return ListPage{}, apperr.E(apperr.Validation, "unknown contentType %q", f.ContentType)
	}

	jobs, total, err := o.store.ListJobs(ctx, storage.JobFilter{
		UserID:      userID,
		Status:      f.Status,
		ContentType: f.ContentType,
		Limit:       limit,
		Offset:      paging.Offset(page, limit),
	})
	if err != nil {
		return ListPage{}, apperr.Wrap(apperr.Internal, "content.List", err, "listing jobs")
	}
	out := make([]Job, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJob(j))
	}
	return ListPage{Contents: out, Pagination: paging.New(page, limit, total)}, nil
}

// Download opens the canonical artifact of a completed job and records the
// download. A completed job whose file is gone is reported as not found.
func (o *Orchestrator) Download(ctx context.Context, id, downloaderContext string) (Download, error) {
	j, err := o.get(ctx, "content.Download", id)
	if err != nil {
		return Download{}, err
	}
	if j.Status != storage.StatusCompleted {
		return Download{}, apperr.E(apperr.Validation, "content is not ready (status %s)", j.Status)
	}

	body, obj, err := o.artifacts.Open(ctx, j.FilePath)
	if errors.Is(err, artifact.ErrNotFound) {
		o.log.Error("artifact missing for completed job", "content_id", id, "file_path", j.FilePath)
		return Download{}, apperr.E(apperr.NotFound, "file for content %s not found", id)
	}
	if err != nil {
		return Download{}, apperr.Wrap(apperr.Internal, "content.Download", err, "opening artifact")
	}

	if err := o.downloads.Record(ctx, id, o.now().UTC(), downloaderContext); err != nil {
		body.Close()
		return Download{}, apperr.Wrap(apperr.Internal, "content.Download", err, "recording download")
	}
	name := path.Base(j.FilePath)
	return Download{
		Body:        body,
		Size:        obj.Size,
		ContentType: artifact.ContentType(name),
		Filename:    fmt.Sprintf("%s_%s", j.ContentID[:min(8, len(j.ContentID))], name),
	}, nil
}

// Recover releases leases left by a previous process so that every pending
// job is picked up again, and wakes the workers.
func (o *Orchestrator) Recover(ctx context.Context) (int64, error) {
	n, err := o.store.ReleaseClaims(ctx)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "content.Recover", err, "releasing job claims")
	}
	if n > 0 {
		o.log.Warn("released stale job claims", "count", n)
	}
	o.notify()
	return n, nil
}
