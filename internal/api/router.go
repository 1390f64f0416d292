// Package api exposes the services over HTTP (chi) and as MCP tools.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/learnd/internal/analytics"
	"github.com/kalambet/learnd/internal/apperr"
	"github.com/kalambet/learnd/internal/chat"
	"github.com/kalambet/learnd/internal/cleanup"
	"github.com/kalambet/learnd/internal/content"
	"github.com/kalambet/learnd/internal/ingest"
	"github.com/kalambet/learnd/internal/logger"
	"github.com/kalambet/learnd/internal/metrics"
	"github.com/kalambet/learnd/internal/session"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Deps are the services behind the routes.
type Deps struct {
	Content   *content.Orchestrator
	Chat      *chat.Responder
	Sessions  *session.Manager
	Analytics *analytics.Aggregator
	Uploads   *ingest.Uploader
	Sweeper   *cleanup.Sweeper
	// MaxUploadBytes bounds the multipart body of an upload.
	MaxUploadBytes int64
	// Ping reports whether the record store is reachable.
	Ping func(ctx context.Context) error
	Log  *logger.Logger
}

func NewHandler(deps Deps) http.Handler {
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = ingest.DefaultMaxBytes
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", handleHealth(deps))
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/content", func(r chi.Router) {
		r.Post("/generate", handleGenerate(deps))
		r.Get("/list", handleListContent(deps))
		r.Get("/info/{id}", handleContentInfo(deps))
		r.Get("/download/{id}", handleDownload(deps))
		r.Get("/{id}/status", handleContentStatus(deps))
		r.Get("/{id}/downloads", handleDownloadStats(deps))
	})

	r.Route("/api/chatbot", func(r chi.Router) {
		r.Post("/query", handleQuery(deps))
		r.Post("/reset-session", handleReset(deps))
		r.Get("/history", handleHistory(deps))
		r.Get("/analytics", handleAnalytics(deps))
		r.Get("/analytics/stats", handleAnalyticsStats(deps))
		r.Post("/knowledge/upload-file", handleUpload(deps))
		r.Get("/knowledge/documents", handleDocuments(deps))
	})

	r.Post("/api/admin/cleanup", handleCleanup(deps))

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Ping != nil {
			if err := deps.Ping(r.Context()); err != nil {
				deps.Log.Error("health check failed", "error", err)
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// writeError renders err as {ok:false, message, code}. Internal errors are
// logged and reported with a generic message.
func writeError(w http.ResponseWriter, log *logger.Logger, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.Internal {
		log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	msg := apperr.MessageOf(err)
	if kind == apperr.ProviderFailure {
		// Provider failures are reported with their cause.
		var e *apperr.Error
		if errors.As(err, &e) && e.Err != nil {
			msg = e.Message + ": " + e.Err.Error()
		}
	}
	writeJSON(w, apperr.HTTPStatus(kind), errorBody{OK: false, Message: msg, Code: string(kind)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.E(apperr.Validation, "invalid request body: %v", err)
	}
	return nil
}

// intParam parses an optional positive integer query parameter.
func intParam(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, apperr.E(apperr.Validation, "%s must be an integer", name)
	}
	return n, nil
}

// timeParam accepts RFC 3339 timestamps or plain dates. A plain date used as
// an upper bound covers the whole day.
func timeParam(r *http.Request, name string, endOfDay bool) (time.Time, error) {
	s := strings.TrimSpace(r.URL.Query().Get(name))
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, apperr.E(apperr.Validation, "%s must be a date (YYYY-MM-DD) or an RFC 3339 timestamp", name)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

// clientKey identifies the caller for rate limiting.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
