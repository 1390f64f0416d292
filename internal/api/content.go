package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/learnd/internal/content"
	"github.com/kalambet/learnd/internal/downloads"
)

type submitResponse struct {
	OK bool `json:"ok"`
	content.SubmitResult
	Message string `json:"message"`
}

func handleGenerate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req content.Request
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, deps.Log, r, err)
			return
		}
		res, err := deps.Content.Submit(r.Context(), req)
		if err != nil {
			writeError(w, deps.Log, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, submitResponse{
			OK:           true,
			SubmitResult: res,
			Message:      fmt.Sprintf("%s generation started", res.ContentID),
		})
	}
}

type statusResponse struct {
	OK bool `json:"ok"`
	content.StatusView
}

func handleContentStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Content.Status(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, deps.Log, r, err)
			return
		}
		writeJSON(w, http.StatusOK, statusResponse{OK: true, StatusView: st})
	}
}

type infoResponse struct {
	OK bool `json:"ok"`
	content.Job
}

func handleContentInfo(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		j, err := deps.Content.Info(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, deps.Log, r, err)
			return
		}
		writeJSON(w, http.StatusOK, infoResponse{OK: true, Job: j})
	}
}

type listResponse struct {
	OK bool `json:"ok"`
	content.ListPage
}

func handleListContent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, err := intParam(r, "page", 1)
		if err != nil {
			writeError(w, deps.Log, r, err)
			return
		}
		limit, err := intParam(r, "limit", 10)
		if err != nil {
			writeError(w, deps.Log, r, err)
			return
		}
		q := r.URL.Query()
		res, err := deps.Content.List(r.Context(), q.Get("userId"), page, limit, content.ListFilter{
			Status:      q.Get("status"),
			ContentType: q.Get("contentType"),
		})
		if err != nil {
			writeError(w, deps.Log, r, err)
			return
		}
		writeJSON(w, http.StatusOK, listResponse{OK: true, ListPage: res})
	}
}

func handleDownload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who := "ip=" + clientKey(r)
		if ua := r.UserAgent(); ua != "" {
			who += "; ua=" + ua
		}
		dl, err := deps.Content.Download(r.Context(), chi.URLParam(r, "id"), who)
		if err != nil {
			writeError(w, deps.Log, r, err)
			return
		}
		defer dl.Body.Close()

		w.Header().Set("Content-Type", dl.ContentType)
		w.Header().Set("Content-Length", strconv.FormatInt(dl.Size, 10))
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", dl.Filename))
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, dl.Body); err != nil {
			deps.Log.Warn("download interrupted", "filename", dl.Filename, "error", err)
		}
	}
}

type downloadStatsResponse struct {
	OK bool `json:"ok"`
	downloads.Stats
}

func handleDownloadStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Analytics.DownloadStats(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, deps.Log, r, err)
			return
		}
		writeJSON(w, http.StatusOK, downloadStatsResponse{OK: true, Stats: st})
	}
}
