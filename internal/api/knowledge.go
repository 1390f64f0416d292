package api

import (
	"errors"
	"net/http"

	"github.com/kalambet/learnd/internal/apperr"
	"github.com/kalambet/learnd/internal/ingest"
	"github.com/kalambet/learnd/internal/metrics"
)

// multipartOverhead allows for form fields and part headers around the file.
const multipartOverhead = 1 << 20

func handleUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, deps.MaxUploadBytes+multipartOverhead)
		defer r.Body.Close()

		if err := r.ParseMultipartForm(8 << 20); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				metrics.UploadRejections.WithLabelValues("size").Inc()
				writeError(w, deps.Log, r, apperr.E(apperr.Busy, "file exceeds the %d MB upload limit", deps.MaxUploadBytes>>20))
				return
			}
			writeError(w, deps.Log, r, apperr.E(apperr.Validation, "invalid multipart form: %v", err))
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, deps.Log, r, apperr.E(apperr.Validation, "file is required"))
			return
		}
		defer file.Close()

		doc, err := deps.Uploads.Upload(r.Context(), ingest.UploadRequest{
			SubjectID:  r.FormValue("subjectId"),
			TopicID:    r.FormValue("topicId"),
			UploadedBy: r.FormValue("uploadedBy"),
			DocName:    header.Filename,
			Body:       file,
		})
		if err != nil {
			writeError(w, deps.Log, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"message":  "document uploaded and indexed",
			"document": doc,
		})
	}
}

func handleDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		docs, err := deps.Uploads.Documents(r.Context(), q.Get("subjectId"), q.Get("topicId"))
		if err != nil {
			writeError(w, deps.Log, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"documents": docs,
			"total":     len(docs),
		})
	}
}

func handleCleanup(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep, err := deps.Sweeper.Sweep(r.Context())
		if err != nil {
			writeError(w, deps.Log, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":     true,
			"report": rep,
		})
	}
}
