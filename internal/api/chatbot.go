package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/kalambet/learnd/internal/analytics"
	"github.com/kalambet/learnd/internal/chat"
	"github.com/kalambet/learnd/internal/session"
	"github.com/kalambet/learnd/internal/storage"
)

type queryResponse struct {
	Success bool `json:"success"`
	chat.Answer
}

func handleQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var q chat.Query
		if err := decodeBody(w, r, &q); err != nil {
			writeError(w, deps.Log, r, err)
			return
		}
		q.ClientKey = clientKey(r)
		ans, err := deps.Chat.Respond(r.Context(), q)
		if err != nil {
			writeError(w, deps.Log, r, err)
			return
		}
		writeJSON(w, http.StatusOK, queryResponse{Success: true, Answer: ans})
	}
}

type resetRequest struct {
	SessionID  string `json:"sessionId"`
	UserID     string `json:"userId"`
	ResetScope string `json:"resetScope"`
	// Target names the subject, topic or document for a scoped reset. The
	// matching field below is used when it is empty.
	Target    string `json:"target,omitempty"`
	SubjectID string `json:"subjectId,omitempty"`
	TopicID   string `json:"topicId,omitempty"`
	DocName   string `json:"docName,omitempty"`
}

func (req resetRequest) target() string {
	if req.Target != "" {
		return req.Target
	}
	switch req.ResetScope {
	case session.ScopeSubject:
		return req.SubjectID
	case session.ScopeTopic:
		return req.TopicID
	case session.ScopeDocument:
		return req.DocName
	}
	return ""
}

func handleReset(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req resetRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, deps.Log, r, err)
			return
		}
		n, err := deps.Sessions.Reset(r.Context(), req.SessionID, req.UserID, req.ResetScope, req.target())
		if err != nil {
			writeError(w, deps.Log, r, err)
			return
		}
		scope := req.ResetScope
		if scope == "" {
			scope = session.ScopeFull
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":      true,
			"message":      fmt.Sprintf("session %s reset (%s)", req.SessionID, scope),
			"turnsCleared": n,
		})
	}
}

// turnView is a recorded turn as returned by the history endpoint.
type turnView struct {
	TurnID         string           `json:"turnId"`
	SessionID      string           `json:"sessionId"`
	UserID         string           `json:"userId"`
	Mode           string           `json:"mode"`
	UserMessage    string           `json:"userMessage"`
	AIResponse     string           `json:"aiResponse"`
	Sources        []storage.Source `json:"sources"`
	ResponseTimeMs int64            `json:"responseTimeMs"`
	TokenCount     int              `json:"tokenCount"`
	SubjectID      string           `json:"subjectId,omitempty"`
	TopicID        string           `json:"topicId,omitempty"`
	DocName        string           `json:"docName,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}

func toTurnView(t storage.Turn) turnView {
	sources := t.Sources
	if sources == nil {
		sources = []storage.Source{}
	}
	return turnView{
		TurnID:         t.TurnID,
		SessionID:      t.SessionID,
		UserID:         t.UserID,
		Mode:           t.Mode,
		UserMessage:    t.UserMessage,
		AIResponse:     t.AIResponse,
		Sources:        sources,
		ResponseTimeMs: t.ResponseTimeMs,
		TokenCount:     t.TokenCount,
		SubjectID:      t.SubjectID,
		TopicID:        t.TopicID,
		DocName:        t.DocName,
		Timestamp:      t.Timestamp,
	}
}

func handleHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, err := intParam(r, "page", 1)
		if err != nil {
			writeError(w, deps.Log, r, err)
			return
		}
		limit, err := intParam(r, "limit", 20)
		if err != nil {
			writeError(w, deps.Log, r, err)
			return
		}
		from, err := timeParam(r, "startDate", false)
		if err != nil {
			writeError(w, deps.Log, r, err)
			return
		}
		to, err := timeParam(r, "endDate", true)
		if err != nil {
			writeError(w, deps.Log, r, err)
			return
		}
		q := r.URL.Query()
		res, err := deps.Sessions.History(r.Context(), q.Get("userId"), session.HistoryFilter{
			SessionID: q.Get("sessionId"),
			SubjectID: q.Get("subjectId"),
			TopicID:   q.Get("topicId"),
			DocName:   q.Get("docName"),
			From:      from,
			To:        to,
			Page:      page,
			Limit:     limit,
		})
		if err != nil {
			writeError(w, deps.Log, r, err)
			return
		}
		turns := make([]turnView, 0, len(res.Turns))
		for _, t := range res.Turns {
			turns = append(turns, toTurnView(t))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":       true,
			"conversations": turns,
			"pagination":    res.Pagination,
		})
	}
}

type metricsResponse struct {
	Success bool `json:"success"`
	analytics.Metrics
}

func handleAnalytics(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from, err := timeParam(r, "startDate", false)
		if err != nil {
			writeError(w, deps.Log, r, err)
			return
		}
		to, err := timeParam(r, "endDate", true)
		if err != nil {
			writeError(w, deps.Log, r, err)
			return
		}
		q := r.URL.Query()
		m, err := deps.Analytics.ComputeMetrics(r.Context(), analytics.Filter{
			UserID:    q.Get("userId"),
			SubjectID: q.Get("subjectId"),
			TopicID:   q.Get("topicId"),
			From:      from,
			To:        to,
		})
		if err != nil {
			writeError(w, deps.Log, r, err)
			return
		}
		writeJSON(w, http.StatusOK, metricsResponse{Success: true, Metrics: m})
	}
}

type statsResponse struct {
	Success bool `json:"success"`
	analytics.Stats
}

func handleAnalyticsStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Analytics.Stats(r.Context())
		if err != nil {
			writeError(w, deps.Log, r, err)
			return
		}
		writeJSON(w, http.StatusOK, statsResponse{Success: true, Stats: st})
	}
}
