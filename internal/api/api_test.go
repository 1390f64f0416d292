package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/learnd/internal/analytics"
	"github.com/kalambet/learnd/internal/artifact"
	"github.com/kalambet/learnd/internal/chat"
	"github.com/kalambet/learnd/internal/cleanup"
	"github.com/kalambet/learnd/internal/composer"
	"github.com/kalambet/learnd/internal/content"
	"github.com/kalambet/learnd/internal/downloads"
	"github.com/kalambet/learnd/internal/ingest"
	"github.com/kalambet/learnd/internal/logger"
	"github.com/kalambet/learnd/internal/proxy"
	"github.com/kalambet/learnd/internal/render"
	"github.com/kalambet/learnd/internal/retrieval"
	"github.com/kalambet/learnd/internal/session"
	"github.com/kalambet/learnd/internal/storage"
)

// --- fakes ---

type fakeGen struct {
	mu  sync.Mutex
	err error
}

func (f *fakeGen) Complete(_ context.Context, req proxy.Request) (proxy.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return proxy.Completion{}, f.err
	}
	if strings.Contains(req.Messages[0].Content, "| KEY | Description |") {
		return proxy.Completion{Text: "| KEY | Description |\n|---|---|\n| Xylem | Carries water |\n"}, nil
	}
	return proxy.Completion{Text: "Xylem carries water.", Usage: &proxy.Usage{TotalTokens: 12}}, nil
}

type fakeRetriever struct {
	chunks []retrieval.Chunk
}

func (f *fakeRetriever) Retrieve(context.Context, retrieval.Query) ([]retrieval.Chunk, error) {
	return f.chunks, nil
}

func (f *fakeRetriever) Index(context.Context, []retrieval.IndexChunk) error { return nil }

// --- harness ---

type testServer struct {
	handler http.Handler
	store   *storage.Store
	worker  *content.Worker
	gen     *fakeGen
	deps    Deps
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	arts, err := artifact.NewFS(t.TempDir())
	require.NoError(t, err)

	log := logger.Nop()
	gen := &fakeGen{}
	ret := &fakeRetriever{chunks: []retrieval.Chunk{{Text: "Xylem moves water up the stem.", DocName: "plants.pdf", Score: 0.9}}}
	comp := composer.New(0)
	tracker := downloads.NewTracker(store)
	sessions := session.NewManager(store, session.NewLRUCache(100, time.Hour), log)

	orch := content.NewOrchestrator(store, arts, tracker, log)
	worker := content.NewWorker("w1", store, content.Deps{
		Retriever: ret,
		Generator: gen,
		Renderer:  render.NewComposite(&render.Local{}, nil),
		Artifacts: arts,
		Composer:  comp,
	}, time.Millisecond, time.Minute, log)

	deps := Deps{
		Content:        orch,
		Chat:           chat.NewResponder(sessions, ret, nil, gen, comp, chat.Config{RateLimit: 3}, log),
		Sessions:       sessions,
		Analytics:      analytics.New(store, tracker),
		Uploads:        ingest.NewUploader(ret, store, ingest.Config{MaxBytes: 1024}, log),
		Sweeper:        cleanup.NewSweeper(arts, sessions, 0, 0, log),
		MaxUploadBytes: 1024,
		Ping:           store.Ping,
		Log:            log,
	}
	return &testServer{handler: NewHandler(deps), store: store, worker: worker, gen: gen, deps: deps}
}

func (s *testServer) do(t *testing.T, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

const flashcardBody = `{"userId":"u1","role":"learner","contentType":"flashcard","prompt":"plant transport",
	"contentConfig":{"flashcard":{"front":"A","back":"B","difficulty":"easy"}}}`

// --- tests ---

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/health", "")
	w := s.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "learnd_http_requests_total")
}

func TestContentLifecycle(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/content/generate", flashcardBody)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	sub := decode(t, w)
	assert.Equal(t, true, sub["ok"])
	assert.Equal(t, "pending", sub["status"])
	assert.EqualValues(t, 30, sub["etaSeconds"])
	id := sub["contentId"].(string)

	w = s.do(t, http.MethodGet, "/api/content/"+id+"/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pending", decode(t, w)["status"])

	done, err := s.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, done)

	w = s.do(t, http.MethodGet, "/api/content/"+id+"/status", "")
	st := decode(t, w)
	assert.Equal(t, "completed", st["status"])
	assert.NotEmpty(t, st["completedAt"])

	w = s.do(t, http.MethodGet, "/api/content/info/"+id, "")
	info := decode(t, w)
	assert.Equal(t, "u1/"+id+"/flashcards.csv", info["filePath"])
	assert.Equal(t, "/api/content/download/"+id, info["downloadUrl"])

	w = s.do(t, http.MethodGet, "/api/content/download/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "flashcards.csv")
	assert.Contains(t, w.Body.String(), "Xylem,Carries water")

	w = s.do(t, http.MethodGet, "/api/content/"+id+"/downloads", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["totalDownloads"])

	w = s.do(t, http.MethodGet, "/api/content/list?userId=u1&page=1&limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode(t, w)
	assert.Len(t, list["contents"], 1)
	pg := list["pagination"].(map[string]any)
	assert.EqualValues(t, 1, pg["totalRecords"])
	assert.EqualValues(t, 5, pg["recordsPerPage"])
}

func TestErrorEnvelope(t *testing.T) {
	s := newTestServer(t)

	cases := []struct {
		method, url, body string
		status            int
		code              string
	}{
		{http.MethodGet, "/api/content/nonexistent-id/status", "", http.StatusNotFound, "not_found"},
		{http.MethodGet, "/api/content/info/nonexistent-id", "", http.StatusNotFound, "not_found"},
		{http.MethodGet, "/api/content/download/nonexistent-id", "", http.StatusNotFound, "not_found"},
		{http.MethodGet, "/api/content/nonexistent-id/downloads", "", http.StatusNotFound, "not_found"},
		{http.MethodPost, "/api/content/generate", `{"userId":"u1","contentType":"podcast","prompt":"x"}`, http.StatusBadRequest, "validation_error"},
		{http.MethodPost, "/api/content/generate", `not json`, http.StatusBadRequest, "validation_error"},
		{http.MethodGet, "/api/content/list?userId=u1&page=0", "", http.StatusBadRequest, "validation_error"},
		{http.MethodGet, "/api/content/list?userId=u1&limit=abc", "", http.StatusBadRequest, "validation_error"},
		{http.MethodPost, "/api/chatbot/reset-session", `{"sessionId":"nope","userId":"u1","resetScope":"full"}`, http.StatusNotFound, "not_found"},
		{http.MethodGet, "/api/chatbot/history?userId=u1&startDate=yesterday", "", http.StatusBadRequest, "validation_error"},
	}
	for _, c := range cases {
		w := s.do(t, c.method, c.url, c.body)
		assert.Equal(t, c.status, w.Code, c.url)
		body := decode(t, w)
		assert.Equal(t, false, body["ok"], c.url)
		assert.Equal(t, c.code, body["code"], c.url)
		assert.NotEmpty(t, body["message"], c.url)
	}
}

func TestDownload_NotReady(t *testing.T) {
	s := newTestServer(t)
	id := decode(t, s.do(t, http.MethodPost, "/api/content/generate", flashcardBody))["contentId"].(string)
	w := s.do(t, http.MethodGet, "/api/content/download/"+id, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w)["message"], "not ready")
}

func TestChatQueryResetAndHistory(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/chatbot/query",
		`{"userId":"u1","sessionId":"s1","mode":"internal","message":"What does xylem do?","subjectId":"bio"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	ans := decode(t, w)
	assert.Equal(t, true, ans["success"])
	assert.Equal(t, "Xylem carries water.", ans["answer"])
	assert.Equal(t, "s1", ans["sessionId"])
	assert.EqualValues(t, 12, ans["tokenCount"])
	assert.Len(t, ans["sources"], 1)

	w = s.do(t, http.MethodPost, "/api/chatbot/reset-session", `{"sessionId":"s1","userId":"u1","resetScope":"full"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	reset := decode(t, w)
	assert.Equal(t, true, reset["success"])
	assert.EqualValues(t, 1, reset["turnsCleared"])

	w = s.do(t, http.MethodGet, "/api/chatbot/history?userId=u1&page=1&limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	hist := decode(t, w)
	convs := hist["conversations"].([]any)
	require.Len(t, convs, 1)
	turn := convs[0].(map[string]any)
	assert.Equal(t, "What does xylem do?", turn["userMessage"])
	assert.Equal(t, "bio", turn["subjectId"])

	w = s.do(t, http.MethodGet, "/api/chatbot/analytics?userId=u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	m := decode(t, w)
	assert.EqualValues(t, 1, m["totalConversations"])
	assert.EqualValues(t, 12, m["totalTokensUsed"])

	w = s.do(t, http.MethodGet, "/api/chatbot/analytics/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["totalSessions"])
}

func TestChatQuery_RateLimited(t *testing.T) {
	s := newTestServer(t)
	body := `{"userId":"u1","sessionId":"s1","mode":"internal","message":"What is xylem?"}`
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/chatbot/query", body).Code)
	}
	w := s.do(t, http.MethodPost, "/api/chatbot/query", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limited", decode(t, w)["code"])

	_, total, err := s.store.ListTurns(context.Background(), storage.TurnFilter{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestChatQuery_ProviderFailure(t *testing.T) {
	s := newTestServer(t)
	s.gen.err = &proxy.ProviderError{StatusCode: 401, Message: "invalid api key"}
	w := s.do(t, http.MethodPost, "/api/chatbot/query", `{"userId":"u1","sessionId":"s1","mode":"internal","message":"hi there friend"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	body := decode(t, w)
	assert.Equal(t, "provider_failure", body["code"])
	assert.Contains(t, body["message"], "invalid api key")
}

func multipartUpload(t *testing.T, fields map[string]string, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadAndDocuments(t *testing.T) {
	s := newTestServer(t)
	fields := map[string]string{"subjectId": "bio", "topicId": "plants", "uploadedBy": "t1"}

	body, ct := multipartUpload(t, fields, "notes.txt", "Xylem moves water.\n\nPhloem moves sugar.")
	req := httptest.NewRequest(http.MethodPost, "/api/chatbot/knowledge/upload-file", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	doc := decode(t, w)["document"].(map[string]any)
	assert.Equal(t, "notes.txt", doc["docName"])
	assert.EqualValues(t, 1, doc["chunkCount"])

	w = s.do(t, http.MethodGet, "/api/chatbot/knowledge/documents?subjectId=bio", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["total"])

	body, ct = multipartUpload(t, fields, "big.txt", strings.Repeat("a", 4096))
	req = httptest.NewRequest(http.MethodPost, "/api/chatbot/knowledge/upload-file", body)
	req.Header.Set("Content-Type", ct)
	w = httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "busy", decode(t, w)["code"])

	body, ct = multipartUpload(t, fields, "", "")
	req = httptest.NewRequest(http.MethodPost, "/api/chatbot/knowledge/upload-file", body)
	req.Header.Set("Content-Type", ct)
	w = httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminCleanup(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodPost, "/api/admin/cleanup", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rep := decode(t, w)["report"].(map[string]any)
	assert.EqualValues(t, 0, rep["directoriesRemoved"])
}
