package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method      string
	Path        string
	Body        string
	ContentType string
}

type testServer struct {
	server   *httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			Body:        body.String(),
			ContentType: r.Header.Get("Content-Type"),
		})
		ts.mu.Unlock()

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"ok":false,"message":"content not found","code":"not_found"}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		httpClient: ts.server.Client(),
	}
}

// use points the CLI commands at ts for the duration of the test.
func (ts *testServer) use(t *testing.T) {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = old })
}

var ctx = context.Background()

// execute runs the root command with args and returns what it wrote to
// stdout through cmd.OutOrStdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		resetFlags(rootCmd)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	})
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func TestClientPost_SendsJSON(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/content/generate": `{"ok":true,"contentId":"c-1","status":"pending","etaSeconds":30}`,
	})

	resp, err := ts.client().post(ctx, "/api/content/generate", map[string]any{"userId": "u1"})
	require.NoError(t, err)

	var res submitReply
	require.NoError(t, decodeJSON(resp, &res))
	assert.Equal(t, "c-1", res.ContentID)
	assert.Equal(t, 30, res.ETASeconds)

	require.Len(t, ts.requests, 1)
	assert.Equal(t, "POST", ts.requests[0].Method)
	assert.Equal(t, "application/json", ts.requests[0].ContentType)
	assert.JSONEq(t, `{"userId":"u1"}`, ts.requests[0].Body)
}

func TestDecodeJSON_ErrorEnvelope(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client().get(ctx, "/api/content/missing/status")
	require.NoError(t, err)

	var v any
	err = decodeJSON(resp, &v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "not_found")
	assert.Contains(t, err.Error(), "content not found")
}

func TestClient_ServerStopped(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.server.Close()

	_, err := ts.client().get(ctx, "/health")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reachable")
}

func TestGenerateCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/content/generate": `{"ok":true,"contentId":"c-1","status":"pending","etaSeconds":30}`,
	})
	ts.use(t)

	_, err := execute(t, "generate", "--user", "u1", "--type", "flashcard", "--mode", "internal",
		"--doc-ids", "d1,d2", "--config", `{"numCards":10}`, "photosynthesis", "basics")
	require.NoError(t, err)

	require.Len(t, ts.requests, 1)
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(ts.requests[0].Body), &body))
	assert.Equal(t, "u1", body["userId"])
	assert.Equal(t, "flashcard", body["contentType"])
	assert.Equal(t, "internal", body["mode"])
	assert.Equal(t, "photosynthesis basics", body["prompt"])
	assert.Equal(t, []any{"d1", "d2"}, body["docIds"])
	assert.Equal(t, map[string]any{"numCards": float64(10)}, body["contentConfig"])
	assert.NotContains(t, body, "role")
}

func TestGenerateCommand_ConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quiz.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"numQuestions":5,"difficulty":"easy"}`), 0o644))

	raw, err := readConfigArg("@" + path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"numQuestions":5,"difficulty":"easy"}`, string(raw))

	_, err = readConfigArg("{not json")
	assert.Error(t, err)

	_, err = readConfigArg("@" + filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestGenerateCommand_MissingUser(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.use(t)

	_, err := execute(t, "generate", "--type", "flashcard", "photosynthesis")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required")
	assert.Empty(t, ts.requests)
}

func TestWaitForContent(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/content/c-1/status": `{"ok":true,"contentId":"c-1","status":"failed","error":"provider: quota exhausted"}`,
	})

	st, err := waitForContent(ctx, ts.client(), "c-1", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "failed", st.Status)
	assert.Equal(t, "provider: quota exhausted", st.Error)
}

func TestWaitForContent_Cancelled(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/content/c-1/status": `{"ok":true,"contentId":"c-1","status":"pending"}`,
	})

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := waitForContent(cctx, ts.client(), "c-1", 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestContentStatusCommand_PrintsJSON(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/content/c-1/status": `{"ok":true,"contentId":"c-1","status":"completed"}`,
	})
	ts.use(t)

	out, err := execute(t, "content", "status", "c-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true,"contentId":"c-1","status":"completed"}`, out)
}

func TestContentDownloadCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/content/download/c-1", r.URL.Path)
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="flashcards.csv"`)
		w.Write([]byte("Front,Back\nStomata,Pores\n"))
	}))
	t.Cleanup(srv.Close)
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return &apiClient{baseURL: srv.URL, httpClient: srv.Client()}, nil }
	t.Cleanup(func() { newAPIClient = old })

	dir := t.TempDir()
	_, err := execute(t, "content", "download", "c-1", "--dir", dir)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "flashcards.csv"))
	require.NoError(t, err)
	assert.Equal(t, "Front,Back\nStomata,Pores\n", string(data))
}

func TestHistoryCommand_QueryParams(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/chatbot/history": `{"success":true,"conversations":[],"pagination":{"currentPage":1}}`,
	})
	ts.use(t)

	_, err := execute(t, "history", "--user", "u1", "--subject", "bio", "--from", "2025-01-01")
	require.NoError(t, err)

	require.Len(t, ts.requests, 1)
	path := ts.requests[0].Path
	assert.Contains(t, path, "userId=u1")
	assert.Contains(t, path, "subjectId=bio")
	assert.Contains(t, path, "startDate=2025-01-01")
	assert.NotContains(t, path, "topicId")
}

func TestResetCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/chatbot/reset-session": `{"success":true,"message":"session memory cleared","turnsCleared":3}`,
	})
	ts.use(t)

	_, err := execute(t, "reset", "--user", "u1", "--session", "s1", "--scope", "topic", "--target", "cells")
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(ts.requests[0].Body), &body))
	assert.Equal(t, "topic", body["resetScope"])
	assert.Equal(t, "cells", body["target"])
	assert.Equal(t, "s1", body["sessionId"])
}

func TestUploadCommand_Multipart(t *testing.T) {
	var gotSubject, gotFile, gotName string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotSubject = r.FormValue("subjectId")
		f, h, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		var buf bytes.Buffer
		buf.ReadFrom(f)
		gotFile, gotName = buf.String(), h.Filename
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"document":{"docId":"d-1","chunkCount":1}}`))
	}))
	t.Cleanup(srv.Close)
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return &apiClient{baseURL: srv.URL, httpClient: srv.Client()}, nil }
	t.Cleanup(func() { newAPIClient = old })

	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("Xylem carries water."), 0o644))

	_, err := execute(t, "upload", path, "--subject", "bio", "--topic", "plants")
	require.NoError(t, err)
	assert.Equal(t, "bio", gotSubject)
	assert.Equal(t, "notes.txt", gotName)
	assert.Equal(t, "Xylem carries water.", gotFile)
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	assert.Equal(t, "test message", result)

	noColor = false
	result = colorize(colorGreen, "test message")
	assert.True(t, strings.Contains(result, "\033["), "colorize with noColor=false should contain ANSI codes, got %q", result)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc...", truncate("abcdef", 3))
	assert.Equal(t, "héé...", truncate("héééé", 3))
}
