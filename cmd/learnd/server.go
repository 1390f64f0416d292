package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/learnd/internal/analytics"
	"github.com/kalambet/learnd/internal/api"
	"github.com/kalambet/learnd/internal/artifact"
	"github.com/kalambet/learnd/internal/chat"
	"github.com/kalambet/learnd/internal/cleanup"
	"github.com/kalambet/learnd/internal/composer"
	"github.com/kalambet/learnd/internal/config"
	"github.com/kalambet/learnd/internal/content"
	"github.com/kalambet/learnd/internal/downloads"
	"github.com/kalambet/learnd/internal/ingest"
	"github.com/kalambet/learnd/internal/logger"
	"github.com/kalambet/learnd/internal/ollama"
	"github.com/kalambet/learnd/internal/proxy"
	"github.com/kalambet/learnd/internal/render"
	"github.com/kalambet/learnd/internal/reranking"
	"github.com/kalambet/learnd/internal/retrieval"
	"github.com/kalambet/learnd/internal/session"
	"github.com/kalambet/learnd/internal/storage"
	"github.com/kalambet/learnd/internal/websearch"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the learnd server in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running learnd server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show learnd server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "learnd.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "learnd version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := config.RequireServerSecrets(cfg); err != nil {
		return err
	}

	log, err := logger.New(logger.Options{Mode: cfg.Log.Mode, Level: cfg.Log.Level, Redact: cfg.Log.Redact})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer log.Sync()

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get("http://" + addr + "/health"); err == nil {
		resp.Body.Close()
		printWarning("learnd is already running on %s", addr)
		return fmt.Errorf("server already running on %s", addr)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("closing storage", "error", err)
		}
	}()

	artifacts, closeArtifacts, err := openArtifacts(ctx, cfg.Artifacts)
	if err != nil {
		return err
	}
	defer closeArtifacts()

	cache, closeCache, err := openSessionCache(cfg.Cache, log)
	if err != nil {
		return err
	}
	defer closeCache()

	sessions := session.NewManager(store, cache, log)
	gen, err := openGenerator(ctx, cfg)
	if err != nil {
		return err
	}
	index := retrieval.NewClient(cfg.Retrieval.BaseURL)
	var retriever chat.Retriever = index
	if cfg.Retrieval.Rerank {
		retriever = reranking.New(index, gen, reranking.Config{Timeout: cfg.Retrieval.RerankTimeout}, log)
		log.Info("reranking retrieved chunks", "timeout", cfg.Retrieval.RerankTimeout)
	}
	comp := composer.New(0)
	tracker := downloads.NewTracker(store)

	// Web search is optional. The interfaces stay nil without a key.
	var chatWeb chat.WebSearcher
	var contentWeb content.WebGatherer
	if cfg.WebSearch.TavilyAPIKey != "" {
		web := websearch.NewClient(cfg.WebSearch.TavilyAPIKey, cfg.WebSearch.BaseURL)
		chatWeb, contentWeb = web, web
	} else {
		log.Warn("no web search key configured, external mode answers without web context")
	}

	var remote *render.Remote
	if cfg.Renderer.BaseURL != "" {
		remote = render.NewRemote(cfg.Renderer.BaseURL)
	}

	orchestrator := content.NewOrchestrator(store, artifacts, tracker, log)
	if _, err := orchestrator.Recover(ctx); err != nil {
		return fmt.Errorf("recovering content jobs: %w", err)
	}

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	pool := content.NewPool(cfg.Content.Workers, store, content.Deps{
		Retriever: retriever,
		Web:       contentWeb,
		Generator: gen,
		Renderer:  render.NewComposite(&render.Local{}, remote),
		Artifacts: artifacts,
		Composer:  comp,
	}, orchestrator.Wakeups(), cfg.Content.PollInterval, cfg.Content.GenerationTimeout, log)
	pool.Start(workerCtx)
	defer func() {
		cancelWorkers()
		pool.Wait()
	}()

	responder := chat.NewResponder(sessions, retriever, chatWeb, gen, comp, chat.Config{
		RateLimit:     cfg.Chat.RateLimit,
		Timeout:       cfg.Chat.Timeout,
		HistoryWindow: cfg.Chat.HistoryWindow,
		TopK:          cfg.Chat.TopK,
	}, log)
	aggregator := analytics.New(store, tracker)
	uploader := ingest.NewUploader(index, store, ingest.Config{
		MaxBytes:      int64(cfg.Upload.MaxBytes),
		MaxConcurrent: cfg.Upload.MaxConcurrent,
		QueueWait:     cfg.Upload.QueueWait,
	}, log)

	sweeper := cleanup.NewSweeper(artifacts, sessions, time.Duration(cfg.Retention.Days)*24*time.Hour, cfg.Retention.Interval, log)
	go sweeper.Run(ctx)

	handler := api.NewHandler(api.Deps{
		Content:        orchestrator,
		Chat:           responder,
		Sessions:       sessions,
		Analytics:      aggregator,
		Uploads:        uploader,
		Sweeper:        sweeper,
		MaxUploadBytes: int64(cfg.Upload.MaxBytes),
		Ping:           store.Ping,
		Log:            log,
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	if cfg.Server.MCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Content:   orchestrator,
			Chat:      responder,
			Analytics: aggregator,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("MCP stdio server error", "error", err)
			}
		}()
		log.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "learnd listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openGenerator(ctx context.Context, cfg config.Config) (chat.Generator, error) {
	if cfg.Proxy.Backend != "ollama" {
		return proxy.NewClientWithBaseURL(cfg.Proxy.OpenRouterAPIKey, cfg.Proxy.DefaultModel, cfg.Proxy.BaseURL), nil
	}
	oc := ollama.New(cfg.Ollama.BaseURL, cfg.Ollama.Model)
	if err := ollama.EnsureReady(ctx, oc, os.Stderr); err != nil {
		return nil, err
	}
	return oc, nil
}

func openArtifacts(ctx context.Context, cfg config.ArtifactsConfig) (artifact.Store, func(), error) {
	switch cfg.Backend {
	case "", "fs":
		fs, err := artifact.NewFS(cfg.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("opening artifact directory: %w", err)
		}
		return fs, func() {}, nil
	case "gcs":
		g, err := artifact.NewGCS(ctx, cfg.GCSBucket)
		if err != nil {
			return nil, nil, fmt.Errorf("opening artifact bucket: %w", err)
		}
		return g, func() { _ = g.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown artifacts backend %q", cfg.Backend)
	}
}

func openSessionCache(cfg config.CacheConfig, log *logger.Logger) (session.Cache, func(), error) {
	if cfg.RedisAddr == "" {
		return session.NewLRUCache(cfg.Size, cfg.TTL), func() {}, nil
	}
	rc, err := session.NewRedisCache(cfg.RedisAddr, cfg.TTL, log)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to session cache: %w", err)
	}
	return rc, func() { _ = rc.Close() }, nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("learnd is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop learnd (PID %d): %v", pid, err)
		os.Remove(pidPath)
		return err
	}

	printSuccess("Sent stop signal to learnd (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	client.httpClient.Timeout = 2 * time.Second

	var health struct {
		Status string `json:"status"`
	}
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else if err := decodeJSON(resp, &health); err != nil {
		printStatus("Server", "error (%v)", err)
	} else {
		printStatus("Server", "%s at %s", health.Status, client.baseURL)

		var stats struct {
			TotalConversations int `json:"totalConversations"`
			TotalUsers         int `json:"totalUsers"`
		}
		if resp, err := client.get(ctx, "/api/chatbot/analytics/stats"); err == nil && decodeJSON(resp, &stats) == nil {
			printStatus("Conversations", "%d from %d users", stats.TotalConversations, stats.TotalUsers)
		}
	}

	if cfg.Proxy.Backend == "ollama" {
		printStatus("Model", "%s (ollama at %s)", cfg.Ollama.Model, cfg.Ollama.BaseURL)
	} else {
		printStatus("Model", "%s (openrouter)", cfg.Proxy.DefaultModel)
	}
	printStatus("Artifacts", "%s", artifactLocation(cfg.Artifacts))
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func artifactLocation(cfg config.ArtifactsConfig) string {
	if cfg.Backend == "gcs" {
		return "gs://" + cfg.GCSBucket
	}
	return cfg.Dir
}
