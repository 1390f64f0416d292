package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/learnd/internal/config"
)

// --- generate ---

type submitReply struct {
	ContentID  string `json:"contentId"`
	Status     string `json:"status"`
	ETASeconds int    `json:"etaSeconds"`
}

type statusReply struct {
	ContentID string `json:"contentId"`
	Status    string `json:"status"`
	Error     string `json:"error"`
}

var generateCmd = &cobra.Command{
	Use:   "generate <prompt>",
	Short: "Start generating study material",
	Long: `Start generating study material.

Examples:
  learnd generate --user u1 --type flashcard --config '{"numCards":10}' "photosynthesis"
  learnd generate --user u1 --type quiz --mode internal --doc-ids d1,d2 --config @quiz.json "cell biology" --wait`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		typ, _ := cmd.Flags().GetString("type")
		mode, _ := cmd.Flags().GetString("mode")
		role, _ := cmd.Flags().GetString("role")
		cfgArg, _ := cmd.Flags().GetString("config")
		docIDs, _ := cmd.Flags().GetStringSlice("doc-ids")
		subject, _ := cmd.Flags().GetString("subject")
		topic, _ := cmd.Flags().GetString("topic")
		wait, _ := cmd.Flags().GetBool("wait")

		contentConfig, err := readConfigArg(cfgArg)
		if err != nil {
			return err
		}

		req := map[string]any{
			"userId":        user,
			"contentType":   typ,
			"prompt":        strings.Join(args, " "),
			"contentConfig": contentConfig,
		}
		if mode != "" {
			req["mode"] = mode
		}
		if role != "" {
			req["role"] = role
		}
		if len(docIDs) > 0 {
			req["docIds"] = docIDs
		}
		if subject != "" {
			req["subjectName"] = subject
		}
		if topic != "" {
			req["topicName"] = topic
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		resp, err := client.post(ctx, "/api/content/generate", req)
		if err != nil {
			return err
		}
		var res submitReply
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("Queued %s %s (about %ds)", typ, res.ContentID, res.ETASeconds)
		fmt.Println(res.ContentID)

		if !wait {
			return nil
		}
		st, err := waitForContent(ctx, client, res.ContentID, 2*time.Second)
		if err != nil {
			return err
		}
		if st.Status == "failed" {
			return fmt.Errorf("generation failed: %s", st.Error)
		}
		printSuccess("Ready: learnd content download %s", st.ContentID)
		return nil
	},
}

func init() {
	generateCmd.Flags().String("user", "", "requesting user id")
	generateCmd.Flags().String("type", "", "content type (flashcard, quiz, assessment, pdf, ppt, video, audio, code)")
	generateCmd.Flags().String("mode", "", "internal (course documents) or external (web)")
	generateCmd.Flags().String("role", "", "learner, trainer or admin")
	generateCmd.Flags().String("config", "{}", "content config as JSON, or @file to read it from a file")
	generateCmd.Flags().StringSlice("doc-ids", nil, "documents to ground internal mode on")
	generateCmd.Flags().String("subject", "", "subject name")
	generateCmd.Flags().String("topic", "", "topic name")
	generateCmd.Flags().Bool("wait", false, "poll until generation finishes")
	_ = generateCmd.MarkFlagRequired("user")
	_ = generateCmd.MarkFlagRequired("type")
}

func readConfigArg(arg string) (json.RawMessage, error) {
	data := []byte(arg)
	if strings.HasPrefix(arg, "@") {
		b, err := os.ReadFile(arg[1:])
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		data = b
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("--config is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func waitForContent(ctx context.Context, client *apiClient, id string, every time.Duration) (statusReply, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		resp, err := client.get(ctx, "/api/content/"+url.PathEscape(id)+"/status")
		if err != nil {
			return statusReply{}, err
		}
		var st statusReply
		if err := decodeJSON(resp, &st); err != nil {
			return statusReply{}, err
		}
		if st.Status == "completed" || st.Status == "failed" {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return statusReply{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// --- content ---

var contentCmd = &cobra.Command{
	Use:   "content",
	Short: "Inspect and download generated content",
}

var contentStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show the generation status of a content item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getAndPrint(cmd, "/api/content/"+url.PathEscape(args[0])+"/status")
	},
}

var contentInfoCmd = &cobra.Command{
	Use:   "info <id>",
	Short: "Show the full record of a content item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getAndPrint(cmd, "/api/content/info/"+url.PathEscape(args[0]))
	},
}

var contentDownloadsCmd = &cobra.Command{
	Use:   "downloads <id>",
	Short: "Show download statistics of a content item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getAndPrint(cmd, "/api/content/"+url.PathEscape(args[0])+"/downloads")
	},
}

var contentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's content, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		setFlagParam(cmd, q, "user", "userId")
		setFlagParam(cmd, q, "status", "status")
		setFlagParam(cmd, q, "type", "contentType")
		page, _ := cmd.Flags().GetInt("page")
		limit, _ := cmd.Flags().GetInt("limit")
		q.Set("page", fmt.Sprint(page))
		q.Set("limit", fmt.Sprint(limit))

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/content/list?"+q.Encode())
		if err != nil {
			return err
		}
		var res struct {
			Contents []struct {
				ContentID   string    `json:"contentId"`
				ContentType string    `json:"contentType"`
				Status      string    `json:"status"`
				Prompt      string    `json:"prompt"`
				CreatedAt   time.Time `json:"createdAt"`
			} `json:"contents"`
			Pagination struct {
				CurrentPage  int `json:"currentPage"`
				TotalPages   int `json:"totalPages"`
				TotalRecords int `json:"totalRecords"`
			} `json:"pagination"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		if len(res.Contents) == 0 {
			fmt.Println("No content found.")
			return nil
		}
		for _, c := range res.Contents {
			fmt.Printf("%s  %-10s %-10s %s  %s\n",
				colorize(colorCyan, c.ContentID),
				c.ContentType,
				c.Status,
				c.CreatedAt.Local().Format(time.DateTime),
				truncate(c.Prompt, 60),
			)
		}
		fmt.Printf("page %d of %d (%d total)\n", res.Pagination.CurrentPage, res.Pagination.TotalPages, res.Pagination.TotalRecords)
		return nil
	},
}

var contentDownloadCmd = &cobra.Command{
	Use:   "download <id>",
	Short: "Download a completed content item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/content/download/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := checkStatus(resp); err != nil {
			return err
		}
		defer resp.Body.Close()

		name := args[0]
		if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
			name = filepath.Base(params["filename"])
		}
		path := filepath.Join(dir, name)
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		n, err := io.Copy(f, resp.Body)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		printSuccess("Saved %s (%d bytes)", path, n)
		return nil
	},
}

func init() {
	contentListCmd.Flags().String("user", "", "user id")
	contentListCmd.Flags().String("status", "", "filter by status")
	contentListCmd.Flags().String("type", "", "filter by content type")
	contentListCmd.Flags().Int("page", 1, "page number")
	contentListCmd.Flags().Int("limit", 10, "records per page")
	_ = contentListCmd.MarkFlagRequired("user")

	contentDownloadCmd.Flags().String("dir", ".", "directory to save into")

	contentCmd.AddCommand(contentStatusCmd, contentInfoCmd, contentListCmd, contentDownloadCmd, contentDownloadsCmd)
}

// --- chatbot ---

var askCmd = &cobra.Command{
	Use:   "ask <message>",
	Short: "Ask the course chatbot a question",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		sessionID, _ := cmd.Flags().GetString("session")
		mode, _ := cmd.Flags().GetString("mode")
		role, _ := cmd.Flags().GetString("role")
		subject, _ := cmd.Flags().GetString("subject")
		topic, _ := cmd.Flags().GetString("topic")
		doc, _ := cmd.Flags().GetString("doc")
		docIDs, _ := cmd.Flags().GetStringSlice("doc-ids")

		req := map[string]any{
			"userId":    user,
			"sessionId": sessionID,
			"mode":      mode,
			"message":   strings.Join(args, " "),
			"subjectId": subject,
			"topicId":   topic,
			"docName":   doc,
		}
		if role != "" {
			req["role"] = role
		}
		if len(docIDs) > 0 {
			req["docIds"] = docIDs
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/api/chatbot/query", req)
		if err != nil {
			return err
		}
		var res struct {
			Answer  string `json:"answer"`
			Sources []struct {
				Title string `json:"title"`
				URL   string `json:"url"`
			} `json:"sources"`
			ResponseTimeMs int64 `json:"responseTimeMs"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}

		fmt.Println(res.Answer)
		if len(res.Sources) > 0 {
			fmt.Println()
			fmt.Println(colorize(colorBold, "Sources:"))
			for _, s := range res.Sources {
				label := s.Title
				if s.URL != "" {
					label += " <" + s.URL + ">"
				}
				fmt.Printf("  - %s\n", label)
			}
		}
		return nil
	},
}

func init() {
	askCmd.Flags().String("user", "", "user id")
	askCmd.Flags().String("session", "", "session id")
	askCmd.Flags().String("mode", "internal", "internal (course documents) or external (web)")
	askCmd.Flags().String("role", "", "learner, trainer or admin")
	askCmd.Flags().String("subject", "", "subject id")
	askCmd.Flags().String("topic", "", "topic id")
	askCmd.Flags().String("doc", "", "document name")
	askCmd.Flags().StringSlice("doc-ids", nil, "documents to search")
	_ = askCmd.MarkFlagRequired("user")
	_ = askCmd.MarkFlagRequired("session")
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear a chat session's working memory",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		sessionID, _ := cmd.Flags().GetString("session")
		scope, _ := cmd.Flags().GetString("scope")
		target, _ := cmd.Flags().GetString("target")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/api/chatbot/reset-session", map[string]any{
			"userId":     user,
			"sessionId":  sessionID,
			"resetScope": scope,
			"target":     target,
		})
		if err != nil {
			return err
		}
		var res struct {
			Message      string `json:"message"`
			TurnsCleared int64  `json:"turnsCleared"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("%s (%d turns cleared)", res.Message, res.TurnsCleared)
		return nil
	},
}

func init() {
	resetCmd.Flags().String("user", "", "user id")
	resetCmd.Flags().String("session", "", "session id")
	resetCmd.Flags().String("scope", "full", "full, subject, topic or document")
	resetCmd.Flags().String("target", "", "subject, topic or document to forget")
	_ = resetCmd.MarkFlagRequired("user")
	_ = resetCmd.MarkFlagRequired("session")
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show a user's conversation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		setFlagParam(cmd, q, "user", "userId")
		setFlagParam(cmd, q, "session", "sessionId")
		setFlagParam(cmd, q, "subject", "subjectId")
		setFlagParam(cmd, q, "topic", "topicId")
		setFlagParam(cmd, q, "doc", "docName")
		setFlagParam(cmd, q, "from", "startDate")
		setFlagParam(cmd, q, "to", "endDate")
		page, _ := cmd.Flags().GetInt("page")
		limit, _ := cmd.Flags().GetInt("limit")
		q.Set("page", fmt.Sprint(page))
		q.Set("limit", fmt.Sprint(limit))

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/chatbot/history?"+q.Encode())
		if err != nil {
			return err
		}
		var res struct {
			Conversations []struct {
				SessionID   string    `json:"sessionId"`
				UserMessage string    `json:"userMessage"`
				AIResponse  string    `json:"aiResponse"`
				Timestamp   time.Time `json:"timestamp"`
			} `json:"conversations"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		if len(res.Conversations) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, c := range res.Conversations {
			fmt.Printf("%s  %s\n", colorize(colorCyan, c.Timestamp.Local().Format(time.DateTime)), c.SessionID)
			fmt.Printf("  Q: %s\n", truncate(c.UserMessage, 120))
			fmt.Printf("  A: %s\n", truncate(c.AIResponse, 240))
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().String("user", "", "user id")
	historyCmd.Flags().String("session", "", "session id")
	historyCmd.Flags().String("subject", "", "subject id")
	historyCmd.Flags().String("topic", "", "topic id")
	historyCmd.Flags().String("doc", "", "document name")
	historyCmd.Flags().String("from", "", "start date (YYYY-MM-DD or RFC 3339)")
	historyCmd.Flags().String("to", "", "end date (YYYY-MM-DD or RFC 3339)")
	historyCmd.Flags().Int("page", 1, "page number")
	historyCmd.Flags().Int("limit", 20, "records per page")
	_ = historyCmd.MarkFlagRequired("user")
}

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Show chatbot usage metrics as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		setFlagParam(cmd, q, "user", "userId")
		setFlagParam(cmd, q, "subject", "subjectId")
		setFlagParam(cmd, q, "topic", "topicId")
		setFlagParam(cmd, q, "from", "startDate")
		setFlagParam(cmd, q, "to", "endDate")
		path := "/api/chatbot/analytics"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		return getAndPrint(cmd, path)
	},
}

var analyticsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show overall conversation totals",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getAndPrint(cmd, "/api/chatbot/analytics/stats")
	},
}

func init() {
	analyticsCmd.Flags().String("user", "", "user id")
	analyticsCmd.Flags().String("subject", "", "subject id")
	analyticsCmd.Flags().String("topic", "", "topic id")
	analyticsCmd.Flags().String("from", "", "start date (YYYY-MM-DD or RFC 3339)")
	analyticsCmd.Flags().String("to", "", "end date (YYYY-MM-DD or RFC 3339)")
	analyticsCmd.AddCommand(analyticsStatsCmd)
}

// --- knowledge ---

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a course document into the knowledge base",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, _ := cmd.Flags().GetString("subject")
		topic, _ := cmd.Flags().GetString("topic")
		by, _ := cmd.Flags().GetString("by")

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening file: %w", err)
		}
		defer f.Close()

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		client.httpClient.Timeout = 10 * time.Minute
		resp, err := client.upload(cmd.Context(), "/api/chatbot/knowledge/upload-file", map[string]string{
			"subjectId":  subject,
			"topicId":    topic,
			"uploadedBy": by,
		}, filepath.Base(args[0]), f)
		if err != nil {
			return err
		}
		var res struct {
			Document struct {
				DocID      string `json:"docId"`
				ChunkCount int    `json:"chunkCount"`
			} `json:"document"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("Indexed %s as %s (%d chunks)", filepath.Base(args[0]), res.Document.DocID, res.Document.ChunkCount)
		return nil
	},
}

func init() {
	uploadCmd.Flags().String("subject", "", "subject id")
	uploadCmd.Flags().String("topic", "", "topic id")
	uploadCmd.Flags().String("by", "", "uploader user id")
	_ = uploadCmd.MarkFlagRequired("subject")
	_ = uploadCmd.MarkFlagRequired("topic")
}

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "List uploaded knowledge documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		setFlagParam(cmd, q, "subject", "subjectId")
		setFlagParam(cmd, q, "topic", "topicId")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/chatbot/knowledge/documents?"+q.Encode())
		if err != nil {
			return err
		}
		var res struct {
			Documents []struct {
				DocID      string `json:"docId"`
				SubjectID  string `json:"subjectId"`
				TopicID    string `json:"topicId"`
				DocName    string `json:"docName"`
				ChunkCount int    `json:"chunkCount"`
			} `json:"documents"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		if len(res.Documents) == 0 {
			fmt.Println("No documents found.")
			return nil
		}
		for _, d := range res.Documents {
			fmt.Printf("%s  %s/%s  %s (%d chunks)\n", colorize(colorCyan, d.DocID), d.SubjectID, d.TopicID, d.DocName, d.ChunkCount)
		}
		return nil
	},
}

func init() {
	documentsCmd.Flags().String("subject", "", "subject id")
	documentsCmd.Flags().String("topic", "", "topic id")
}

// --- admin ---

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove generated files and session memory past the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/api/admin/cleanup", nil)
		if err != nil {
			return err
		}
		var res struct {
			Report struct {
				DirectoriesRemoved int `json:"directoriesRemoved"`
				SessionsEvicted    int `json:"sessionsEvicted"`
			} `json:"report"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("Removed %d content directories, evicted %d sessions", res.Report.DirectoriesRemoved, res.Report.SessionsEvicted)
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

// --- helpers ---

func setFlagParam(cmd *cobra.Command, q url.Values, flag, param string) {
	if v, _ := cmd.Flags().GetString(flag); v != "" {
		q.Set(param, v)
	}
}

// getAndPrint fetches path and pretty-prints the JSON body to stdout.
func getAndPrint(cmd *cobra.Command, path string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.get(cmd.Context(), path)
	if err != nil {
		return err
	}
	var body any
	if err := decodeJSON(resp, &body); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), body)
}
