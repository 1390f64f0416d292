package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a conditional write loses to another writer,
// e.g. completing a job this worker no longer holds.
var ErrConflict = errors.New("conflict")

// ErrOwnerMismatch is returned when a session id is already owned by another user.
var ErrOwnerMismatch = errors.New("session owned by another user")

const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type ContentJob struct {
	ContentID   string
	UserID      string
	Role        string
	Mode        string
	ContentType string
	Prompt      string
	ConfigJSON  string
	Status      string
	CreatedAt   time.Time
	CompletedAt *time.Time
	FilePath    string
	DownloadURL string
	Error       string
	RAG         *RAGMetadata
	SubjectName string
	TopicName   string
	DocIDs      []string
}

type RAGMetadata struct {
	DocumentsUsed      []string `json:"documentsUsed"`
	RequestedDocIDs    []string `json:"requestedDocIds"`
	NumBlocksRetrieved int      `json:"numBlocksRetrieved"`
	RAGUsed            bool     `json:"ragUsed"`
	Error              string   `json:"error,omitempty"`
}

// JobFilter narrows ListJobs. Zero values mean "any". Limit <= 0 returns all rows.
type JobFilter struct {
	UserID      string
	Status      string
	ContentType string
	From        time.Time
	To          time.Time
	Limit       int
	Offset      int
}

type Session struct {
	SessionID      string
	UserID         string
	Role           string
	CreatedAt      time.Time
	LastActivityAt time.Time
	CachedContext  string
}

type Source struct {
	Title          string   `json:"title"`
	URL            string   `json:"url,omitempty"`
	DocName        string   `json:"docName,omitempty"`
	RelevanceScore *float64 `json:"relevanceScore,omitempty"`
}

type Turn struct {
	Seq            int64
	TurnID         string
	SessionID      string
	UserID         string
	Mode           string
	UserMessage    string
	AIResponse     string
	Sources        []Source
	ResponseTimeMs int64
	TokenCount     int
	SubjectID      string
	TopicID        string
	DocName        string
	Timestamp      time.Time
}

// TurnFilter narrows ListTurns. Zero values mean "any". Limit <= 0 returns all rows.
type TurnFilter struct {
	UserID    string
	SessionID string
	SubjectID string
	TopicID   string
	DocName   string
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

type DownloadRecord struct {
	ContentID         string    `json:"contentId"`
	DownloadedAt      time.Time `json:"downloadedAt"`
	DownloaderContext string    `json:"downloaderContext,omitempty"`
}

type KnowledgeDocument struct {
	DocID      string
	SubjectID  string
	TopicID    string
	DocName    string
	UploadedBy string
	ChunkCount int
	SizeBytes  int64
	CreatedAt  time.Time
}
