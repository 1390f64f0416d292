// Package analytics computes usage metrics over the conversation audit log
// and the content job table. Every figure is a full scan of the matching
// records, so results are deterministic for a fixed snapshot.
package analytics

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/learnd/internal/apperr"
	"github.com/kalambet/learnd/internal/downloads"
	"github.com/kalambet/learnd/internal/storage"
)

// Store is the read side of the record store.
type Store interface {
	ListTurns(ctx context.Context, f storage.TurnFilter) ([]storage.Turn, int, error)
	ListJobs(ctx context.Context, f storage.JobFilter) ([]storage.ContentJob, int, error)
	GetJob(ctx context.Context, id string) (storage.ContentJob, error)
	TurnTotals(ctx context.Context) (storage.TurnTotals, error)
}

// DownloadStatser aggregates downloads of one content item.
type DownloadStatser interface {
	Stats(ctx context.Context, contentID string) (downloads.Stats, error)
}

// Filter narrows ComputeMetrics. Zero values mean "any"; From and To are
// inclusive.
type Filter struct {
	UserID    string
	SubjectID string
	TopicID   string
	From      time.Time
	To        time.Time
}

type DayCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

type HourCount struct {
	Hour  int `json:"hour"`
	Count int `json:"count"`
}

// ContentUsage counts content jobs created in the filter's window.
type ContentUsage struct {
	Total    int            `json:"total"`
	ByType   map[string]int `json:"byType"`
	ByStatus map[string]int `json:"byStatus"`
}

type Metrics struct {
	TotalConversations    int            `json:"totalConversations"`
	TotalUsers            int            `json:"totalUsers"`
	TotalSessions         int            `json:"totalSessions"`
	AverageResponseTimeMs float64        `json:"averageResponseTimeMs"`
	TotalTokensUsed       int            `json:"totalTokensUsed"`
	ModeUsage             map[string]int `json:"modeUsage"`
	SubjectUsage          map[string]int `json:"subjectUsage"`
	TopicUsage            map[string]int `json:"topicUsage"`
	DocumentUsage         map[string]int `json:"documentUsage"`
	DailyActivity         []DayCount     `json:"dailyActivity"`
	HourlyActivity        []HourCount    `json:"hourlyActivity"`
	ContentUsage          ContentUsage   `json:"contentUsage"`
}

// Stats is a cheap summary of the whole audit log.
type Stats struct {
	TotalConversations int        `json:"totalConversations"`
	TotalUsers         int        `json:"totalUsers"`
	TotalSessions      int        `json:"totalSessions"`
	EarliestAt         *time.Time `json:"earliestConversation,omitempty"`
	LatestAt           *time.Time `json:"latestConversation,omitempty"`
}

type Aggregator struct {
	store     Store
	downloads DownloadStatser
}

func New(store Store, downloads DownloadStatser) *Aggregator {
	return &Aggregator{store: store, downloads: downloads}
}

// ComputeMetrics scans the turns and jobs matching f. Day and hour buckets
// use UTC. Jobs carry no subject or topic id, so ContentUsage honours only
// the user and time filters.
func (a *Aggregator) ComputeMetrics(ctx context.Context, f Filter) (Metrics, error) {
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return Metrics{}, apperr.E(apperr.Validation, "endDate must not be before startDate")
	}

	turns, _, err := a.store.ListTurns(ctx, storage.TurnFilter{
		UserID:    f.UserID,
		SubjectID: f.SubjectID,
		TopicID:   f.TopicID,
		From:      f.From,
		To:        f.To,
	})
	if err != nil {
		return Metrics{}, apperr.Wrap(apperr.Internal, "analytics.ComputeMetrics", err, "scanning turns")
	}
	jobs, _, err := a.store.ListJobs(ctx, storage.JobFilter{UserID: f.UserID, From: f.From, To: f.To})
	if err != nil {
		return Metrics{}, apperr.Wrap(apperr.Internal, "analytics.ComputeMetrics", err, "scanning jobs")
	}

	m := Metrics{
		ModeUsage:      map[string]int{},
		SubjectUsage:   map[string]int{},
		TopicUsage:     map[string]int{},
		DocumentUsage:  map[string]int{},
		DailyActivity:  []DayCount{},
		HourlyActivity: []HourCount{},
		ContentUsage:   ContentUsage{ByType: map[string]int{}, ByStatus: map[string]int{}},
	}

	users := map[string]struct{}{}
	sessions := map[string]struct{}{}
	days := map[string]int{}
	hours := map[int]int{}
	var totalMs int64
	for _, t := range turns {
		users[t.UserID] = struct{}{}
		sessions[t.SessionID] = struct{}{}
		totalMs += t.ResponseTimeMs
		m.TotalTokensUsed += t.TokenCount
		m.ModeUsage[t.Mode]++
		countNonEmpty(m.SubjectUsage, t.SubjectID)
		countNonEmpty(m.TopicUsage, t.TopicID)
		countNonEmpty(m.DocumentUsage, t.DocName)

		ts := t.Timestamp.UTC()
		days[ts.Format(time.DateOnly)]++
		hours[ts.Hour()]++
	}
	m.TotalConversations = len(turns)
	m.TotalUsers = len(users)
	m.TotalSessions = len(sessions)
	if len(turns) > 0 {
		m.AverageResponseTimeMs = float64(totalMs) / float64(len(turns))
	}

	for d, n := range days {
		m.DailyActivity = append(m.DailyActivity, DayCount{Date: d, Count: n})
	}
	sort.Slice(m.DailyActivity, func(i, j int) bool { return m.DailyActivity[i].Date < m.DailyActivity[j].Date })
	for h, n := range hours {
		m.HourlyActivity = append(m.HourlyActivity, HourCount{Hour: h, Count: n})
	}
	sort.Slice(m.HourlyActivity, func(i, j int) bool { return m.HourlyActivity[i].Hour < m.HourlyActivity[j].Hour })

	for _, j := range jobs {
		m.ContentUsage.Total++
		m.ContentUsage.ByType[j.ContentType]++
		m.ContentUsage.ByStatus[j.Status]++
	}
	return m, nil
}

func countNonEmpty(m map[string]int, key string) {
	if strings.TrimSpace(key) != "" {
		m[key]++
	}
}

func (a *Aggregator) Stats(ctx context.Context) (Stats, error) {
	t, err := a.store.TurnTotals(ctx)
	if err != nil {
		return Stats{}, apperr.Wrap(apperr.Internal, "analytics.Stats", err, "summarising turns")
	}
	return Stats{
		TotalConversations: t.Turns,
		TotalUsers:         t.Users,
		TotalSessions:      t.Sessions,
		EarliestAt:         t.First,
		LatestAt:           t.Last,
	}, nil
}

// DownloadStats reports the downloads of a known content item.
func (a *Aggregator) DownloadStats(ctx context.Context, contentID string) (downloads.Stats, error) {
	if _, err := a.store.GetJob(ctx, contentID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return downloads.Stats{}, apperr.E(apperr.NotFound, "content %s not found", contentID)
		}
		return downloads.Stats{}, apperr.Wrap(apperr.Internal, "analytics.DownloadStats", err, "loading job")
	}
	s, err := a.downloads.Stats(ctx, contentID)
	if err != nil {
		return downloads.Stats{}, apperr.Wrap(apperr.Internal, "analytics.DownloadStats", err, "aggregating downloads")
	}
	return s, nil
}
