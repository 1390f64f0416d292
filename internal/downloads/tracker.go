// Package downloads records every successful content download and
// aggregates per-content statistics.
package downloads

import (
	"context"
	"fmt"
	"time"

	"github.com/kalambet/learnd/internal/metrics"
	"github.com/kalambet/learnd/internal/storage"
)

// Store is the persistence the tracker needs.
type Store interface {
	RecordDownload(ctx context.Context, d storage.DownloadRecord) error
	ListDownloads(ctx context.Context, contentID string) ([]storage.DownloadRecord, error)
}

// Stats summarises the downloads of one content item.
type Stats struct {
	ContentID        string                   `json:"contentId"`
	TotalDownloads   int                      `json:"totalDownloads"`
	Downloads        []storage.DownloadRecord `json:"downloads"`
	LastDownloadedAt *time.Time               `json:"lastDownloadedAt,omitempty"`
}

type Tracker struct {
	store Store
}

func NewTracker(store Store) *Tracker {
	return &Tracker{store: store}
}

// Record appends one download event. Every call is a separate event.
func (t *Tracker) Record(ctx context.Context, contentID string, at time.Time, downloaderContext string) error {
	if err := t.store.RecordDownload(ctx, storage.DownloadRecord{
		ContentID:         contentID,
		DownloadedAt:      at,
		DownloaderContext: downloaderContext,
	}); err != nil {
		return fmt.Errorf("recording download of %s: %w", contentID, err)
	}
	metrics.Downloads.Inc()
	return nil
}

// Stats aggregates the recorded downloads of contentID. A content item
// never downloaded has zero totals.
func (t *Tracker) Stats(ctx context.Context, contentID string) (Stats, error) {
	recs, err := t.store.ListDownloads(ctx, contentID)
	if err != nil {
		return Stats{}, fmt.Errorf("listing downloads of %s: %w", contentID, err)
	}
	s := Stats{ContentID: contentID, TotalDownloads: len(recs), Downloads: recs}
	if s.Downloads == nil {
		s.Downloads = []storage.DownloadRecord{}
	}
	for _, r := range recs {
		if s.LastDownloadedAt == nil || r.DownloadedAt.After(*s.LastDownloadedAt) {
			at := r.DownloadedAt
			s.LastDownloadedAt = &at
		}
	}
	return s, nil
}
