package storage

import (
	"context"
	"fmt"
)

// RecordDownload appends one download event. Repeated downloads are repeated
// events; nothing is deduplicated.
func (s *Store) RecordDownload(ctx context.Context, d DownloadRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO downloads (content_id, downloaded_at, downloader_context) VALUES (?, ?, ?)`,
		d.ContentID, formatTime(d.DownloadedAt), d.DownloaderContext,
	)
	return err
}

// ListDownloads returns every download of contentID in the order recorded.
func (s *Store) ListDownloads(ctx context.Context, contentID string) ([]DownloadRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT content_id, downloaded_at, downloader_context
		FROM downloads WHERE content_id = ? ORDER BY id ASC`, contentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DownloadRecord
	for rows.Next() {
		var d DownloadRecord
		var at string
		if err := rows.Scan(&d.ContentID, &at, &d.DownloaderContext); err != nil {
			return nil, err
		}
		if d.DownloadedAt, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("parsing downloaded_at: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
