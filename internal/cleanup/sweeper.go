// Package cleanup enforces the retention window on generated artifacts and
// idle session memory.
package cleanup

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/learnd/internal/artifact"
	"github.com/kalambet/learnd/internal/logger"
)

const (
	DefaultRetention = 30 * 24 * time.Hour
	DefaultInterval  = 24 * time.Hour
)

// SessionEvicter drops the working memory of idle sessions.
type SessionEvicter interface {
	EvictIdle(ctx context.Context, olderThan time.Duration) ([]string, error)
}

// Report summarises one sweep.
type Report struct {
	DirectoriesRemoved int       `json:"directoriesRemoved"`
	SessionsEvicted    int       `json:"sessionsEvicted"`
	Cutoff             time.Time `json:"cutoff"`
}

// Sweeper removes artifact directories and session memory older than the
// retention window. Job records are kept.
type Sweeper struct {
	artifacts artifact.Store
	sessions  SessionEvicter
	retention time.Duration
	interval  time.Duration
	log       *logger.Logger
	now       func() time.Time

	// mu keeps the ticker and on-demand sweeps from overlapping.
	mu sync.Mutex
}

func NewSweeper(artifacts artifact.Store, sessions SessionEvicter, retention, interval time.Duration, log *logger.Logger) *Sweeper {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{
		artifacts: artifacts,
		sessions:  sessions,
		retention: retention,
		interval:  interval,
		log:       log,
		now:       time.Now,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Error("retention sweep failed", "error", err)
			}
		}
	}
}

// Sweep removes every {userId}/{contentId} directory whose newest object is
// older than the retention window, then evicts idle session memory.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.retention)
	rep := Report{Cutoff: cutoff.UTC()}

	objs, err := s.artifacts.List(ctx, "")
	if err != nil {
		return rep, err
	}
	newest := map[string]time.Time{}
	for _, o := range objs {
		dir, ok := contentDir(o.Key)
		if !ok {
			continue
		}
		if o.ModTime.After(newest[dir]) {
			newest[dir] = o.ModTime
		}
	}
	for dir, mod := range newest {
		if !mod.Before(cutoff) {
			continue
		}
		if err := s.artifacts.DeletePrefix(ctx, dir); err != nil {
			return rep, err
		}
		rep.DirectoriesRemoved++
		s.log.Debug("removed expired artifacts", "prefix", dir, "modified", mod)
	}

	if s.sessions != nil {
		ids, err := s.sessions.EvictIdle(ctx, s.retention)
		if err != nil {
			return rep, err
		}
		rep.SessionsEvicted = len(ids)
	}

	s.log.Info("retention sweep finished", "directories_removed", rep.DirectoriesRemoved, "sessions_evicted", rep.SessionsEvicted)
	return rep, nil
}

// contentDir returns the "{userId}/{contentId}" part of an artifact key.
func contentDir(key string) (string, bool) {
	parts := strings.SplitN(key, "/", 3)
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" {
		return "", false
	}
	return parts[0] + "/" + parts[1], true
}
