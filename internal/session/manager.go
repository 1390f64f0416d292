// Package session manages chat sessions: the insert-only turn history, the
// live working memory fed back into prompts, and scoped resets of that
// memory.
package session

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/learnd/internal/apperr"
	"github.com/kalambet/learnd/internal/logger"
	"github.com/kalambet/learnd/internal/paging"
	"github.com/kalambet/learnd/internal/storage"
)

// Store is the persistence the manager needs.
type Store interface {
	GetSession(ctx context.Context, id string) (storage.Session, error)
	AppendTurn(ctx context.Context, role string, t storage.Turn) (storage.Turn, error)
	LiveTurns(ctx context.Context, sessionID string, last int) ([]storage.Turn, error)
	ListTurns(ctx context.Context, f storage.TurnFilter) ([]storage.Turn, int, error)
	ClearMemory(ctx context.Context, sessionID, scope, target string) (int64, error)
	SetCachedContext(ctx context.Context, sessionID, text string) error
	EvictIdle(ctx context.Context, before time.Time) ([]string, error)
}

// Reset scopes.
const (
	ScopeFull     = storage.ScopeFull
	ScopeSubject  = storage.ScopeSubject
	ScopeTopic    = storage.ScopeTopic
	ScopeDocument = storage.ScopeDocument
)

type Manager struct {
	store Store
	cache Cache
	log   *logger.Logger
	now   func() time.Time

	// locks serialize cache fills against mutations of the same session.
	locks [64]sync.Mutex
}

// NewManager creates a Manager. cache may be nil.
func NewManager(store Store, cache Cache, log *logger.Logger) *Manager {
	return &Manager{store: store, cache: cache, log: log, now: time.Now}
}

// AppendTurn records t in sessionID, creating the session for userID on
// first use. TurnID and Timestamp are filled in when empty. A session owned
// by someone else is reported as not found.
func (m *Manager) AppendTurn(ctx context.Context, sessionID, userID, role string, t storage.Turn) (storage.Turn, error) {
	if strings.TrimSpace(sessionID) == "" || strings.TrimSpace(userID) == "" {
		return storage.Turn{}, apperr.E(apperr.Validation, "sessionId and userId are required")
	}
	t.SessionID = sessionID
	t.UserID = userID
	if t.TurnID == "" {
		t.TurnID = uuid.NewString()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = m.now().UTC()
	}

	mu := m.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	saved, err := m.store.AppendTurn(ctx, role, t)
	if errors.Is(err, storage.ErrOwnerMismatch) {
		return storage.Turn{}, apperr.E(apperr.NotFound, "session %s not found", sessionID)
	}
	if err != nil {
		return storage.Turn{}, apperr.Wrap(apperr.Internal, "session.AppendTurn", err, "recording turn")
	}
	if err := m.invalidate(ctx, sessionID); err != nil {
		// The turn is stored; a stale entry only hides it until the cache TTL.
		m.log.Warn("invalidating live memory cache failed", "session_id", sessionID, "error", err)
	}
	return saved, nil
}

// Live returns up to last turns of the session's working memory in
// conversation order; last <= 0 returns all. A session that does not exist
// yet has no memory.
func (m *Manager) Live(ctx context.Context, sessionID, userID string, last int) ([]storage.Turn, error) {
	e, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if e.UserID != "" && userID != "" && e.UserID != userID {
		return nil, apperr.E(apperr.NotFound, "session %s not found", sessionID)
	}
	turns := e.Turns
	if last > 0 && len(turns) > last {
		turns = turns[len(turns)-last:]
	}
	return turns, nil
}

func (m *Manager) load(ctx context.Context, sessionID string) (Entry, error) {
	if m.cache != nil {
		if e, ok := m.cache.Get(ctx, sessionID); ok {
			return e, nil
		}
	}
	mu := m.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := m.store.GetSession(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return Entry{}, nil
	}
	if err != nil {
		return Entry{}, apperr.Wrap(apperr.Internal, "session.Live", err, "loading session")
	}
	turns, err := m.store.LiveTurns(ctx, sessionID, 0)
	if err != nil {
		return Entry{}, apperr.Wrap(apperr.Internal, "session.Live", err, "loading live turns")
	}
	e := Entry{UserID: sess.UserID, Turns: turns}
	if m.cache != nil {
		m.cache.Set(ctx, sessionID, e)
	}
	return e, nil
}

func (m *Manager) lockFor(sessionID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return &m.locks[h.Sum32()%uint32(len(m.locks))]
}

func (m *Manager) invalidate(ctx context.Context, sessionID string) error {
	if m.cache == nil {
		return nil
	}
	return m.cache.Delete(ctx, sessionID)
}

// HistoryFilter narrows History. Zero values mean "any".
type HistoryFilter struct {
	SessionID string
	SubjectID string
	TopicID   string
	DocName   string
	From      time.Time
	To        time.Time
	Page      int
	Limit     int
}

type HistoryPage struct {
	Turns      []storage.Turn
	Pagination paging.Pagination
}

// History pages through a user's recorded turns, newest first. Resets never
// remove turns from history.
func (m *Manager) History(ctx context.Context, userID string, f HistoryFilter) (HistoryPage, error) {
	if strings.TrimSpace(userID) == "" {
		return HistoryPage{}, apperr.E(apperr.Validation, "userId is required")
	}
	if err := paging.Validate(f.Page, f.Limit); err != nil {
		return HistoryPage{}, err
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return HistoryPage{}, apperr.E(apperr.Validation, "end date is before start date")
	}

	turns, total, err := m.store.ListTurns(ctx, storage.TurnFilter{
		UserID:    userID,
		SessionID: f.SessionID,
		SubjectID: f.SubjectID,
		TopicID:   f.TopicID,
		DocName:   f.DocName,
		From:      f.From,
		To:        f.To,
		Limit:     f.Limit,
		Offset:    paging.Offset(f.Page, f.Limit),
	})
	if err != nil {
		return HistoryPage{}, apperr.Wrap(apperr.Internal, "session.History", err, "listing history")
	}
	if turns == nil {
		turns = []storage.Turn{}
	}
	return HistoryPage{Turns: turns, Pagination: paging.New(f.Page, f.Limit, total)}, nil
}

// Reset clears the session's working memory. ScopeFull (or "") clears all
// of it together with the cached retrieval context; the other scopes clear
// only turns whose subject, topic or document equals target. It returns the
// number of turns dropped.
func (m *Manager) Reset(ctx context.Context, sessionID, userID, scope, target string) (int64, error) {
	if scope == "" {
		scope = ScopeFull
	}
	switch scope {
	case ScopeFull:
	case ScopeSubject, ScopeTopic, ScopeDocument:
		if strings.TrimSpace(target) == "" {
			return 0, apperr.E(apperr.Validation, "reset scope %q requires a target", scope)
		}
	default:
		return 0, apperr.E(apperr.Validation, "unknown reset scope %q", scope)
	}

	sess, err := m.store.GetSession(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && userID != "" && sess.UserID != userID) {
		return 0, apperr.E(apperr.NotFound, "session %s not found", sessionID)
	}
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "session.Reset", err, "loading session")
	}

	mu := m.lockFor(sessionID)
	mu.Lock()
	n, err := m.store.ClearMemory(ctx, sessionID, scope, target)
	var cacheErr error
	if err == nil {
		cacheErr = m.invalidate(ctx, sessionID)
	}
	mu.Unlock()
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "session.Reset", err, "clearing memory")
	}
	// A reset that the cache still serves is not a reset.
	if cacheErr != nil {
		return 0, apperr.Wrap(apperr.Internal, "session.Reset", cacheErr, "clearing cached memory")
	}
	m.log.Info("session reset", "session_id", sessionID, "scope", scope, "dropped", n)
	return n, nil
}

// SetCachedContext stores the retrieval context last used for the session.
func (m *Manager) SetCachedContext(ctx context.Context, sessionID, text string) error {
	err := m.store.SetCachedContext(ctx, sessionID, text)
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.E(apperr.NotFound, "session %s not found", sessionID)
	}
	return apperr.Wrap(apperr.Internal, "session.SetCachedContext", err, "saving cached context")
}

// CachedContext returns the stored retrieval context, "" when none.
func (m *Manager) CachedContext(ctx context.Context, sessionID string) (string, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "session.CachedContext", err, "loading session")
	}
	return sess.CachedContext, nil
}

// EvictIdle clears the working memory of sessions idle for longer than
// olderThan and returns their ids.
func (m *Manager) EvictIdle(ctx context.Context, olderThan time.Duration) ([]string, error) {
	ids, err := m.store.EvictIdle(ctx, m.now().Add(-olderThan))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "session.EvictIdle", err, "evicting idle sessions")
	}
	for _, id := range ids {
		mu := m.lockFor(id)
		mu.Lock()
		if err := m.invalidate(ctx, id); err != nil {
			m.log.Warn("invalidating live memory cache failed", "session_id", id, "error", err)
		}
		mu.Unlock()
	}
	return ids, nil
}
