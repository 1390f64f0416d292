package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const turnColumns = `seq, turn_id, session_id, user_id, mode, user_message, ai_response, sources_json,
	response_time_ms, token_count, subject_id, topic_id, doc_name, created_at`

const liveTurnColumns = `t.seq, t.turn_id, t.session_id, t.user_id, t.mode, t.user_message, t.ai_response, t.sources_json,
	t.response_time_ms, t.token_count, t.subject_id, t.topic_id, t.doc_name, t.created_at`

func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	var sess Session
	var createdAt, lastActivity string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, role, created_at, last_activity_at, cached_context
		FROM sessions WHERE session_id = ?`, id,
	).Scan(&sess.SessionID, &sess.UserID, &sess.Role, &createdAt, &lastActivity, &sess.CachedContext)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return Session{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.LastActivityAt, err = parseTime(lastActivity); err != nil {
		return Session{}, fmt.Errorf("parsing last_activity_at: %w", err)
	}
	return sess, nil
}

// AppendTurn records t in the audit log and in the session's live memory,
// creating the session on first use. The returned turn carries its sequence
// number. ErrOwnerMismatch means the session id belongs to another user.
func (s *Store) AppendTurn(ctx context.Context, role string, t Turn) (Turn, error) {
	ts := formatTime(t.Timestamp)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Turn{}, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (session_id, user_id, role, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING`,
		t.SessionID, t.UserID, role, ts, ts,
	); err != nil {
		return Turn{}, fmt.Errorf("creating session: %w", err)
	}

	var owner string
	if err := tx.QueryRowContext(ctx, `SELECT user_id FROM sessions WHERE session_id = ?`, t.SessionID).Scan(&owner); err != nil {
		return Turn{}, fmt.Errorf("loading session owner: %w", err)
	}
	if owner != t.UserID {
		return Turn{}, ErrOwnerMismatch
	}

	sources, err := json.Marshal(t.Sources)
	if err != nil {
		return Turn{}, fmt.Errorf("marshalling sources: %w", err)
	}
	if t.Sources == nil {
		sources = []byte("[]")
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO conversation_turns (turn_id, session_id, user_id, mode, user_message, ai_response, sources_json,
			response_time_ms, token_count, subject_id, topic_id, doc_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TurnID, t.SessionID, t.UserID, t.Mode, t.UserMessage, t.AIResponse, string(sources),
		t.ResponseTimeMs, t.TokenCount, t.SubjectID, t.TopicID, t.DocName, ts,
	)
	if err != nil {
		return Turn{}, fmt.Errorf("inserting turn: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Turn{}, err
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO session_memory (session_id, turn_seq) VALUES (?, ?)`, t.SessionID, seq); err != nil {
		return Turn{}, fmt.Errorf("adding turn to memory: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET last_activity_at = ? WHERE session_id = ? AND last_activity_at < ?`, ts, t.SessionID, ts); err != nil {
		return Turn{}, fmt.Errorf("touching session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Turn{}, fmt.Errorf("committing turn: %w", err)
	}
	t.Seq = seq
	return t, nil
}

// LiveTurns returns the last `last` turns in the session's working memory in
// conversation order. last <= 0 returns all of them.
func (s *Store) LiveTurns(ctx context.Context, sessionID string, last int) ([]Turn, error) {
	query := `SELECT ` + liveTurnColumns + `
		FROM session_memory m JOIN conversation_turns t ON t.seq = m.turn_seq
		WHERE m.session_id = ?
		ORDER BY t.seq DESC`
	args := []any{sessionID}
	if last > 0 {
		query += ` LIMIT ?`
		args = append(args, last)
	}
	turns, err := s.queryTurns(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// ListTurns queries the audit log newest first, plus the total match count.
func (s *Store) ListTurns(ctx context.Context, f TurnFilter) ([]Turn, int, error) {
	var w whereClause
	if f.UserID != "" {
		w.add("user_id = ?", f.UserID)
	}
	if f.SessionID != "" {
		w.add("session_id = ?", f.SessionID)
	}
	if f.SubjectID != "" {
		w.add("subject_id = ?", f.SubjectID)
	}
	if f.TopicID != "" {
		w.add("topic_id = ?", f.TopicID)
	}
	if f.DocName != "" {
		w.add("doc_name = ?", f.DocName)
	}
	if !f.From.IsZero() {
		w.add("created_at >= ?", formatTime(f.From))
	}
	if !f.To.IsZero() {
		w.add("created_at <= ?", formatTime(f.To))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversation_turns`+w.String(), w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting turns: %w", err)
	}

	query := `SELECT ` + turnColumns + ` FROM conversation_turns` + w.String() + ` ORDER BY created_at DESC, seq DESC`
	args := w.args
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}
	turns, err := s.queryTurns(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return turns, total, nil
}

// Memory scopes accepted by ClearMemory.
const (
	ScopeFull     = "full"
	ScopeSubject  = "subject"
	ScopeTopic    = "topic"
	ScopeDocument = "document"
)

// ClearMemory drops turns from a session's working memory. ScopeFull drops
// all of them and the cached retrieval context; the other scopes drop only
// turns whose subject, topic or document equals target. The audit log is
// never touched. It returns the number of turns dropped.
func (s *Store) ClearMemory(ctx context.Context, sessionID, scope, target string) (int64, error) {
	var column string
	switch scope {
	case ScopeFull:
	case ScopeSubject:
		column = "subject_id"
	case ScopeTopic:
		column = "topic_id"
	case ScopeDocument:
		column = "doc_name"
	default:
		return 0, fmt.Errorf("unknown memory scope %q", scope)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning reset transaction: %w", err)
	}
	defer tx.Rollback()

	var res sql.Result
	if column == "" {
		res, err = tx.ExecContext(ctx, `DELETE FROM session_memory WHERE session_id = ?`, sessionID)
		if err == nil {
			_, err = tx.ExecContext(ctx, `UPDATE sessions SET cached_context = '' WHERE session_id = ?`, sessionID)
		}
	} else {
		res, err = tx.ExecContext(ctx, `
			DELETE FROM session_memory
			WHERE session_id = ? AND turn_seq IN (
				SELECT seq FROM conversation_turns WHERE session_id = ? AND `+column+` = ?)`,
			sessionID, sessionID, target)
	}
	if err != nil {
		return 0, fmt.Errorf("clearing memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func (s *Store) SetCachedContext(ctx context.Context, sessionID, text string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET cached_context = ? WHERE session_id = ?`, text, sessionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// EvictIdle clears the working memory of every session whose last activity
// is older than before and returns the affected session ids.
func (s *Store) EvictIdle(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT s.session_id FROM sessions s
		WHERE s.last_activity_at < ?
		AND (s.cached_context != '' OR EXISTS (SELECT 1 FROM session_memory m WHERE m.session_id = s.session_id))`,
		formatTime(before))
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := s.ClearMemory(ctx, id, ScopeFull, ""); err != nil {
			return nil, fmt.Errorf("evicting session %s: %w", id, err)
		}
	}
	return ids, nil
}

// TurnTotals summarises the whole audit log.
type TurnTotals struct {
	Turns    int
	Users    int
	Sessions int
	First    *time.Time
	Last     *time.Time
}

func (s *Store) TurnTotals(ctx context.Context) (TurnTotals, error) {
	var out TurnTotals
	var first, last sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT user_id), COUNT(DISTINCT session_id), MIN(created_at), MAX(created_at)
		FROM conversation_turns`).Scan(&out.Turns, &out.Users, &out.Sessions, &first, &last)
	if err != nil {
		return TurnTotals{}, err
	}
	if out.First, err = parseNullTime(first); err != nil {
		return TurnTotals{}, err
	}
	if out.Last, err = parseNullTime(last); err != nil {
		return TurnTotals{}, err
	}
	return out, nil
}

func (s *Store) queryTurns(ctx context.Context, query string, args ...any) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		var sources, createdAt string
		if err := rows.Scan(&t.Seq, &t.TurnID, &t.SessionID, &t.UserID, &t.Mode, &t.UserMessage, &t.AIResponse, &sources,
			&t.ResponseTimeMs, &t.TokenCount, &t.SubjectID, &t.TopicID, &t.DocName, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(sources), &t.Sources); err != nil {
			return nil, fmt.Errorf("parsing sources for turn %s: %w", t.TurnID, err)
		}
		ts, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for turn %s: %w", t.TurnID, err)
		}
		t.Timestamp = ts
		out = append(out, t)
	}
	return out, rows.Err()
}
