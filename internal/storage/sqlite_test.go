package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_ReopenDoesNotReapplyMigrations(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	require.NoError(t, err)
	first, err := s1.AppliedMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, first)
	require.NoError(t, s1.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()
	second, err := s2.AppliedMigrations()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPendingMigrations_SkipsApplied(t *testing.T) {
	all, err := pendingMigrations(nil)
	require.NoError(t, err)
	require.NotEmpty(t, all)
	assert.Equal(t, 1, all[0].version)

	rest, err := pendingMigrations(map[int]bool{1: true})
	require.NoError(t, err)
	assert.Len(t, rest, len(all)-1)
}

// TestIndexesExist verifies that the initial migration creates its indexes.
func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_content_jobs_user_created", "idx_content_jobs_status_claim", "idx_turns_user_created", "idx_downloads_content"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestTimeLayoutSortsLexically(t *testing.T) {
	a := time.Date(2025, 1, 1, 10, 0, 5, 0, time.UTC)
	b := a.Add(100 * time.Millisecond)
	assert.Less(t, formatTime(a), formatTime(b))

	parsed, err := parseTime(formatTime(b))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(b))
}

func newJob(id, user string, created time.Time) ContentJob {
	return ContentJob{
		ContentID:   id,
		UserID:      user,
		Role:        "learner",
		Mode:        "internal",
		ContentType: "flashcard",
		Prompt:      "photosynthesis",
		ConfigJSON:  `{"numCards":5}`,
		CreatedAt:   created,
		DocIDs:      []string{"d1"},
	}
}

func TestCreateAndGetJob(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, s.CreateJob(ctx, newJob("c1", "u1", now)))

	got, err := s.GetJob(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, []string{"d1"}, got.DocIDs)
	assert.True(t, got.CreatedAt.Equal(now))
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.RAG)

	_, err = s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateJob_DuplicateIDRejected(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateJob(ctx, newJob("c1", "u1", time.Now())))
	assert.Error(t, s.CreateJob(ctx, newJob("c1", "u2", time.Now())))
}

func TestListJobs_OrderFiltersAndTotals(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		j := newJob(fmt.Sprintf("c%d", i), "u1", base.Add(time.Duration(i)*time.Minute))
		if i%2 == 0 {
			j.ContentType = "quiz"
		}
		require.NoError(t, s.CreateJob(ctx, j))
	}
	require.NoError(t, s.CreateJob(ctx, newJob("other", "u2", base)))

	page1, total, err := s.ListJobs(ctx, JobFilter{UserID: "u1", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page1, 2)
	assert.Equal(t, "c4", page1[0].ContentID)
	assert.Equal(t, "c3", page1[1].ContentID)

	page3, total, err := s.ListJobs(ctx, JobFilter{UserID: "u1", Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page3, 1)
	assert.Equal(t, "c0", page3[0].ContentID)

	quizzes, total, err := s.ListJobs(ctx, JobFilter{UserID: "u1", ContentType: "quiz"})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, quizzes, 3)
}

func TestClaimCompleteFail(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateJob(ctx, newJob("c1", "u1", time.Now())))
	require.NoError(t, s.CreateJob(ctx, newJob("c2", "u1", time.Now().Add(time.Second))))

	j, err := s.ClaimNextJob(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "c1", j.ContentID)
	assert.Equal(t, StatusPending, j.Status)

	// Another worker cannot finish a job it does not hold.
	err = s.CompleteJob(ctx, "c1", "w2", "u1/c1/flashcards.csv", "/dl/c1", nil, time.Now())
	assert.ErrorIs(t, err, ErrConflict)

	rag := &RAGMetadata{RequestedDocIDs: []string{"d1"}, NumBlocksRetrieved: 2, RAGUsed: true, DocumentsUsed: []string{"bio.pdf"}}
	require.NoError(t, s.CompleteJob(ctx, "c1", "w1", "u1/c1/flashcards.csv", "/dl/c1", rag, time.Now()))

	got, err := s.GetJob(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, "u1/c1/flashcards.csv", got.FilePath)
	require.NotNil(t, got.RAG)
	assert.Equal(t, 2, got.RAG.NumBlocksRetrieved)

	// Terminal states are final.
	assert.ErrorIs(t, s.FailJob(ctx, "c1", "w1", "late", nil, time.Now()), ErrConflict)
	assert.ErrorIs(t, s.FailJob(ctx, "nope", "w1", "x", nil, time.Now()), ErrNotFound)

	j2, err := s.ClaimNextJob(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, j2)
	require.NoError(t, s.FailJob(ctx, j2.ContentID, "w1", "provider: quota exhausted", nil, time.Now()))

	got2, err := s.GetJob(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got2.Status)
	assert.Equal(t, "provider: quota exhausted", got2.Error)
	assert.NotNil(t, got2.CompletedAt)

	none, err := s.ClaimNextJob(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestClaimNextJob_ConcurrentWorkersNeverShareAJob(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 20; i++ {
		require.NoError(t, s.CreateJob(ctx, newJob(fmt.Sprintf("c%02d", i), "u1", time.Now())))
	}

	var mu sync.Mutex
	claimedBy := map[string]string{}
	var wg sync.WaitGroup
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				j, err := s.ClaimNextJob(ctx, worker)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				if prev, ok := claimedBy[j.ContentID]; ok {
					t.Errorf("job %s claimed by %s and %s", j.ContentID, prev, worker)
				}
				claimedBy[j.ContentID] = worker
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()
	assert.Len(t, claimedBy, 20)
}

func TestReleaseClaims(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateJob(ctx, newJob("c1", "u1", time.Now())))
	_, err := s.ClaimNextJob(ctx, "crashed-worker")
	require.NoError(t, err)

	none, err := s.ClaimNextJob(ctx, "w2")
	require.NoError(t, err)
	assert.Nil(t, none)

	n, err := s.ReleaseClaims(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	j, err := s.ClaimNextJob(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "c1", j.ContentID)
}

func turn(session, user, msg string, at time.Time) Turn {
	return Turn{
		TurnID:      fmt.Sprintf("%s-%s-%d", session, msg, at.UnixNano()),
		SessionID:   session,
		UserID:      user,
		Mode:        "internal",
		UserMessage: msg,
		AIResponse:  "answer to " + msg,
		Timestamp:   at,
	}
}

func TestAppendTurn_CreatesSessionLazily(t *testing.T) {
	s := openTestStore(t)
	at := time.Now().UTC()

	_, err := s.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.AppendTurn(ctx, "learner", turn("s1", "u1", "hi", at))
	require.NoError(t, err)
	assert.Positive(t, got.Seq)

	sess, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "u1", sess.UserID)
	assert.Equal(t, "learner", sess.Role)

	later := at.Add(time.Minute)
	_, err = s.AppendTurn(ctx, "learner", turn("s1", "u1", "again", later))
	require.NoError(t, err)
	sess, err = s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, sess.LastActivityAt.Equal(later.Truncate(time.Microsecond)))

	_, err = s.AppendTurn(ctx, "learner", turn("s1", "intruder", "x", later))
	assert.ErrorIs(t, err, ErrOwnerMismatch)
}

func TestLiveTurns_OrderAndWindow(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		_, err := s.AppendTurn(ctx, "learner", turn("s1", "u1", fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	all, err := s.LiveTurns(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "m0", all[0].UserMessage)
	assert.Equal(t, "m4", all[4].UserMessage)

	last2, err := s.LiveTurns(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, last2, 2)
	assert.Equal(t, "m3", last2[0].UserMessage)
	assert.Equal(t, "m4", last2[1].UserMessage)
}

func TestClearMemory_FullKeepsHistory(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().UTC()
	_, err := s.AppendTurn(ctx, "learner", turn("s1", "u1", "before", base))
	require.NoError(t, err)
	require.NoError(t, s.SetCachedContext(ctx, "s1", "cached blocks"))

	n, err := s.ClearMemory(ctx, "s1", ScopeFull, "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.AppendTurn(ctx, "learner", turn("s1", "u1", "after", base.Add(time.Second)))
	require.NoError(t, err)

	live, err := s.LiveTurns(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "after", live[0].UserMessage)

	hist, total, err := s.ListTurns(ctx, TurnFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, "after", hist[0].UserMessage)
	assert.Equal(t, "before", hist[1].UserMessage)

	sess, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, sess.CachedContext)
}

func TestClearMemory_Scoped(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().UTC()
	bio := turn("s1", "u1", "bio", base)
	bio.SubjectID = "biology"
	chem := turn("s1", "u1", "chem", base.Add(time.Second))
	chem.SubjectID = "chemistry"
	for _, tt := range []Turn{bio, chem} {
		_, err := s.AppendTurn(ctx, "learner", tt)
		require.NoError(t, err)
	}

	n, err := s.ClearMemory(ctx, "s1", ScopeSubject, "biology")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	live, err := s.LiveTurns(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "chem", live[0].UserMessage)

	_, err = s.ClearMemory(ctx, "s1", "galaxy", "")
	assert.Error(t, err)
}

func TestListTurns_Filters(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	a := turn("s1", "u1", "a", base)
	a.TopicID = "cells"
	a.DocName = "bio.pdf"
	b := turn("s2", "u1", "b", base.Add(24*time.Hour))
	c := turn("s3", "u2", "c", base)
	for _, tt := range []Turn{a, b, c} {
		_, err := s.AppendTurn(ctx, "learner", tt)
		require.NoError(t, err)
	}

	got, total, err := s.ListTurns(ctx, TurnFilter{UserID: "u1", TopicID: "cells"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "a", got[0].UserMessage)

	got, total, err = s.ListTurns(ctx, TurnFilter{UserID: "u1", From: base.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "b", got[0].UserMessage)

	got, total, err = s.ListTurns(ctx, TurnFilter{DocName: "bio.pdf", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, got, 1)
}

func TestEvictIdle(t *testing.T) {
	s := openTestStore(t)
	old := time.Now().UTC().Add(-48 * time.Hour)
	_, err := s.AppendTurn(ctx, "learner", turn("old", "u1", "x", old))
	require.NoError(t, err)
	_, err = s.AppendTurn(ctx, "learner", turn("fresh", "u1", "y", time.Now().UTC()))
	require.NoError(t, err)

	ids, err := s.EvictIdle(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)

	live, err := s.LiveTurns(ctx, "old", 0)
	require.NoError(t, err)
	assert.Empty(t, live)

	totals, err := s.TurnTotals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, totals.Turns)
	assert.Equal(t, 1, totals.Users)
	assert.Equal(t, 2, totals.Sessions)
	require.NotNil(t, totals.First)
}

func TestDownloads(t *testing.T) {
	s := openTestStore(t)
	t0 := time.Now().UTC()
	require.NoError(t, s.RecordDownload(ctx, DownloadRecord{ContentID: "c1", DownloadedAt: t0, DownloaderContext: "ip=1.2.3.4"}))
	require.NoError(t, s.RecordDownload(ctx, DownloadRecord{ContentID: "c1", DownloadedAt: t0.Add(time.Second)}))
	require.NoError(t, s.RecordDownload(ctx, DownloadRecord{ContentID: "c2", DownloadedAt: t0}))

	got, err := s.ListDownloads(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "ip=1.2.3.4", got[0].DownloaderContext)
	assert.True(t, got[1].DownloadedAt.After(got[0].DownloadedAt))
}

func TestDocuments(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()
	require.NoError(t, s.SaveDocument(ctx, KnowledgeDocument{DocID: "d1", SubjectID: "bio", TopicID: "cells", DocName: "a.pdf", ChunkCount: 3, CreatedAt: now}))
	require.NoError(t, s.SaveDocument(ctx, KnowledgeDocument{DocID: "d2", SubjectID: "chem", TopicID: "atoms", DocName: "b.txt", CreatedAt: now}))

	docs, err := s.ListDocuments(ctx, "bio", "")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, 3, docs[0].ChunkCount)

	all, err := s.ListDocuments(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
