package artifact

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFS_PutOpenStat(t *testing.T) {
	ctx := context.Background()
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)

	key := Key("u1", "c1", "flashcards.csv")
	require.NoError(t, s.Put(ctx, key, strings.NewReader("a,b\n")))

	rc, obj, err := s.Open(ctx, key)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n", string(body))
	assert.EqualValues(t, 4, obj.Size)

	st, err := s.Stat(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, key, st.Key)

	// Overwrite replaces content.
	require.NoError(t, s.Put(ctx, key, strings.NewReader("x")))
	st, err = s.Stat(ctx, key)
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Size)
}

func TestFS_MissingIsNotFound(t *testing.T) {
	ctx := context.Background()
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)

	_, _, err = s.Open(ctx, "u1/c1/quiz.csv")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Stat(ctx, "u1/c1/quiz.csv")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "u1/c1/quiz.csv", strings.NewReader("q")))
	_, err = s.Stat(ctx, "u1/c1")
	assert.ErrorIs(t, err, ErrNotFound, "directories are not objects")
}

func TestFS_RejectsEscapingKeys(t *testing.T) {
	ctx := context.Background()
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)

	for _, k := range []string{"", "../etc/passwd", "u1/../../x", "."} {
		assert.Error(t, s.Put(ctx, k, strings.NewReader("x")), "key %q", k)
	}
}

func TestFS_ListAndDeletePrefix(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewFS(root)
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "u1/c1/video.mp4", strings.NewReader("v")))
	require.NoError(t, s.Put(ctx, "u1/c1/script.txt", strings.NewReader("s")))
	require.NoError(t, s.Put(ctx, "u1/c2/quiz.csv", strings.NewReader("q")))
	require.NoError(t, s.Put(ctx, "u2/c3/main.go", strings.NewReader("g")))
	// Leftover from an interrupted write.
	require.NoError(t, os.WriteFile(filepath.Join(root, "u1", "c1", ".tmp-123"), []byte("t"), 0o644))

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	c1, err := s.List(ctx, "u1/c1/")
	require.NoError(t, err)
	assert.Len(t, c1, 2)

	require.NoError(t, s.DeletePrefix(ctx, "u1/c1/"))
	c1, err = s.List(ctx, "u1/c1/")
	require.NoError(t, err)
	assert.Empty(t, c1)

	rest, err := s.List(ctx, "u1/")
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "text/csv", ContentType("flashcards.csv"))
	assert.Equal(t, "application/pdf", ContentType("document.PDF"))
	assert.Equal(t, "audio/mpeg", ContentType("audio.mp3"))
	assert.Equal(t, "application/octet-stream", ContentType("blob"))
}
