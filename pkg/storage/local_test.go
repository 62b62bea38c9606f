package storage

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorage_WriteReadList(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)

	body := `{"messages":[]}`
	require.NoError(t, s.Write(ctx, "transcripts/lc1/1.json", strings.NewReader(body), int64(len(body)), "application/json"))
	require.NoError(t, s.Write(ctx, "transcripts/lc1/2.json", strings.NewReader(body), -1, ""))
	require.NoError(t, s.Write(ctx, "transcripts/lc2/1.json", strings.NewReader(body), -1, ""))

	rc, err := s.Read(ctx, "transcripts/lc1/1.json")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, body, string(got))

	files, err := s.List(ctx, "transcripts/lc1")
	require.NoError(t, err)
	assert.Len(t, files, 2)

	files, err = s.List(ctx, "transcripts/lc")
	require.NoError(t, err)
	assert.Empty(t, files, "stem match only applies to file names in the parent directory")

	ok, err := s.Exists(ctx, "transcripts/lc2/1.json")
	require.NoError(t, err)
	assert.True(t, ok)

	url, err := s.GetURL(ctx, "transcripts/lc2/1.json", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "/transcripts/lc2/1.json", url)
}

func TestLocalStorage_Missing(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)

	_, err = s.Read(ctx, "nope.json")
	assert.ErrorIs(t, err, ErrNotFound)

	files, err := s.List(ctx, "nowhere/at/all")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestLocalStorage_TraversalStaysInBase(t *testing.T) {
	base := t.TempDir()
	s, err := NewLocalStorage(LocalConfig{BasePath: base})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(s.fullPath("../../etc/passwd"), s.basePath))
}
