package archive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teachflow/teachflow-live/pkg/storage"
	"github.com/teachflow/teachflow-live/pkg/wire"
)

func TestArchiver(t *testing.T) {
	ctx := context.Background()
	objects, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)

	a := New(objects)
	clock := time.UnixMilli(1_700_000_000_000)
	a.now = func() time.Time { return clock }

	key, err := a.Save(ctx, "lc1", "t1", nil)
	require.NoError(t, err)
	assert.Empty(t, key, "empty transcripts are skipped")

	msgs := []wire.ChatMessage{{ID: "m1", Text: "one"}, {ID: "m2", Text: "two"}}
	first, err := a.Save(ctx, "lc1", "t1", msgs)
	require.NoError(t, err)
	assert.Equal(t, "transcripts/lc1/1700000000000.json", first)

	clock = clock.Add(time.Minute)
	second, err := a.Save(ctx, "lc1", "t1", msgs[:1])
	require.NoError(t, err)

	_, err = a.Save(ctx, "lc2", "t2", msgs)
	require.NoError(t, err)

	entries, err := a.List(ctx, "lc1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, second, entries[0].Key)
	assert.Equal(t, first, entries[1].Key)
	assert.NotEmpty(t, entries[0].URL)

	tr, err := a.Load(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "lc1", tr.LiveClassID)
	assert.Equal(t, "t1", tr.ClearedBy)
	assert.Equal(t, clock.Add(-time.Minute).UnixMilli(), tr.ClearedAt)
	assert.Equal(t, msgs, tr.Messages)
}
