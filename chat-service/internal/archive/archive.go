// Package archive writes cleared chat transcripts to object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/teachflow/teachflow-live/chat-service/internal/domain"
	"github.com/teachflow/teachflow-live/pkg/storage"
	"github.com/teachflow/teachflow-live/pkg/wire"
)

const prefix = "transcripts"

// Entry is one archived transcript.
type Entry struct {
	Key       string `json:"key"`
	URL       string `json:"url"`
	Size      int64  `json:"size"`
	CreatedAt int64  `json:"createdAt"`
}

type Archiver struct {
	store     storage.Storage
	urlExpiry time.Duration
	now       func() time.Time
}

func New(store storage.Storage) *Archiver {
	return &Archiver{store: store, urlExpiry: time.Hour, now: time.Now}
}

func key(liveClassID string, at time.Time) string {
	return path.Join(prefix, liveClassID, fmt.Sprintf("%d.json", at.UnixMilli()))
}

// Save writes msgs as one JSON document and returns its key. An empty
// transcript is not written.
func (a *Archiver) Save(ctx context.Context, liveClassID, clearedBy string, msgs []wire.ChatMessage) (string, error) {
	if len(msgs) == 0 {
		return "", nil
	}

	now := a.now()
	data, err := json.Marshal(domain.Transcript{
		LiveClassID: liveClassID,
		ClearedBy:   clearedBy,
		ClearedAt:   now.UnixMilli(),
		Messages:    msgs,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal transcript: %w", err)
	}

	k := key(liveClassID, now)
	if err := a.store.Write(ctx, k, bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
		return "", fmt.Errorf("failed to archive transcript: %w", err)
	}
	return k, nil
}

// List returns the archived transcripts of a live class, newest first.
func (a *Archiver) List(ctx context.Context, liveClassID string) ([]Entry, error) {
	files, err := a.store.List(ctx, path.Join(prefix, liveClassID)+"/")
	if err != nil {
		return nil, fmt.Errorf("failed to list transcripts: %w", err)
	}

	out := make([]Entry, 0, len(files))
	for _, f := range files {
		url, err := a.store.GetURL(ctx, f.Key, a.urlExpiry)
		if err != nil {
			return nil, fmt.Errorf("failed to sign %s: %w", f.Key, err)
		}
		out = append(out, Entry{
			Key:       f.Key,
			URL:       url,
			Size:      f.Size,
			CreatedAt: f.LastModified.UnixMilli(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key > out[j].Key })
	return out, nil
}

// Load reads one archived transcript.
func (a *Archiver) Load(ctx context.Context, key string) (*domain.Transcript, error) {
	rc, err := a.store.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var t domain.Transcript
	if err := json.NewDecoder(rc).Decode(&t); err != nil {
		return nil, fmt.Errorf("failed to decode transcript: %w", err)
	}
	return &t, nil
}
