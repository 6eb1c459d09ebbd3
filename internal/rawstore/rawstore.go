// Package rawstore archives the fetched raw corpus as dated, immutable
// snapshots keyed by platform/date/run-timestamp.
package rawstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/product-insights/backend/internal/storage/models"
	"github.com/product-insights/backend/internal/storage/sqlite"
	"github.com/product-insights/backend/pkg/logger"
)

type Store struct {
	db *sqlite.Client
}

func NewStore(db *sqlite.Client) *Store {
	return &Store{db: db}
}

// Snapshot is the archived shape of one collection run for one platform.
type Snapshot struct {
	CollectedAt   time.Time              `json:"collected_at"`
	Config        map[string]interface{} `json:"config,omitempty"`
	PostsCount    int                    `json:"posts_count"`
	CommentsCount int                    `json:"comments_count"`
	Posts         []*models.Post         `json:"posts"`
}

// Save archives posts under platform/date/crawl_<timestamp> and returns the
// snapshot key. Snapshots are append-only; Save never overwrites.
func (s *Store) Save(ctx context.Context, platform models.Platform, posts []*models.Post, cfg map[string]interface{}) (string, error) {
	now := time.Now().UTC()
	dateBucket := models.DateBucket(now)
	key := fmt.Sprintf("%s/%s/crawl_%s", platform, dateBucket, now.Format("20060102_150405"))

	comments := 0
	for _, p := range posts {
		comments += p.CountComments()
	}

	snap := Snapshot{
		CollectedAt:   now,
		Config:        cfg,
		PostsCount:    len(posts),
		CommentsCount: comments,
		Posts:         posts,
	}

	body, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := s.db.PutSnapshot(ctx, key, platform, dateBucket, body, len(posts), comments); err != nil {
		return "", err
	}

	logger.Info("Raw snapshot archived",
		zap.String("key", key),
		zap.Int("posts", len(posts)),
		zap.Int("comments", comments),
	)
	return key, nil
}

// Load reads a snapshot back by key.
func (s *Store) Load(ctx context.Context, key string) (*Snapshot, error) {
	body, err := s.db.GetSnapshot(ctx, key)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot %s: %w", key, err)
	}
	return &snap, nil
}
