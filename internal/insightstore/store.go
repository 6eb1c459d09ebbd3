// Package insightstore implements the write path for insights: composite key
// assembly, the storage threshold, and TTL stamping.
package insightstore

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/product-insights/backend/internal/storage/models"
	"github.com/product-insights/backend/internal/storage/sqlite"
	"github.com/product-insights/backend/pkg/config"
	"github.com/product-insights/backend/pkg/logger"
)

type Store struct {
	db  *sqlite.Client
	cfg config.InsightsConfig
}

func NewStore(db *sqlite.Client, cfg config.InsightsConfig) *Store {
	return &Store{db: db, cfg: cfg}
}

// Put persists the analysis of one post. Insights scoring below the storage
// threshold are computed but never stored, keeping dashboard noise down; those
// return stored=false with no error. Writes are idempotent on the insight id.
func (s *Store) Put(ctx context.Context, post *models.Post, fields models.InsightFields, analyzedAt time.Time) (*models.Insight, bool, error) {
	if fields.PriorityScore < s.cfg.StorageThreshold {
		logger.Debug("Insight below storage threshold, skipping",
			zap.String("post_id", post.ID),
			zap.Int("priority", fields.PriorityScore),
			zap.Int("threshold", s.cfg.StorageThreshold),
		)
		return nil, false, nil
	}

	insight := &models.Insight{
		InsightID:            models.BuildInsightID(models.DateBucket(analyzedAt), fields.PriorityScore, post.ID),
		SourceType:           post.Platform,
		SourcePostID:         post.ID,
		SourceURL:            post.URL,
		Subreddit:            post.Subreddit,
		FeatureSummary:       fields.FeatureSummary,
		FeatureCategory:      models.NormalizeCategory(fields.FeatureCategory),
		PriorityScore:        fields.PriorityScore,
		UserSegment:          models.NormalizeCategory(fields.UserSegment),
		CompetitorsMentioned: fields.CompetitorsMentioned,
		Sentiment:            fields.Sentiment,
		ActionRequired:       fields.ActionRequired,
		SuggestedAction:      fields.SuggestedAction,
		PainPoints:           fields.PainPoints,
		ImplementationSize:   fields.ImplementationSize,
		AIReadiness:          fields.AIReadiness,
		PostScore:            post.Score,
		NumComments:          post.NumComments,
		AnalyzedAt:           analyzedAt.UTC(),
		CollectedAt:          post.CollectedAt.UTC(),
		TTL:                  analyzedAt.Add(time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).Unix(),
	}

	if err := s.db.PutInsight(ctx, insight); err != nil {
		return nil, false, err
	}
	return insight, true, nil
}

// HighPriority reports whether the insight qualifies for run alerts.
func (s *Store) HighPriority(in *models.Insight) bool {
	return in.PriorityScore >= s.cfg.HighPriorityScore
}
