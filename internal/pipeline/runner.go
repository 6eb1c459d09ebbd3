package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/product-insights/backend/internal/extract"
	"github.com/product-insights/backend/internal/insightstore"
	"github.com/product-insights/backend/internal/metrics"
	"github.com/product-insights/backend/internal/rawstore"
	"github.com/product-insights/backend/internal/source"
	"github.com/product-insights/backend/internal/storage/models"
	"github.com/product-insights/backend/pkg/logger"
)

// Runner executes one ingestion run: fetch from every platform, archive the
// raw corpus, analyze each post and persist the qualifying insights.
type Runner struct {
	fetchers  []source.Fetcher
	raw       *rawstore.Store
	insights  *insightstore.Store
	extractor extract.Extractor
}

func NewRunner(fetchers []source.Fetcher, raw *rawstore.Store, insights *insightstore.Store, extractor extract.Extractor) *Runner {
	return &Runner{fetchers: fetchers, raw: raw, insights: insights, extractor: extractor}
}

// Execute runs the full pipeline for one run. Platform fetches run
// concurrently since they share no state; everything downstream is a single
// linear flow. Cancellation between items leaves the stores consistent
// because each insight write is atomic.
func (r *Runner) Execute(ctx context.Context, input models.RunInput) (*models.RunOutput, error) {
	started := time.Now()
	opts := source.Options{
		CrawlType: input.CrawlType,
		DaysBack:  input.DaysBack,
		MinScore:  input.MinScore,
		Sources:   input.Subreddits,
	}

	results := make([]*source.Result, len(r.fetchers))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range r.fetchers {
		i, f := i, f
		g.Go(func() error {
			res, err := f.Fetch(gctx, opts)
			if res == nil {
				res = &source.Result{}
			}
			if err != nil {
				// A completely failed platform is a degraded run, not a
				// dead one, unless it was the cancellation itself.
				if gctx.Err() != nil {
					return gctx.Err()
				}
				logger.Error("Platform fetch failed",
					zap.String("platform", string(f.Platform())), zap.Error(err))
				res.Failures = append(res.Failures, fmt.Sprintf("%s: %v", f.Platform(), err))
				metrics.FetchErrors.WithLabelValues(string(f.Platform())).Inc()
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	output := &models.RunOutput{}
	var allPosts []*models.Post

	for i, f := range r.fetchers {
		res := results[i]
		platform := string(f.Platform())
		output.SourceFailures = append(output.SourceFailures, res.Failures...)

		comments := 0
		for _, p := range res.Posts {
			comments += p.CountComments()
		}
		metrics.PostsCollected.WithLabelValues(platform).Add(float64(len(res.Posts)))
		metrics.CommentsCollected.WithLabelValues(platform).Add(float64(comments))
		output.PostsCollected += len(res.Posts)
		output.CommentsCollected += comments

		if len(res.Posts) == 0 {
			continue
		}
		key, err := r.raw.Save(ctx, f.Platform(), res.Posts, runConfig(input))
		if err != nil {
			return output, fmt.Errorf("failed to archive %s snapshot: %w", platform, err)
		}
		if output.RawLocation == "" {
			output.RawLocation = key
		}
		allPosts = append(allPosts, res.Posts...)
	}

	if err := r.analyze(ctx, allPosts, output); err != nil {
		return output, err
	}

	metrics.RunDuration.Observe(time.Since(started).Seconds())
	logger.Info("Run complete",
		zap.Int("posts", output.PostsCollected),
		zap.Int("comments", output.CommentsCollected),
		zap.Int("insights_stored", output.InsightsStored),
		zap.Int("high_priority", output.HighPriorityCount),
		zap.Duration("elapsed", time.Since(started)),
	)
	return output, nil
}

// analyze runs each post through the extractor and stores qualifying
// insights. A post whose analysis fails is skipped; cancellation stops
// between posts so no partial insight is ever written.
func (r *Runner) analyze(ctx context.Context, posts []*models.Post, output *models.RunOutput) error {
	for _, post := range posts {
		if err := ctx.Err(); err != nil {
			return err
		}

		fields, err := r.extractor.Extract(ctx, post)
		if err != nil {
			logger.Warn("Post analysis failed, skipping",
				zap.String("post_id", post.ID), zap.Error(err))
			metrics.InsightsExtracted.WithLabelValues("error").Inc()
			continue
		}
		metrics.InsightsExtracted.WithLabelValues("ok").Inc()

		insight, stored, err := r.insights.Put(ctx, post, *fields, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to store insight for post %s: %w", post.ID, err)
		}
		if !stored {
			metrics.InsightsSuppressed.Inc()
			continue
		}
		metrics.InsightsStored.Inc()
		output.InsightsStored++

		if r.insights.HighPriority(insight) {
			output.HighPriorityCount++
			output.Alerts = append(output.Alerts, models.RunAlert{
				PostID:   insight.SourcePostID,
				Priority: insight.PriorityScore,
				Summary:  insight.FeatureSummary,
				Action:   insight.SuggestedAction,
			})
			metrics.HighPriorityAlerts.Inc()
			logger.Info("High-priority insight",
				zap.String("insight_id", insight.InsightID),
				zap.Int("priority", insight.PriorityScore),
				zap.String("summary", insight.FeatureSummary),
			)
		}
	}
	return nil
}

// runConfig is the parameter echo archived with each snapshot so a stored
// corpus can be traced back to the knobs that produced it.
func runConfig(input models.RunInput) map[string]interface{} {
	cfg := map[string]interface{}{}
	if len(input.Subreddits) > 0 {
		cfg["subreddits"] = input.Subreddits
	}
	if input.CrawlType != "" {
		cfg["crawl_type"] = input.CrawlType
	}
	if input.DaysBack > 0 {
		cfg["days_back"] = input.DaysBack
	}
	if input.MinScore != 0 {
		cfg["min_score"] = input.MinScore
	}
	return cfg
}
