package filter

import (
	"context"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/product-insights/backend/internal/storage/models"
	"github.com/product-insights/backend/pkg/logger"
	"github.com/product-insights/backend/pkg/utils"
)

var whitespacePattern = regexp.MustCompile(`\s+`)

// NormalizeBody strips HTML markup and collapses whitespace so that cosmetic
// rendering differences do not change a fingerprint.
func NormalizeBody(body string) string {
	if strings.Contains(body, "<") && strings.Contains(body, ">") {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(body)); err == nil {
			body = doc.Text()
		}
	}
	body = whitespacePattern.ReplaceAllString(body, " ")
	return strings.TrimSpace(body)
}

// PostFingerprint hashes the fields whose change should re-trigger analysis.
func PostFingerprint(p *models.Post) string {
	hash, _ := utils.HashJSON(map[string]interface{}{
		"id":           p.ID,
		"score":        p.Score,
		"edited":       p.Edited,
		"num_comments": p.NumComments,
	})
	return hash
}

// CommentFingerprint hashes the change-relevant fields of a comment.
func CommentFingerprint(c *models.Comment) string {
	hash, _ := utils.HashJSON(map[string]interface{}{
		"id":     c.ID,
		"score":  c.Score,
		"edited": c.Edited,
	})
	return hash
}

// BodyFingerprint hashes the normalized body text. Used for content-level
// change detection on platforms without edit metadata.
func BodyFingerprint(body string) string {
	return utils.HashString(NormalizeBody(body))
}

// RecordStore persists fingerprints between runs for incremental crawling.
// Bucket is the subreddit/channel name, with a "_search" suffix for the
// search strategy so the two discovery paths track independently.
type RecordStore interface {
	GetFingerprint(ctx context.Context, bucket, itemID string) (string, bool, error)
	PutFingerprint(ctx context.Context, bucket, itemID, hash string) error
	SetLastCrawl(ctx context.Context, bucket string) error
}

// ChangeDetector wraps a RecordStore with full-mode fallback: when the store
// is unavailable every item is treated as new rather than failing the run.
type ChangeDetector struct {
	records     RecordStore
	incremental bool
	degraded    bool
}

func NewChangeDetector(records RecordStore, incremental bool) *ChangeDetector {
	return &ChangeDetector{records: records, incremental: incremental}
}

// Unchanged reports whether the item's fingerprint matches the prior run.
// Always false in full mode or when the record store has failed.
func (d *ChangeDetector) Unchanged(ctx context.Context, bucket, itemID, hash string) bool {
	if !d.incremental || d.records == nil || d.degraded {
		return false
	}
	prev, ok, err := d.records.GetFingerprint(ctx, bucket, itemID)
	if err != nil {
		logger.Warn("Record store unavailable, falling back to full mode", zap.Error(err))
		d.degraded = true
		return false
	}
	return ok && prev == hash
}

// Remember stores the fingerprint for the next run. Failures are logged, not
// fatal: losing a record only costs a re-analysis later.
func (d *ChangeDetector) Remember(ctx context.Context, bucket, itemID, hash string) {
	if d.records == nil || d.degraded {
		return
	}
	if err := d.records.PutFingerprint(ctx, bucket, itemID, hash); err != nil {
		logger.Warn("Failed to record fingerprint",
			zap.String("bucket", bucket),
			zap.String("item_id", itemID),
			zap.Error(err),
		)
	}
}

// MarkCrawled stamps the bucket's last successful crawl time.
func (d *ChangeDetector) MarkCrawled(ctx context.Context, bucket string) {
	if d.records == nil || d.degraded {
		return
	}
	if err := d.records.SetLastCrawl(ctx, bucket); err != nil {
		logger.Warn("Failed to record crawl time", zap.String("bucket", bucket), zap.Error(err))
	}
}
