package models

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/product-insights/backend/pkg/apierr"
)

// Platform identifies where a raw item was collected from.
type Platform string

const (
	PlatformReddit  Platform = "reddit"
	PlatformTwitter Platform = "twitter"
	PlatformSlack   Platform = "slack"
)

// ItemKind distinguishes posts from comments/replies.
type ItemKind string

const (
	KindPost    ItemKind = "post"
	KindComment ItemKind = "comment"
)

// RawItem is an unprocessed post or comment as fetched from a platform.
// Immutable once archived; a re-fetch produces a new snapshot.
type RawItem struct {
	ID          string    `json:"id"`
	Platform    Platform  `json:"platform"`
	Kind        ItemKind  `json:"kind"`
	ParentID    string    `json:"parent_id,omitempty"`
	Depth       int       `json:"depth"`
	Author      string    `json:"author"`
	Title       string    `json:"title,omitempty"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"created_at"`
	Score       int       `json:"score"`
	ContentHash string    `json:"content_hash"`
}

// Comment is a node in a post's reply tree. Depth of a reply is always
// parent depth + 1 and never exceeds the collector's configured maximum.
type Comment struct {
	ID             string     `json:"id"`
	SubmissionID   string     `json:"submission_id"`
	ParentID       string     `json:"parent_id"`
	Author         string     `json:"author"`
	Body           string     `json:"body"`
	Score          int        `json:"score"`
	CreatedAt      time.Time  `json:"created_utc"`
	Edited         bool       `json:"edited"`
	IsSubmitter    bool       `json:"is_submitter"`
	Permalink      string     `json:"permalink"`
	Depth          int        `json:"depth"`
	CollectedAt    time.Time  `json:"collected_at"`
	MatchedKeyword string     `json:"matched_keyword,omitempty"`
	ContentHash    string     `json:"content_hash,omitempty"`
	Replies        []*Comment `json:"replies"`
}

// Post is a platform submission together with its bounded comment forest.
type Post struct {
	ID          string     `json:"id"`
	Platform    Platform   `json:"platform"`
	Subreddit   string     `json:"subreddit,omitempty"`
	Channel     string     `json:"channel,omitempty"`
	Title       string     `json:"title"`
	Content     string     `json:"content"`
	Author      string     `json:"author"`
	CreatedAt   time.Time  `json:"created_utc"`
	Score       int        `json:"score"`
	UpvoteRatio float64    `json:"upvote_ratio,omitempty"`
	NumComments int        `json:"num_comments"`
	URL         string     `json:"url"`
	Flair       string     `json:"flair,omitempty"`
	Edited      bool       `json:"edited"`
	CollectedAt time.Time  `json:"collected_at"`
	ContentHash string     `json:"content_hash,omitempty"`
	Comments    []*Comment `json:"comments"`
}

// CountComments returns the number of comments in the post's tree, nested
// replies included.
func (p *Post) CountComments() int {
	total := 0
	var walk func(cs []*Comment)
	walk = func(cs []*Comment) {
		total += len(cs)
		for _, c := range cs {
			walk(c.Replies)
		}
	}
	walk(p.Comments)
	return total
}

// InsightFields is the structured output of the AI analysis stage.
type InsightFields struct {
	FeatureSummary       string   `json:"feature_summary"`
	FeatureCategory      string   `json:"feature_category"`
	PriorityScore        int      `json:"priority_score"`
	UserSegment          string   `json:"user_segment"`
	CompetitorsMentioned []string `json:"competitors_mentioned"`
	Sentiment            string   `json:"sentiment,omitempty"`
	ActionRequired       bool     `json:"action_required"`
	SuggestedAction      string   `json:"suggested_action"`
	PainPoints           []string `json:"pain_points,omitempty"`
	ImplementationSize   string   `json:"implementation_size,omitempty"`
	AIReadiness          string   `json:"ai_readiness,omitempty"`
}

// Insight is the normalized, AI-enriched record derived from one source post.
// Never mutated after creation; removed only via TTL expiry.
type Insight struct {
	InsightID            string    `json:"insight_id"`
	SourceType           Platform  `json:"source_type"`
	SourcePostID         string    `json:"source_post_id"`
	SourceURL            string    `json:"source_url"`
	Subreddit            string    `json:"subreddit,omitempty"`
	FeatureSummary       string    `json:"feature_summary"`
	FeatureCategory      string    `json:"feature_category"`
	PriorityScore        int       `json:"priority_score"`
	UserSegment          string    `json:"user_segment"`
	CompetitorsMentioned []string  `json:"competitors_mentioned"`
	Sentiment            string    `json:"sentiment,omitempty"`
	ActionRequired       bool      `json:"action_required"`
	SuggestedAction      string    `json:"suggested_action"`
	PainPoints           []string  `json:"pain_points,omitempty"`
	ImplementationSize   string    `json:"implementation_size,omitempty"`
	AIReadiness          string    `json:"ai_readiness,omitempty"`
	PostScore            int       `json:"post_score"`
	NumComments          int       `json:"num_comments"`
	AnalyzedAt           time.Time `json:"analyzed_at"`
	CollectedAt          time.Time `json:"collected_at"`
	TTL                  int64     `json:"ttl"`
}

// insightIDPattern matches the composite key shape
// INSIGHT#<date>#PRIORITY#<score>#ID#<source_post_id>.
var insightIDPattern = regexp.MustCompile(`^INSIGHT#(\d{4}-\d{2}-\d{2})#PRIORITY#(\d{1,2})#ID#([A-Za-z0-9_\-]+)$`)

// BuildInsightID assembles the composite sort key. The priority component is
// deliberately not zero-padded, so a lexicographic sort of these strings does
// not order scores >= 10 numerically. Ranked retrieval must use the dedicated
// priority column instead of sorting this key.
func BuildInsightID(date string, priority int, sourcePostID string) string {
	return fmt.Sprintf("INSIGHT#%s#PRIORITY#%d#ID#%s", date, priority, sourcePostID)
}

// ParseInsightID validates the composite key shape and returns its parts.
// A malformed id is a validation error, surfaced before any storage lookup.
func ParseInsightID(id string) (date string, priority int, sourcePostID string, err error) {
	m := insightIDPattern.FindStringSubmatch(id)
	if m == nil {
		return "", 0, "", apierr.Validation("Invalid insight id",
			"expected INSIGHT#<date>#PRIORITY#<score>#ID#<source_post_id>")
	}
	priority, convErr := strconv.Atoi(m[2])
	if convErr != nil || priority < 0 || priority > 10 {
		return "", 0, "", apierr.Validation("Invalid insight id", "priority component out of range")
	}
	return m[1], priority, m[3], nil
}

// Run is one ingestion execution, triggered manually or on a schedule.
type Run struct {
	Name        string     `json:"executionName"`
	Status      RunStatus  `json:"status"`
	TriggerTime time.Time  `json:"startDate"`
	StopTime    *time.Time `json:"stopDate,omitempty"`
	Source      string     `json:"trigger_source"`
	Input       RunInput   `json:"input"`
	Output      *RunOutput `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
}

type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusAborted   RunStatus = "ABORTED"
)

// Terminal reports whether the run is finished and can no longer be cancelled.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusAborted
}

// RunInput carries the per-run overrides accepted by POST /trigger.
type RunInput struct {
	Subreddits []string `json:"subreddits,omitempty"`
	CrawlType  string   `json:"crawl_type,omitempty"`
	DaysBack   int      `json:"days_back,omitempty"`
	MinScore   int      `json:"min_score,omitempty"`
}

// RunOutput summarizes a finished run.
type RunOutput struct {
	PostsCollected    int        `json:"posts_collected"`
	CommentsCollected int        `json:"comments_collected"`
	InsightsStored    int        `json:"insights_stored"`
	HighPriorityCount int        `json:"high_priority_count"`
	SourceFailures    []string   `json:"source_failures,omitempty"`
	Alerts            []RunAlert `json:"alerts,omitempty"`
	RawLocation       string     `json:"raw_location,omitempty"`
}

// RunAlert flags a stored insight at or above the high-priority score.
type RunAlert struct {
	PostID   string `json:"post_id"`
	Priority int    `json:"priority"`
	Summary  string `json:"summary"`
	Action   string `json:"action"`
}

// ValidCrawlTypes are the accepted values for RunInput.CrawlType.
func ValidCrawlType(t string) bool {
	switch t {
	case "", "listing", "search", "both":
		return true
	}
	return false
}

// DateBucket formats t as the day bucket used in insight partition keys.
func DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// NormalizeCategory lowercases and trims a category/segment value so grouping
// keys are stable across extractor runs.
func NormalizeCategory(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
