package twitter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/product-insights/backend/internal/filter"
	"github.com/product-insights/backend/internal/source"
	"github.com/product-insights/backend/internal/storage/models"
	"github.com/product-insights/backend/pkg/apierr"
	"github.com/product-insights/backend/pkg/config"
	"github.com/product-insights/backend/pkg/logger"
)

// HTTPClient allows injecting a fake transport in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	// Minimum likes + retweets before a tweet counts as signal.
	defaultMinEngagement = 5

	// Pause between search queries, staying inside the per-window quota.
	queryPause = 2 * time.Second

	// The recent-search endpoint only covers the last 7 days.
	maxLookbackDays = 7

	requestTimeout = 15 * time.Second

	// Stop collecting when less than this remains before the deadline, so
	// the run can still archive what it has.
	deadlineBuffer = 2 * time.Minute
)

// tierMaxResults caps the page size per API tier. The free tier is nearly
// unusable but still supported for smoke testing.
var tierMaxResults = map[string]int{
	"free":  10,
	"basic": 100,
	"pro":   100,
}

// Client fetches tweets from the X API v2 recent-search endpoint.
type Client struct {
	httpClient    HTTPClient
	baseURL       string
	bearerToken   string
	apiTier       string
	minEngagement int
	cfg           config.CollectorConfig
	relevance     *filter.Relevance
	detector      *filter.ChangeDetector

	sleep func(time.Duration)
	now   func() time.Time
}

type Option func(*Client)

func WithHTTPClient(hc HTTPClient) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

func WithSleep(fn func(time.Duration)) Option {
	return func(c *Client) { c.sleep = fn }
}

func WithClock(fn func() time.Time) Option {
	return func(c *Client) { c.now = fn }
}

func NewClient(twitterCfg config.TwitterConfig, collectorCfg config.CollectorConfig, detector *filter.ChangeDetector, opts ...Option) *Client {
	c := &Client{
		httpClient:    &http.Client{Timeout: requestTimeout},
		baseURL:       twitterCfg.BaseURL,
		bearerToken:   twitterCfg.BearerToken,
		apiTier:       twitterCfg.APITier,
		minEngagement: defaultMinEngagement,
		cfg:           collectorCfg,
		relevance:     filter.NewRelevance(collectorCfg.Keywords, false),
		detector:      detector,
		sleep:         time.Sleep,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Platform() models.Platform {
	return models.PlatformTwitter
}

// Fetch searches recent tweets for each keyword and keeps those that clear
// the engagement threshold. Collection stops early when the context deadline
// approaches; whatever was gathered is still returned.
func (c *Client) Fetch(ctx context.Context, opts source.Options) (*source.Result, error) {
	if c.bearerToken == "" {
		return nil, apierr.SourceUnavailable("Twitter bearer token not configured", nil)
	}

	keywords := opts.Keywords
	if len(keywords) == 0 {
		keywords = c.relevance.Keywords()
	}
	daysBack := opts.DaysBack
	if daysBack == 0 {
		daysBack = c.cfg.DaysBack
	}
	if daysBack > maxLookbackDays {
		daysBack = maxLookbackDays
	}
	minEngagement := opts.MinScore
	if minEngagement == 0 {
		minEngagement = c.minEngagement
	}

	maxResults := tierMaxResults[c.apiTier]
	if maxResults == 0 {
		maxResults = tierMaxResults["basic"]
	}
	startTime := c.now().UTC().AddDate(0, 0, -daysBack)

	result := &source.Result{}
	for i, kw := range keywords {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if c.nearDeadline(ctx) {
			logger.Warn("Approaching deadline, stopping Twitter collection",
				zap.Int("queries_processed", i), zap.Int("queries_total", len(keywords)))
			result.Failures = append(result.Failures, "twitter: stopped early before deadline")
			break
		}

		tweets, err := c.searchRecent(ctx, kw, startTime, maxResults)
		if err != nil {
			logger.Warn("Twitter search failed", zap.String("query", kw), zap.Error(err))
			result.Failures = append(result.Failures, fmt.Sprintf("twitter/%s: %v", kw, err))
			if apierr.IsKind(err, apierr.KindSourceUnavailable) {
				break
			}
			continue
		}

		for _, tw := range tweets {
			engagement := tw.PublicMetrics.LikeCount + tw.PublicMetrics.RetweetCount
			if engagement < minEngagement {
				continue
			}
			if !c.relevance.MatchText(tw.Text) {
				continue
			}

			post := c.postFromTweet(tw, engagement)
			hash := filter.PostFingerprint(post)
			if c.detector.Unchanged(ctx, "twitter", post.ID, hash) {
				continue
			}
			post.ContentHash = hash
			post.Comments = nil

			c.detector.Remember(ctx, "twitter", post.ID, hash)
			result.Posts = source.MergePosts(result.Posts, []*models.Post{post})
		}

		if i < len(keywords)-1 {
			c.sleep(queryPause)
		}
	}
	c.detector.MarkCrawled(ctx, "twitter")

	logger.Info("Twitter fetch complete",
		zap.Int("posts", len(result.Posts)),
		zap.Int("source_failures", len(result.Failures)),
	)
	return result, nil
}

// nearDeadline reports whether the context deadline is close enough that
// starting another query is not worth it.
func (c *Client) nearDeadline(ctx context.Context) bool {
	deadline, ok := ctx.Deadline()
	if !ok {
		return false
	}
	return c.now().Add(deadlineBuffer).After(deadline)
}

// searchRecent performs one recent-search call. A 429 waits for the window
// reset advertised in the response headers and retries once, but only when
// the deadline allows it.
func (c *Client) searchRecent(ctx context.Context, query string, startTime time.Time, maxResults int) ([]tweet, error) {
	q := url.Values{}
	q.Set("query", query)
	q.Set("start_time", startTime.Format(time.RFC3339))
	q.Set("max_results", strconv.Itoa(maxResults))
	q.Set("tweet.fields", "created_at,public_metrics,author_id,conversation_id,lang")
	q.Set("expansions", "author_id")
	q.Set("user.fields", "username,name,verified")
	u := c.baseURL + "/2/tweets/search/recent?" + q.Encode()

	for attempt := 0; attempt < 2; attempt++ {
		resp, err := c.doRequest(ctx, u)
		if err == nil {
			return resp.tweets(), nil
		}

		var rl *rateLimitError
		if !asRateLimit(err, &rl) {
			return nil, err
		}
		wait := rl.waitFor(c.now())
		if attempt > 0 || !c.canWait(ctx, wait) {
			return nil, apierr.SourceUnavailable("Twitter rate limit exceeded", err)
		}
		logger.Warn("Twitter rate limited, waiting for window reset",
			zap.String("query", query), zap.Duration("wait", wait))
		c.sleep(wait)
	}
	return nil, apierr.SourceUnavailable("Twitter rate limit exceeded", nil)
}

// canWait reports whether sleeping for wait still leaves room before the
// context deadline.
func (c *Client) canWait(ctx context.Context, wait time.Duration) bool {
	deadline, ok := ctx.Deadline()
	if !ok {
		return true
	}
	return c.now().Add(wait + deadlineBuffer).Before(deadline)
}

func (c *Client) doRequest(ctx context.Context, u string) (*searchResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.bearerToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apierr.SourceUnavailable("Twitter request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return nil, newRateLimitError(resp.Header)
	case resp.StatusCode == http.StatusUnauthorized:
		io.Copy(io.Discard, resp.Body)
		return nil, apierr.SourceUnavailable("Twitter authentication failed", nil)
	case resp.StatusCode != http.StatusOK:
		return nil, apierr.SourceUnavailable(
			fmt.Sprintf("Twitter returned status %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.SourceUnavailable("Failed to read Twitter response", err)
	}
	var sr searchResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("failed to parse Twitter response: %w", err)
	}
	return &sr, nil
}

func (c *Client) postFromTweet(tw tweet, engagement int) *models.Post {
	author := tw.Username
	if author == "" {
		author = tw.AuthorID
	}
	return &models.Post{
		ID:          tw.ID,
		Platform:    models.PlatformTwitter,
		Title:       firstLine(tw.Text),
		Content:     tw.Text,
		Author:      author,
		CreatedAt:   tw.CreatedAt.UTC(),
		Score:       engagement,
		NumComments: tw.PublicMetrics.ReplyCount,
		URL:         fmt.Sprintf("https://twitter.com/%s/status/%s", author, tw.ID),
		CollectedAt: c.now().UTC(),
	}
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
