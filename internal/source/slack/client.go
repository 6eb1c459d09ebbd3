package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
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
	// Pause between Web API calls. conversations.history is Tier 3
	// (50+/minute) so one call per second is comfortably inside it.
	apiDelay = time.Second

	historyPageSize = 100
	requestTimeout  = 15 * time.Second
)

// Client fetches channel history and thread replies from the Slack Web API.
type Client struct {
	httpClient HTTPClient
	baseURL    string
	botToken   string
	channels   []string
	cfg        config.CollectorConfig
	relevance  *filter.Relevance
	detector   *filter.ChangeDetector

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

func NewClient(slackCfg config.SlackConfig, collectorCfg config.CollectorConfig, detector *filter.ChangeDetector, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    slackCfg.BaseURL,
		botToken:   slackCfg.BotToken,
		channels:   slackCfg.Channels,
		cfg:        collectorCfg,
		relevance:  filter.NewRelevance(collectorCfg.Keywords, false),
		detector:   detector,
		sleep:      time.Sleep,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Platform() models.Platform {
	return models.PlatformSlack
}

// Fetch walks each configured channel's recent history and keeps keyword
// matches, pulling thread replies for matched messages. A failing channel is
// reported without aborting the rest.
func (c *Client) Fetch(ctx context.Context, opts source.Options) (*source.Result, error) {
	if c.botToken == "" {
		return nil, apierr.SourceUnavailable("Slack bot token not configured", nil)
	}

	channels := opts.Sources
	if len(channels) == 0 {
		channels = c.channels
	}
	daysBack := opts.DaysBack
	if daysBack == 0 {
		daysBack = c.cfg.DaysBack
	}
	relevance := c.relevance
	if len(opts.Keywords) > 0 {
		relevance = filter.NewRelevance(opts.Keywords, false)
	}

	oldest := c.now().UTC().AddDate(0, 0, -daysBack)
	result := &source.Result{}

	for _, channel := range channels {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		posts, err := c.crawlChannel(ctx, channel, oldest, relevance)
		if err != nil {
			logger.Warn("Slack channel crawl failed",
				zap.String("channel", channel), zap.Error(err))
			result.Failures = append(result.Failures, fmt.Sprintf("slack/%s: %v", channel, err))
		}
		result.Posts = source.MergePosts(result.Posts, posts)
		c.detector.MarkCrawled(ctx, "slack_"+channel)
	}

	logger.Info("Slack fetch complete",
		zap.Int("posts", len(result.Posts)),
		zap.Int("source_failures", len(result.Failures)),
	)
	return result, nil
}

func (c *Client) crawlChannel(ctx context.Context, channel string, oldest time.Time, relevance *filter.Relevance) ([]*models.Post, error) {
	bucket := "slack_" + channel
	var collected []*models.Post
	cursor := ""

	for {
		page, err := c.history(ctx, channel, oldest, cursor)
		if err != nil {
			return collected, err
		}

		for _, msg := range page.Messages {
			if err := ctx.Err(); err != nil {
				return collected, err
			}
			// Joins, topic changes and bot noise carry a subtype.
			if msg.Subtype != "" || msg.Text == "" {
				continue
			}
			// Thread replies appear in history too; they are collected
			// under their parent instead.
			if msg.ThreadTS != "" && msg.ThreadTS != msg.TS {
				continue
			}
			if !relevance.MatchText(msg.Text) {
				continue
			}

			post := c.postFromMessage(channel, msg)
			hash := filter.PostFingerprint(post)
			if c.detector.Unchanged(ctx, bucket, post.ID, hash) {
				continue
			}
			post.ContentHash = hash

			if msg.ReplyCount > 0 {
				replies, err := c.threadReplies(ctx, channel, msg.TS)
				if err != nil {
					logger.Warn("Thread replies partially collected",
						zap.String("channel", channel), zap.String("ts", msg.TS), zap.Error(err))
				}
				post.Comments = replies
				post.NumComments = len(replies)
			}

			c.detector.Remember(ctx, bucket, post.ID, hash)
			collected = append(collected, post)
		}

		if !page.HasMore || page.ResponseMetadata.NextCursor == "" {
			break
		}
		cursor = page.ResponseMetadata.NextCursor
		c.sleep(apiDelay)
	}

	logger.Debug("Slack channel crawled",
		zap.String("channel", channel), zap.Int("posts", len(collected)))
	return collected, nil
}

func (c *Client) history(ctx context.Context, channel string, oldest time.Time, cursor string) (*historyResponse, error) {
	q := url.Values{}
	q.Set("channel", channel)
	q.Set("oldest", fmt.Sprintf("%d.000000", oldest.Unix()))
	q.Set("limit", strconv.Itoa(historyPageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	var resp historyResponse
	if err := c.callAPI(ctx, "conversations.history", q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// threadReplies fetches a message's thread, bounded by the reply limit. The
// parent message repeats as the first element and is skipped.
func (c *Client) threadReplies(ctx context.Context, channel, ts string) ([]*models.Comment, error) {
	q := url.Values{}
	q.Set("channel", channel)
	q.Set("ts", ts)
	q.Set("limit", strconv.Itoa(c.cfg.MaxRepliesPerComment))

	c.sleep(apiDelay)
	var resp historyResponse
	if err := c.callAPI(ctx, "conversations.replies", q, &resp); err != nil {
		return nil, err
	}

	var out []*models.Comment
	for _, msg := range resp.Messages {
		if msg.TS == ts || msg.Subtype != "" || msg.Text == "" {
			continue
		}
		if len(out) >= c.cfg.MaxRepliesPerComment {
			break
		}
		comment := &models.Comment{
			ID:           msg.TS,
			SubmissionID: ts,
			ParentID:     ts,
			Author:       msg.User,
			Body:         msg.Text,
			Score:        reactionTotal(msg.Reactions),
			CreatedAt:    tsTime(msg.TS),
			Depth:        1,
			CollectedAt:  c.now().UTC(),
		}
		comment.ContentHash = filter.CommentFingerprint(comment)
		out = append(out, comment)
	}
	return out, nil
}

// callAPI performs one Web API call. Slack signals rate limits with a 429 and
// a Retry-After header; the call waits it out and retries once.
func (c *Client) callAPI(ctx context.Context, method string, q url.Values, out apiResponse) error {
	u := c.baseURL + "/" + method + "?" + q.Encode()

	for attempt := 0; attempt < 2; attempt++ {
		retryAfter, err := c.doRequest(ctx, u, out)
		if err == nil {
			if !out.okStatus() {
				return apierr.SourceUnavailable(
					fmt.Sprintf("Slack API error: %s", out.errorCode()), nil)
			}
			return nil
		}
		if retryAfter <= 0 || attempt > 0 {
			return err
		}
		logger.Warn("Slack rate limited, backing off",
			zap.String("method", method), zap.Duration("retry_after", retryAfter))
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		c.sleep(retryAfter)
	}
	return apierr.SourceUnavailable("Slack rate limit persisted after retry", nil)
}

// doRequest returns a positive retryAfter on a 429 so the caller can back off.
func (c *Client) doRequest(ctx context.Context, u string, out interface{}) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.botToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, apierr.SourceUnavailable("Slack request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body)
		retryAfter := 30 * time.Second
		if raw := resp.Header.Get("Retry-After"); raw != "" {
			if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return retryAfter, apierr.SourceUnavailable("Slack rate limit exceeded", nil)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, apierr.SourceUnavailable(
			fmt.Sprintf("Slack returned status %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, apierr.SourceUnavailable("Failed to read Slack response", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return 0, fmt.Errorf("failed to parse Slack response: %w", err)
	}
	return 0, nil
}

func (c *Client) postFromMessage(channel string, msg message) *models.Post {
	return &models.Post{
		ID:          channel + "-" + strings.ReplaceAll(msg.TS, ".", ""),
		Platform:    models.PlatformSlack,
		Channel:     channel,
		Title:       firstLine(msg.Text),
		Content:     msg.Text,
		Author:      msg.User,
		CreatedAt:   tsTime(msg.TS),
		Score:       reactionTotal(msg.Reactions),
		NumComments: msg.ReplyCount,
		CollectedAt: c.now().UTC(),
	}
}

func reactionTotal(reactions []reaction) int {
	total := 0
	for _, r := range reactions {
		total += r.Count
	}
	return total
}

// tsTime converts a Slack "seconds.micros" timestamp to a time.
func tsTime(ts string) time.Time {
	secs, _, _ := strings.Cut(ts, ".")
	n, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
