package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/product-insights/backend/internal/filter"
	"github.com/product-insights/backend/pkg/apierr"
	"github.com/product-insights/backend/pkg/config"
	"github.com/product-insights/backend/pkg/logger"
)

// HTTPClient allows injecting a fake transport in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	// Jittered inter-request delay bounds, keeping well under Reddit's
	// per-minute allowance.
	minRequestDelay = 100 * time.Millisecond
	maxRequestDelay = time.Second

	// Back off this long after a 429 before the single retry.
	rateLimitBackoff = 60 * time.Second

	requestTimeout = 15 * time.Second
)

// Client fetches posts and comment trees from Reddit's public JSON API.
type Client struct {
	httpClient HTTPClient
	baseURL    string
	userAgent  string
	cfg        config.CollectorConfig
	relevance  *filter.Relevance
	detector   *filter.ChangeDetector

	// sleep is swapped out in tests so rate-limit pacing doesn't slow them.
	sleep func(time.Duration)
	rng   *rand.Rand
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

func NewClient(redditCfg config.RedditConfig, collectorCfg config.CollectorConfig, detector *filter.ChangeDetector, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    redditCfg.BaseURL,
		userAgent:  redditCfg.UserAgent,
		cfg:        collectorCfg,
		relevance:  filter.NewRelevance(collectorCfg.Keywords, collectorCfg.AlwaysIncludeAuthor),
		detector:   detector,
		sleep:      time.Sleep,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// pace applies the jittered inter-request delay.
func (c *Client) pace() {
	jitter := time.Duration(c.rng.Int63n(int64(maxRequestDelay - minRequestDelay)))
	c.sleep(minRequestDelay + jitter)
}

// getJSON performs one API call with rate-limit handling: a 429 backs off for
// a fixed interval and retries the same request once; a second failure is a
// SourceUnavailable for this call only.
func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			logger.Warn("Reddit rate limited, backing off",
				zap.String("url", url),
				zap.Duration("backoff", rateLimitBackoff),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			c.sleep(rateLimitBackoff)
		}

		err := c.doRequest(ctx, url, out)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRateLimited(err) {
			return err
		}
	}
	return apierr.SourceUnavailable("Reddit rate limit persisted after retry", lastErr)
}

func (c *Client) doRequest(ctx context.Context, url string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apierr.SourceUnavailable("Reddit request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return errRateLimited
	case resp.StatusCode != http.StatusOK:
		return apierr.SourceUnavailable(
			fmt.Sprintf("Reddit returned status %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apierr.SourceUnavailable("Failed to read Reddit response", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse Reddit response: %w", err)
	}
	return nil
}

var errRateLimited = fmt.Errorf("rate limited")

func isRateLimited(err error) bool {
	return err == errRateLimited
}
