package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/product-insights/backend/internal/filter"
	"github.com/product-insights/backend/internal/source"
	"github.com/product-insights/backend/internal/storage/models"
	"github.com/product-insights/backend/pkg/apierr"
	"github.com/product-insights/backend/pkg/logger"
)

// listingTypes are browsed in order by the listing strategy, mirroring
// Reddit's homepage tabs.
var listingTypes = []string{"hot", "new", "rising", "top"}

func (c *Client) Platform() models.Platform {
	return models.PlatformReddit
}

// Fetch runs the configured discovery strategies over each subreddit and
// merges the results, de-duplicated by post id.
func (c *Client) Fetch(ctx context.Context, opts source.Options) (*source.Result, error) {
	subreddits := opts.Sources
	if len(subreddits) == 0 {
		subreddits = c.cfg.Subreddits
	}
	daysBack := opts.DaysBack
	if daysBack == 0 {
		daysBack = c.cfg.DaysBack
	}
	minScore := opts.MinScore
	if minScore == 0 {
		minScore = c.cfg.MinScore
	}
	crawlType := opts.CrawlType
	if crawlType == "" {
		crawlType = "both"
	}
	keywords := opts.Keywords
	if len(keywords) == 0 {
		keywords = c.relevance.Keywords()
	}
	relevance := c.relevance
	if len(opts.Keywords) > 0 {
		relevance = filter.NewRelevance(opts.Keywords, c.cfg.AlwaysIncludeAuthor)
	}

	since := time.Now().UTC().AddDate(0, 0, -daysBack)
	result := &source.Result{}

	for _, sub := range subreddits {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if crawlType == "listing" || crawlType == "both" {
			posts, err := c.crawlSubreddit(ctx, sub, since, minScore, relevance)
			if err != nil {
				logger.Warn("Subreddit listing crawl failed",
					zap.String("subreddit", sub), zap.Error(err))
				result.Failures = append(result.Failures, fmt.Sprintf("reddit/%s: %v", sub, err))
			}
			result.Posts = source.MergePosts(result.Posts, posts)
			c.detector.MarkCrawled(ctx, sub)
		}

		if crawlType == "search" || crawlType == "both" {
			posts, err := c.searchKeywords(ctx, sub, keywords, relevance)
			if err != nil {
				logger.Warn("Subreddit keyword search failed",
					zap.String("subreddit", sub), zap.Error(err))
				result.Failures = append(result.Failures, fmt.Sprintf("reddit/%s_search: %v", sub, err))
			}
			result.Posts = source.MergePosts(result.Posts, posts)
			c.detector.MarkCrawled(ctx, sub+"_search")
		}
	}

	logger.Info("Reddit fetch complete",
		zap.Int("posts", len(result.Posts)),
		zap.Int("source_failures", len(result.Failures)),
	)
	return result, nil
}

// crawlSubreddit browses the listing endpoints, filtering by recency, score
// and keyword relevance after fetching. Posts keep their bounded comment
// trees. Returns whatever was collected before any terminal error.
func (c *Client) crawlSubreddit(ctx context.Context, sub string, since time.Time, minScore int, relevance *filter.Relevance) ([]*models.Post, error) {
	var collected []*models.Post
	var lastErr error

	for _, listing := range listingTypes {
		u := fmt.Sprintf("%s/r/%s/%s.json?limit=%d", c.baseURL, url.PathEscape(sub), listing, c.cfg.PostsPerListing)
		if listing == "top" {
			u += "&t=week"
		}

		var resp thing
		if err := c.getJSON(ctx, u, &resp); err != nil {
			// A persistent rate limit ends this subreddit; other errors
			// just skip the one listing.
			lastErr = err
			if isSourceUnavailable(err) {
				return collected, err
			}
			continue
		}

		posts, err := c.decodeListing(resp)
		if err != nil {
			lastErr = err
			continue
		}

		for _, pd := range posts {
			if err := ctx.Err(); err != nil {
				return collected, err
			}

			created := time.Unix(int64(pd.CreatedUTC), 0).UTC()
			if created.Before(since) {
				continue
			}
			if pd.Score < minScore {
				continue
			}
			// Title and body together: a relevant link post may have an
			// empty selftext.
			if !relevance.MatchText(pd.Title + " " + pd.Selftext) {
				continue
			}

			post := c.postFromData(pd)
			hash := filter.PostFingerprint(post)
			if c.detector.Unchanged(ctx, sub, post.ID, hash) {
				// Listings surface changed content first; an unchanged
				// post means the rest of this listing is stale.
				break
			}
			post.ContentHash = hash

			comments, err := c.CollectTree(ctx, post.ID, post.Author, relevance, treeOptions{
				maxTopLevel: c.cfg.CommentsPerPost,
				maxDepth:    c.cfg.MaxCommentDepth,
				bucket:      sub,
			})
			if err != nil {
				logger.Warn("Comment tree partially collected",
					zap.String("post_id", post.ID), zap.Error(err))
			}
			post.Comments = comments

			c.detector.Remember(ctx, sub, post.ID, hash)
			collected = append(collected, post)
			c.pace()
		}
	}

	if len(collected) == 0 && lastErr != nil {
		return nil, lastErr
	}
	logger.Debug("Subreddit crawled",
		zap.String("subreddit", sub), zap.Int("posts", len(collected)))
	return collected, nil
}

// searchKeywords runs one search per keyword. Results are pre-filtered by the
// API so no relevance check is applied to the posts; comment trees are capped
// one level deep to keep the API budget small.
func (c *Client) searchKeywords(ctx context.Context, sub string, keywords []string, relevance *filter.Relevance) ([]*models.Post, error) {
	bucket := sub + "_search"
	var collected []*models.Post
	var lastErr error

	for _, kw := range keywords {
		u := fmt.Sprintf("%s/r/%s/search.json?q=%s&restrict_sr=on&sort=relevance&t=week&limit=%d",
			c.baseURL, url.PathEscape(sub), url.QueryEscape(kw), c.cfg.SearchLimit)

		var resp thing
		if err := c.getJSON(ctx, u, &resp); err != nil {
			lastErr = err
			if isSourceUnavailable(err) {
				return collected, err
			}
			continue
		}

		posts, err := c.decodeListing(resp)
		if err != nil {
			lastErr = err
			continue
		}

		for _, pd := range posts {
			if err := ctx.Err(); err != nil {
				return collected, err
			}

			post := c.postFromData(pd)
			hash := filter.PostFingerprint(post)
			if c.detector.Unchanged(ctx, bucket, post.ID, hash) {
				continue
			}
			post.ContentHash = hash

			comments, err := c.CollectTree(ctx, post.ID, post.Author, relevance, treeOptions{
				maxTopLevel:    c.cfg.SearchCommentsLimit,
				maxDepth:       min(1, c.cfg.MaxCommentDepth),
				bucket:         bucket,
				matchedKeyword: kw,
			})
			if err != nil {
				logger.Warn("Comment tree partially collected",
					zap.String("post_id", post.ID), zap.Error(err))
			}
			post.Comments = comments

			c.detector.Remember(ctx, bucket, post.ID, hash)
			collected = append(collected, post)
			c.pace()
		}
	}

	if len(collected) == 0 && lastErr != nil {
		return nil, lastErr
	}
	logger.Debug("Keyword search complete",
		zap.String("subreddit", sub), zap.Int("posts", len(collected)))
	return collected, nil
}

func (c *Client) decodeListing(t thing) ([]postData, error) {
	if t.Kind != "Listing" {
		return nil, fmt.Errorf("unexpected response kind %q", t.Kind)
	}
	var ld listingData
	if err := json.Unmarshal(t.Data, &ld); err != nil {
		return nil, fmt.Errorf("failed to decode listing: %w", err)
	}

	posts := make([]postData, 0, len(ld.Children))
	for _, child := range ld.Children {
		if child.Kind != "t3" {
			continue
		}
		var pd postData
		if err := json.Unmarshal(child.Data, &pd); err != nil {
			return nil, fmt.Errorf("failed to decode post: %w", err)
		}
		posts = append(posts, pd)
	}
	return posts, nil
}

func (c *Client) postFromData(pd postData) *models.Post {
	author := pd.Author
	if author == "" {
		author = "[deleted]"
	}
	return &models.Post{
		ID:          pd.ID,
		Platform:    models.PlatformReddit,
		Subreddit:   pd.Subreddit,
		Title:       pd.Title,
		Content:     pd.Selftext,
		Author:      author,
		CreatedAt:   time.Unix(int64(pd.CreatedUTC), 0).UTC(),
		Score:       pd.Score,
		UpvoteRatio: pd.UpvoteRatio,
		NumComments: pd.NumComments,
		URL:         "https://reddit.com" + pd.Permalink,
		Flair:       pd.Flair,
		Edited:      bool(pd.Edited),
		CollectedAt: time.Now().UTC(),
	}
}

func isSourceUnavailable(err error) bool {
	return apierr.IsKind(err, apierr.KindSourceUnavailable)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
