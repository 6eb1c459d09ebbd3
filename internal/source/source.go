// Package source defines the contract shared by the per-platform fetchers.
package source

import (
	"context"

	"github.com/product-insights/backend/internal/storage/models"
)

// Options are the per-run fetch parameters. Zero values fall back to the
// fetcher's configured defaults.
type Options struct {
	// CrawlType selects the discovery strategy: "listing" browses the
	// platform's recent/hot/top feeds, "search" runs keyword queries, and
	// "both" unions the two, de-duplicated by item id.
	CrawlType string
	DaysBack  int
	MinScore  int
	// Sources are the subreddits or channels to fetch; empty means the
	// configured defaults.
	Sources  []string
	Keywords []string
}

// Result carries a fetch's posts plus the individual sources that failed.
// Partial success is the norm: a failing subreddit or channel is recorded
// here and the rest of the run continues.
type Result struct {
	Posts    []*models.Post
	Failures []string
}

// Fetcher retrieves raw posts from one external platform within a time window,
// applying that platform's rate limits. An empty result is valid, not an
// error; a failing individual source is skipped and reported, not fatal.
type Fetcher interface {
	Platform() models.Platform
	Fetch(ctx context.Context, opts Options) (*Result, error)
}

// MergePosts unions two post sets by id. Comments of duplicate posts are
// merged by comment id so that the listing and search strategies each
// contribute their trees exactly once.
func MergePosts(sets ...[]*models.Post) []*models.Post {
	byID := make(map[string]*models.Post)
	var order []string

	for _, set := range sets {
		for _, post := range set {
			existing, ok := byID[post.ID]
			if !ok {
				byID[post.ID] = post
				order = append(order, post.ID)
				continue
			}
			seen := make(map[string]bool, len(existing.Comments))
			for _, c := range existing.Comments {
				seen[c.ID] = true
			}
			for _, c := range post.Comments {
				if !seen[c.ID] {
					existing.Comments = append(existing.Comments, c)
					seen[c.ID] = true
				}
			}
		}
	}

	out := make([]*models.Post, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}
