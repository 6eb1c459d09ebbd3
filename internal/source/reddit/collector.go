package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/product-insights/backend/internal/filter"
	"github.com/product-insights/backend/internal/storage/models"
	"github.com/product-insights/backend/pkg/logger"
)

// replyScoreLeniency relaxes the score floor for nested replies, which tend
// to score lower than top-level comments without being less useful.
const replyScoreLeniency = 3

type treeOptions struct {
	maxTopLevel    int
	maxDepth       int
	bucket         string
	matchedKeyword string
}

// CollectTree fetches the comment tree for a submission and walks it with the
// configured depth and branching bounds. Truncated branches ("more" stubs)
// are expanded with follow-up requests while within the depth budget. The
// returned comments are whatever was collected; a non-nil error means the
// tree is partial.
func (c *Client) CollectTree(ctx context.Context, postID, postAuthor string, relevance *filter.Relevance, opts treeOptions) ([]*models.Comment, error) {
	u := fmt.Sprintf("%s/comments/%s.json?limit=%d&depth=%d&sort=top",
		c.baseURL, url.PathEscape(postID), opts.maxTopLevel, opts.maxDepth+1)

	listing, err := c.fetchCommentListing(ctx, u)
	if err != nil {
		return nil, err
	}
	if listing == nil {
		return nil, nil
	}

	w := &treeWalker{
		client:     c,
		postID:     postID,
		postAuthor: postAuthor,
		relevance:  relevance,
		opts:       opts,
	}
	comments := w.walkChildren(ctx, listing.Children, 0, opts.maxTopLevel)
	return comments, w.err
}

// fetchCommentListing fetches a comments endpoint and returns the comment
// listing (the second element of Reddit's two-element response array).
func (c *Client) fetchCommentListing(ctx context.Context, u string) (*listingData, error) {
	var resp []thing
	if err := c.getJSON(ctx, u, &resp); err != nil {
		return nil, err
	}
	if len(resp) < 2 {
		return nil, nil
	}
	var ld listingData
	if err := json.Unmarshal(resp[1].Data, &ld); err != nil {
		return nil, fmt.Errorf("failed to decode comment listing: %w", err)
	}
	return &ld, nil
}

// treeWalker carries the per-tree state so the recursion does not thread
// half a dozen parameters.
type treeWalker struct {
	client     *Client
	postID     string
	postAuthor string
	relevance  *filter.Relevance
	opts       treeOptions
	err        error
}

func (w *treeWalker) walkChildren(ctx context.Context, children []thing, depth, limit int) []*models.Comment {
	var out []*models.Comment
	for _, child := range children {
		if len(out) >= limit {
			break
		}
		if ctx.Err() != nil {
			w.err = ctx.Err()
			break
		}

		switch child.Kind {
		case "t1":
			var cd commentData
			if err := json.Unmarshal(child.Data, &cd); err != nil {
				logger.Debug("Skipping undecodable comment", zap.Error(err))
				continue
			}
			if comment := w.buildComment(ctx, cd, depth); comment != nil {
				out = append(out, comment)
			}
		case "more":
			// Truncated branch. Expanding it costs a request per stub, so
			// only do it while there is depth budget left.
			if depth >= w.opts.maxDepth {
				continue
			}
			expanded := w.expandMore(ctx, child.Data, depth, limit-len(out))
			out = append(out, expanded...)
		}
	}
	return out
}

func (w *treeWalker) buildComment(ctx context.Context, cd commentData, depth int) *models.Comment {
	if cd.Body == "" || cd.Body == "[deleted]" || cd.Body == "[removed]" {
		return nil
	}

	// The score floor applies to everyone, the post author included; the
	// author override only skips the relevance check below.
	minScore := w.client.cfg.MinCommentScore
	if depth > 0 {
		minScore -= replyScoreLeniency
	}
	if cd.Score < minScore {
		return nil
	}
	authorOverride := w.client.cfg.AlwaysIncludeAuthor && cd.Author == w.postAuthor

	// Nested replies keep conversational context: once a parent matched,
	// its subtree survives without a keyword check.
	contextual := depth > 0 && w.client.cfg.PreserveContext
	if !contextual && !authorOverride && !w.relevance.KeepComment(cd.Body, cd.IsSubmitter) {
		return nil
	}

	comment := &models.Comment{
		ID:           cd.ID,
		SubmissionID: w.postID,
		ParentID:     cd.ParentID,
		Author:       cd.Author,
		Body:         filter.NormalizeBody(cd.Body),
		Score:        cd.Score,
		CreatedAt:    time.Unix(int64(cd.CreatedUTC), 0).UTC(),
		Edited:       bool(cd.Edited),
		IsSubmitter:  cd.IsSubmitter,
		Permalink:    "https://reddit.com" + cd.Permalink,
		Depth:        depth,
		CollectedAt:  time.Now().UTC(),
	}
	if w.opts.matchedKeyword != "" {
		comment.MatchedKeyword = w.opts.matchedKeyword
	} else if kw := w.relevance.MatchedKeyword(cd.Body); kw != "" {
		comment.MatchedKeyword = kw
	}
	comment.ContentHash = filter.CommentFingerprint(comment)

	if depth < w.opts.maxDepth && cd.Replies.Listing != nil {
		comment.Replies = w.walkChildren(ctx, cd.Replies.Listing.Children,
			depth+1, w.client.cfg.MaxRepliesPerComment)
	}
	return comment
}

// expandMore follows a "more" stub by re-fetching the submission focused on
// each truncated comment. Failures leave the branch out and surface on the
// walker; the rest of the tree still collects.
func (w *treeWalker) expandMore(ctx context.Context, data json.RawMessage, depth, limit int) []*models.Comment {
	var stub struct {
		Children []string `json:"children"`
	}
	if err := json.Unmarshal(data, &stub); err != nil {
		return nil
	}

	var out []*models.Comment
	for _, id := range stub.Children {
		if len(out) >= limit {
			break
		}
		u := fmt.Sprintf("%s/comments/%s.json?comment=%s&depth=%d&sort=top",
			w.client.baseURL, url.PathEscape(w.postID), url.QueryEscape(id), w.opts.maxDepth-depth+1)

		listing, err := w.client.fetchCommentListing(ctx, u)
		if err != nil {
			logger.Debug("Failed to expand comment branch",
				zap.String("post_id", w.postID), zap.String("comment_id", id), zap.Error(err))
			w.err = err
			if isSourceUnavailable(err) || ctx.Err() != nil {
				return out
			}
			continue
		}
		if listing == nil {
			continue
		}
		out = append(out, w.walkChildren(ctx, listing.Children, depth, limit-len(out))...)
		w.client.pace()
	}
	return out
}
