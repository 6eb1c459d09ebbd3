package reddit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/product-insights/backend/internal/filter"
	"github.com/product-insights/backend/internal/source"
	"github.com/product-insights/backend/internal/storage/models"
	"github.com/product-insights/backend/pkg/config"
)

func testCollectorConfig() config.CollectorConfig {
	return config.CollectorConfig{
		Subreddits:           []string{"golang"},
		Keywords:             []string{"fiber"},
		DaysBack:             7,
		MinScore:             2,
		PostsPerListing:      25,
		CommentsPerPost:      20,
		SearchLimit:          10,
		SearchCommentsLimit:  10,
		MaxCommentDepth:      4,
		MaxRepliesPerComment: 10,
		MinCommentScore:      -5,
		PreserveContext:      true,
		AlwaysIncludeAuthor:  true,
	}
}

func newTestClient(server *httptest.Server, detector *filter.ChangeDetector, opts ...Option) *Client {
	all := append([]Option{
		WithBaseURL(server.URL),
		WithSleep(func(time.Duration) {}),
	}, opts...)
	return NewClient(
		config.RedditConfig{UserAgent: "test-agent"},
		testCollectorConfig(),
		detector,
		all...,
	)
}

// Fixture builders for Reddit's listing JSON.

func jsonListing(children ...map[string]interface{}) map[string]interface{} {
	if children == nil {
		children = []map[string]interface{}{}
	}
	return map[string]interface{}{
		"kind": "Listing",
		"data": map[string]interface{}{"children": children},
	}
}

func jsonPost(id, title, selftext string, score int, createdUTC int64) map[string]interface{} {
	return map[string]interface{}{
		"kind": "t3",
		"data": map[string]interface{}{
			"id":           id,
			"subreddit":    "golang",
			"title":        title,
			"selftext":     selftext,
			"author":       "alice",
			"created_utc":  float64(createdUTC),
			"score":        score,
			"upvote_ratio": 0.9,
			"num_comments": 2,
			"permalink":    "/r/golang/comments/" + id + "/x/",
			"edited":       false,
		},
	}
}

func jsonComment(id string, score int, body, author string, replies ...map[string]interface{}) map[string]interface{} {
	data := map[string]interface{}{
		"id":           id,
		"parent_id":    "t3_p1",
		"author":       author,
		"body":         body,
		"score":        score,
		"created_utc":  float64(time.Now().Unix()),
		"edited":       false,
		"is_submitter": false,
		"permalink":    "/r/golang/comments/p1/x/" + id,
	}
	if len(replies) > 0 {
		data["replies"] = jsonListing(replies...)
	} else {
		data["replies"] = ""
	}
	return map[string]interface{}{"kind": "t1", "data": data}
}

// jsonCommentsResponse is the two-element array the comments endpoint
// returns: the submission listing, then the comment listing.
func jsonCommentsResponse(comments ...map[string]interface{}) []interface{} {
	return []interface{}{jsonListing(), jsonListing(comments...)}
}

func writeJSON(t *testing.T, w http.ResponseWriter, v interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("failed to encode fixture: %v", err)
	}
}

func TestFetchListingFiltersPosts(t *testing.T) {
	now := time.Now().Unix()
	old := time.Now().AddDate(0, 0, -30).Unix()

	mux := http.NewServeMux()
	mux.HandleFunc("/r/golang/hot.json", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, jsonListing(
			jsonPost("p1", "Migrating to fiber v2", "details inside", 10, now),
			jsonPost("p2", "fiber but ancient", "", 10, old),
			jsonPost("p3", "fiber but unpopular", "", 1, now),
			jsonPost("p4", "unrelated topic", "nothing here", 50, now),
		))
	})
	for _, l := range []string{"new", "rising", "top"} {
		mux.HandleFunc("/r/golang/"+l+".json", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(t, w, jsonListing())
		})
	}
	mux.HandleFunc("/comments/p1.json", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, jsonCommentsResponse(
			jsonComment("c1", 5, "fiber works great here", "bob"),
		))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := newTestClient(server, filter.NewChangeDetector(nil, false))
	result, err := c.Fetch(context.Background(), source.Options{CrawlType: "listing"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(result.Failures) != 0 {
		t.Fatalf("unexpected failures: %v", result.Failures)
	}
	if len(result.Posts) != 1 {
		t.Fatalf("collected %d posts, want 1", len(result.Posts))
	}

	post := result.Posts[0]
	if post.ID != "p1" {
		t.Errorf("kept post %s, want p1", post.ID)
	}
	if post.Platform != models.PlatformReddit {
		t.Errorf("platform = %s", post.Platform)
	}
	if post.URL != "https://reddit.com/r/golang/comments/p1/x/" {
		t.Errorf("URL = %s", post.URL)
	}
	if post.ContentHash == "" {
		t.Error("post missing content hash")
	}
	if len(post.Comments) != 1 || post.Comments[0].ID != "c1" {
		t.Errorf("comments = %+v", post.Comments)
	}
	if post.Comments[0].MatchedKeyword != "fiber" {
		t.Errorf("matched keyword = %q", post.Comments[0].MatchedKeyword)
	}
}

func TestCollectTreeDepthBound(t *testing.T) {
	// A reply chain six levels deep; the collector must stop at depth 4.
	chain := jsonComment("d4", 3, "fifth level", "bob",
		jsonComment("d5", 3, "sixth level", "bob"))
	for i := 3; i >= 0; i-- {
		chain = jsonComment(
			"d"+string(rune('0'+i)), 3, "reply level", "bob", chain)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/comments/p1.json", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, jsonCommentsResponse(chain))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := newTestClient(server, filter.NewChangeDetector(nil, false))
	comments, err := c.CollectTree(context.Background(), "p1", "alice",
		filter.NewRelevance([]string{"level"}, true),
		treeOptions{maxTopLevel: 20, maxDepth: 4, bucket: "golang"})
	if err != nil {
		t.Fatalf("CollectTree: %v", err)
	}

	maxDepth := 0
	var walk func(cs []*models.Comment)
	walk = func(cs []*models.Comment) {
		for _, c := range cs {
			if c.Depth > maxDepth {
				maxDepth = c.Depth
			}
			walk(c.Replies)
		}
	}
	walk(comments)
	if maxDepth != 4 {
		t.Errorf("deepest collected node at depth %d, want 4", maxDepth)
	}
}

func TestCollectTreeBranchBound(t *testing.T) {
	replies := make([]map[string]interface{}, 12)
	for i := range replies {
		replies[i] = jsonComment(
			"r"+string(rune('a'+i)), 2, "reply number here", "bob")
	}
	parent := jsonComment("c1", 8, "fiber thread", "bob", replies...)

	mux := http.NewServeMux()
	mux.HandleFunc("/comments/p1.json", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, jsonCommentsResponse(parent))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := newTestClient(server, filter.NewChangeDetector(nil, false))
	comments, err := c.CollectTree(context.Background(), "p1", "alice",
		filter.NewRelevance([]string{"fiber"}, true),
		treeOptions{maxTopLevel: 20, maxDepth: 4, bucket: "golang"})
	if err != nil {
		t.Fatalf("CollectTree: %v", err)
	}
	if len(comments) != 1 {
		t.Fatalf("collected %d top-level comments, want 1", len(comments))
	}
	if got := len(comments[0].Replies); got != 10 {
		t.Errorf("kept %d replies, want 10", got)
	}
}

func TestCollectTreeCommentFiltering(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/comments/p1.json", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, jsonCommentsResponse(
			jsonComment("keep", 5, "fiber question", "bob"),
			jsonComment("deleted", 5, "[deleted]", "bob"),
			jsonComment("offtopic", 5, "nothing relevant", "bob"),
			jsonComment("lowscore", -20, "fiber rant", "bob"),
			// Post author bypasses the keyword check only; the score
			// floor still applies to everyone.
			jsonComment("authored", 1, "thanks everyone", "alice"),
			jsonComment("authored-lowscore", -20, "sorry all", "alice"),
		))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := newTestClient(server, filter.NewChangeDetector(nil, false))
	comments, err := c.CollectTree(context.Background(), "p1", "alice",
		filter.NewRelevance([]string{"fiber"}, true),
		treeOptions{maxTopLevel: 20, maxDepth: 4, bucket: "golang"})
	if err != nil {
		t.Fatalf("CollectTree: %v", err)
	}

	got := map[string]bool{}
	for _, c := range comments {
		got[c.ID] = true
	}
	if len(comments) != 2 || !got["keep"] || !got["authored"] {
		t.Errorf("kept %v, want keep and authored only", got)
	}
	if got["authored-lowscore"] {
		t.Error("author override must not bypass the score floor")
	}
}

func TestCollectTreeReplyScoreLeniency(t *testing.T) {
	// MinCommentScore is -5; replies get 3 extra points of slack, so a
	// -7 reply survives while a -7 top-level comment would not.
	mux := http.NewServeMux()
	mux.HandleFunc("/comments/p1.json", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, jsonCommentsResponse(
			jsonComment("c1", 5, "fiber discussion", "bob",
				jsonComment("lenient", -7, "contrarian take", "carol"),
				jsonComment("toolow", -9, "worse take", "dave"),
			),
			jsonComment("topLow", -7, "fiber complaint", "erin"),
		))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := newTestClient(server, filter.NewChangeDetector(nil, false))
	comments, err := c.CollectTree(context.Background(), "p1", "alice",
		filter.NewRelevance([]string{"fiber"}, true),
		treeOptions{maxTopLevel: 20, maxDepth: 4, bucket: "golang"})
	if err != nil {
		t.Fatalf("CollectTree: %v", err)
	}

	if len(comments) != 1 || comments[0].ID != "c1" {
		t.Fatalf("top-level = %+v, want c1 only", comments)
	}
	if len(comments[0].Replies) != 1 || comments[0].Replies[0].ID != "lenient" {
		t.Errorf("replies = %+v, want lenient only", comments[0].Replies)
	}
}

func TestFetchSearchShallowTrees(t *testing.T) {
	now := time.Now().Unix()

	mux := http.NewServeMux()
	mux.HandleFunc("/r/golang/search.json", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") != "fiber" {
			t.Errorf("search query = %q", r.URL.Query().Get("q"))
		}
		// Search results are pre-filtered by the API; no keyword in the
		// title is required.
		writeJSON(t, w, jsonListing(jsonPost("s1", "weekly thread", "", 3, now)))
	})
	mux.HandleFunc("/comments/s1.json", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, jsonCommentsResponse(
			jsonComment("c1", 4, "fiber related", "bob",
				jsonComment("c1a", 2, "depth one reply", "carol",
					jsonComment("c1aa", 2, "depth two reply", "dave"))),
		))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := newTestClient(server, filter.NewChangeDetector(nil, false))
	result, err := c.Fetch(context.Background(), source.Options{CrawlType: "search"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(result.Posts) != 1 {
		t.Fatalf("collected %d posts, want 1", len(result.Posts))
	}

	comments := result.Posts[0].Comments
	if len(comments) != 1 || len(comments[0].Replies) != 1 {
		t.Fatalf("tree shape = %+v", comments)
	}
	if len(comments[0].Replies[0].Replies) != 0 {
		t.Error("search tree deeper than one level")
	}
	if comments[0].MatchedKeyword != "fiber" {
		t.Errorf("matched keyword = %q, want the search query", comments[0].MatchedKeyword)
	}
}

func TestFetchRateLimitBackoffAndRetry(t *testing.T) {
	now := time.Now().Unix()
	hotCalls := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/r/golang/hot.json", func(w http.ResponseWriter, r *http.Request) {
		hotCalls++
		if hotCalls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeJSON(t, w, jsonListing(jsonPost("p1", "fiber news", "", 10, now)))
	})
	for _, l := range []string{"new", "rising", "top"} {
		mux.HandleFunc("/r/golang/"+l+".json", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(t, w, jsonListing())
		})
	}
	mux.HandleFunc("/comments/p1.json", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, jsonCommentsResponse())
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	var slept []time.Duration
	c := newTestClient(server, filter.NewChangeDetector(nil, false),
		WithSleep(func(d time.Duration) { slept = append(slept, d) }))

	result, err := c.Fetch(context.Background(), source.Options{CrawlType: "listing"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(result.Posts) != 1 {
		t.Fatalf("collected %d posts after retry, want 1", len(result.Posts))
	}
	if hotCalls != 2 {
		t.Errorf("hot listing fetched %d times, want 2", hotCalls)
	}

	backedOff := false
	for _, d := range slept {
		if d == 60*time.Second {
			backedOff = true
		}
	}
	if !backedOff {
		t.Errorf("no 60s backoff recorded in sleeps %v", slept)
	}
}

func TestFetchPersistentRateLimitIsPartialFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := newTestClient(server, filter.NewChangeDetector(nil, false))
	result, err := c.Fetch(context.Background(), source.Options{CrawlType: "listing"})
	if err != nil {
		t.Fatalf("Fetch must not fail outright: %v", err)
	}
	if len(result.Posts) != 0 {
		t.Errorf("collected %d posts from a rate-limited API", len(result.Posts))
	}
	if len(result.Failures) != 1 || !strings.HasPrefix(result.Failures[0], "reddit/golang:") {
		t.Errorf("failures = %v", result.Failures)
	}
}

func TestFetchIncrementalSkipsUnchanged(t *testing.T) {
	now := time.Now().Unix()

	mux := http.NewServeMux()
	mux.HandleFunc("/r/golang/hot.json", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, jsonListing(
			jsonPost("p1", "fiber update", "", 10, now),
			jsonPost("p2", "fiber followup", "", 8, now),
		))
	})
	for _, l := range []string{"new", "rising", "top"} {
		mux.HandleFunc("/r/golang/"+l+".json", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(t, w, jsonListing())
		})
	}
	mux.HandleFunc("/comments/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, jsonCommentsResponse())
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	records := &memoryRecords{fingerprints: map[string]string{}}
	// Pre-seed p1's fingerprint so it reads as unchanged; listings are
	// freshness-ordered, so everything after it is skipped too.
	records.fingerprints["golang/p1"] = filter.PostFingerprint(&models.Post{
		ID: "p1", Score: 10, Edited: false, NumComments: 2,
	})

	c := newTestClient(server, filter.NewChangeDetector(records, true))
	result, err := c.Fetch(context.Background(), source.Options{CrawlType: "listing"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(result.Posts) != 0 {
		t.Errorf("collected %d posts, want 0 after unchanged cutoff", len(result.Posts))
	}
}

type memoryRecords struct {
	fingerprints map[string]string
}

func (s *memoryRecords) GetFingerprint(_ context.Context, bucket, itemID string) (string, bool, error) {
	h, ok := s.fingerprints[bucket+"/"+itemID]
	return h, ok, nil
}

func (s *memoryRecords) PutFingerprint(_ context.Context, bucket, itemID, hash string) error {
	s.fingerprints[bucket+"/"+itemID] = hash
	return nil
}

func (s *memoryRecords) SetLastCrawl(context.Context, string) error { return nil }
