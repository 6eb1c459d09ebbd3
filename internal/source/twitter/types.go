package twitter

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Wire shapes for the X API v2 recent-search response.

type searchResponse struct {
	Data     []apiTweet `json:"data"`
	Includes struct {
		Users []apiUser `json:"users"`
	} `json:"includes"`
	Meta struct {
		ResultCount int `json:"result_count"`
	} `json:"meta"`
}

type apiTweet struct {
	ID             string     `json:"id"`
	Text           string     `json:"text"`
	AuthorID       string     `json:"author_id"`
	ConversationID string     `json:"conversation_id"`
	CreatedAt      time.Time  `json:"created_at"`
	Lang           string     `json:"lang"`
	PublicMetrics  apiMetrics `json:"public_metrics"`
}

type apiMetrics struct {
	LikeCount    int `json:"like_count"`
	RetweetCount int `json:"retweet_count"`
	ReplyCount   int `json:"reply_count"`
	QuoteCount   int `json:"quote_count"`
}

type apiUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Verified bool   `json:"verified"`
}

// tweet is an apiTweet joined with its author from the includes block.
type tweet struct {
	apiTweet
	Username string
}

// tweets resolves author_id against the includes block.
func (r *searchResponse) tweets() []tweet {
	users := make(map[string]apiUser, len(r.Includes.Users))
	for _, u := range r.Includes.Users {
		users[u.ID] = u
	}
	out := make([]tweet, 0, len(r.Data))
	for _, t := range r.Data {
		out = append(out, tweet{apiTweet: t, Username: users[t.AuthorID].Username})
	}
	return out
}

// rateLimitError carries the window reset time from a 429 response.
type rateLimitError struct {
	resetAt time.Time
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited until %s", e.resetAt.Format(time.RFC3339))
}

// defaultResetWindow is Twitter's standard 15-minute rate-limit window, used
// when the reset header is missing or implausible.
const defaultResetWindow = 15 * time.Minute

func newRateLimitError(h http.Header) *rateLimitError {
	e := &rateLimitError{resetAt: time.Now().Add(defaultResetWindow)}
	if raw := h.Get("x-rate-limit-reset"); raw != "" {
		if ts, err := strconv.ParseInt(raw, 10, 64); err == nil {
			reset := time.Unix(ts, 0)
			until := time.Until(reset)
			if until > 0 && until < 30*time.Minute {
				e.resetAt = reset
			}
		}
	}
	return e
}

// waitFor returns how long to sleep before retrying, with a small buffer past
// the advertised reset.
func (e *rateLimitError) waitFor(now time.Time) time.Duration {
	wait := e.resetAt.Sub(now) + 5*time.Second
	if wait < 0 {
		return 5 * time.Second
	}
	return wait
}

func asRateLimit(err error, target **rateLimitError) bool {
	return errors.As(err, target)
}
