package reddit

import (
	"bytes"
	"encoding/json"
)

// Wire shapes for Reddit's public JSON listings. Only the fields the
// collector reads are decoded.

type thing struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type listingData struct {
	Children []thing `json:"children"`
	After    string  `json:"after"`
}

type postData struct {
	ID          string     `json:"id"`
	Subreddit   string     `json:"subreddit"`
	Title       string     `json:"title"`
	Selftext    string     `json:"selftext"`
	Author      string     `json:"author"`
	CreatedUTC  float64    `json:"created_utc"`
	Score       int        `json:"score"`
	UpvoteRatio float64    `json:"upvote_ratio"`
	NumComments int        `json:"num_comments"`
	Permalink   string     `json:"permalink"`
	Flair       string     `json:"link_flair_text"`
	Edited      editedFlag `json:"edited"`
}

type commentData struct {
	ID          string       `json:"id"`
	ParentID    string       `json:"parent_id"`
	Author      string       `json:"author"`
	Body        string       `json:"body"`
	Score       int          `json:"score"`
	CreatedUTC  float64      `json:"created_utc"`
	Edited      editedFlag   `json:"edited"`
	IsSubmitter bool         `json:"is_submitter"`
	Permalink   string       `json:"permalink"`
	Replies     repliesField `json:"replies"`
}

// editedFlag handles Reddit's polymorphic "edited" field: false when never
// edited, the edit timestamp otherwise.
type editedFlag bool

func (e *editedFlag) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("false")) {
		*e = false
		return nil
	}
	*e = true
	return nil
}

// repliesField handles the "replies" field, which is an empty string on leaf
// comments and a nested listing otherwise.
type repliesField struct {
	Listing *listingData
}

func (r *repliesField) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || b[0] == '"' {
		return nil
	}
	var t thing
	if err := json.Unmarshal(b, &t); err != nil {
		return err
	}
	if t.Kind != "Listing" || len(t.Data) == 0 {
		return nil
	}
	var ld listingData
	if err := json.Unmarshal(t.Data, &ld); err != nil {
		return err
	}
	r.Listing = &ld
	return nil
}
