package slack

// Wire shapes for the Slack Web API responses the collector reads.

// apiResponse is the common ok/error envelope every Web API method returns.
type apiResponse interface {
	okStatus() bool
	errorCode() string
}

type envelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (e envelope) okStatus() bool    { return e.OK }
func (e envelope) errorCode() string { return e.Error }

type historyResponse struct {
	envelope
	Messages         []message `json:"messages"`
	HasMore          bool      `json:"has_more"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

type message struct {
	Type       string     `json:"type"`
	Subtype    string     `json:"subtype,omitempty"`
	User       string     `json:"user"`
	Text       string     `json:"text"`
	TS         string     `json:"ts"`
	ThreadTS   string     `json:"thread_ts,omitempty"`
	ReplyCount int        `json:"reply_count,omitempty"`
	Reactions  []reaction `json:"reactions,omitempty"`
}

type reaction struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}
