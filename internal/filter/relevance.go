package filter

import "strings"

// Relevance decides whether fetched items are worth keeping.
type Relevance struct {
	keywords            []string
	alwaysIncludeAuthor bool
}

func NewRelevance(keywords []string, alwaysIncludeAuthor bool) *Relevance {
	return &Relevance{
		keywords:            keywords,
		alwaysIncludeAuthor: alwaysIncludeAuthor,
	}
}

// MatchText reports whether any configured keyword appears in text,
// case-insensitively, as a substring.
func (r *Relevance) MatchText(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range r.keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// KeepComment applies the relevance rule to a comment body. A reply written by
// the original post author is always kept when the override is enabled, so
// conversations stay readable.
func (r *Relevance) KeepComment(body string, isSubmitter bool) bool {
	if r.alwaysIncludeAuthor && isSubmitter {
		return true
	}
	return r.MatchText(body)
}

// MatchedKeyword returns the first keyword present in text, or "".
func (r *Relevance) MatchedKeyword(text string) string {
	lower := strings.ToLower(text)
	for _, kw := range r.keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return kw
		}
	}
	return ""
}

// Keywords returns the configured keyword list.
func (r *Relevance) Keywords() []string {
	return r.keywords
}
