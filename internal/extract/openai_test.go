package extract

import (
	"context"
	"errors"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/product-insights/backend/internal/storage/models"
	"github.com/product-insights/backend/pkg/config"
)

// fakeCompleter returns canned completions, failing a configurable number
// of times first.
type fakeCompleter struct {
	content  string
	failures int
	calls    int
	lastUser string
}

func (f *fakeCompleter) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.calls++
	for _, m := range req.Messages {
		if m.Role == openai.ChatMessageRoleUser {
			f.lastUser = m.Content
		}
	}
	if f.calls <= f.failures {
		return openai.ChatCompletionResponse{}, errors.New("upstream flake")
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: f.content}},
		},
	}, nil
}

func testExtractor(fake *fakeCompleter) *OpenAIExtractor {
	return NewOpenAIExtractor(config.LLMConfig{
		Model:      "gpt-4o-mini",
		MaxTokens:  500,
		TimeoutSec: 30,
	}).WithClient(fake)
}

const validAnalysis = `{
	"feature_summary": "Users want bulk export",
	"feature_category": "Workflow",
	"priority_score": 8,
	"user_segment": "Small_Firm",
	"competitors_mentioned": ["Clio"],
	"sentiment": "negative",
	"action_required": true,
	"suggested_action": "strategic_feature",
	"pain_points": ["manual per-document export"]
}`

func samplePost() *models.Post {
	return &models.Post{
		ID:        "p1",
		Platform:  models.PlatformReddit,
		Subreddit: "golang",
		Title:     "Export pain",
		Content:   "Exporting one document at a time is killing us",
		Score:     42,
		Comments: []*models.Comment{
			{Author: "bob", Score: 7, Body: "same here"},
		},
	}
}

func TestExtractParsesFields(t *testing.T) {
	fake := &fakeCompleter{content: validAnalysis}
	fields, err := testExtractor(fake).Extract(context.Background(), samplePost())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if fields.FeatureSummary != "Users want bulk export" {
		t.Errorf("summary = %q", fields.FeatureSummary)
	}
	if fields.FeatureCategory != "workflow" {
		t.Errorf("category = %q, want normalized lowercase", fields.FeatureCategory)
	}
	if fields.UserSegment != "small_firm" {
		t.Errorf("segment = %q, want normalized lowercase", fields.UserSegment)
	}
	if fields.PriorityScore != 8 || !fields.ActionRequired {
		t.Errorf("fields = %+v", fields)
	}

	// The prompt carries the post plus its comment context.
	if !strings.Contains(fake.lastUser, "Export pain") {
		t.Error("prompt missing post title")
	}
	if !strings.Contains(fake.lastUser, "same here") {
		t.Error("prompt missing comment context")
	}
}

func TestExtractStripsCodeFences(t *testing.T) {
	fake := &fakeCompleter{content: "```json\n" + validAnalysis + "\n```"}
	fields, err := testExtractor(fake).Extract(context.Background(), samplePost())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if fields.FeatureSummary == "" {
		t.Error("fenced reply not parsed")
	}
}

func TestExtractClampsPriority(t *testing.T) {
	for raw, want := range map[string]int{
		`{"feature_summary": "x", "priority_score": 0}`:  1,
		`{"feature_summary": "x", "priority_score": 99}`: 10,
	} {
		fake := &fakeCompleter{content: raw}
		fields, err := testExtractor(fake).Extract(context.Background(), samplePost())
		if err != nil {
			t.Fatalf("Extract: %v", err)
		}
		if fields.PriorityScore != want {
			t.Errorf("priority = %d, want clamped to %d", fields.PriorityScore, want)
		}
	}
}

func TestExtractRejectsMissingSummary(t *testing.T) {
	fake := &fakeCompleter{content: `{"priority_score": 5}`}
	if _, err := testExtractor(fake).Extract(context.Background(), samplePost()); err == nil {
		t.Fatal("analysis without feature_summary accepted")
	}
}

func TestExtractRejectsNonJSON(t *testing.T) {
	fake := &fakeCompleter{content: "I think this post is about exports."}
	if _, err := testExtractor(fake).Extract(context.Background(), samplePost()); err == nil {
		t.Fatal("prose reply accepted as analysis")
	}
}

func TestExtractRetriesTransientFailures(t *testing.T) {
	fake := &fakeCompleter{content: validAnalysis, failures: 2}
	fields, err := testExtractor(fake).Extract(context.Background(), samplePost())
	if err != nil {
		t.Fatalf("Extract after retries: %v", err)
	}
	if fake.calls != 3 {
		t.Errorf("completion called %d times, want 3", fake.calls)
	}
	if fields.FeatureSummary == "" {
		t.Error("empty fields after successful retry")
	}
}

func TestFlattenCommentsBreadthFirst(t *testing.T) {
	comments := []*models.Comment{
		{ID: "a", Replies: []*models.Comment{{ID: "a1"}, {ID: "a2"}}},
		{ID: "b", Replies: []*models.Comment{{ID: "b1"}}},
	}
	flat := flattenComments(comments, 3)
	if len(flat) != 3 {
		t.Fatalf("flattened %d comments, want 3", len(flat))
	}
	// Top-level discussion comes first when the budget truncates.
	if flat[0].ID != "a" || flat[1].ID != "b" || flat[2].ID != "a1" {
		t.Errorf("order = %s %s %s", flat[0].ID, flat[1].ID, flat[2].ID)
	}
}
