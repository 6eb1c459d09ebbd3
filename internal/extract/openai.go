package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/product-insights/backend/internal/storage/models"
	"github.com/product-insights/backend/pkg/circuitbreaker"
	"github.com/product-insights/backend/pkg/config"
	"github.com/product-insights/backend/pkg/logger"
	"github.com/product-insights/backend/pkg/retry"
)

// ChatCompleter is the slice of the OpenAI client the extractor uses,
// narrowed so tests can fake it.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIExtractor analyzes posts with a chat model and parses the strict-JSON
// reply into insight fields.
type OpenAIExtractor struct {
	client      ChatCompleter
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

// maxCommentsInPrompt bounds how much of the comment tree reaches the model.
const maxCommentsInPrompt = 10

// maxCommentBodyLen truncates long comments in the prompt context.
const maxCommentBodyLen = 200

func NewOpenAIExtractor(cfg config.LLMConfig) *OpenAIExtractor {
	client := openai.NewClient(cfg.APIKey)

	cb := circuitbreaker.NewCircuitBreaker("extractor", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Extractor initialized", zap.String("model", cfg.Model))

	return &OpenAIExtractor{
		client:      client,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     time.Duration(cfg.TimeoutSec) * time.Second,
		cb:          cb,
		retryConfig: retryConfig,
	}
}

// WithClient swaps the chat client. Used by tests.
func (e *OpenAIExtractor) WithClient(c ChatCompleter) *OpenAIExtractor {
	e.client = c
	return e
}

func (e *OpenAIExtractor) Extract(ctx context.Context, post *models.Post) (*models.InsightFields, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: buildUserPrompt(post)},
	}

	var content string
	err := e.cb.Execute(ctx, func() error {
		return retry.Do(ctx, e.retryConfig, func() error {
			resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
				Model:       e.model,
				Messages:    messages,
				Temperature: e.temperature,
				MaxTokens:   e.maxTokens,
			})
			if err != nil {
				return fmt.Errorf("failed to create completion: %w", err)
			}
			if len(resp.Choices) == 0 {
				return fmt.Errorf("completion returned no choices")
			}

			logger.Debug("Post analyzed",
				zap.String("post_id", post.ID),
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)
			content = resp.Choices[0].Message.Content
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	fields, err := parseInsightFields(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse analysis for post %s: %w", post.ID, err)
	}
	return fields, nil
}

const systemPrompt = `You are a product analyst mining community discussions for actionable product insights.

For each post you receive, analyze:
1. Feature discovery: what are users asking for, how painful is the gap, how broad is the demand. Assign a priority score from 1 (noise) to 10 (urgent, widespread pain).
2. Competitive intelligence: which competing products are mentioned, and the overall sentiment of the discussion.
3. User segmentation: what kind of user is speaking.
4. Pain points: specific workflow inefficiencies or manual processes described.
5. Action items: whether product-management review is needed and what kind of follow-up fits.

IMPORTANT: Return ONLY a valid JSON object with no markdown formatting, no code blocks, no explanations. Start directly with { and end with }.

{
    "feature_summary": "one-line description",
    "feature_category": "document_automation|ai_accuracy|integration|workflow|discovery_management|not_applicable",
    "priority_score": 1,
    "user_segment": "solo_practitioner|small_firm|mid_market|large_firm|in_house|consumer|not_applicable",
    "competitors_mentioned": ["names of competing products mentioned"],
    "sentiment": "positive|neutral|negative",
    "action_required": true,
    "suggested_action": "quick_win|strategic_feature|future_consideration|no_action",
    "pain_points": ["specific workflow inefficiency"],
    "implementation_size": "small|medium|large|not_applicable",
    "ai_readiness": "enthusiastic|cautious|skeptical|hostile|not_applicable"
}`

func buildUserPrompt(post *models.Post) string {
	var b strings.Builder

	source := post.Subreddit
	if source == "" {
		source = post.Channel
	}
	fmt.Fprintf(&b, "Analyze this %s post from %s.\n\n", post.Platform, source)
	fmt.Fprintf(&b, "Post Title: %s\n", post.Title)
	content := post.Content
	if content == "" {
		content = "No text content"
	}
	fmt.Fprintf(&b, "Post Content: %s\n", content)
	fmt.Fprintf(&b, "Post Score: %d points\n", post.Score)
	fmt.Fprintf(&b, "Number of Comments: %d\n", post.CountComments())

	comments := flattenComments(post.Comments, maxCommentsInPrompt)
	if len(comments) > 0 {
		b.WriteString("\nTop Comments:\n")
		for _, c := range comments {
			body := c.Body
			if len(body) > maxCommentBodyLen {
				body = body[:maxCommentBodyLen]
			}
			fmt.Fprintf(&b, "- %s (%d points): %s\n", c.Author, c.Score, body)
		}
	}
	return b.String()
}

// flattenComments walks the tree breadth-first so top-level discussion is
// preferred when the prompt budget truncates.
func flattenComments(comments []*models.Comment, limit int) []*models.Comment {
	var out []*models.Comment
	queue := append([]*models.Comment(nil), comments...)
	for len(queue) > 0 && len(out) < limit {
		c := queue[0]
		queue = queue[1:]
		out = append(out, c)
		queue = append(queue, c.Replies...)
	}
	return out
}

// parseInsightFields decodes the model's JSON reply, tolerating stray code
// fences, and clamps fields to their valid ranges.
func parseInsightFields(content string) (*models.InsightFields, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var fields models.InsightFields
	if err := json.Unmarshal([]byte(content), &fields); err != nil {
		return nil, fmt.Errorf("invalid analysis JSON: %w", err)
	}

	if fields.PriorityScore < 1 {
		fields.PriorityScore = 1
	}
	if fields.PriorityScore > 10 {
		fields.PriorityScore = 10
	}
	if fields.FeatureSummary == "" {
		return nil, fmt.Errorf("analysis missing feature_summary")
	}
	fields.FeatureCategory = models.NormalizeCategory(fields.FeatureCategory)
	fields.UserSegment = models.NormalizeCategory(fields.UserSegment)
	return &fields, nil
}
