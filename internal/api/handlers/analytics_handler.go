package handlers

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/product-insights/backend/internal/analytics"
	"github.com/product-insights/backend/internal/cache/redis"
	"github.com/product-insights/backend/internal/metrics"
	"github.com/product-insights/backend/pkg/apierr"
	"github.com/product-insights/backend/pkg/logger"
)

type AnalyticsHandler struct {
	aggregator *analytics.Aggregator
	cache      *redis.Client
}

func NewAnalyticsHandler(aggregator *analytics.Aggregator, cache *redis.Client) *AnalyticsHandler {
	return &AnalyticsHandler{aggregator: aggregator, cache: cache}
}

// HandleSummary serves GET /analytics/summary.
func (h *AnalyticsHandler) HandleSummary(c *fiber.Ctx) error {
	defer metrics.ObserveQuery("analytics_summary", time.Now())

	period := c.Query("period")
	var groupBy []string
	if raw := c.Query("group_by"); raw != "" {
		groupBy = strings.Split(raw, ",")
	}

	cacheKey := redis.Key("analytics_summary", string(c.Request().URI().QueryString()))
	var cached analytics.Summary
	if hit, err := h.cache.GetResponse(c.Context(), cacheKey, &cached); err == nil && hit {
		return c.JSON(cached)
	}

	summary, err := h.aggregator.Summarize(c.Context(), period, groupBy)
	if err != nil {
		if !apierr.IsKind(err, apierr.KindValidation) {
			logger.Error("Failed to compute summary", zap.Error(err))
		}
		return apierr.Respond(c, err)
	}

	if err := h.cache.SetResponse(c.Context(), cacheKey, summary); err != nil {
		logger.Warn("Failed to cache summary", zap.Error(err))
	}
	return c.JSON(summary)
}

// HandleTrends serves GET /analytics/trends.
func (h *AnalyticsHandler) HandleTrends(c *fiber.Ctx) error {
	defer metrics.ObserveQuery("analytics_trends", time.Now())

	cacheKey := redis.Key("analytics_trends", string(c.Request().URI().QueryString()))
	var cached analytics.Trends
	if hit, err := h.cache.GetResponse(c.Context(), cacheKey, &cached); err == nil && hit {
		return c.JSON(cached)
	}

	trends, err := h.aggregator.Trend(c.Context(), c.Query("metric"), c.Query("period"), c.Query("interval"))
	if err != nil {
		if !apierr.IsKind(err, apierr.KindValidation) {
			logger.Error("Failed to compute trends", zap.Error(err))
		}
		return apierr.Respond(c, err)
	}

	if err := h.cache.SetResponse(c.Context(), cacheKey, trends); err != nil {
		logger.Warn("Failed to cache trends", zap.Error(err))
	}
	return c.JSON(trends)
}

// HandleCompetitors serves GET /analytics/competitors.
func (h *AnalyticsHandler) HandleCompetitors(c *fiber.Ctx) error {
	defer metrics.ObserveQuery("analytics_competitors", time.Now())

	filter := analytics.CompetitorFilter{
		Competitor: c.Query("competitor"),
		Sentiment:  c.Query("sentiment"),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return apierr.Respond(c, apierr.Validation("Invalid limit", "must be a positive integer"))
		}
		filter.Limit = limit
	}

	cacheKey := redis.Key("analytics_competitors", string(c.Request().URI().QueryString()))
	var cached analytics.CompetitorReport
	if hit, err := h.cache.GetResponse(c.Context(), cacheKey, &cached); err == nil && hit {
		return c.JSON(cached)
	}

	report, err := h.aggregator.Competitors(c.Context(), filter)
	if err != nil {
		if !apierr.IsKind(err, apierr.KindValidation) {
			logger.Error("Failed to compute competitor report", zap.Error(err))
		}
		return apierr.Respond(c, err)
	}

	if err := h.cache.SetResponse(c.Context(), cacheKey, report); err != nil {
		logger.Warn("Failed to cache competitor report", zap.Error(err))
	}
	return c.JSON(report)
}
