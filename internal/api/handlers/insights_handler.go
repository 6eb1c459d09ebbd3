package handlers

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/product-insights/backend/internal/cache/redis"
	"github.com/product-insights/backend/internal/metrics"
	"github.com/product-insights/backend/internal/query"
	"github.com/product-insights/backend/pkg/apierr"
	"github.com/product-insights/backend/pkg/logger"
)

type InsightsHandler struct {
	service *query.Service
	cache   *redis.Client
}

func NewInsightsHandler(service *query.Service, cache *redis.Client) *InsightsHandler {
	return &InsightsHandler{service: service, cache: cache}
}

// HandleList serves GET /insights.
func (h *InsightsHandler) HandleList(c *fiber.Ctx) error {
	defer metrics.ObserveQuery("insights_list", time.Now())

	params, err := parseListParams(c)
	if err != nil {
		return apierr.Respond(c, err)
	}

	cacheKey := redis.Key("insights", string(c.Request().URI().QueryString()))
	var cached query.Page
	if hit, err := h.cache.GetResponse(c.Context(), cacheKey, &cached); err == nil && hit {
		return c.JSON(cached)
	}

	page, err := h.service.List(c.Context(), *params)
	if err != nil {
		logger.Error("Failed to list insights", zap.Error(err))
		return apierr.Respond(c, err)
	}

	if err := h.cache.SetResponse(c.Context(), cacheKey, page); err != nil {
		logger.Warn("Failed to cache insights page", zap.Error(err))
	}
	return c.JSON(page)
}

// HandleGet serves GET /insights/:insightId.
func (h *InsightsHandler) HandleGet(c *fiber.Ctx) error {
	defer metrics.ObserveQuery("insights_get", time.Now())

	id := c.Params("insightId")

	insight, err := h.service.GetByID(c.Context(), id)
	if err != nil {
		if !apierr.IsKind(err, apierr.KindValidation) && !apierr.IsKind(err, apierr.KindNotFound) {
			logger.Error("Failed to get insight", zap.String("id", id), zap.Error(err))
		}
		return apierr.Respond(c, err)
	}
	return c.JSON(insight)
}

func parseListParams(c *fiber.Ctx) (*query.Params, error) {
	p := &query.Params{
		Category:    c.Query("category"),
		UserSegment: c.Query("user_segment"),
		DateFrom:    c.Query("date_from"),
		DateTo:      c.Query("date_to"),
		Platform:    c.Query("platform"),
	}

	var err error
	if p.PriorityMin, err = intParam(c, "priority_min"); err != nil {
		return nil, err
	}
	if p.PriorityMax, err = intParam(c, "priority_max"); err != nil {
		return nil, err
	}
	if p.Limit, err = intParam(c, "limit"); err != nil {
		return nil, err
	}
	return p, nil
}

func intParam(c *fiber.Ctx, name string) (*int, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, apierr.Validation("Invalid "+name, "must be an integer")
	}
	return &v, nil
}
