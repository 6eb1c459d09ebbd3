package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/product-insights/backend/internal/pipeline"
	"github.com/product-insights/backend/internal/storage/models"
	"github.com/product-insights/backend/internal/storage/sqlite"
	"github.com/product-insights/backend/pkg/apierr"
	"github.com/product-insights/backend/pkg/config"
	"github.com/product-insights/backend/pkg/logger"
)

// ConfigHandler exposes the runtime collector settings: the static defaults
// plus the stored overrides that shadow them.
type ConfigHandler struct {
	db  *sqlite.Client
	cfg config.CollectorConfig
}

func NewConfigHandler(db *sqlite.Client, cfg config.CollectorConfig) *ConfigHandler {
	return &ConfigHandler{db: db, cfg: cfg}
}

// HandleGet serves GET /config: the effective settings with the defaults
// and active overrides shown side by side.
func (h *ConfigHandler) HandleGet(c *fiber.Ctx) error {
	overrides, err := h.db.ListOverrides(c.Context())
	if err != nil {
		logger.Error("Failed to list config overrides", zap.Error(err))
		return apierr.Respond(c, err)
	}

	defaults := fiber.Map{
		pipeline.OverrideSubreddits: h.cfg.Subreddits,
		pipeline.OverrideCrawlType:  "both",
		pipeline.OverrideDaysBack:   h.cfg.DaysBack,
		pipeline.OverrideMinScore:   h.cfg.MinScore,
	}
	return c.JSON(fiber.Map{"defaults": defaults, "overrides": overrides})
}

// HandlePut serves PUT /config: upserts one or more overrides. Unknown keys
// and unparsable values are rejected; the static defaults are never touched.
func (h *ConfigHandler) HandlePut(c *fiber.Ctx) error {
	var body map[string]string
	if err := c.BodyParser(&body); err != nil {
		return apierr.Respond(c, apierr.Validation("Invalid request body", "expected a JSON object of key/value strings"))
	}
	if len(body) == 0 {
		return apierr.Respond(c, apierr.Validation("Empty config update", "at least one override key is required"))
	}

	for key, value := range body {
		if err := validateOverride(key, value); err != nil {
			return apierr.Respond(c, err)
		}
	}
	for key, value := range body {
		if err := h.db.PutOverride(c.Context(), key, value); err != nil {
			logger.Error("Failed to store config override", zap.String("key", key), zap.Error(err))
			return apierr.Respond(c, err)
		}
	}

	logger.Info("Config overrides updated", zap.Int("keys", len(body)))
	return c.JSON(fiber.Map{"updated": len(body)})
}

func validateOverride(key, value string) error {
	if !pipeline.ValidOverrideKey(key) {
		return apierr.Validation("Unknown config key", key)
	}
	switch key {
	case pipeline.OverrideCrawlType:
		if !models.ValidCrawlType(value) || value == "" {
			return apierr.Validation("Invalid crawl_type override", "must be listing, search or both")
		}
	case pipeline.OverrideDaysBack:
		if n, err := strconv.Atoi(value); err != nil || n < 1 {
			return apierr.Validation("Invalid days_back override", "must be a positive integer")
		}
	case pipeline.OverrideMinScore:
		if _, err := strconv.Atoi(value); err != nil {
			return apierr.Validation("Invalid min_score override", "must be an integer")
		}
	}
	return nil
}
