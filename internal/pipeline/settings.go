package pipeline

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/product-insights/backend/internal/storage/models"
	"github.com/product-insights/backend/internal/storage/sqlite"
	"github.com/product-insights/backend/pkg/logger"
)

// Override keys accepted by the runtime settings store. Values layer between
// the static config and per-request input: request field > stored override >
// configured default. Resolution happens once, at trigger time, so a run's
// behavior doesn't shift mid-flight when an override changes.
const (
	OverrideSubreddits = "collector.subreddits"
	OverrideCrawlType  = "collector.crawl_type"
	OverrideDaysBack   = "collector.days_back"
	OverrideMinScore   = "collector.min_score"
)

// OverrideKeys lists the accepted override keys for validation.
var OverrideKeys = []string{
	OverrideSubreddits,
	OverrideCrawlType,
	OverrideDaysBack,
	OverrideMinScore,
}

// ValidOverrideKey reports whether key names a supported runtime override.
func ValidOverrideKey(key string) bool {
	for _, k := range OverrideKeys {
		if k == key {
			return true
		}
	}
	return false
}

// applyOverrides fills the input fields the caller left unset from the
// override store. A failing store degrades to the static defaults rather
// than failing the trigger.
func applyOverrides(ctx context.Context, db *sqlite.Client, input models.RunInput) models.RunInput {
	overrides, err := db.ListOverrides(ctx)
	if err != nil {
		logger.Warn("Override store unavailable, using configured defaults", zap.Error(err))
		return input
	}

	if len(input.Subreddits) == 0 {
		if v, ok := overrides[OverrideSubreddits]; ok && v != "" {
			input.Subreddits = splitList(v)
		}
	}
	if input.CrawlType == "" {
		if v, ok := overrides[OverrideCrawlType]; ok && models.ValidCrawlType(v) {
			input.CrawlType = v
		}
	}
	if input.DaysBack == 0 {
		if v, ok := overrides[OverrideDaysBack]; ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				input.DaysBack = n
			}
		}
	}
	if input.MinScore == 0 {
		if v, ok := overrides[OverrideMinScore]; ok {
			if n, err := strconv.Atoi(v); err == nil {
				input.MinScore = n
			}
		}
	}
	return input
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
