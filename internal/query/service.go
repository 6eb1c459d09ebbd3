package query

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/product-insights/backend/internal/storage/models"
	"github.com/product-insights/backend/internal/storage/sqlite"
	"github.com/product-insights/backend/pkg/apierr"
	"github.com/product-insights/backend/pkg/logger"
)

const (
	defaultLimit = 50
	maxLimit     = 100
)

// Service answers read queries over stored insights.
type Service struct {
	db *sqlite.Client
}

func NewService(db *sqlite.Client) *Service {
	return &Service{db: db}
}

// Params are the pre-validation inputs of List, as they arrive from the
// query string. Zero values mean "not set".
type Params struct {
	PriorityMin *int
	PriorityMax *int
	Category    string
	UserSegment string
	DateFrom    string
	DateTo      string
	Platform    string
	Limit       *int
}

// PageFilters echoes the normalized filters a page was produced with, so
// callers can see what their query string resolved to.
type PageFilters struct {
	PriorityMin int    `json:"priority_min"`
	PriorityMax int    `json:"priority_max"`
	Category    string `json:"category,omitempty"`
	UserSegment string `json:"user_segment,omitempty"`
	DateFrom    string `json:"date_from,omitempty"`
	DateTo      string `json:"date_to,omitempty"`
	Platform    string `json:"platform,omitempty"`
}

// Page is one page of List results.
type Page struct {
	Insights []models.Insight `json:"insights"`
	Count    int              `json:"count"`
	HasMore  bool             `json:"has_more"`
	Limit    int              `json:"limit"`
	Filters  PageFilters      `json:"filters"`
}

// List validates the parameters, applies them as AND-combined filters and
// returns one page ordered by analysis time descending. The limit is clamped
// to the maximum rather than rejected. An inverted priority range is valid
// and matches nothing.
func (s *Service) List(ctx context.Context, p Params) (*Page, error) {
	f, limit, err := validate(p)
	if err != nil {
		return nil, err
	}

	if f.PriorityMin > f.PriorityMax {
		return &Page{Insights: []models.Insight{}, HasMore: false, Limit: limit, Filters: echoFilters(f)}, nil
	}

	rows, err := s.db.ListInsights(ctx, *f, limit)
	if err != nil {
		return nil, err
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	if rows == nil {
		rows = []models.Insight{}
	}

	logger.Debug("Insights listed",
		zap.Int("count", len(rows)), zap.Bool("has_more", hasMore))
	return &Page{Insights: rows, Count: len(rows), HasMore: hasMore, Limit: limit, Filters: echoFilters(f)}, nil
}

func echoFilters(f *sqlite.InsightFilters) PageFilters {
	return PageFilters{
		PriorityMin: f.PriorityMin,
		PriorityMax: f.PriorityMax,
		Category:    f.Category,
		UserSegment: f.UserSegment,
		DateFrom:    f.DateFrom,
		DateTo:      f.DateTo,
		Platform:    f.Platform,
	}
}

// GetByID fetches a single insight by its composite id. The id shape is
// validated before any storage access, so a malformed id never reads the
// database.
func (s *Service) GetByID(ctx context.Context, id string) (*models.Insight, error) {
	if _, _, _, err := models.ParseInsightID(id); err != nil {
		return nil, err
	}
	return s.db.GetInsight(ctx, id)
}

func validate(p Params) (*sqlite.InsightFilters, int, error) {
	f := &sqlite.InsightFilters{PriorityMin: 0, PriorityMax: 10}

	if p.PriorityMin != nil {
		if *p.PriorityMin < 0 || *p.PriorityMin > 10 {
			return nil, 0, apierr.Validation("Invalid priority_min", "must be between 0 and 10")
		}
		f.PriorityMin = *p.PriorityMin
	}
	if p.PriorityMax != nil {
		if *p.PriorityMax < 0 || *p.PriorityMax > 10 {
			return nil, 0, apierr.Validation("Invalid priority_max", "must be between 0 and 10")
		}
		f.PriorityMax = *p.PriorityMax
	}

	if p.DateFrom != "" {
		if _, err := time.Parse("2006-01-02", p.DateFrom); err != nil {
			return nil, 0, apierr.Validation("Invalid date_from", "expected YYYY-MM-DD")
		}
		f.DateFrom = p.DateFrom
	}
	if p.DateTo != "" {
		if _, err := time.Parse("2006-01-02", p.DateTo); err != nil {
			return nil, 0, apierr.Validation("Invalid date_to", "expected YYYY-MM-DD")
		}
		f.DateTo = p.DateTo
	}

	if p.Platform != "" {
		switch models.Platform(p.Platform) {
		case models.PlatformReddit, models.PlatformTwitter, models.PlatformSlack:
			f.Platform = p.Platform
		default:
			return nil, 0, apierr.Validation("Invalid platform", "must be reddit, twitter or slack")
		}
	}

	f.Category = models.NormalizeCategory(p.Category)
	f.UserSegment = models.NormalizeCategory(p.UserSegment)

	limit := defaultLimit
	if p.Limit != nil {
		if *p.Limit < 1 {
			return nil, 0, apierr.Validation("Invalid limit", "must be at least 1")
		}
		limit = *p.Limit
		if limit > maxLimit {
			limit = maxLimit
		}
	}
	return f, limit, nil
}
