package extract

import (
	"context"

	"github.com/product-insights/backend/internal/storage/models"
)

// Extractor turns a collected post into structured insight fields. The
// pipeline only depends on this interface so tests can substitute a stub.
type Extractor interface {
	Extract(ctx context.Context, post *models.Post) (*models.InsightFields, error)
}
