// Package fetcher retrieves recent spots from the configured spot sources.
package fetcher

import (
	"context"
	"time"

	"spot-alerts/internal/domain"
)

// SpotSource retrieves spots reported after since. Spots are returned normalized.
type SpotSource interface {
	Name() string
	FetchRecent(ctx context.Context, since time.Time) ([]domain.Spot, error)
}
