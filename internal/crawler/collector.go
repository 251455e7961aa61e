package crawler

import (
	"context"

	"archivecrawler/pkg/types"
)

// Collector is implemented by every document source. The scroll-crawl Engine
// is one; a feed-based collector produces the same Batch shape.
type Collector interface {
	Name() string
	Collect(ctx context.Context, window types.Window) (types.Batch, error)
	HealthCheck(ctx context.Context) error
}

var _ Collector = (*Engine)(nil)
