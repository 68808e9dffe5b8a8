// Package pagination follows next-page references until a collection is exhausted.
package pagination

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/weather-ingest/internal/weather"
)

// PageFunc handles one page and returns the reference to fetch next; an empty
// reference ends the walk.
type PageFunc func(ctx context.Context, page weather.Page) (string, error)

// Walker drives a Fetcher across a chain of pages.
type Walker struct {
	fetcher  weather.Fetcher
	maxPages int
	logger   *zap.Logger
}

// New constructs a Walker. maxPages <= 0 disables the page budget.
func New(fetcher weather.Fetcher, maxPages int, logger *zap.Logger) *Walker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Walker{fetcher: fetcher, maxPages: maxPages, logger: logger}
}

// Walk fetches startURL and every page it links to, calling onPage once per page.
// A next reference that was already visited fails with weather.ErrPaginationCycle.
// It returns the number of pages handed to onPage.
func (w *Walker) Walk(ctx context.Context, startURL string, onPage PageFunc) (int, error) {
	visited := map[string]struct{}{}
	current := startURL
	pages := 0
	for current != "" {
		if w.maxPages > 0 && pages >= w.maxPages {
			return pages, fmt.Errorf("walk %s: %w (%d pages)", startURL, weather.ErrPageLimit, w.maxPages)
		}
		visited[current] = struct{}{}

		page, err := w.fetcher.Fetch(ctx, current)
		if err != nil {
			return pages, fmt.Errorf("page %d: %w", pages+1, err)
		}
		pages++

		next, err := onPage(ctx, page)
		if err != nil {
			return pages, fmt.Errorf("handle page %d (%s): %w", pages, current, err)
		}
		if _, seen := visited[next]; seen && next != "" {
			return pages, fmt.Errorf("page %d (%s) links back to %s: %w",
				pages, current, next, weather.ErrPaginationCycle)
		}
		w.logger.Debug("page walked", zap.String("url", current), zap.String("next", next), zap.Int("page", pages))
		current = next
	}
	return pages, nil
}
