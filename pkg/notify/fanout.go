package notify

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Each calls fn for every item with at most limit calls in flight. Items are
// independent: an error or panic in one never cancels the others. errs[i] is
// the outcome of items[i].
func Each[T any](ctx context.Context, limit int, items []T, fn func(ctx context.Context, item T) error) []error {
	errs := make([]error, len(items))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("panic: %v", r)
				}
			}()
			errs[i] = fn(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}
