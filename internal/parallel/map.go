package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type result[D any] struct {
	d D
	e error
}

// Map is a parallel mapping function, which runs at most limit mapFuncs at
// once and yields their results in the order they complete. An optional
// limiter paces the starts. Map is context aware, a canceled context stops
// feeding new elements and is passed to the running mapFuncs.
//
//	for result, err := range pmap.Iter(ctx, input) {}
type Map[E, D any] struct {
	limit   int
	limiter *rate.Limiter
	mapFunc func(context.Context, E) (D, error)
}

func NewMap[E, D any](limit int, mapFunc func(context.Context, E) (D, error)) *Map[E, D] {
	if limit < 1 {
		limit = 1
	}
	return &Map[E, D]{
		limit:   limit,
		mapFunc: mapFunc,
	}
}

// WithLimiter makes every start wait for the limiter. A nil limiter disables
// pacing.
func (m *Map[E, D]) WithLimiter(limiter *rate.Limiter) *Map[E, D] {
	m.limiter = limiter
	return m
}

func (m *Map[E, D]) Iter(ctx context.Context, seq iter.Seq[E]) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		// +1 for the feeder
		g.SetLimit(m.limit + 1)
		mapped := make(chan result[D], m.limit)

		g.Go(func() error {
			for e := range seq {
				if err := gctx.Err(); err != nil {
					return err
				}
				if m.limiter != nil {
					if err := m.limiter.Wait(gctx); err != nil {
						return err
					}
				}
				g.Go(func() error {
					d, err := m.mapFunc(gctx, e)
					select {
					case mapped <- result[D]{d: d, e: err}:
						return nil
					case <-gctx.Done():
						return gctx.Err()
					}
				})
			}
			return nil
		})

		go func() {
			_ = g.Wait()
			close(mapped)
		}()

		for r := range mapped {
			if !yield(r.d, r.e) {
				cancel()
				// let the workers finish
				for range mapped {
				}
				return
			}
		}
	}
}
