package service

import (
	"context"
	"errors"
	"time"

	"github.com/agentscraper/scrapectl/internal/model"
	"github.com/cenkalti/backoff/v4"
)

// DefaultRetryFor bounds how long callers retry an unavailable store.
const DefaultRetryFor = 30 * time.Second

// Retry calls op until it succeeds, fails with an error other than
// model.ErrStoreUnavailable, maxElapsed passes or ctx is done.
func Retry[T any](ctx context.Context, maxElapsed time.Duration, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = maxElapsed

	return backoff.RetryWithData(func() (T, error) {
		v, err := op()
		if err != nil && !errors.Is(err, model.ErrStoreUnavailable) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithContext(b, ctx))
}
