package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Config struct {
	Initial time.Duration
	Max     time.Duration
	// MaxElapsed of zero retries until ctx ends.
	MaxElapsed time.Duration
}

// Until runs op with exponential backoff until it returns nil, returns a
// Permanent error, ctx ends or MaxElapsed passes. notify may be nil.
func Until(ctx context.Context, cfg Config, op func() error, notify func(err error, wait time.Duration)) error {
	b := backoff.NewExponentialBackOff()
	if cfg.Initial > 0 {
		b.InitialInterval = cfg.Initial
	}
	if cfg.Max > 0 {
		b.MaxInterval = cfg.Max
	}
	b.MaxElapsedTime = cfg.MaxElapsed
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}

// Permanent stops Until and makes it return err.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
