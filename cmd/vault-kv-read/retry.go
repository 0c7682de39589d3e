package main

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/libopenstorage/vaultkv/vault/utils"
	"github.com/sirupsen/logrus"
)

// newBackOff is replaced in tests.
var newBackOff = func() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = time.Minute
	return b
}

// retry runs op until it succeeds, fails with a non retriable error or the
// retries are exhausted.
func retry(ctx context.Context, retries uint64, log logrus.FieldLogger, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), retries), ctx)
	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !utils.IsRetriable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, next time.Duration) {
		log.WithError(err).WithField("next_attempt", next).Warn("vault unavailable, retrying")
	})
}
