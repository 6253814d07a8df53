package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Retry attempt budgets. Entities whose loss would corrupt scheduling or
// billing state get one more attempt than append-only records.
const (
	criticalWriteAttempts = 3
	recordWriteAttempts   = 2
)

// withRetry runs fn with exponential backoff (100ms base, doubled per
// attempt) up to the given number of tries. All retry policy in the store
// goes through here.
func withRetry(attempts uint, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0

	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		return struct{}{}, fn()
	}, backoff.WithBackOff(b), backoff.WithMaxTries(attempts))
	return err
}
