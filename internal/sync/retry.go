package sync

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/OpenTerra/boundary-sync/internal/feature"
)

// Policy is a bounded fixed-delay retry applied uniformly to remote calls.
// Only errors marked feature.ErrTransient are retried; anything else is
// returned on the first attempt.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultPolicy matches the remote platform's guidance: three attempts,
// five seconds apart.
var DefaultPolicy = Policy{MaxAttempts: 3, Delay: 5 * time.Second}

// Do runs fn up to MaxAttempts times, sleeping Delay between attempts.
// name labels log lines only.
func (p Policy) Do(ctx context.Context, name string, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, feature.ErrTransient) {
			return err
		}
		if attempt == attempts {
			break
		}
		log.Printf("[retry] %s attempt %d/%d failed: %v (retrying in %s)",
			name, attempt, attempts, err, p.Delay)
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
