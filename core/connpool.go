package core

import (
	"context"
	"sync"
	"time"
)

// probePool hands out short-lived TLS connections for the certificate
// probe's bounded retry loop. It is adapted from the connection-pool pattern used
// elsewhere for reusable sockets, but here every connection is single-use:
// the callback passed to retry dials and closes its own connection, so the
// type's only job is centralizing the retry/backoff policy.
type probePool struct {
	dialer   *Dialer
	attempts int
	spacing  time.Duration

	mu      sync.Mutex
	tries   int
}

func newProbePool(d *Dialer, attempts int, spacing time.Duration) *probePool {
	return &probePool{dialer: d, attempts: attempts, spacing: spacing}
}

// retry runs fn up to p.attempts times, sleeping p.spacing between tries,
// stopping as soon as fn returns a nil error or ctx is cancelled.
func (p *probePool) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for i := 0; i < p.attempts; i++ {
		p.mu.Lock()
		p.tries++
		p.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < p.attempts-1 {
			select {
			case <-time.After(p.spacing):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}
