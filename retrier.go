package kafka

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff"
)

// RetryConfig configures the backoff schedule a Retrier uses between
// attempts. The effective delay for attempt n is:
//
//	min(MaxRetryTime, InitialRetryTime * Multiplier^n * Factor * rand(0.5, 1.0))
type RetryConfig struct {
	InitialRetryTime time.Duration
	MaxRetryTime     time.Duration
	Factor           float64
	Multiplier       float64
	Retries          int
}

// DefaultRetryConfig mirrors the defaults a Cluster applies when its caller
// leaves RetryConfig zero-valued.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialRetryTime: 300 * time.Millisecond,
		MaxRetryTime:     30 * time.Second,
		Factor:           2,
		Multiplier:       1,
		Retries:          5,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.InitialRetryTime <= 0 {
		c.InitialRetryTime = d.InitialRetryTime
	}
	if c.MaxRetryTime <= 0 {
		c.MaxRetryTime = d.MaxRetryTime
	}
	if c.Factor <= 0 {
		c.Factor = d.Factor
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	if c.Retries <= 0 {
		c.Retries = d.Retries
	}
	return c
}

// Retrier runs an attempt function repeatedly until it succeeds, bails, or
// exhausts its retry budget. Cluster.Metadata and Cluster.FindGroupCoordinator
// (including its coordinator lookup) run inside a Retrier; BrokerPool
// operations, Cluster.Connect, Cluster.FindBroker and
// Cluster.FetchTopicsOffset are not wrapped in one.
type Retrier struct {
	config RetryConfig
	boff   *backoff.ExponentialBackOff
}

// NewRetrier builds a Retrier from config, filling unset fields with
// DefaultRetryConfig's values.
func NewRetrier(config RetryConfig) *Retrier {
	config = config.withDefaults()

	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = config.InitialRetryTime
	boff.MaxInterval = config.MaxRetryTime
	boff.Multiplier = config.Multiplier
	boff.RandomizationFactor = 0 // spec.md's own rand(0.5, 1.0) jitter is applied on top
	boff.MaxElapsedTime = 0     // the Retrier enforces its own retry-count ceiling
	boff.Reset()

	return &Retrier{config: config, boff: boff}
}

// Attempt is the signature of the function a Retrier drives. attempt
// receives a bail channel the caller can send a non-retriable error to, the
// current attempt number (starting at 0), and the elapsed retry time so
// far. Returning a nil error ends the retry loop successfully; returning a
// non-nil error is treated as retriable unless the same or another error was
// also sent on bail.
type Attempt func(bail chan<- error, attempt int, elapsed time.Duration) error

// Do runs fn repeatedly per the Retrier's configuration. It returns the
// first bailed error immediately, the last retriable error once the retry
// budget is exhausted, or nil on success. ctx cancellation is honored
// between attempts and while sleeping.
func (r *Retrier) Do(ctx context.Context, fn Attempt) error {
	start := time.Now()
	bail := make(chan error, 1)

	// Each Do runs its own backoff schedule, starting over at
	// InitialRetryTime, so attempt n's delay does not depend on earlier or
	// concurrent Do calls on the same Retrier.
	boff := *r.boff
	boff.Reset()

	for attempt := 0; ; attempt++ {
		err := fn(bail, attempt, time.Since(start))

		select {
		case bailErr := <-bail:
			return bailErr
		default:
		}

		if err == nil {
			return nil
		}

		var nre *NonRetriableError
		if isNonRetriable(err, &nre) {
			return err
		}

		if attempt+1 >= r.config.Retries {
			return err
		}

		delay := r.nextBackoff(&boff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// nextBackoff asks boff (cenkalti/backoff's ExponentialBackOff) for the next
// unjittered interval, applies this package's Factor multiplier and the
// rand(0.5, 1.0) jitter spec.md prescribes, then caps the result at
// MaxRetryTime.
func (r *Retrier) nextBackoff(boff *backoff.ExponentialBackOff) time.Duration {
	jitter := 0.5 + rand.Float64()*0.5
	delay := float64(boff.NextBackOff()) * r.config.Factor * jitter

	if max := float64(r.config.MaxRetryTime); delay > max {
		delay = max
	}

	return time.Duration(delay)
}

func isNonRetriable(err error, target **NonRetriableError) bool {
	for err != nil {
		if nre, ok := err.(*NonRetriableError); ok {
			*target = nre
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
