package persist

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/Rajchodisetti/flowcore/internal/observ"
)

// Guarded wraps a Store with a per-call timeout and a circuit breaker so a dead
// backend fails fast instead of stalling checkpointing on every bar.
type Guarded struct {
	name    string
	inner   Store
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

// NewGuarded trips after three consecutive failures and probes again after 30s
func NewGuarded(name string, inner Store, timeout time.Duration) *Guarded {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	st := gobreaker.Settings{
		Name:        "persist_" + name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		// a missing snapshot is an answer, not a backend failure
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observ.Log("persist_breaker_state", map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
			open := 0.0
			if to == gobreaker.StateOpen {
				open = 1
			}
			observ.SetGauge("persist_breaker_open", open, map[string]string{"backend": name})
		},
	}
	return &Guarded{
		name:    name,
		inner:   inner,
		cb:      gobreaker.NewCircuitBreaker(st),
		timeout: timeout,
	}
}

func (g *Guarded) Save(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	_, err := g.cb.Execute(func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return nil, g.inner.Save(cctx, key, data)
	})
	observ.RecordDuration("persist_save_latency", time.Since(start), map[string]string{"backend": g.name})
	if err != nil {
		observ.IncCounter("persist_errors_total", map[string]string{"backend": g.name, "op": "save"})
		return wrapBreakerErr("save", key, err)
	}
	return nil
}

func (g *Guarded) Load(ctx context.Context, key string) ([]byte, error) {
	out, err := g.cb.Execute(func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return g.inner.Load(cctx, key)
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			observ.IncCounter("persist_errors_total", map[string]string{"backend": g.name, "op": "load"})
		}
		return nil, wrapBreakerErr("load", key, err)
	}
	data, _ := out.([]byte)
	return data, nil
}

func (g *Guarded) Close() error { return g.inner.Close() }

// State reports the breaker state ("closed", "half-open", "open")
func (g *Guarded) State() string { return g.cb.State().String() }

func wrapBreakerErr(op, key string, err error) error {
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Op: op, Key: key, Err: err}
}
