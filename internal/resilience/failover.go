package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/siren/pkg/provider/live"
)

var _ live.Provider = (*Failover)(nil)

// ErrAllFailed is returned by [Failover.Connect] when no provider could be
// connected. The error of the last attempt is wrapped alongside it.
var ErrAllFailed = errors.New("resilience: all providers failed")

// Candidate is one provider in a [Failover] chain.
type Candidate struct {
	Name     string
	Provider live.Provider
}

type entry struct {
	Candidate
	breaker *Breaker
}

// Failover implements [live.Provider] over an ordered list of candidates.
type Failover struct {
	entries []entry
}

// NewFailover creates a Failover that tries primary first and then each
// fallback in order. Every candidate gets its own [Breaker] built from cfg.
func NewFailover(cfg BreakerConfig, primary Candidate, fallbacks ...Candidate) *Failover {
	f := &Failover{}
	for _, c := range append([]Candidate{primary}, fallbacks...) {
		bc := cfg
		bc.Name = c.Name
		f.entries = append(f.entries, entry{Candidate: c, breaker: NewBreaker(bc)})
	}
	return f
}

// Connect connects to the first candidate that accepts. Candidates with an
// open breaker are skipped. h is passed unchanged to the candidate that is
// tried, so a failed candidate must not have delivered events to it.
//
// When ctx ends, Connect returns ctx.Err() without trying further
// candidates, and the abandoned attempt does not count against its breaker.
func (f *Failover) Connect(ctx context.Context, cfg live.Config, h live.Handler) (live.Conn, error) {
	var lastErr error
	for i := range f.entries {
		e := &f.entries[i]
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := e.breaker.Allow(); err != nil {
			slog.Debug("skipping live provider", "provider", e.Name, "reason", err)
			lastErr = fmt.Errorf("%s: %w", e.Name, err)
			continue
		}

		conn, err := e.Provider.Connect(ctx, cfg, h)
		if err != nil && ctx.Err() != nil {
			e.breaker.Cancel()
			return nil, err
		}
		e.breaker.Record(err)
		if err == nil {
			if i > 0 {
				slog.Info("connected to fallback live provider", "provider", e.Name)
			}
			return conn, nil
		}
		slog.Warn("live provider failed, trying next", "provider", e.Name, "err", err)
		lastErr = fmt.Errorf("%s: %w", e.Name, err)
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

// States returns the breaker state of every candidate, keyed by name.
func (f *Failover) States() map[string]State {
	out := make(map[string]State, len(f.entries))
	for _, e := range f.entries {
		out[e.Name] = e.breaker.State()
	}
	return out
}

// Check returns an error when every candidate's breaker is open. It is used
// as a readiness check.
func (f *Failover) Check(context.Context) error {
	for _, e := range f.entries {
		if e.breaker.State() != StateOpen {
			return nil
		}
	}
	return errors.New("resilience: every live provider circuit is open")
}
