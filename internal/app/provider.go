package app

import (
	"context"
	"fmt"

	"github.com/MrWong99/siren/internal/config"
	"github.com/MrWong99/siren/internal/resilience"
	"github.com/MrWong99/siren/pkg/provider/live"
)

// BuildProvider creates the live provider described by cfg. With failover
// providers configured the result is a [resilience.Failover] over the
// primary and every fallback.
func BuildProvider(reg *config.Registry, cfg *config.Config) (live.Provider, error) {
	primary, err := reg.Create(cfg.Provider)
	if err != nil {
		return nil, err
	}
	if len(cfg.Failover.Providers) == 0 {
		return primary, nil
	}

	fallbacks := make([]resilience.Candidate, 0, len(cfg.Failover.Providers))
	for i, entry := range cfg.Failover.Providers {
		p, err := reg.Create(entry)
		if err != nil {
			return nil, fmt.Errorf("failover.providers[%d]: %w", i, err)
		}
		fallbacks = append(fallbacks, resilience.Candidate{Name: candidateName(i+1, entry), Provider: p})
	}
	return resilience.NewFailover(
		resilience.BreakerConfig{
			MaxFailures:  cfg.Failover.MaxFailures,
			ResetTimeout: cfg.Failover.ResetTimeout,
		},
		resilience.Candidate{Name: candidateName(0, cfg.Provider), Provider: primary},
		fallbacks...,
	), nil
}

// candidateName keeps names unique when one provider appears twice with
// different models.
func candidateName(i int, e config.ProviderEntry) string {
	return fmt.Sprintf("%d:%s", i, e.Name)
}

// checker is implemented by providers that can report readiness.
type checker interface {
	Check(ctx context.Context) error
}
