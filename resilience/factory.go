package resilience

import (
	"context"

	"github.com/tallisward/hooksd/core"
)

// Dependencies holds optional collaborators for construction
type Dependencies struct {
	Logger  core.Logger
	Metrics MetricsCollector
}

// NewFromConfig builds a keyed circuit breaker from the supervisor
// configuration, wiring the logger and an OTel collector when none is
// supplied.
func NewFromConfig(cfg core.CircuitBreakerConfig, deps Dependencies) (*CircuitBreaker, error) {
	config := DefaultConfig()
	config.FailureThreshold = cfg.FailureThreshold
	config.ResetTimeout = cfg.ResetTimeout
	config.HalfOpenRequests = cfg.HalfOpenRequests

	if deps.Logger != nil {
		if cal, ok := deps.Logger.(core.ComponentAwareLogger); ok {
			config.Logger = cal.WithComponent("hooksd/resilience")
		} else {
			config.Logger = deps.Logger
		}
	}

	if deps.Metrics != nil {
		config.Metrics = deps.Metrics
	} else {
		config.Metrics = NewOTelMetricsCollector(context.Background())
	}

	return NewCircuitBreaker(config)
}
