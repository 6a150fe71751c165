// Package gate implements the External Call Gate: the single chokepoint
// every outbound provider call passes through for per-provider rate
// limiting, bounded concurrency, retry, and per-attempt timeout.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	adapterobs "github.com/reclip/recap-engine/internal/adapter/observability"
	"github.com/reclip/recap-engine/internal/config"
	"github.com/reclip/recap-engine/internal/domain"
	"github.com/reclip/recap-engine/internal/observability"
	"github.com/reclip/recap-engine/internal/service/ratelimiter"
)

// circuitBreakerMaxFailures and circuitBreakerCooldown bound how many
// consecutive transient failures a provider tolerates before the Gate
// trips its breaker and how long it stays open before probing again.
const (
	circuitBreakerMaxFailures = 5
	circuitBreakerCooldown    = 30 * time.Second
)

// Gate wraps one outbound call with a per-provider token bucket, a
// bounded-concurrency semaphore, exponential backoff retry, and a
// per-attempt timeout. Retry delays use the backoff library's default
// randomization (each delay within +/-50% of the exponential step), not
// full jitter over [0, step].
type Gate struct {
	limiter  ratelimiter.Limiter
	sems     map[string]chan struct{}
	policies map[string]config.ProviderPolicy
	obs      map[string]*observability.IntegratedObservableClient
	breakers *adapterobs.CircuitBreakerManager
}

// New constructs a Gate for the given provider policies. limiter may be
// nil, in which case token-bucket throttling is skipped and only
// concurrency/retry/timeout are enforced.
func New(limiter ratelimiter.Limiter, policies map[string]config.ProviderPolicy) *Gate {
	g := &Gate{
		limiter:  limiter,
		sems:     map[string]chan struct{}{},
		policies: policies,
		obs:      map[string]*observability.IntegratedObservableClient{},
		breakers: adapterobs.NewCircuitBreakerManager(),
	}
	for key, p := range policies {
		g.sems[key] = make(chan struct{}, maxInt(1, p.MaxInFlight))
		g.obs[key] = observability.NewIntegratedObservableClient(
			observability.ConnectionTypeAI,
			observability.OperationTypeRequest,
			key,
			"gate",
			p.PerAttemptTimeout,
			p.PerAttemptTimeout/4,
			p.PerAttemptTimeout*2,
		)
	}
	return g
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (g *Gate) semaphoreFor(providerKey string) chan struct{} {
	if s, ok := g.sems[providerKey]; ok {
		return s
	}
	s := make(chan struct{}, 4)
	g.sems[providerKey] = s
	return s
}

func (g *Gate) policyFor(providerKey string) config.ProviderPolicy {
	return config.Policy(g.policies, providerKey)
}

// IsRetriableStatus reports whether an HTTP status code is configured as
// retriable for providerKey, per that provider's RetriableStatuses policy
// rather than a hardcoded 4xx/5xx split. Provider adapters call this to
// decide whether a non-2xx response should be wrapped in
// domain.ErrProviderPermanent (no retry) or left for Call's retry loop.
func (g *Gate) IsRetriableStatus(providerKey string, status int) bool {
	policy := g.policyFor(providerKey)
	for _, s := range policy.RetriableStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// Call executes fn under the provider's rate limit and concurrency
// bound, retrying transient failures with exponential backoff. fn must
// return domain.ErrProviderPermanent-wrapped errors for failures that
// should not be retried; any other error is treated as transient.
func (g *Gate) Call(ctx context.Context, providerKey string, fn func(ctx context.Context) error) error {
	policy := g.policyFor(providerKey)

	if g.limiter != nil {
		allowed, retryAfter, err := g.limiter.Allow(ctx, providerKey, 1)
		if err == nil && !allowed {
			select {
			case <-time.After(retryAfter):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	sem := g.semaphoreFor(providerKey)
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	obs := g.obs[providerKey]
	cb := g.breakers.GetOrCreate(providerKey, circuitBreakerMaxFailures, circuitBreakerCooldown)

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = policy.BaseDelay
	expo.MaxInterval = policy.MaxDelay
	expo.Multiplier = 2.0
	expo.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(maxInt(policy.MaxAttempts, 1)-1)), ctx)

	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, policy.PerAttemptTimeout)
		defer cancel()

		callErr := cb.Call(func() error {
			if obs != nil {
				return obs.ExecuteWithMetrics(attemptCtx, providerKey, fn)
			}
			return fn(attemptCtx)
		})
		if callErr == nil {
			return nil
		}
		if errors.Is(callErr, domain.ErrProviderPermanent) {
			return backoff.Permanent(callErr)
		}
		if errors.Is(callErr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", domain.ErrProviderTransient, callErr)
		}
		return callErr
	}

	if err := backoff.Retry(op, bo); err != nil {
		if errors.Is(err, domain.ErrProviderPermanent) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrProviderTransient, err)
	}
	return nil
}
