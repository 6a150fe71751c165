package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/reclip/recap-engine/internal/config"
	"github.com/reclip/recap-engine/internal/domain"
)

func TestCallSucceedsOnFirstAttempt(t *testing.T) {
	g := New(nil, nil)
	calls := 0
	err := g.Call(context.Background(), "visual", func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one attempt, got %d", calls)
	}
}

func TestCallRetriesTransientFailures(t *testing.T) {
	policies := map[string]config.ProviderPolicy{
		"visual": {
			MaxInFlight:       2,
			PerAttemptTimeout: time.Second,
			MaxAttempts:       3,
			BaseDelay:         time.Millisecond,
			MaxDelay:          5 * time.Millisecond,
		},
	}
	g := New(nil, policies)

	calls := 0
	err := g.Call(context.Background(), "visual", func(_ context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient failure")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts before success, got %d", calls)
	}
}

func TestCallDoesNotRetryPermanentErrors(t *testing.T) {
	policies := map[string]config.ProviderPolicy{
		"visual": {
			MaxInFlight:       2,
			PerAttemptTimeout: time.Second,
			MaxAttempts:       5,
			BaseDelay:         time.Millisecond,
			MaxDelay:          5 * time.Millisecond,
		},
	}
	g := New(nil, policies)

	calls := 0
	err := g.Call(context.Background(), "visual", func(_ context.Context) error {
		calls++
		return domain.ErrProviderPermanent
	})
	if err == nil {
		t.Fatal("expected Call() to return an error for a permanent failure")
	}
	if calls != 1 {
		t.Fatalf("expected exactly one attempt for a permanent error, got %d", calls)
	}
}

func TestCallGivesUpAfterMaxAttempts(t *testing.T) {
	policies := map[string]config.ProviderPolicy{
		"visual": {
			MaxInFlight:       2,
			PerAttemptTimeout: time.Second,
			MaxAttempts:       2,
			BaseDelay:         time.Millisecond,
			MaxDelay:          5 * time.Millisecond,
		},
	}
	g := New(nil, policies)

	calls := 0
	err := g.Call(context.Background(), "visual", func(_ context.Context) error {
		calls++
		return errors.New("always fails")
	})
	if err == nil {
		t.Fatal("expected an error once attempts are exhausted")
	}
	if calls != 2 {
		t.Fatalf("expected exactly MaxAttempts=2 attempts, got %d", calls)
	}
}

func TestCallUsesDefaultPolicyForUnknownProvider(t *testing.T) {
	g := New(nil, nil)
	err := g.Call(context.Background(), "never-configured", func(_ context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Call() error = %v, want nil via the default policy fallback", err)
	}
}

func TestIsRetriableStatusConsultsPolicyNotHardcodedRanges(t *testing.T) {
	policies := map[string]config.ProviderPolicy{
		"visual": {RetriableStatuses: []int{429, 503}},
	}
	g := New(nil, policies)

	if !g.IsRetriableStatus("visual", 429) {
		t.Fatal("expected 429 to be retriable per configured policy")
	}
	if g.IsRetriableStatus("visual", 500) {
		t.Fatal("500 is not in the configured policy's retriableStatuses and must not be retriable")
	}
}

func TestIsRetriableStatusFallsBackToDefaultPolicy(t *testing.T) {
	g := New(nil, nil)
	if !g.IsRetriableStatus("never-configured", 503) {
		t.Fatal("expected the default policy's retriableStatuses to cover 503")
	}
	if g.IsRetriableStatus("never-configured", 400) {
		t.Fatal("400 is not in the default policy's retriableStatuses")
	}
}

func TestCallBoundsConcurrencyPerProvider(t *testing.T) {
	policies := map[string]config.ProviderPolicy{
		"visual": {
			MaxInFlight:       1,
			PerAttemptTimeout: time.Second,
			MaxAttempts:       1,
			BaseDelay:         time.Millisecond,
			MaxDelay:          5 * time.Millisecond,
		},
	}
	g := New(nil, policies)

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = g.Call(context.Background(), "visual", func(_ context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Call(ctx, "visual", func(_ context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected the second concurrent Call to block until the semaphore frees up and then time out")
	}
	close(release)
}
