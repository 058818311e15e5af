package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sells-group/bid-analyzer/internal/config"
)

var errBoom = errors.New("boom")

func failN(cb *CircuitBreaker, n int) {
	for range n {
		_ = cb.Execute(context.Background(), func(context.Context) error { return errBoom })
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	failN(cb, 2)
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed after 2 failures, got %s", cb.State())
	}
	failN(cb, 1)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open after 3 failures, got %s", cb.State())
	}

	err := cb.Execute(context.Background(), func(context.Context) error {
		t.Error("fn must not run while open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3})
	failN(cb, 2)
	_ = cb.Execute(context.Background(), func(context.Context) error { return nil })
	if got := cb.Failures(); got != 0 {
		t.Errorf("expected failures reset, got %d", got)
	}
	failN(cb, 2)
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})
	cb.now = func() time.Time { return now }

	failN(cb, 1)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	now = now.Add(time.Minute)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open after reset timeout, got %s", cb.State())
	}

	if err := cb.Execute(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after successful probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Second})
	cb.now = func() time.Time { return now }

	failN(cb, 2)
	now = now.Add(2 * time.Second)
	failN(cb, 1)
	if cb.State() != CircuitOpen {
		t.Errorf("expected reopened circuit, got %s", cb.State())
	}
}

func TestCircuitBreaker_ShouldTripFilters(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ShouldTrip:       IsTransient,
	})
	failN(cb, 5)
	if cb.State() != CircuitClosed {
		t.Errorf("permanent errors should not trip, got %s", cb.State())
	}
}

func TestCircuitBreaker_StateChangeHook(t *testing.T) {
	var changes []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		OnStateChange: func(from, to CircuitState) {
			changes = append(changes, from.String()+"->"+to.String())
		},
	})
	failN(cb, 1)
	cb.Reset()

	want := []string{"closed->open", "open->closed"}
	if len(changes) != len(want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("change %d = %s, want %s", i, changes[i], want[i])
		}
	}
}

func TestServiceBreakers_PerService(t *testing.T) {
	sb := NewServiceBreakers(CircuitBreakerConfig{FailureThreshold: 1})
	failN(sb.Get("anthropic"), 1)

	if sb.Get("anthropic") != sb.Get("anthropic") {
		t.Error("expected the same breaker for the same service")
	}
	states := sb.States()
	if states["anthropic"] != CircuitOpen {
		t.Errorf("anthropic = %s, want open", states["anthropic"])
	}
	if sb.Get("sam").State() != CircuitClosed {
		t.Error("sam breaker should be independent")
	}
}

func TestServiceBreakers_Concurrent(t *testing.T) {
	sb := NewServiceBreakers(DefaultCircuitBreakerConfig())
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sb.Get("sam").Execute(context.Background(), func(context.Context) error { return nil })
		}()
	}
	wg.Wait()
	if len(sb.States()) != 1 {
		t.Errorf("expected 1 breaker, got %d", len(sb.States()))
	}
}

func TestCall_StopsOnOpenCircuit(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour})
	var calls int
	_, err := Call(context.Background(), cb, fastRetry(5), func(context.Context) (int, error) {
		calls++
		return 0, NewTransientError(errBoom, 503)
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls before the circuit opened, got %d", calls)
	}
}

func TestFromConfig(t *testing.T) {
	rc := FromRetryConfig(config.RetryConfig{MaxAttempts: 7, InitialBackoffMs: 20})
	if rc.MaxAttempts != 7 || rc.InitialBackoff != 20*time.Millisecond {
		t.Errorf("unexpected retry config: %+v", rc)
	}
	if rc.MaxBackoff != DefaultRetryConfig().MaxBackoff {
		t.Errorf("unset MaxBackoff should keep default, got %v", rc.MaxBackoff)
	}

	cc := FromCircuitConfig(config.CircuitConfig{ResetTimeoutSecs: 9})
	if cc.ResetTimeout != 9*time.Second || cc.FailureThreshold != 5 {
		t.Errorf("unexpected circuit config: %+v", cc)
	}
}
