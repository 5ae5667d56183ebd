package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openmates/core/internal/fault"
)

// fastConfig keeps tests quick while still exercising backoff growth.
func fastConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Factor:       2.0,
	}
}

func TestDoSucceedsAfterTransient(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(), func() error {
		calls++
		if calls < 3 {
			return fault.New(fault.KindTransient, "connection reset")
		}
		return nil
	})

	if result.Err != nil {
		t.Fatalf("Err = %v", result.Err)
	}
	if result.Attempts != 3 || calls != 3 {
		t.Errorf("attempts = %d, calls = %d", result.Attempts, calls)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	authErr := fault.New(fault.KindAuth, "key revoked")
	result := Do(context.Background(), fastConfig(), func() error {
		calls++
		return authErr
	})

	if calls != 1 || result.Attempts != 1 {
		t.Errorf("non-retryable fault retried: calls = %d", calls)
	}
	if !errors.Is(result.Err, authErr) {
		t.Errorf("Err = %v", result.Err)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(), func() error {
		calls++
		return fault.New(fault.KindTransient, "still down")
	})

	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if !fault.IsKind(result.Err, fault.KindTransient) {
		t.Errorf("Err = %v", result.Err)
	}
}

func TestDoPlainErrorNotRetried(t *testing.T) {
	// Unclassified errors map to internal and must not be retried.
	calls := 0
	Do(context.Background(), fastConfig(), func() error {
		calls++
		return errors.New("unexpected")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cfg := fastConfig()
	cfg.InitialDelay = time.Minute
	cfg.MaxDelay = time.Minute

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	result := Do(ctx, cfg, func() error {
		calls++
		return fault.New(fault.KindTransient, "down")
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("Err = %v", result.Err)
	}
}

func TestDoZeroConfigDefaults(t *testing.T) {
	result := Do(context.Background(), Config{}, func() error { return nil })
	if result.Err != nil || result.Attempts != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxAttempts != 3 || cfg.MaxDelay != 15*time.Second || !cfg.Jitter {
		t.Errorf("cfg = %+v", cfg)
	}
}
