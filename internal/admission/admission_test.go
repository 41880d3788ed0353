package admission

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSearchPoolOverload(t *testing.T) {
	c := New(Config{MaxSearches: 2, MaxIngests: 1})

	r1, err := c.AcquireSearch("acme", false)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	r2, err := c.AcquireSearch("acme", false)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if _, err := c.AcquireSearch("acme", false); !errors.Is(err, ErrSearchOverloaded) {
		t.Fatalf("third should overload: %v", err)
	}

	r1()
	r3, err := c.AcquireSearch("acme", false)
	if err != nil {
		t.Fatalf("after release: %v", err)
	}
	r2()
	r3()
	if got := c.TenantActive("acme"); got != 0 {
		t.Errorf("tenant counter should converge to zero, got %d", got)
	}
}

func TestIngestPoolOverload(t *testing.T) {
	c := New(Config{MaxSearches: 1, MaxIngests: 1})
	r, err := c.AcquireIngest("acme", false)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := c.AcquireIngest("acme", false); !errors.Is(err, ErrIngestOverloaded) {
		t.Fatalf("second should overload: %v", err)
	}
	r()
	r() // double release must not over-credit
	if _, err := c.AcquireIngest("acme", false); err != nil {
		t.Fatalf("after release: %v", err)
	}
}

func TestTenantCapCheckedBeforePool(t *testing.T) {
	c := New(Config{
		MaxSearches: 10,
		TenantLimit: func(tenant string) int {
			if tenant == "capped" {
				return 1
			}
			return 0
		},
	})

	r1, err := c.AcquireSearch("capped", false)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := c.AcquireSearch("capped", false); !errors.Is(err, ErrTenantRateLimited) {
		t.Fatalf("second should rate-limit: %v", err)
	}

	// Admin bypasses the tenant cap.
	rAdmin, err := c.AcquireSearch("capped", true)
	if err != nil {
		t.Fatalf("admin bypass: %v", err)
	}

	// Unlimited tenants are unaffected.
	rOther, err := c.AcquireSearch("other", false)
	if err != nil {
		t.Fatalf("unlimited tenant: %v", err)
	}

	r1()
	rAdmin()
	rOther()
	if c.TenantActive("capped") != 0 || c.TenantActive("other") != 0 {
		t.Error("counters should converge to zero")
	}
}

func TestRunSearchTimeout(t *testing.T) {
	c := New(Config{MaxSearches: 1, SearchTimeout: 50 * time.Millisecond})

	workerDone := make(chan struct{})
	start := time.Now()
	_, err := c.RunSearch(context.Background(), "acme", false, func(context.Context) (any, error) {
		defer close(workerDone)
		time.Sleep(300 * time.Millisecond)
		return nil, errors.New("late error must be swallowed")
	})
	if !errors.Is(err, ErrSearchTimeout) {
		t.Fatalf("want timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("timeout took %v, want ~50ms", elapsed)
	}

	// Slot stays held until the orphaned worker completes.
	if _, err := c.AcquireSearch("acme", false); !errors.Is(err, ErrSearchOverloaded) {
		t.Errorf("slot should still be held: %v", err)
	}
	<-workerDone
	deadline := time.After(time.Second)
	for {
		if r, err := c.AcquireSearch("acme", false); err == nil {
			r()
			break
		}
		select {
		case <-deadline:
			t.Fatal("slot never released after worker completion")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRunSearchSuccess(t *testing.T) {
	c := New(Config{MaxSearches: 1, SearchTimeout: time.Second})
	v, err := c.RunSearch(context.Background(), "acme", false, func(context.Context) (any, error) {
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("got %v, %v", v, err)
	}
	if c.TenantActive("acme") != 0 {
		t.Error("counter should be released")
	}
}
