// Package admission gates search and ingest work behind bounded pools and
// per-tenant concurrency caps. Checks are ordered cheap-first: the tenant
// counter, then the global pool. Search additionally runs under a deadline;
// a worker that outlives it keeps running and its result is discarded, but
// its slots are returned only when it actually finishes, so the counters
// converge to zero on an idle system.
package admission

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

var (
	ErrSearchOverloaded  = errors.New("too many concurrent searches")
	ErrIngestOverloaded  = errors.New("too many concurrent ingests")
	ErrTenantRateLimited = errors.New("tenant concurrency limit reached")
	ErrSearchTimeout     = errors.New("search timed out")
)

// Config holds pool sizes and tenant policy.
type Config struct {
	MaxSearches   int
	MaxIngests    int
	SearchTimeout time.Duration

	// TenantLimit returns the concurrency cap for a tenant; 0 is unlimited.
	TenantLimit func(tenant string) int
}

// Controller is the process-wide admission gate.
type Controller struct {
	search  *semaphore.Weighted
	ingest  *semaphore.Weighted
	timeout time.Duration
	limit   func(string) int

	mu     sync.Mutex
	active map[string]int
}

func New(cfg Config) *Controller {
	maxSearches := cfg.MaxSearches
	if maxSearches <= 0 {
		maxSearches = 8
	}
	maxIngests := cfg.MaxIngests
	if maxIngests <= 0 {
		maxIngests = 4
	}
	limit := cfg.TenantLimit
	if limit == nil {
		limit = func(string) int { return 0 }
	}
	return &Controller{
		search:  semaphore.NewWeighted(int64(maxSearches)),
		ingest:  semaphore.NewWeighted(int64(maxIngests)),
		timeout: cfg.SearchTimeout,
		limit:   limit,
		active:  map[string]int{},
	}
}

// acquireTenant claims one tenant slot; admins bypass the cap but are still
// counted so release stays symmetric.
func (c *Controller) acquireTenant(tenant string, admin bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !admin {
		if cap := c.limit(tenant); cap > 0 && c.active[tenant] >= cap {
			return ErrTenantRateLimited
		}
	}
	c.active[tenant]++
	return nil
}

func (c *Controller) releaseTenant(tenant string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[tenant] > 0 {
		c.active[tenant]--
	}
	if c.active[tenant] == 0 {
		delete(c.active, tenant)
	}
}

// TenantActive reports the current in-flight count for a tenant.
func (c *Controller) TenantActive(tenant string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[tenant]
}

// AcquireSearch claims a search slot, returning the release function. Tenant
// cap first, then the global pool.
func (c *Controller) AcquireSearch(tenant string, admin bool) (func(), error) {
	if err := c.acquireTenant(tenant, admin); err != nil {
		return nil, err
	}
	if !c.search.TryAcquire(1) {
		c.releaseTenant(tenant)
		return nil, ErrSearchOverloaded
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			c.search.Release(1)
			c.releaseTenant(tenant)
		})
	}, nil
}

// AcquireIngest claims an ingest slot. Ingests have no timeout: they run to
// completion.
func (c *Controller) AcquireIngest(tenant string, admin bool) (func(), error) {
	if err := c.acquireTenant(tenant, admin); err != nil {
		return nil, err
	}
	if !c.ingest.TryAcquire(1) {
		c.releaseTenant(tenant)
		return nil, ErrIngestOverloaded
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			c.ingest.Release(1)
			c.releaseTenant(tenant)
		})
	}, nil
}

// RunSearch executes fn under a search slot and the configured deadline.
// On timeout the caller gets ErrSearchTimeout immediately; the worker is not
// cancelled (the engine has no cooperative cancellation) and its eventual
// result, error included, is swallowed when it resolves.
func (c *Controller) RunSearch(ctx context.Context, tenant string, admin bool, fn func(context.Context) (any, error)) (any, error) {
	release, err := c.AcquireSearch(tenant, admin)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		val any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer release()
		v, err := fn(ctx)
		done <- outcome{val: v, err: err}
	}()

	if c.timeout <= 0 {
		o := <-done
		return o.val, o.err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case o := <-done:
		return o.val, o.err
	case <-timer.C:
		return nil, ErrSearchTimeout
	}
}
