package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/majorcontext/metaproxy/internal/log"
	"github.com/majorcontext/metaproxy/internal/metrics"
	"github.com/majorcontext/metaproxy/internal/role"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"
)

// DefaultRefreshMargin is how long before expiration a credential stops
// being served from cache.
const DefaultRefreshMargin = 5 * time.Minute

// DefaultFailureBackoff is how long after a failed refresh the previous
// credential is served without asking the issuer again.
const DefaultFailureBackoff = 10 * time.Second

// Options configures a Cache.
type Options struct {
	// RefreshMargin defaults to DefaultRefreshMargin.
	RefreshMargin time.Duration
	// Size bounds the number of roles held. Defaults to 1024.
	Size int
	// IssueTimeout bounds one issuance, independent of any caller's context.
	// Zero means no bound beyond the issuer's own.
	IssueTimeout time.Duration
	// FailureBackoff defaults to DefaultFailureBackoff. Negative disables it,
	// so every request past the margin retries the issuer.
	FailureBackoff time.Duration
	// SessionLabel is passed to the issuer. Empty lets the issuer choose.
	SessionLabel string
	// Clock defaults to the real clock.
	Clock clock.PassiveClock
}

// Cache serves credentials per role, issuing at most one at a time per role.
type Cache struct {
	issuer       Issuer
	margin       time.Duration
	timeout      time.Duration
	backoff      time.Duration
	sessionLabel string
	clock        clock.PassiveClock

	entries  *lru.Cache[string, *Credentials]
	failures *lru.Cache[string, failure]
	flights  singleflight.Group
}

// failure remembers the last failed refresh of a role.
type failure struct {
	until time.Time
	err   error
}

// NewCache creates an empty cache backed by issuer.
func NewCache(issuer Issuer, opts Options) (*Cache, error) {
	if issuer == nil {
		return nil, errors.New("credential cache requires an issuer")
	}
	if opts.RefreshMargin == 0 {
		opts.RefreshMargin = DefaultRefreshMargin
	}
	if opts.Size == 0 {
		opts.Size = 1024
	}
	if opts.FailureBackoff == 0 {
		opts.FailureBackoff = DefaultFailureBackoff
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	entries, err := lru.New[string, *Credentials](opts.Size)
	if err != nil {
		return nil, fmt.Errorf("creating credential cache: %w", err)
	}
	failures, err := lru.New[string, failure](opts.Size)
	if err != nil {
		return nil, fmt.Errorf("creating credential cache: %w", err)
	}
	return &Cache{
		issuer:       issuer,
		margin:       opts.RefreshMargin,
		timeout:      opts.IssueTimeout,
		backoff:      opts.FailureBackoff,
		sessionLabel: opts.SessionLabel,
		clock:        opts.Clock,
		entries:      entries,
		failures:     failures,
	}, nil
}

// Get returns credentials for the binding's role. A cached credential is
// returned while now < Expiration-RefreshMargin; otherwise the caller joins
// (or starts) the role's single in-flight issuance.
//
// Within FailureBackoff of a failed refresh, a credential that has not
// hard-expired is served without another issuance.
//
// If ctx ends first, Get returns ctx.Err() and the issuance carries on for
// the remaining waiters.
func (c *Cache) Get(ctx context.Context, binding role.Binding) (*Credentials, error) {
	if cred, ok := c.entries.Get(binding.ARN); ok {
		if c.fresh(cred) {
			metrics.CacheHit()
			return cred, nil
		}
		if f, ok := c.backingOff(binding.ARN, cred); ok {
			c.serveStale(binding, cred, f.err)
			return cred, nil
		}
	}
	metrics.CacheMiss()

	ch := c.flights.DoChan(binding.ARN, func() (any, error) {
		return c.refresh(ctx, binding)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Credentials), nil
	}
}

// Len returns the number of roles with a cached credential.
func (c *Cache) Len() int {
	return c.entries.Len()
}

func (c *Cache) fresh(cred *Credentials) bool {
	return c.clock.Now().Before(cred.Expiration.Add(-c.margin))
}

// backingOff reports whether a recent failure lets cred be served as is.
func (c *Cache) backingOff(roleARN string, cred *Credentials) (failure, bool) {
	f, ok := c.failures.Get(roleARN)
	if !ok {
		return failure{}, false
	}
	now := c.clock.Now()
	return f, now.Before(f.until) && now.Before(cred.Expiration)
}

func (c *Cache) serveStale(binding role.Binding, cred *Credentials, err error) {
	metrics.CacheDegraded()
	log.Warn("serving stale credentials",
		"subsystem", "credential",
		"role", binding.ARN,
		"expires_in", cred.Expiration.Sub(c.clock.Now()).Round(time.Second).String(),
		"error", err)
}

// refresh runs inside the role's flight.
func (c *Cache) refresh(ctx context.Context, binding role.Binding) (*Credentials, error) {
	prev, _ := c.entries.Peek(binding.ARN)
	// A flight that finished between our cache check and DoChan already
	// stored a usable credential.
	if prev != nil && c.fresh(prev) {
		return prev, nil
	}
	if prev != nil {
		if f, ok := c.backingOff(binding.ARN, prev); ok {
			c.serveStale(binding, prev, f.err)
			return prev, nil
		}
	}

	// The leader's caller may go away; the issuance must not.
	ctx = context.WithoutCancel(ctx)
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cred, err := c.issuer.Assume(ctx, binding, c.sessionLabel)
	if err == nil && cred == nil {
		err = fmt.Errorf("issuer returned no credentials for %s", binding.ARN)
	}
	if err != nil {
		now := c.clock.Now()
		if prev != nil && now.Before(prev.Expiration) {
			if c.backoff > 0 {
				c.failures.Add(binding.ARN, failure{until: now.Add(c.backoff), err: err})
			}
			c.serveStale(binding, prev, err)
			return prev, nil
		}
		c.failures.Remove(binding.ARN)
		return nil, err
	}

	if cred.RoleARN == "" {
		cred.RoleARN = binding.ARN
	}
	if cred.IssuedAt.IsZero() {
		cred.IssuedAt = c.clock.Now()
	}
	c.entries.Add(binding.ARN, cred)
	c.failures.Remove(binding.ARN)
	log.Debug("credentials issued",
		"subsystem", "credential",
		"role", binding.ARN,
		"expiration", cred.Expiration)
	return cred, nil
}
