package credential

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/majorcontext/metaproxy/internal/log"
	"github.com/majorcontext/metaproxy/internal/metrics"
	"github.com/majorcontext/metaproxy/internal/role"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	clocktesting "k8s.io/utils/clock/testing"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	t0        = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	deployBot = role.Binding{Name: "deploy-bot", ARN: "arn:aws:iam::123456789012:role/deploy-bot", Account: "123456789012"}
	otherRole = role.Binding{Name: "other-role", ARN: "arn:aws:iam::123456789012:role/other-role", Account: "123456789012"}
)

// countingIssuer returns credentials valid for ttl from clk.Now(), or err
// when set.
type countingIssuer struct {
	clk   *clocktesting.FakePassiveClock
	ttl   time.Duration
	calls atomic.Int32

	mu  sync.Mutex
	err error
}

func (f *countingIssuer) Assume(_ context.Context, b role.Binding, _ string) (*Credentials, error) {
	n := f.calls.Add(1)
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &Credentials{
		AccessKeyID:     fmt.Sprintf("ASIA%04d", n),
		SecretAccessKey: "secret",
		SessionToken:    "token",
		Expiration:      f.clk.Now().Add(f.ttl),
	}, nil
}

func (f *countingIssuer) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func newTestCache(t *testing.T, issuer Issuer, clk *clocktesting.FakePassiveClock) *Cache {
	t.Helper()
	c, err := NewCache(issuer, Options{RefreshMargin: 5 * time.Minute, Size: 16, Clock: clk})
	require.NoError(t, err)
	return c
}

func TestCache_HitAfterIssue(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(t0)
	iss := &countingIssuer{clk: clk, ttl: time.Hour}
	c := newTestCache(t, iss, clk)

	first, err := c.Get(context.Background(), deployBot)
	require.NoError(t, err)
	second, err := c.Get(context.Background(), deployBot)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), iss.calls.Load())
	assert.Equal(t, deployBot.ARN, first.RoleARN)
	assert.Equal(t, t0, first.IssuedAt)
	assert.Equal(t, 1, c.Len())
}

func TestCache_KeyMaterialUnchanged(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(t0)
	want := Credentials{
		AccessKeyID:     "ASIAEXAMPLEKEY",
		SecretAccessKey: "wJalrXUtnFEMI/K7MDENG/bPxRfiCYEXAMPLEKEY+/=",
		SessionToken:    "FwoGZXIvYXdzEBYaDH//+==",
		Expiration:      t0.Add(time.Hour),
	}
	iss := IssuerFunc(func(context.Context, role.Binding, string) (*Credentials, error) {
		cred := want
		return &cred, nil
	})
	c := newTestCache(t, iss, clk)

	got, err := c.Get(context.Background(), deployBot)
	require.NoError(t, err)
	assert.Equal(t, want.AccessKeyID, got.AccessKeyID)
	assert.Equal(t, want.SecretAccessKey, got.SecretAccessKey)
	assert.Equal(t, want.SessionToken, got.SessionToken)
	assert.Equal(t, want.Expiration, got.Expiration)
}

func TestCache_SingleFlight(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(t0)
	release := make(chan struct{})
	var calls atomic.Int32
	iss := IssuerFunc(func(context.Context, role.Binding, string) (*Credentials, error) {
		calls.Add(1)
		<-release
		return &Credentials{AccessKeyID: "ASIAONE", SecretAccessKey: "s", SessionToken: "t", Expiration: t0.Add(time.Hour)}, nil
	})
	c := newTestCache(t, iss, clk)

	const n = 50
	var started sync.WaitGroup
	var wg sync.WaitGroup
	results := make([]*Credentials, n)
	errs := make([]error, n)
	for i := range n {
		started.Add(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			started.Done()
			results[i], errs[i] = c.Get(context.Background(), deployBot)
		}()
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := range n {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
}

func TestCache_RefreshMarginBoundary(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(t0)
	iss := &countingIssuer{clk: clk, ttl: time.Hour}
	c := newTestCache(t, iss, clk)

	first, err := c.Get(context.Background(), deployBot)
	require.NoError(t, err)

	// One nanosecond before expiration-margin: still served.
	clk.SetTime(t0.Add(55*time.Minute - time.Nanosecond))
	got, err := c.Get(context.Background(), deployBot)
	require.NoError(t, err)
	assert.Same(t, first, got)
	assert.Equal(t, int32(1), iss.calls.Load())

	// Exactly at expiration-margin: refreshed once.
	clk.SetTime(t0.Add(55 * time.Minute))
	got, err = c.Get(context.Background(), deployBot)
	require.NoError(t, err)
	assert.NotEqual(t, first.AccessKeyID, got.AccessKeyID)
	assert.Equal(t, int32(2), iss.calls.Load())

	_, err = c.Get(context.Background(), deployBot)
	require.NoError(t, err)
	assert.Equal(t, int32(2), iss.calls.Load())
}

func TestCache_BoundaryCrossingRefreshesOnce(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(t0)
	iss := &countingIssuer{clk: clk, ttl: time.Hour}
	c := newTestCache(t, iss, clk)

	_, err := c.Get(context.Background(), deployBot)
	require.NoError(t, err)
	clk.SetTime(t0.Add(56 * time.Minute))

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background(), deployBot)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(2), iss.calls.Load())
}

// captureLog sends log output to a buffer for the rest of the test.
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, log.Init(log.Options{Stderr: &buf, Format: log.FormatJSON}))
	t.Cleanup(func() { _ = log.Init(log.Options{Stderr: io.Discard}) })
	return &buf
}

func staleWarnings(buf *bytes.Buffer) int {
	return strings.Count(buf.String(), `"msg":"serving stale credentials"`)
}

// degradedServes reads the degraded counter from the shared registry.
func degradedServes(t *testing.T) float64 {
	t.Helper()
	mfs, err := metrics.Registry.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == "metaproxy_credential_cache_degraded_serves_total" {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func TestCache_DegradedGrace(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(t0)
	iss := &countingIssuer{clk: clk, ttl: time.Hour}
	c := newTestCache(t, iss, clk)
	logs := captureLog(t)
	base := degradedServes(t)

	first, err := c.Get(context.Background(), deployBot)
	require.NoError(t, err)
	_, err = c.Get(context.Background(), deployBot)
	require.NoError(t, err)
	assert.Zero(t, staleWarnings(logs), "normal hits are not degraded")

	iss.fail(errors.New("sts unreachable"))
	clk.SetTime(t0.Add(57 * time.Minute))

	got, err := c.Get(context.Background(), deployBot)
	require.NoError(t, err, "stale credential still before hard expiration")
	assert.Same(t, first, got)
	assert.Equal(t, int32(2), iss.calls.Load())
	assert.Equal(t, 1, staleWarnings(logs))
	assert.Equal(t, base+1, degradedServes(t))

	clk.SetTime(t0.Add(time.Hour))
	_, err = c.Get(context.Background(), deployBot)
	require.Error(t, err, "hard expiration ends the grace window")
	assert.Equal(t, int32(3), iss.calls.Load())
	assert.Equal(t, 1, staleWarnings(logs), "errors are not degraded serves")
	assert.Equal(t, base+1, degradedServes(t))
}

func TestCache_FailureBackoff(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(t0)
	iss := &countingIssuer{clk: clk, ttl: time.Hour}
	c := newTestCache(t, iss, clk)
	logs := captureLog(t)
	base := degradedServes(t)

	first, err := c.Get(context.Background(), deployBot)
	require.NoError(t, err)

	iss.fail(errors.New("sts unreachable"))
	clk.SetTime(t0.Add(57 * time.Minute))
	_, err = c.Get(context.Background(), deployBot)
	require.NoError(t, err)
	require.Equal(t, int32(2), iss.calls.Load())

	// Inside the backoff the prior credential is served without issuing.
	for i := range 5 {
		clk.SetTime(t0.Add(57*time.Minute + time.Duration(i)*time.Second))
		got, err := c.Get(context.Background(), deployBot)
		require.NoError(t, err)
		assert.Same(t, first, got)
	}
	assert.Equal(t, int32(2), iss.calls.Load())
	assert.Equal(t, 6, staleWarnings(logs), "one warning per degraded serve")
	assert.Equal(t, base+6, degradedServes(t))

	// Past the backoff the issuer is tried again; recovery clears it.
	iss.fail(nil)
	clk.SetTime(t0.Add(57*time.Minute + DefaultFailureBackoff))
	got, err := c.Get(context.Background(), deployBot)
	require.NoError(t, err)
	assert.NotEqual(t, first.AccessKeyID, got.AccessKeyID)
	assert.Equal(t, int32(3), iss.calls.Load())

	again, err := c.Get(context.Background(), deployBot)
	require.NoError(t, err)
	assert.Same(t, got, again)
	assert.Equal(t, int32(3), iss.calls.Load())
	assert.Equal(t, 6, staleWarnings(logs))
}

func TestCache_FailureBackoffEndsAtExpiration(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(t0)
	iss := &countingIssuer{clk: clk, ttl: time.Hour}
	c := newTestCache(t, iss, clk)

	_, err := c.Get(context.Background(), deployBot)
	require.NoError(t, err)

	iss.fail(errors.New("sts unreachable"))
	clk.SetTime(t0.Add(time.Hour - 5*time.Second))
	_, err = c.Get(context.Background(), deployBot)
	require.NoError(t, err)

	// Still inside the backoff, but the credential has hard-expired.
	clk.SetTime(t0.Add(time.Hour))
	_, err = c.Get(context.Background(), deployBot)
	require.Error(t, err)
	assert.Equal(t, int32(3), iss.calls.Load())
}

func TestCache_FailureBackoffDisabled(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(t0)
	iss := &countingIssuer{clk: clk, ttl: time.Hour}
	c, err := NewCache(iss, Options{Size: 16, FailureBackoff: -1, Clock: clk})
	require.NoError(t, err)

	_, err = c.Get(context.Background(), deployBot)
	require.NoError(t, err)

	iss.fail(errors.New("sts unreachable"))
	clk.SetTime(t0.Add(57 * time.Minute))
	for range 3 {
		_, err := c.Get(context.Background(), deployBot)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(4), iss.calls.Load())
}

func TestCache_ErrorWithoutPriorEntryUnchanged(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(t0)
	issuerErr := errors.New("access denied")
	iss := IssuerFunc(func(context.Context, role.Binding, string) (*Credentials, error) {
		return nil, issuerErr
	})
	c := newTestCache(t, iss, clk)

	_, err := c.Get(context.Background(), deployBot)
	assert.Equal(t, issuerErr, err)
	assert.Equal(t, 0, c.Len())
}

func TestCache_NilCredentialsIsError(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(t0)
	c := newTestCache(t, IssuerFunc(func(context.Context, role.Binding, string) (*Credentials, error) {
		return nil, nil
	}), clk)

	_, err := c.Get(context.Background(), deployBot)
	assert.Error(t, err)
}

func TestCache_WaiterCancellation(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(t0)
	release := make(chan struct{})
	entered := make(chan struct{})
	var calls atomic.Int32
	iss := IssuerFunc(func(ctx context.Context, _ role.Binding, _ string) (*Credentials, error) {
		calls.Add(1)
		close(entered)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &Credentials{AccessKeyID: "ASIAONE", SecretAccessKey: "s", SessionToken: "t", Expiration: t0.Add(time.Hour)}, nil
	})
	c := newTestCache(t, iss, clk)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.Get(leaderCtx, deployBot)
		leaderErr <- err
	}()
	<-entered

	waiter := make(chan *Credentials, 1)
	go func() {
		cred, err := c.Get(context.Background(), deployBot)
		assert.NoError(t, err)
		waiter <- cred
	}()

	cancelLeader()
	assert.ErrorIs(t, <-leaderErr, context.Canceled)

	close(release)
	cred := <-waiter
	require.NotNil(t, cred)
	assert.Equal(t, "ASIAONE", cred.AccessKeyID)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_IssueTimeout(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(t0)
	iss := IssuerFunc(func(ctx context.Context, _ role.Binding, _ string) (*Credentials, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c, err := NewCache(iss, Options{IssueTimeout: 10 * time.Millisecond, Clock: clk})
	require.NoError(t, err)

	_, err = c.Get(context.Background(), deployBot)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCache_KeysIndependent(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(t0)
	release := make(chan struct{})
	iss := IssuerFunc(func(_ context.Context, b role.Binding, _ string) (*Credentials, error) {
		if b.ARN == deployBot.ARN {
			<-release
		}
		return &Credentials{AccessKeyID: "ASIA" + b.Name, SecretAccessKey: "s", SessionToken: "t", Expiration: t0.Add(time.Hour)}, nil
	})
	c := newTestCache(t, iss, clk)

	blocked := make(chan struct{})
	go func() {
		defer close(blocked)
		_, _ = c.Get(context.Background(), deployBot)
	}()

	done := make(chan *Credentials, 1)
	go func() {
		cred, _ := c.Get(context.Background(), otherRole)
		done <- cred
	}()
	select {
	case cred := <-done:
		assert.Equal(t, "ASIAother-role", cred.AccessKeyID)
	case <-time.After(time.Second):
		t.Fatal("issuance for one role blocked another")
	}

	close(release)
	<-blocked
}

func TestNewCache_RequiresIssuer(t *testing.T) {
	_, err := NewCache(nil, Options{})
	assert.Error(t, err)
}
