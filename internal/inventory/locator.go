package inventory

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/majorcontext/metaproxy/internal/log"
	"github.com/majorcontext/metaproxy/internal/metrics"
	"k8s.io/utils/clock"
)

// Snapshot is an immutable address index built by one scan.
type Snapshot struct {
	byAddr    map[string]ContainerIdentity
	TakenAt   time.Time
	Version   int
	Instances int
}

// Len returns the number of indexed addresses.
func (s *Snapshot) Len() int { return len(s.byAddr) }

// LocatorOptions configures a Locator.
type LocatorOptions struct {
	// Timeout bounds a single scan of the source.
	Timeout time.Duration
	// MaxStaleness makes lookups fail closed once the snapshot is older than
	// this. Zero disables the check.
	MaxStaleness time.Duration
	// Clock defaults to the real clock.
	Clock clock.PassiveClock
}

// Locator answers address lookups from the latest snapshot.
type Locator struct {
	source       Source
	timeout      time.Duration
	maxStaleness time.Duration
	clock        clock.PassiveClock

	snapshot atomic.Pointer[Snapshot]
}

// NewLocator creates a Locator with no snapshot. Lookups fail with
// *UnavailableError until the first successful Refresh.
func NewLocator(source Source, opts LocatorOptions) *Locator {
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Locator{
		source:       source,
		timeout:      opts.Timeout,
		maxStaleness: opts.MaxStaleness,
		clock:        clk,
	}
}

// Lookup returns the container that owns addr in the current snapshot.
func (l *Locator) Lookup(addr string) (ContainerIdentity, error) {
	snap := l.current()
	if snap == nil {
		return ContainerIdentity{}, &UnavailableError{Reason: "no inventory snapshot yet"}
	}
	if age := l.clock.Since(snap.TakenAt); l.maxStaleness > 0 && age > l.maxStaleness {
		return ContainerIdentity{}, &UnavailableError{
			Reason: fmt.Sprintf("snapshot is %s old", age.Round(time.Second)),
		}
	}

	key := NormalizeAddr(addr)
	if key == "" {
		return ContainerIdentity{}, ErrNotFound
	}
	id, ok := snap.byAddr[key]
	if !ok {
		return ContainerIdentity{}, ErrNotFound
	}
	return id, nil
}

// current returns the current snapshot, or nil before the first refresh.
func (l *Locator) current() *Snapshot {
	return l.snapshot.Load()
}

// Ready reports whether lookups can currently succeed.
func (l *Locator) Ready() bool {
	snap := l.current()
	if snap == nil {
		return false
	}
	return l.maxStaleness == 0 || l.clock.Since(snap.TakenAt) <= l.maxStaleness
}

// Refresh scans the source and swaps in a new snapshot. On failure the
// previous snapshot stays in place until it exceeds MaxStaleness.
func (l *Locator) Refresh(ctx context.Context) error {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	containers, err := l.source.Containers(ctx)
	if err != nil {
		metrics.InventoryRefreshFailed()
		if IsUnavailable(err) {
			return err
		}
		return &UnavailableError{Reason: "scan failed", Err: err}
	}

	byAddr := make(map[string]ContainerIdentity, len(containers))
	ids := make(map[string]struct{})
	for _, c := range containers {
		key := NormalizeAddr(c.Address)
		if key == "" {
			continue
		}
		if prev, dup := byAddr[key]; dup && prev.ID != c.ID {
			// Two containers claiming one address cannot be told apart.
			log.Warn("address claimed by multiple containers; refusing both",
				"subsystem", "inventory",
				"address", key,
				"container", c.ShortID(),
				"other", prev.ShortID())
			byAddr[key] = ContainerIdentity{ID: prev.ID, Name: prev.Name, Address: key}
			continue
		}
		c.Address = key
		byAddr[key] = c
		ids[c.ID] = struct{}{}
	}

	version := 1
	if prev := l.current(); prev != nil {
		version = prev.Version + 1
	}
	l.snapshot.Store(&Snapshot{
		byAddr:    byAddr,
		TakenAt:   l.clock.Now(),
		Version:   version,
		Instances: len(ids),
	})
	metrics.InventoryContainers(len(ids))
	return nil
}

// Run refreshes immediately and then every interval until ctx is done.
func (l *Locator) Run(ctx context.Context, interval time.Duration) {
	l.refreshAndLog(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.refreshAndLog(ctx)
		}
	}
}

func (l *Locator) refreshAndLog(ctx context.Context) {
	if err := l.Refresh(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn("inventory refresh failed", "subsystem", "inventory", "error", err)
		return
	}
	snap := l.current()
	log.Debug("inventory refreshed",
		"subsystem", "inventory",
		"version", snap.Version,
		"containers", snap.Instances,
		"addresses", snap.Len())
}
