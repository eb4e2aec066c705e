// Package inventory maps a caller's network address to the container that
// owns it.
//
// A Locator serves lookups from an immutable snapshot of running containers.
// Snapshots are rebuilt from a Source on a fixed interval and swapped in
// atomically, so lookups never wait for a scan in progress.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// ErrNotFound is returned when no container in the current snapshot owns
// the address.
var ErrNotFound = errors.New("no container owns address")

// UnavailableError reports that the inventory cannot currently answer.
// Callers treat it like ErrNotFound when authorizing.
type UnavailableError struct {
	Reason string
	Err    error
}

func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("inventory unavailable: %s: %v", e.Reason, e.Err)
	}
	return "inventory unavailable: " + e.Reason
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err is an *UnavailableError.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// ContainerIdentity is one container address as seen by a scan.
type ContainerIdentity struct {
	ID      string
	Name    string
	Address string
	// Role is the raw role reference configured on the container. Empty
	// means the container may not receive credentials.
	Role string
}

// ShortID returns the 12-character form of the container ID.
func (c ContainerIdentity) ShortID() string {
	if len(c.ID) > 12 {
		return c.ID[:12]
	}
	return c.ID
}

// Source lists running containers.
type Source interface {
	Containers(ctx context.Context) ([]ContainerIdentity, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]ContainerIdentity, error)

// Containers calls f.
func (f SourceFunc) Containers(ctx context.Context) ([]ContainerIdentity, error) {
	return f(ctx)
}

// NormalizeAddr reduces a remote address ("10.0.0.5:41234", "[::ffff:10.0.0.5]:80",
// "10.0.0.5") to the canonical IP string used as the snapshot key.
// It returns "" for anything that is not an IP.
func NormalizeAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if ap, err := netip.ParseAddrPort(addr); err == nil {
		return ap.Addr().Unmap().String()
	}
	if a, err := netip.ParseAddr(strings.Trim(addr, "[]")); err == nil {
		return a.Unmap().String()
	}
	return ""
}
