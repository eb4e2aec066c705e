// Package credential caches temporary role credentials.
//
// A Cache holds at most one credential per role ARN and coordinates refresh
// so that concurrent callers for the same role share a single issuance.
// When a refresh fails, a previous credential that has not yet hard-expired
// is served instead of the error.
package credential

import (
	"context"
	"time"

	"github.com/majorcontext/metaproxy/internal/role"
)

// Credentials is a set of temporary AWS credentials for one role.
type Credentials struct {
	RoleARN         string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expiration      time.Time
	IssuedAt        time.Time
}

// Issuer obtains fresh credentials for a role.
type Issuer interface {
	Assume(ctx context.Context, binding role.Binding, sessionLabel string) (*Credentials, error)
}

// IssuerFunc adapts a function to Issuer.
type IssuerFunc func(ctx context.Context, binding role.Binding, sessionLabel string) (*Credentials, error)

// Assume calls f.
func (f IssuerFunc) Assume(ctx context.Context, binding role.Binding, sessionLabel string) (*Credentials, error) {
	return f(ctx, binding, sessionLabel)
}
