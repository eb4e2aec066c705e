// Package issuer obtains temporary role credentials from AWS STS.
package issuer

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/google/uuid"
	"github.com/majorcontext/metaproxy/internal/credential"
	"github.com/majorcontext/metaproxy/internal/log"
	"github.com/majorcontext/metaproxy/internal/metrics"
	"github.com/majorcontext/metaproxy/internal/role"
)

// STSAssumeRoler interface for STS AssumeRole operation (enables testing).
type STSAssumeRoler interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

type callerIdentityGetter interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

const (
	// DefaultMaxAttempts bounds AssumeRole attempts for transient failures.
	DefaultMaxAttempts = 3
	// DefaultMaxBackoff caps the delay between attempts.
	DefaultMaxBackoff = 2 * time.Second

	sessionLabelPrefix = "metaproxy-"
	maxSessionLabelLen = 64
)

// Options configures an Issuer.
type Options struct {
	// SessionDuration requested from STS. Zero lets STS apply the role default.
	SessionDuration time.Duration
	ExternalID      string
	// MaxAttempts defaults to DefaultMaxAttempts.
	MaxAttempts int
	// MaxBackoff defaults to DefaultMaxBackoff.
	MaxBackoff time.Duration
}

// Issuer calls STS AssumeRole with classified errors and bounded retry.
type Issuer struct {
	client          STSAssumeRoler
	sessionDuration time.Duration
	externalID      string
	maxAttempts     int
	backoff         *retry.ExponentialJitterBackoff
	sleep           func(ctx context.Context, d time.Duration) error
}

// New creates an Issuer using the host's default AWS credential chain.
// The SDK retryer is disabled; Issuer does its own retries.
func New(ctx context.Context, region string, opts Options) (*Issuer, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewWithClient(sts.NewFromConfig(cfg), opts), nil
}

// NewWithClient creates an Issuer around an existing STS client.
func NewWithClient(client STSAssumeRoler, opts Options) *Issuer {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	return &Issuer{
		client:          client,
		sessionDuration: opts.SessionDuration,
		externalID:      opts.ExternalID,
		maxAttempts:     opts.MaxAttempts,
		backoff:         retry.NewExponentialJitterBackoff(opts.MaxBackoff),
		sleep:           sleepContext,
	}
}

// Assume issues credentials for binding. Throttled and unavailable failures
// are retried up to MaxAttempts; every failure is returned as *Error.
func (i *Issuer) Assume(ctx context.Context, binding role.Binding, sessionLabel string) (*credential.Credentials, error) {
	input := &sts.AssumeRoleInput{
		RoleArn:         aws.String(binding.ARN),
		RoleSessionName: aws.String(SanitizeSessionLabel(sessionLabel)),
	}
	if i.sessionDuration > 0 {
		input.DurationSeconds = aws.Int32(int32(i.sessionDuration.Seconds()))
	}
	if i.externalID != "" {
		input.ExternalId = aws.String(i.externalID)
	}

	for attempt := 1; ; attempt++ {
		start := time.Now()
		out, err := i.client.AssumeRole(ctx, input)
		creds, ierr := convert(binding, out, err)
		if ierr == nil {
			metrics.Issued("success")
			log.Debug("assumed role",
				"subsystem", "issuer",
				"role", binding.ARN,
				"attempt", attempt,
				"duration", time.Since(start))
			return creds, nil
		}

		if !ierr.Retryable() || attempt >= i.maxAttempts || ctx.Err() != nil {
			metrics.Issued(ierr.Kind.String())
			return nil, ierr
		}

		delay, derr := i.backoff.BackoffDelay(attempt, err)
		if derr != nil {
			delay = 0
		}
		metrics.IssuerRetried()
		log.Debug("retrying AssumeRole",
			"subsystem", "issuer",
			"role", binding.ARN,
			"attempt", attempt,
			"kind", ierr.Kind.String(),
			"delay", delay,
			"error", err)
		if err := i.sleep(ctx, delay); err != nil {
			metrics.Issued(ierr.Kind.String())
			return nil, ierr
		}
	}
}

// CallerAccount returns the account of the host's own credentials.
func (i *Issuer) CallerAccount(ctx context.Context) (string, error) {
	getter, ok := i.client.(callerIdentityGetter)
	if !ok {
		return "", errors.New("STS client does not support GetCallerIdentity")
	}
	out, err := getter.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("getting caller identity: %w", err)
	}
	account := aws.ToString(out.Account)
	if account == "" {
		return "", errors.New("GetCallerIdentity returned no account")
	}
	return account, nil
}

func convert(binding role.Binding, out *sts.AssumeRoleOutput, err error) (*credential.Credentials, *Error) {
	if err != nil {
		return nil, &Error{Kind: classify(err), Role: binding.ARN, Err: err}
	}
	if out == nil || out.Credentials == nil {
		return nil, &Error{Kind: KindMalformed, Role: binding.ARN, Err: errors.New("response has no credentials")}
	}
	c := out.Credentials
	switch {
	case aws.ToString(c.AccessKeyId) == "", aws.ToString(c.SecretAccessKey) == "", aws.ToString(c.SessionToken) == "":
		return nil, &Error{Kind: KindMalformed, Role: binding.ARN, Err: errors.New("response is missing key material")}
	case aws.ToTime(c.Expiration).IsZero():
		return nil, &Error{Kind: KindMalformed, Role: binding.ARN, Err: errors.New("response has no expiration")}
	}
	return &credential.Credentials{
		RoleARN:         binding.ARN,
		AccessKeyID:     aws.ToString(c.AccessKeyId),
		SecretAccessKey: aws.ToString(c.SecretAccessKey),
		SessionToken:    aws.ToString(c.SessionToken),
		Expiration:      aws.ToTime(c.Expiration).UTC(),
	}, nil
}

var invalidSessionChars = regexp.MustCompile(`[^\w+=,.@-]`)

// SanitizeSessionLabel makes s a valid RoleSessionName. An empty label is
// replaced with metaproxy-<random>.
func SanitizeSessionLabel(s string) string {
	s = invalidSessionChars.ReplaceAllString(s, "-")
	if len(s) < 2 {
		s = sessionLabelPrefix + uuid.NewString()[:8]
	}
	if len(s) > maxSessionLabelLen {
		s = s[:maxSessionLabelLen]
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
