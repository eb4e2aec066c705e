package issuer

import (
	"errors"
	"fmt"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
)

// Kind classifies an issuance failure.
type Kind int

const (
	// KindAccessDenied means the role cannot be assumed with the host's
	// credentials. Never retried.
	KindAccessDenied Kind = iota + 1
	// KindThrottled means STS rate limited the call.
	KindThrottled
	// KindUnavailable covers STS outages, network errors and timeouts.
	KindUnavailable
	// KindMalformed means STS answered without usable credentials. Never retried.
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindAccessDenied:
		return "access_denied"
	case KindThrottled:
		return "throttled"
	case KindUnavailable:
		return "unavailable"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Error is returned for every failed issuance.
type Error struct {
	Kind Kind
	Role string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("assuming role %s: %s: %v", e.Role, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindThrottled || e.Kind == KindUnavailable
}

// KindOf returns the Kind of the *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

var (
	accessDeniedCodes = map[string]bool{
		"AccessDenied":            true,
		"AccessDeniedException":   true,
		"InvalidClientTokenId":    true,
		"ExpiredToken":            true,
		"ExpiredTokenException":   true,
		"RegionDisabledException": true,
		"MalformedPolicyDocument": true,
		"PackedPolicyTooLarge":    true,
		"ValidationError":         true,
	}
	throttledCodes = map[string]bool{
		"Throttling":                true,
		"ThrottlingException":       true,
		"RequestLimitExceeded":      true,
		"TooManyRequestsException":  true,
		"RequestThrottled":          true,
		"RequestThrottledException": true,
	}
	unavailableCodes = map[string]bool{
		"IDPCommunicationError": true,
		"ServiceUnavailable":    true,
		"InternalFailure":       true,
		"InternalError":         true,
	}
)

// classify maps an STS call error to a Kind.
func classify(err error) Kind {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case accessDeniedCodes[code]:
			return KindAccessDenied
		case throttledCodes[code]:
			return KindThrottled
		case unavailableCodes[code]:
			return KindUnavailable
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch status := respErr.HTTPStatusCode(); {
		case status == 429:
			return KindThrottled
		case status >= 500:
			return KindUnavailable
		case status >= 400:
			return KindAccessDenied
		}
	}

	// Any other API error is a request STS refused.
	if apiErr != nil {
		return KindAccessDenied
	}
	// Network errors, deadlines and anything unrecognized.
	return KindUnavailable
}
