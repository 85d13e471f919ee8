// Package llm - errors.go classifies capability errors for the retry policy.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/api/googleapi"
)

// PolicyError reports that the capability refused the request for policy or
// safety reasons. It is always permanent: resubmitting the same input will
// be refused again.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("generation rejected by capability policy: %s", e.Reason)
}

// Transient reports whether the error should be retried.
func (e *PolicyError) Transient() bool {
	return false
}

// IsTransient reports whether a capability call failed in a way worth
// retrying: rate limits, provider 5xx, or network-level trouble. Policy
// rejections and malformed requests are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var policyErr *PolicyError
	if errors.As(err, &policyErr) {
		return false
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || apiErr.Code >= 500
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}
