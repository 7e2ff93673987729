// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// StatusError reports a non-2xx response from the upstream API. The snippet
// carries the start of the response body for run notes and logs.
type StatusError struct {
	StatusCode int
	Snippet    string
}

func (e *StatusError) Error() string {
	if e.Snippet == "" {
		return fmt.Sprintf("upstream status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Snippet)
}

// Transient reports whether the status is worth retrying. Rate limiting and
// server-side failures qualify; client errors do not.
func (e *StatusError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// ProtocolError reports a 2xx response that violates the pagination
// contract. It usually means the upstream API changed shape, so retrying
// would only repeat the violation.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "upstream protocol violation: " + e.Reason
}

// Transient classifies an error as retryable. Retryable means rate limits,
// 5xx responses, and transport-level failures such as timeouts or resets.
// Protocol violations and client errors are final.
func Transient(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Transient()
	}

	var protocolErr *ProtocolError
	if errors.As(err, &protocolErr) {
		return false
	}

	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
