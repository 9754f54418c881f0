package connector

import (
	"errors"
	"fmt"
)

// ErrUnknownSubtype is returned by the registry for unregistered subtypes.
var ErrUnknownSubtype = errors.New("unknown connector subtype")

// ConfigurationError reports missing or invalid connector configuration.
// It is never retryable.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// ConnectionError reports a transport-level failure (DNS, TCP, TLS,
// handshake, auth). Retryable within bounds. The wrapped message is already
// redacted; never store the raw driver error.
type ConnectionError struct {
	ConnectorID string
	Err         error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error (%s): %v", e.ConnectorID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RateLimitError reports an upstream rate limit, carrying the server's
// Retry-After in seconds (0 when absent).
type RateLimitError struct {
	RetryAfter int
	Err        error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (retry after %ds): %v", e.RetryAfter, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// ExtractionError reports a mid-extraction failure after a successful
// connect. It terminates the enclosing job.
type ExtractionError struct {
	ConnectorID string
	Err         error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction error (%s): %v", e.ConnectorID, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// SchemaDiscoveryError reports a discovery failure, surfaced to the caller.
type SchemaDiscoveryError struct {
	ConnectorID string
	Err         error
}

func (e *SchemaDiscoveryError) Error() string {
	return fmt.Sprintf("schema discovery error (%s): %v", e.ConnectorID, e.Err)
}

func (e *SchemaDiscoveryError) Unwrap() error { return e.Err }

// TransformationError reports a record that could not be transformed into
// canonical form. Scoped to the record; the enclosing run continues.
type TransformationError struct {
	Field string
	Err   error
}

func (e *TransformationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("transformation error: %v", e.Err)
	}
	return fmt.Sprintf("transformation error: %s: %v", e.Field, e.Err)
}

func (e *TransformationError) Unwrap() error { return e.Err }

// LoadError reports a record rejected at the load stage. Scoped to the
// record; the enclosing run continues.
type LoadError struct {
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load error: %v", e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ValidationError reports input rejected by a validator.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}
