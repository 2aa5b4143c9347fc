package source

import (
	"fmt"
	"time"
)

// QuotaError reports that a source's quota is exhausted, locally or as
// answered by the source itself. Never fatal; retry after RetryAfter.
type QuotaError struct {
	Kind       Kind
	RetryAfter time.Duration
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s: quota exceeded, retry after %s", e.Kind, e.RetryAfter)
}

// UnavailableError reports a network or 5xx-class failure. The current run is
// marked partial and the source is retried on the next trigger.
type UnavailableError struct {
	Kind Kind
	Err  error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: source unavailable: %v", e.Kind, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// CredentialError reports that the source rejected our credentials (401/403).
// Surfaced as a needs-reauthorization state; never silently retried.
type CredentialError struct {
	Kind   Kind
	Status int
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("%s: credentials rejected (HTTP %d), re-authorization required", e.Kind, e.Status)
}
