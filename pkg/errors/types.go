// Package errors defines the error taxonomy shared by the sync engine
// and its API clients. Per-item recoverable failures (upstream, not
// found, quota, invalid content) are typed so the engine can decide
// whether to continue the run.
package errors

import (
	"fmt"
)

// ErrRunInProgress is returned when a run is requested while another
// run holds the run lock. The caller decides the retry policy.
var ErrRunInProgress = New("a sync run is already in progress")

// ConfigIncompleteError means a run could not start because a required
// setting is missing.
type ConfigIncompleteError struct {
	Field string
}

func (err ConfigIncompleteError) Error() string {
	return fmt.Sprintf("configuration incomplete: missing %s", err.Field)
}

// UpstreamError represents a transport-level or server-side failure of
// either remote API. It is per-item recoverable except at the listing
// stage.
type UpstreamError struct {
	Op  string
	Err error
}

func (err UpstreamError) Error() string {
	return fmt.Sprintf("upstream unavailable during %s: %v", err.Op, err.Err)
}

func (err UpstreamError) Unwrap() error {
	return err.Err
}

// NotFoundError means the remote no longer has the requested resource.
type NotFoundError struct {
	Resource string
	ID       string
}

func (err NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", err.Resource, err.ID)
}

// QuotaError means the destination signalled a storage or rate limit.
type QuotaError struct {
	Message string
}

func (err QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded: %s", err.Message)
}

// InvalidContentError means the destination rejected the uploaded
// bytes or the finalize request as malformed.
type InvalidContentError struct {
	Message string
}

func (err InvalidContentError) Error() string {
	return fmt.Sprintf("invalid content: %s", err.Message)
}
