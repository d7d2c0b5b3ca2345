// Package upload delivers finished images to remote storage: a generic
// HTTP PUT endpoint, or an Azure-style block blob reached through a SAS
// URL with chunked, concurrent block uploads and a final commit.
package upload

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// ErrUploadFailed indicates retries were exhausted or the server
// answered with a non-retryable status.
var ErrUploadFailed = errors.New("upload failed")

// maxAttempts bounds how often any single request is tried.
const maxAttempts = 7

// newRetryPolicy returns the shared retry schedule: exponential from 1s
// with factor 2, ±20% jitter, capped at 60s, up to maxAttempts tries.
// Package-level so tests can substitute a fast schedule.
var newRetryPolicy = func() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.RandomizationFactor = 0.2
	b.Multiplier = 2
	b.MaxInterval = 60 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, maxAttempts-1)
}

// httpClient is shared by both engines; timeouts come from the caller's
// context.
var httpClient = &http.Client{}

// checkStatus classifies a response: 2xx succeeds, 4xx is permanent,
// anything else is retryable.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err := errors.Wrapf(ErrUploadFailed, "unexpected status %s", resp.Status)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return backoff.Permanent(err)
	}
	return err
}

// uploadFailed folds transport-level errors into the stable failure
// kind surfaced to callers.
func uploadFailed(err error) error {
	if err == nil || errors.Is(err, ErrUploadFailed) {
		return err
	}
	// cancellation is not an upload failure
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errors.Wrapf(ErrUploadFailed, "%v", err)
}
