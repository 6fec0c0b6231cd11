package topo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/uberVU/mongo-oplogreplay/errors"
)

const (
	DefaultRetryInterval = time.Second
	DefaultMaxRetries    = 5
)

// Server error codes treated as transient.
//
//nolint:gochecknoglobals
var transientErrorCodes = []int{
	6,     // HostUnreachable
	7,     // HostNotFound
	89,    // NetworkTimeout
	91,    // ShutdownInProgress
	189,   // PrimarySteppedDown
	262,   // ExceededTimeLimit
	9001,  // SocketException
	10107, // NotWritablePrimary
	11600, // InterruptedAtShutdown
	11602, // InterruptedDueToReplStateChange
	13435, // NotPrimaryNoSecondaryOk
	13436, // NotPrimaryOrSecondary
}

// IsTransientError reports whether err is worth retrying: a network or
// timeout failure, a retryable-labeled server error, or one of the
// well-known topology change codes.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return true
	}

	var srvErr mongo.ServerError
	if !errors.As(err, &srvErr) {
		return false
	}

	if srvErr.HasErrorLabel("RetryableWriteError") {
		return true
	}

	for _, code := range transientErrorCodes {
		if srvErr.HasErrorCode(code) {
			return true
		}
	}

	return false
}

// RunWithRetry calls fn up to maxRetries times, sleeping interval between
// attempts. Only transient errors are retried; any other error returns
// immediately. Context cancellation aborts the wait.
func RunWithRetry(
	ctx context.Context,
	fn func(context.Context) error,
	interval time.Duration,
	maxRetries int,
) error {
	var err error

	for attempt := range maxRetries {
		if attempt != 0 {
			timer := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				timer.Stop()

				return ctx.Err()
			case <-timer.C:
			}
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}

		if !IsTransientError(err) {
			return err
		}
	}

	return err
}
