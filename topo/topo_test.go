package topo

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
)

func transientWriteErr() mongo.WriteException {
	return mongo.WriteException{
		WriteErrors: []mongo.WriteError{
			{
				Code:    91, // ShutdownInProgress
				Message: "transient error",
			},
		},
	}
}

func TestRunWithRetry_NonTransientError(t *testing.T) {
	ctx := context.Background()
	permanentErr := errors.New("permanent error")
	calls := 0

	fn := func(ctx context.Context) error {
		calls++
		return permanentErr
	}

	err := RunWithRetry(ctx, fn, 10*time.Millisecond, 2)
	if err != permanentErr {
		t.Errorf("expected error %v, got %v", permanentErr, err)
	}
	if calls != 1 {
		t.Errorf("expected fn to be called once, got %d", calls)
	}
}

func TestRunWithRetry_FailureOnAllRetries(t *testing.T) {
	ctx := context.Background()
	calls := 0

	fn := func(ctx context.Context) error {
		calls++
		return transientWriteErr()
	}

	maxRetries := 3
	err := RunWithRetry(ctx, fn, time.Millisecond, maxRetries)
	if err == nil {
		t.Error("expected the last transient error, got nil")
	}
	if calls != maxRetries {
		t.Errorf("expected fn to be called %d times, got %d", maxRetries, calls)
	}
}

func TestRunWithRetry_SuccessOnRetry(t *testing.T) {
	ctx := context.Background()
	calls := 0

	fn := func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return transientWriteErr()
		}
		return nil
	}

	err := RunWithRetry(ctx, fn, time.Millisecond, 3)
	if err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected fn to be called 2 times, got %d", calls)
	}
}

func TestRunWithRetry_CanceledBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	fn := func(ctx context.Context) error {
		calls++
		cancel()
		return transientWriteErr()
	}

	err := RunWithRetry(ctx, fn, time.Minute, 5)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected fn to be called once, got %d", calls)
	}
}

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), false},
		{"shutdown in progress", transientWriteErr(), true},
		{
			"not writable primary",
			mongo.CommandError{Code: 10107, Message: "not primary"},
			true,
		},
		{
			"validation failure",
			mongo.WriteException{WriteErrors: []mongo.WriteError{
				{Code: 121, Message: "Document failed validation"},
			}},
			false,
		},
		{
			"retryable label",
			mongo.CommandError{Code: 1, Labels: []string{"RetryableWriteError"}},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransientError(tt.err); got != tt.want {
				t.Errorf("IsTransientError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorCodeClassifiers(t *testing.T) {
	tests := []struct {
		name string
		fn   func(error) bool
		err  error
		want bool
	}{
		{"cursor not found", IsCursorNotFound, mongo.CommandError{Code: 43}, true},
		{"capped position lost", IsCappedPositionLost, mongo.CommandError{Code: 136}, true},
		{"namespace not found", IsNamespaceNotFound, mongo.CommandError{Code: 26}, true},
		{"namespace exists", IsNamespaceExists, mongo.CommandError{Code: 48}, true},
		{"index not found", IsIndexNotFound, mongo.CommandError{Code: 27}, true},
		{"mismatched code", IsCursorNotFound, mongo.CommandError{Code: 136}, false},
		{"plain error", IsCappedPositionLost, errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fn(tt.err); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
