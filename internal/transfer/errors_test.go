package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"
)

func TestNetworkError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *NetworkError
		want string
	}{
		{
			name: "with HTTP status code",
			err: &NetworkError{
				Operation:  "fetch",
				StatusCode: 503,
				Err:        errors.New("service unavailable"),
			},
			want: "network error during fetch (HTTP 503): service unavailable",
		},
		{
			name: "without HTTP status code",
			err: &NetworkError{
				Operation: "fetch",
				Err:       errors.New("connection timeout"),
			},
			want: "network error during fetch: connection timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTruncatedError_Error(t *testing.T) {
	err := &TruncatedError{
		Path:         "/downloads/movie.mkv",
		BytesWritten: 400_000,
		Expected:     1_000_000,
	}

	expected := "transfer truncated at 400000 of 1000000 bytes for /downloads/movie.mkv"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestErrorUnwrapping(t *testing.T) {
	cause := errors.New("root cause")

	var netErr *NetworkError

	wrapped := fmt.Errorf("outer: %w", &NetworkError{Operation: "fetch", Err: cause})
	if !errors.As(wrapped, &netErr) {
		t.Fatal("expected errors.As to find NetworkError through wrapping")
	}

	if !errors.Is(wrapped, cause) {
		t.Error("expected errors.Is to reach the root cause")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{
			name: "context canceled",
			err:  context.Canceled,
			want: ClassCancelled,
		},
		{
			name: "wrapped context canceled",
			err:  fmt.Errorf("transfer stopped: %w", context.Canceled),
			want: ClassCancelled,
		},
		{
			name: "truncated error type",
			err:  &TruncatedError{Path: "x", BytesWritten: 10, Expected: 20},
			want: ClassTruncated,
		},
		{
			name: "unexpected EOF",
			err:  io.ErrUnexpectedEOF,
			want: ClassTruncated,
		},
		{
			name: "unexpected EOF by message",
			err:  errors.New("read tcp: unexpected EOF"),
			want: ClassTruncated,
		},
		{
			name: "server error is transient",
			err:  &NetworkError{Operation: "fetch", StatusCode: 502},
			want: ClassTransient,
		},
		{
			name: "too many requests is transient",
			err:  &NetworkError{Operation: "fetch", StatusCode: 429},
			want: ClassTransient,
		},
		{
			name: "not found is fatal",
			err:  &NetworkError{Operation: "fetch", StatusCode: 404},
			want: ClassFatal,
		},
		{
			name: "unauthorized is fatal",
			err:  &NetworkError{Operation: "fetch", StatusCode: 401},
			want: ClassFatal,
		},
		{
			name: "network error without status is transient",
			err:  &NetworkError{Operation: "fetch", Err: errors.New("boom")},
			want: ClassTransient,
		},
		{
			name: "deadline exceeded is transient",
			err:  context.DeadlineExceeded,
			want: ClassTransient,
		},
		{
			name: "connection reset syscall",
			err:  fmt.Errorf("write: %w", syscall.ECONNRESET),
			want: ClassTransient,
		},
		{
			name: "connection refused syscall",
			err:  fmt.Errorf("dial: %w", syscall.ECONNREFUSED),
			want: ClassTransient,
		},
		{
			name: "connection refused by message",
			err:  errors.New("dial tcp 10.0.0.5:32400: connect: connection refused"),
			want: ClassTransient,
		},
		{
			name: "timeout by message",
			err:  errors.New("request timed out"),
			want: ClassTransient,
		},
		{
			name: "no such host by message",
			err:  errors.New("lookup media.example: no such host"),
			want: ClassTransient,
		},
		{
			name: "unknown error is fatal",
			err:  errors.New("disk quota exceeded"),
			want: ClassFatal,
		},
		{
			name: "nil error is fatal",
			err:  nil,
			want: ClassFatal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}
