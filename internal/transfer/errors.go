package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// NetworkError represents network failures while talking to the media
// server, including 5xx responses, connection timeouts and resets.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "begin", "resume")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %v", e.Operation, e.StatusCode, e.Err)
	}

	return fmt.Sprintf("network error during %s: %v", e.Operation, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// TruncatedError represents a transfer whose stream ended before the
// expected byte count arrived. It is always recoverable by a resume.
type TruncatedError struct {
	Path         string // Destination file of the interrupted transfer
	BytesWritten int64  // Bytes on disk when the stream broke
	Expected     int64  // Expected total bytes (-1 when unknown)
	Err          error  // Underlying error, if any
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("transfer truncated at %d of %d bytes for %s", e.BytesWritten, e.Expected, e.Path)
}

func (e *TruncatedError) Unwrap() error {
	return e.Err
}

// Class buckets a transfer error by how the lifecycle manager should react.
type Class int

const (
	// ClassFatal errors are not retried; the download is marked failed.
	ClassFatal Class = iota

	// ClassTransient errors are retried with exponential backoff.
	ClassTransient

	// ClassTruncated errors pause the download for a later resume.
	ClassTruncated

	// ClassCancelled errors are the expected fallout of a deliberate
	// pause or cancel and are swallowed.
	ClassCancelled
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassTruncated:
		return "truncated"
	case ClassCancelled:
		return "cancelled"
	default:
		return "fatal"
	}
}

// Classify matches an error against known transient and truncation
// signatures. Anything unrecognized is fatal and left for manual retry.
func Classify(err error) Class {
	if err == nil {
		return ClassFatal
	}

	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}

	var truncated *TruncatedError
	if errors.As(err, &truncated) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ClassTruncated
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		if netErr.StatusCode >= http.StatusInternalServerError || netErr.StatusCode == http.StatusTooManyRequests {
			return ClassTransient
		}

		if netErr.StatusCode > 0 {
			// Remaining 4xx responses will not get better on retry.
			return ClassFatal
		}

		return ClassTransient
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	var timeoutErr net.Error
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return ClassTransient
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) {
		return ClassTransient
	}

	// Wrapped errors from the transport do not always expose syscall
	// sentinels, so fall back to message matching.
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "unexpected eof"):
		return ClassTruncated
	case strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "no such host"):
		return ClassTransient
	}

	return ClassFatal
}
