package connector

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrFailed is returned by a connector in the terminal FAILED state.
	ErrFailed = errors.New("connector failed, external intervention required")
	// ErrNotConnected is returned when a call arrives while the connector is
	// not CONNECTED.
	ErrNotConnected = errors.New("connector not connected")
	// ErrSchema marks driver errors caused by an incompatible schema or
	// payload. They are never retried.
	ErrSchema = errors.New("schema incompatible")
)

// ConnectionError is a transient I/O failure. Timeout distinguishes call
// deadline expiry from other connection failures.
type ConnectionError struct {
	Store   string
	Op      string
	Timeout bool
	Err     error
}

func (e *ConnectionError) Error() string {
	kind := "connection error"
	if e.Timeout {
		kind = "timeout"
	}
	return fmt.Sprintf("%s: %s %s: %v", e.Store, e.Op, kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// UploadError is a failed batch write. It is transient unless Permanent.
type UploadError struct {
	Store     string
	Table     string
	Permanent bool
	Err       error
}

func (e *UploadError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("%s: upload to %s rejected: %v", e.Store, e.Table, e.Err)
	}
	return fmt.Sprintf("%s: upload to %s failed: %v", e.Store, e.Table, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// ExhaustionError is raised when every recovery attempt has been spent.
type ExhaustionError struct {
	Store    string
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustionError) Error() string {
	return fmt.Sprintf("%s: %s exhausted after %d attempts: %v", e.Store, e.Op, e.Attempts, e.Err)
}

func (e *ExhaustionError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrFailed) || errors.Is(err, ErrSchema) || errors.Is(err, context.Canceled) {
		return false
	}
	var exhausted *ExhaustionError
	if errors.As(err, &exhausted) {
		return false
	}
	var upload *UploadError
	if errors.As(err, &upload) {
		return !upload.Permanent
	}
	var conn *ConnectionError
	return errors.As(err, &conn)
}

// IsPermanentUpload reports whether err is a schema-incompatible upload.
func IsPermanentUpload(err error) bool {
	var upload *UploadError
	return errors.As(err, &upload) && upload.Permanent
}
