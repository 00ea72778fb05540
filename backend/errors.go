package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"nhbwallet/core/types"
)

// ErrNotFound is wrapped by errors for 404 responses.
var ErrNotFound = errors.New("backend: not found")

// Error describes a failed node request.
type Error struct {
	Op        string
	Status    int    // zero when no response was received
	Body      string // trimmed response body
	Transport bool   // the request or response body did not make it across
	Err       error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.Body != "":
		return fmt.Sprintf("backend: %s: status %d: %s", e.Op, e.Status, e.Body)
	case e.Status != 0:
		return fmt.Sprintf("backend: %s: status %d", e.Op, e.Status)
	default:
		return fmt.Sprintf("backend: %s: %v", e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the same request may succeed: transport
// failures, throttling and server side errors. A response the client cannot
// decode is not temporary.
func (e *Error) Temporary() bool {
	if e.Transport {
		return e.Err != nil && !errors.Is(e.Err, context.Canceled)
	}
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

func statusError(op string, status int, body []byte) *Error {
	err := &Error{Op: op, Status: status, Body: strings.TrimSpace(string(body))}
	if status == http.StatusNotFound {
		err.Err = ErrNotFound
	}
	return err
}

// RejectedFragment is a batch member the node refused at submission.
type RejectedFragment struct {
	ID     types.FragmentID `json:"id"`
	Reason string           `json:"reason"`
}

// BatchError reports a batch submission in which at least one fragment was
// refused. Accepted lists the ids the node did take.
type BatchError struct {
	Accepted []types.FragmentID
	Rejected []RejectedFragment
}

func (e *BatchError) Error() string {
	if len(e.Rejected) == 0 {
		return "backend: batch rejected"
	}
	first := e.Rejected[0]
	return fmt.Sprintf("backend: %d of %d fragments rejected (first %s: %s)",
		len(e.Rejected), len(e.Rejected)+len(e.Accepted), first.ID, first.Reason)
}
