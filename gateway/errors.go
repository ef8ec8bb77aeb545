package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrForeignSession is returned when a session is used by a worker other
	// than the one that created it. Such a call would otherwise queue on a
	// dispatch loop nobody is driving for that worker.
	ErrForeignSession = errors.New("gateway session used by foreign worker")
	ErrSessionClosed  = errors.New("gateway session closed")
	ErrManagerClosed  = errors.New("gateway session manager closed")
	ErrNotConnected   = errors.New("gateway not connected")
)

// ConnectivityError means the gateway could not be reached or did not answer
// in time. The request may be retried.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("gateway connectivity failure during %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// RejectionError is a business refusal from the gateway. It must not be
// retried blindly.
type RejectionError struct {
	Op      string
	Code    int
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("gateway rejected %s: %s (code: %d)", e.Op, e.Message, e.Code)
}

// IsConnectivity reports whether err is (or wraps) a ConnectivityError.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// IsRejection reports whether err is (or wraps) a RejectionError.
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}
