package hba

import (
	"errors"
	"fmt"
)

// ErrConnectionClosed is reported when the peer closes the stream before a
// response terminator arrives.
var ErrConnectionClosed = errors.New("hba: connection closed before terminator")

// ErrShortWrite is reported when a write returns without error but did not
// take the whole buffer.
var ErrShortWrite = errors.New("hba: short write")

// ConnectionError reports a failure to open an endpoint.
type ConnectionError struct {
	Endpoint Endpoint
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("hba: connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IOError reports a failed send or read on an open connection. Op is "write"
// or "read".
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("hba: %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
