package hba

import (
	"bufio"
	"errors"
	"io"
	"sync"
	"time"
)

// Terminator marks the end of every response.
const Terminator byte = '\\'

// Conn owns one stream and frames responses on it. It is not safe for
// concurrent use; Client serialises access.
type Conn struct {
	port    Porter
	r       *bufio.Reader
	timeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an already open stream.
func NewConn(port Porter) *Conn {
	return newConn(port, 0)
}

func newConn(port Porter, timeout time.Duration) *Conn {
	return &Conn{
		port:    port,
		r:       bufio.NewReader(port),
		timeout: timeout,
	}
}

// armDeadline bounds the next operation when the stream supports deadlines.
func (c *Conn) armDeadline() {
	if c.timeout <= 0 {
		return
	}
	if d, ok := c.port.(deadliner); ok {
		_ = d.SetDeadline(time.Now().Add(c.timeout))
	}
}

// Send writes the whole buffer. Appending the newline is the caller's job.
func (c *Conn) Send(b []byte) error {
	c.armDeadline()
	n, err := c.port.Write(b)
	if err != nil {
		return &IOError{Op: "write", Err: err}
	}
	if n != len(b) {
		return &IOError{Op: "write", Err: ErrShortWrite}
	}
	return nil
}

// ReadUntilTerminator returns the bytes of one response. Newlines are
// dropped, the terminator ends the read and everything else is kept in order.
// Bytes after the terminator stay buffered for the next response.
func (c *Conn) ReadUntilTerminator() ([]byte, error) {
	c.armDeadline()
	payload := []byte{}
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, &IOError{Op: "read", Err: ErrConnectionClosed}
			}
			return nil, &IOError{Op: "read", Err: err}
		}
		switch b {
		case Terminator:
			return payload, nil
		case '\n':
		default:
			payload = append(payload, b)
		}
	}
}

// Close releases the stream. Only the first call reaches the port.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.port.Close()
	})
	return c.closeErr
}
