package hba

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// ErrPortClosed is returned by TestablePort after Close.
var ErrPortClosed = errors.New("testable port closed")

// TestablePort implements Porter with configurable behaviour for testing.
// It gives fine-grained control over how reads are batched and which calls
// fail.
type TestablePort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// ChunkSize limits how many bytes a single Read returns. Zero means as
	// many as fit in the caller's buffer.
	ChunkSize int

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// ShortWrite makes Write report one byte less than it was given
	ShortWrite bool

	// CloseError is returned by Close if set
	CloseError error

	// BlockReads causes Read to block until data is added or Close is called.
	// Otherwise an empty buffer reads as io.EOF.
	BlockReads bool

	Closed     bool
	CloseCalls int
	ReadCalls  int
	WriteCalls int

	readCond *sync.Cond
}

// NewTestablePort creates a port whose reads return data.
func NewTestablePort(data string) *TestablePort {
	p := &TestablePort{
		ReadBuffer:  bytes.NewBufferString(data),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

// Read returns buffered data, at most ChunkSize bytes at a time.
func (p *TestablePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ReadCalls++

	if p.Closed {
		return 0, ErrPortClosed
	}

	if p.ReadError != nil {
		err := p.ReadError
		p.ReadError = nil
		return 0, err
	}

	for p.BlockReads && !p.Closed && p.ReadBuffer.Len() == 0 {
		p.readCond.Wait()
	}
	if p.Closed {
		return 0, ErrPortClosed
	}
	if p.ReadBuffer.Len() == 0 {
		return 0, io.EOF
	}

	if p.ChunkSize > 0 && len(b) > p.ChunkSize {
		b = b[:p.ChunkSize]
	}
	return p.ReadBuffer.Read(b)
}

// Write records b in WriteBuffer.
func (p *TestablePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.WriteCalls++

	if p.Closed {
		return 0, ErrPortClosed
	}

	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		return 0, err
	}

	n, err := p.WriteBuffer.Write(b)
	if p.ShortWrite && n > 0 {
		n--
	}
	return n, err
}

// Close marks the port closed and wakes blocked readers.
func (p *TestablePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Closed = true
	p.CloseCalls++
	p.readCond.Broadcast()

	return p.CloseError
}

// AddReadData appends data for subsequent Read calls.
func (p *TestablePort) AddReadData(data string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ReadBuffer.WriteString(data)
	p.readCond.Broadcast()
}

// Written returns everything written so far.
func (p *TestablePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.WriteBuffer.String()
}

// IsClosed reports whether Close has been called.
func (p *TestablePort) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.Closed
}
