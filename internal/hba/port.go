// Package hba implements the client side of the HomeBrew Automation command
// protocol: newline-terminated commands sent over a stream, answered by zero
// or more informational lines and a single backslash terminator.
package hba

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"go.bug.st/serial"
)

// Network names accepted in an Endpoint.
const (
	NetworkTCP    = "tcp"
	NetworkSerial = "serial"
)

// Porter is the minimal stream the protocol needs. net.Conn and serial.Port
// both satisfy it, as does TestablePort.
type Porter interface {
	io.ReadWriter
	io.Closer
}

// deadliner is implemented by net.Conn.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// readTimeouter is implemented by serial.Port.
type readTimeouter interface {
	SetReadTimeout(timeout time.Duration) error
}

// Endpoint identifies one peer. For tcp the address is host:port, for serial
// it is the device path and Serial describes the line settings.
type Endpoint struct {
	Network string
	Address string
	Serial  PortOptions
}

// TCPEndpoint returns a tcp endpoint for host:port.
func TCPEndpoint(address string) Endpoint {
	return Endpoint{Network: NetworkTCP, Address: address}
}

func (e Endpoint) String() string {
	network := e.Network
	if network == "" {
		network = NetworkTCP
	}
	return network + "://" + e.Address
}

// DialOptions bounds how long opening and each exchange may take. Zero means
// no limit.
type DialOptions struct {
	DialTimeout time.Duration
	IOTimeout   time.Duration
}

// openSerial is replaced in tests so no hardware is needed.
var openSerial = func(path string, mode *serial.Mode) (Porter, error) {
	return serial.Open(path, mode)
}

// Open establishes the stream for ep. No protocol traffic is exchanged.
func Open(ctx context.Context, ep Endpoint, opts DialOptions) (*Conn, error) {
	switch ep.Network {
	case "", NetworkTCP:
		d := net.Dialer{Timeout: opts.DialTimeout}
		nc, err := d.DialContext(ctx, "tcp", ep.Address)
		if err != nil {
			return nil, &ConnectionError{Endpoint: ep, Err: err}
		}
		return newConn(nc, opts.IOTimeout), nil

	case NetworkSerial:
		mode, err := ep.Serial.SerialMode()
		if err != nil {
			return nil, &ConnectionError{Endpoint: ep, Err: err}
		}
		port, err := openSerial(ep.Address, mode)
		if err != nil {
			return nil, &ConnectionError{Endpoint: ep, Err: err}
		}
		if opts.IOTimeout > 0 {
			if rt, ok := port.(readTimeouter); ok {
				if err := rt.SetReadTimeout(opts.IOTimeout); err != nil {
					port.Close()
					return nil, &ConnectionError{Endpoint: ep, Err: err}
				}
				port = timeoutPort{port}
			}
		}
		return newConn(port, 0), nil

	default:
		return nil, &ConnectionError{Endpoint: ep, Err: fmt.Errorf("unsupported network %q", ep.Network)}
	}
}

// timeoutPort reports an expired serial read timeout as an error. The serial
// driver returns (0, nil) in that case, which bufio would retry.
type timeoutPort struct {
	Porter
}

func (p timeoutPort) Read(b []byte) (int, error) {
	n, err := p.Porter.Read(b)
	if n == 0 && err == nil && len(b) > 0 {
		return 0, os.ErrDeadlineExceeded
	}
	return n, err
}
