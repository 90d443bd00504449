package hba

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func TestOpen_TCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	conn, err := Open(context.Background(), TCPEndpoint(ln.Addr().String()), DialOptions{DialTimeout: time.Second})
	require.NoError(t, err)
	defer conn.Close()

	peer := <-accepted
	defer peer.Close()

	_, err = peer.Write([]byte("hello\n\\"))
	require.NoError(t, err)

	payload, err := conn.ReadUntilTerminator()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(payload))
}

func TestOpen_TCPRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Open(context.Background(), TCPEndpoint(addr), DialOptions{DialTimeout: time.Second})
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, addr, connErr.Endpoint.Address)
}

func TestOpen_IOTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			defer c.Close()
			time.Sleep(time.Second)
		}
	}()

	conn, err := Open(context.Background(), TCPEndpoint(ln.Addr().String()), DialOptions{IOTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.ReadUntilTerminator()
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestOpen_UnsupportedNetwork(t *testing.T) {
	_, err := Open(context.Background(), Endpoint{Network: "udp", Address: "localhost:8870"}, DialOptions{})
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Contains(t, err.Error(), "unsupported network")
}

func TestOpen_Serial(t *testing.T) {
	original := openSerial
	defer func() { openSerial = original }()

	port := NewTestablePort("1f\\")
	var gotPath string
	var gotMode *serial.Mode
	openSerial = func(path string, mode *serial.Mode) (Porter, error) {
		gotPath, gotMode = path, mode
		return port, nil
	}

	ep := Endpoint{Network: NetworkSerial, Address: "/dev/ttyUSB1", Serial: PortOptions{BaudRate: 9600, Parity: "even"}}
	conn, err := Open(context.Background(), ep, DialOptions{})
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "/dev/ttyUSB1", gotPath)
	assert.Equal(t, 9600, gotMode.BaudRate)
	assert.Equal(t, serial.EvenParity, gotMode.Parity)

	payload, err := conn.ReadUntilTerminator()
	require.NoError(t, err)
	assert.Equal(t, "1f", string(payload))
}

// slowSerialPort behaves like a serial port whose read timeout expires: it
// waits and then returns no data and no error.
type slowSerialPort struct {
	*TestablePort
	timeout time.Duration
}

func (p *slowSerialPort) SetReadTimeout(d time.Duration) error {
	p.timeout = d
	return nil
}

func (p *slowSerialPort) Read(b []byte) (int, error) {
	time.Sleep(p.timeout)
	return 0, nil
}

func TestOpen_SerialIOTimeout(t *testing.T) {
	original := openSerial
	defer func() { openSerial = original }()

	port := &slowSerialPort{TestablePort: NewTestablePort("")}
	openSerial = func(string, *serial.Mode) (Porter, error) { return port, nil }

	ep := Endpoint{Network: NetworkSerial, Address: "/dev/ttyUSB1"}
	conn, err := Open(context.Background(), ep, DialOptions{IOTimeout: 10 * time.Millisecond})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, 10*time.Millisecond, port.timeout)

	start := time.Now()
	_, err = conn.ReadUntilTerminator()
	elapsed := time.Since(start)

	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "read", ioErr.Op)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	assert.Less(t, elapsed, 500*time.Millisecond, "a single expired read must end the exchange")
}

func TestOpen_SerialFailure(t *testing.T) {
	original := openSerial
	defer func() { openSerial = original }()
	openSerial = func(string, *serial.Mode) (Porter, error) {
		return nil, errors.New("no such device")
	}

	_, err := Open(context.Background(), Endpoint{Network: NetworkSerial, Address: "/dev/missing"}, DialOptions{})
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Contains(t, err.Error(), "no such device")
}

func TestOpen_SerialBadOptions(t *testing.T) {
	ep := Endpoint{Network: NetworkSerial, Address: "/dev/ttyUSB1", Serial: PortOptions{DataBits: 9}}
	_, err := Open(context.Background(), ep, DialOptions{})
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
}

func TestEndpointString(t *testing.T) {
	assert.Equal(t, "tcp://localhost:8870", TCPEndpoint("localhost:8870").String())
	assert.Equal(t, "tcp://localhost:8870", Endpoint{Address: "localhost:8870"}.String())
	assert.Equal(t, "serial:///dev/ttyUSB1", Endpoint{Network: NetworkSerial, Address: "/dev/ttyUSB1"}.String())
}
