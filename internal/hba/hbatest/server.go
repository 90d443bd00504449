// Package hbatest runs an in-process stand-in for an hbaserver with the
// serial_fpga, hba_sonar and hba_basicio plugins loaded. It is used by tests
// and by the --dev mode of the sonarled command.
package hbatest

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/banshee-data/sonarled/internal/monitoring"
)

// sweepMax bounds the synthetic distance sweep used when no distances are
// scripted.
const sweepMax = 30

// Server answers hbaset/hbaget commands over tcp.
type Server struct {
	ln net.Listener
	wg sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	conns     map[net.Conn]struct{}
	accepted  int
	commands  []string
	replies   map[string]string
	dropAfter int
	chatter   bool

	port      string
	ctrl      uint64
	distances []uint64
	sweep     uint64
	leds      uint64
	ledWrites []uint8
}

// Start listens on addr and serves until Close.
func Start(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("hbatest: listen %s: %w", addr, err)
	}
	s := &Server{
		ln:      ln,
		conns:   make(map[net.Conn]struct{}),
		replies: make(map[string]string),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// TB is the part of testing.TB that NewServer needs. Keeping it local leaves
// the testing package out of binaries that link hbatest for --dev.
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
	Cleanup(func())
}

// NewServer starts a server on a loopback port and closes it when the test
// ends.
func NewServer(tb TB) *Server {
	tb.Helper()
	s, err := Start("127.0.0.1:0")
	if err != nil {
		tb.Fatalf("failed to start fake hbaserver: %v", err)
	}
	tb.Cleanup(func() { _ = s.Close() })
	return s
}

// Addr returns the listening host:port.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// SetDistances scripts the sonar readings. Each sonar query consumes one
// value; the last value repeats once the script is exhausted.
func (s *Server) SetDistances(d ...uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.distances = append([]uint64(nil), d...)
}

// SetReply makes command (without newline) answer with raw verbatim. raw
// should normally end with the terminator.
func (s *Server) SetReply(command, raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[command] = raw
}

// DropAfter closes the connection that sends the n-th command, after writing
// a partial reply and before the terminator. Zero disables it.
func (s *Server) DropAfter(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropAfter = n
}

// Chatter prefixes acknowledgements with informational lines.
func (s *Server) Chatter(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatter = on
}

// Commands returns every command received so far, in arrival order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// LEDWrites returns every value written to hba_basicio leds.
func (s *Server) LEDWrites() []uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint8(nil), s.ledWrites...)
}

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// ActiveConns returns the number of connections the peer has not yet closed.
func (s *Server) ActiveConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops accepting, drops open connections and waits for handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	err := s.ln.Close()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.accepted++
		s.mu.Unlock()

		monitoring.Logf("hbatest: accepted %s", conn.RemoteAddr())
		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		reply, drop := s.respond(strings.TrimRight(scanner.Text(), "\r"))
		if drop {
			_, _ = conn.Write([]byte(reply))
			return
		}
		if _, err := conn.Write([]byte(reply)); err != nil {
			return
		}
	}
}

// respond returns the bytes to send for one command and whether the
// connection should be dropped afterwards.
func (s *Server) respond(line string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commands = append(s.commands, line)
	if s.dropAfter > 0 && len(s.commands) == s.dropAfter {
		return "partial\n", true
	}
	if raw, ok := s.replies[line]; ok {
		return raw, false
	}

	fields := strings.Fields(line)
	if len(fields) < 3 {
		return errorReply("unknown command"), false
	}
	verb, module, field := fields[0], fields[1], fields[2]
	switch verb {
	case "hbaset":
		if len(fields) != 4 {
			return errorReply("missing value for " + field), false
		}
		return s.set(module, field, fields[3]), false
	case "hbaget":
		return s.get(module, field), false
	default:
		return errorReply("unknown command " + verb), false
	}
}

func (s *Server) set(module, field, value string) string {
	ack := "\\"
	if s.chatter {
		ack = module + ": " + field + " updated\n\\"
	}
	switch module + " " + field {
	case "serial_fpga port":
		s.port = value
		return ack
	case "hba_sonar ctrl":
		v, err := parseByte(value)
		if err != nil {
			return errorReply("invalid value for ctrl")
		}
		s.ctrl = v
		return ack
	case "hba_basicio leds":
		v, err := parseByte(value)
		if err != nil {
			return errorReply("invalid value for leds")
		}
		s.leds = v
		s.ledWrites = append(s.ledWrites, uint8(v))
		return ack
	default:
		return errorReply("no such resource " + module + " " + field)
	}
}

func (s *Server) get(module, field string) string {
	switch module + " " + field {
	case "serial_fpga port":
		return s.port + "\n\\"
	case "hba_sonar ctrl":
		return fmt.Sprintf("%x\n\\", s.ctrl)
	case "hba_sonar sonar0", "hba_sonar sonar1":
		return fmt.Sprintf("%02x\n\\", s.nextDistance())
	case "hba_basicio leds":
		return fmt.Sprintf("%x\n\\", s.leds)
	default:
		return errorReply("no such resource " + module + " " + field)
	}
}

// nextDistance returns 0 while the sonars are disabled, the next scripted
// value if any, else a triangle sweep between 0 and sweepMax.
func (s *Server) nextDistance() uint64 {
	if s.ctrl == 0 {
		return 0
	}
	if len(s.distances) > 0 {
		d := s.distances[0]
		if len(s.distances) > 1 {
			s.distances = s.distances[1:]
		}
		return d
	}
	s.sweep = (s.sweep + 1) % (2 * sweepMax)
	if s.sweep > sweepMax {
		return 2*sweepMax - s.sweep
	}
	return s.sweep
}

func parseByte(value string) (uint64, error) {
	v, err := strconv.ParseUint(value, 16, 64)
	if err != nil {
		return 0, err
	}
	if v > 0xff {
		return 0, fmt.Errorf("value %#x out of range", v)
	}
	return v, nil
}

func errorReply(msg string) string {
	return "ERROR : " + msg + "\n\\"
}
