// Package control runs the sonar to LED loop: query a distance, map it to a
// level, write the level, sleep, repeat.
package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/sonarled/internal/hba"
	"github.com/banshee-data/sonarled/internal/level"
	"github.com/banshee-data/sonarled/internal/timeutil"
)

// State is the loop's lifecycle position.
type State int32

const (
	StateInit State = iota
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ParseErrorPolicy decides what a malformed sensor payload does to the loop.
type ParseErrorPolicy int

const (
	// PolicyFatal stops the loop, like an I/O failure.
	PolicyFatal ParseErrorPolicy = iota
	// PolicySkip logs the reading, leaves the LEDs as they are and carries on.
	PolicySkip
)

// ParsePolicy maps "fatal" or "skip" onto a policy.
func ParsePolicy(s string) (ParseErrorPolicy, error) {
	switch s {
	case "", "fatal":
		return PolicyFatal, nil
	case "skip":
		return PolicySkip, nil
	default:
		return PolicyFatal, fmt.Errorf("unknown parse error policy %q", s)
	}
}

// Commander is the part of hba.Client the loop drives.
type Commander interface {
	Execute(ctx context.Context, command string) error
	Query(ctx context.Context, command string) (string, error)
	Close() error
}

// Opener connects to one endpoint.
type Opener func(ctx context.Context, ep hba.Endpoint) (Commander, error)

// DialOpener opens real hba clients.
func DialOpener(opts hba.DialOptions, logger *zap.Logger) Opener {
	return func(ctx context.Context, ep hba.Endpoint) (Commander, error) {
		return hba.Dial(ctx, ep, opts, logger)
	}
}

// Reading is one completed poll.
type Reading struct {
	At       time.Time
	Raw      string
	Distance uint64
	Level    uint8
}

// Recorder persists readings. Recording failures are logged, not fatal.
type Recorder interface {
	RecordReading(ctx context.Context, r Reading) error
}

// Config holds everything the loop treats as opaque parameters.
type Config struct {
	Sensor   hba.Endpoint
	Actuator hba.Endpoint

	SetupCommands  []string
	SensorCommand  string
	ActuatorModule string
	ActuatorField  string

	Table        level.Table
	SettleDelay  time.Duration
	PollInterval time.Duration
	OnParseError ParseErrorPolicy

	// MaxIterations stops the loop cleanly after that many polls. Zero
	// means run until interrupted.
	MaxIterations uint64
}

// Deps are the loop's collaborators. Open is required; the rest default.
type Deps struct {
	Open     Opener
	Clock    timeutil.Clock
	Recorder Recorder
	Logger   *zap.Logger
}

// Stats summarises what the loop has done so far.
type Stats struct {
	Iterations   uint64
	Skipped      uint64
	LastDistance uint64
	LastLevel    uint8
}

// Loop owns both connections for its lifetime.
type Loop struct {
	cfg    Config
	open   Opener
	clock  timeutil.Clock
	rec    Recorder
	logger *zap.Logger

	started atomic.Bool
	state   atomic.Int32

	mu    sync.Mutex
	stats Stats
}

// New builds a loop in StateInit.
func New(cfg Config, deps Deps) *Loop {
	l := &Loop{
		cfg:    cfg,
		open:   deps.Open,
		clock:  deps.Clock,
		rec:    deps.Recorder,
		logger: deps.Logger,
	}
	if l.clock == nil {
		l.clock = timeutil.RealClock{}
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	return l
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Stats returns a snapshot of the loop counters.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Run opens both endpoints, sends the setup commands and polls until ctx is
// done, MaxIterations is reached or an error occurs. Interruption and
// completion return nil; any failure is returned unretried. Both connections
// are closed before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}
	defer l.state.Store(int32(StateTerminated))

	sensor, err := l.open(ctx, l.cfg.Sensor)
	if err != nil {
		return l.finish(ctx, fmt.Errorf("open sensor: %w", err))
	}
	defer l.release("sensor", sensor)

	actuator, err := l.open(ctx, l.cfg.Actuator)
	if err != nil {
		return l.finish(ctx, fmt.Errorf("open actuator: %w", err))
	}
	defer l.release("actuator", actuator)

	for _, cmd := range l.cfg.SetupCommands {
		if err := sensor.Execute(ctx, cmd); err != nil {
			return l.finish(ctx, fmt.Errorf("setup: %w", err))
		}
	}
	if err := l.clock.Sleep(ctx, l.cfg.SettleDelay); err != nil {
		return l.finish(ctx, err)
	}

	l.state.Store(int32(StateRunning))
	l.logger.Info("polling",
		zap.Stringer("sensor", l.cfg.Sensor),
		zap.Stringer("actuator", l.cfg.Actuator),
		zap.Duration("interval", l.cfg.PollInterval),
	)

	for {
		if l.cfg.MaxIterations > 0 && l.Stats().Iterations >= l.cfg.MaxIterations {
			l.logger.Info("iteration limit reached", zap.Uint64("iterations", l.cfg.MaxIterations))
			return nil
		}
		if err := l.poll(ctx, sensor, actuator); err != nil {
			return l.finish(ctx, err)
		}
		if err := l.clock.Sleep(ctx, l.cfg.PollInterval); err != nil {
			return l.finish(ctx, err)
		}
	}
}

// poll performs one query, map and write.
func (l *Loop) poll(ctx context.Context, sensor, actuator Commander) error {
	raw, err := sensor.Query(ctx, l.cfg.SensorCommand)
	if err != nil {
		return fmt.Errorf("query distance: %w", err)
	}

	distance, err := ParseDistance(raw)
	if err != nil {
		if l.cfg.OnParseError != PolicySkip {
			return err
		}
		l.logger.Warn("skipping malformed reading", zap.String("raw", raw), zap.Error(err))
		l.mu.Lock()
		l.stats.Iterations++
		l.stats.Skipped++
		l.mu.Unlock()
		return nil
	}

	lvl := l.cfg.Table.Map(distance)
	cmd := hba.SetCommand(l.cfg.ActuatorModule, l.cfg.ActuatorField, FormatLevel(lvl))
	if err := actuator.Execute(ctx, cmd); err != nil {
		return fmt.Errorf("set level: %w", err)
	}

	l.mu.Lock()
	l.stats.Iterations++
	l.stats.LastDistance = distance
	l.stats.LastLevel = lvl
	l.mu.Unlock()

	l.logger.Debug("reading", zap.Uint64("distance", distance), zap.String("level", FormatLevel(lvl)))

	if l.rec != nil {
		reading := Reading{At: l.clock.Now(), Raw: raw, Distance: distance, Level: lvl}
		if err := l.rec.RecordReading(ctx, reading); err != nil && ctx.Err() == nil {
			l.logger.Warn("failed to record reading", zap.Error(err))
		}
	}
	return nil
}

// finish turns an error caused by interruption into a clean stop.
func (l *Loop) finish(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		l.logger.Info("interrupted", zap.Uint64("iterations", l.Stats().Iterations))
		return nil
	}
	return err
}

func (l *Loop) release(name string, c Commander) {
	if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		l.logger.Warn("close failed", zap.String("peer", name), zap.Error(err))
	}
}
