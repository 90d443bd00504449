// Command sonarled drives an LED bar from a sonar distance sensor through an
// hbaserver.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/banshee-data/sonarled/internal/config"
	"github.com/banshee-data/sonarled/internal/control"
	"github.com/banshee-data/sonarled/internal/db"
	"github.com/banshee-data/sonarled/internal/hba"
	"github.com/banshee-data/sonarled/internal/hba/hbatest"
	"github.com/banshee-data/sonarled/internal/monitoring"
	"github.com/banshee-data/sonarled/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, os.Getenv)
	stop()
	os.Exit(code)
}

type flags struct {
	config      string
	sensor      string
	actuator    string
	db          string
	logFile     string
	logLevel    string
	dev         bool
	once        bool
	showVersion bool
}

func parseFlags(args []string, stderr io.Writer) (*flags, error) {
	var f flags
	fs := pflag.NewFlagSet("sonarled", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&f.config, "config", "c", "", "config file (.json, .yaml, .yml or .toml)")
	fs.StringVar(&f.sensor, "sensor", "", "sensor hbaserver host:port")
	fs.StringVar(&f.actuator, "actuator", "", "actuator hbaserver host:port")
	fs.StringVar(&f.db, "db", "", "sqlite reading log")
	fs.StringVar(&f.logFile, "log-file", "", "also write logs to this file, rotated by size")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	fs.BoolVar(&f.dev, "dev", false, "run against an in-process fake hbaserver")
	fs.BoolVar(&f.once, "once", false, "poll once and exit")
	fs.BoolVar(&f.showVersion, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return &f, nil
}

// loadConfig layers file, environment and flags, in that order.
func loadConfig(f *flags, getenv func(string) string) (*config.Config, error) {
	cfg := config.Empty()
	if f.config != "" {
		var err error
		if cfg, err = config.Load(f.config); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv(getenv)

	if f.sensor != "" {
		cfg.Sensor = &config.EndpointConfig{Network: hba.NetworkTCP, Address: f.sensor}
	}
	if f.actuator != "" {
		cfg.Actuator = &config.EndpointConfig{Network: hba.NetworkTCP, Address: f.actuator}
	}
	if f.db != "" {
		cfg.Database = &f.db
	}
	if f.logFile != "" || f.logLevel != "" {
		if cfg.Log == nil {
			cfg.Log = &config.LogConfig{}
		}
		if f.logFile != "" {
			cfg.Log.File = f.logFile
		}
		if f.logLevel != "" {
			cfg.Log.Level = f.logLevel
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loopConfig(cfg *config.Config) (control.Config, error) {
	policy, err := control.ParsePolicy(cfg.GetParseErrorPolicy())
	if err != nil {
		return control.Config{}, err
	}
	return control.Config{
		Sensor:         cfg.GetSensorEndpoint(),
		Actuator:       cfg.GetActuatorEndpoint(),
		SetupCommands:  cfg.GetSetupCommands(),
		SensorCommand:  cfg.GetSensorCommand(),
		ActuatorModule: cfg.GetActuatorModule(),
		ActuatorField:  cfg.GetActuatorField(),
		Table:          cfg.GetTable(),
		SettleDelay:    cfg.GetSettleDelay(),
		PollInterval:   cfg.GetPollInterval(),
		OnParseError:   policy,
		MaxIterations:  uint64(cfg.GetMaxIterations()),
	}, nil
}

// run returns the process exit status.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, getenv func(string) string) int {
	f, err := parseFlags(args, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "sonarled: %v\n", err)
		return 2
	}
	if f.showVersion {
		fmt.Fprintln(stdout, version.String())
		return 0
	}

	cfg, err := loadConfig(f, getenv)
	if err != nil {
		fmt.Fprintf(stderr, "sonarled: invalid configuration: %v\n", err)
		return 2
	}

	logger, closeLog, err := monitoring.NewLogger(monitoring.Options{
		Level:  cfg.GetLogLevel(),
		File:   cfg.GetLogFile(),
		Stdout: stdout,
	})
	if err != nil {
		fmt.Fprintf(stderr, "sonarled: %v\n", err)
		return 2
	}
	defer closeLog()
	monitoring.Install(logger)
	defer monitoring.SetLogger(nil)

	loopCfg, err := loopConfig(cfg)
	if err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		return 2
	}
	if f.once {
		loopCfg.MaxIterations = 1
	}

	if f.dev {
		srv, err := hbatest.Start("127.0.0.1:0")
		if err != nil {
			logger.Error("failed to start fake hbaserver", zap.Error(err))
			return 1
		}
		defer srv.Close()
		loopCfg.Sensor = hba.TCPEndpoint(srv.Addr())
		loopCfg.Actuator = hba.TCPEndpoint(srv.Addr())
		logger.Info("dev mode: using fake hbaserver", zap.String("addr", srv.Addr()))
	}

	deps := control.Deps{
		Open:   control.DialOpener(cfg.GetDialOptions(), logger),
		Logger: logger,
	}

	var (
		store *db.DB
		runID string
	)
	if path := cfg.GetDatabase(); path != "" {
		store, err = db.NewDB(path)
		if err != nil {
			logger.Error("failed to open reading log", zap.String("path", path), zap.Error(err))
			return 1
		}
		defer store.Close()
		// Started on its own context so an early interrupt still leaves a run
		// record to close out.
		runID, err = store.StartRun(context.Background(), loopCfg.Sensor.String(), loopCfg.Actuator.String(), time.Now())
		if err != nil {
			logger.Error("failed to start run", zap.Error(err))
			return 1
		}
		deps.Recorder = store.Recorder(runID)
	}

	logger.Info("starting", zap.String("version", version.Version), zap.String("run_id", runID))
	loop := control.New(loopCfg, deps)
	runErr := loop.Run(ctx)
	stats := loop.Stats()

	if store != nil {
		finish(logger, store, runID, outcome(ctx, runErr))
	}

	if runErr != nil {
		logger.Error("stopped",
			zap.String("class", control.Classify(runErr)),
			zap.Uint64("iterations", stats.Iterations),
			zap.Error(runErr),
		)
		return 1
	}
	logger.Info("stopped",
		zap.Uint64("iterations", stats.Iterations),
		zap.Uint64("skipped", stats.Skipped),
		zap.Uint64("last_distance", stats.LastDistance),
		zap.String("last_level", control.FormatLevel(stats.LastLevel)),
	)
	return 0
}

func outcome(ctx context.Context, err error) string {
	switch {
	case err != nil:
		return control.Classify(err)
	case ctx.Err() != nil:
		return "interrupted"
	default:
		return "completed"
	}
}

// finish closes out the run record and logs its summary. ctx may already be
// cancelled here, so it uses its own.
func finish(logger *zap.Logger, store *db.DB, runID, outcome string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := store.FinishRun(ctx, runID, time.Now(), outcome); err != nil {
		logger.Warn("failed to finish run", zap.Error(err))
	}
	summary, err := store.Summary(ctx, runID)
	if err != nil {
		logger.Warn("failed to summarise run", zap.Error(err))
		return
	}
	if summary.Count == 0 {
		return
	}
	logger.Info("run summary",
		zap.String("run_id", runID),
		zap.Int("readings", summary.Count),
		zap.Uint64("min", summary.Min),
		zap.Uint64("max", summary.Max),
		zap.Float64("mean", summary.Mean),
		zap.Float64("stddev", summary.StdDev),
		zap.Float64("median", summary.Median),
		zap.Float64("p90", summary.P90),
	)
}
