package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codefionn/paybridge/internal/bridge"
	"github.com/codefionn/paybridge/internal/config"
	"github.com/codefionn/paybridge/internal/consts"
	"github.com/codefionn/paybridge/internal/device/emulator"
	"github.com/codefionn/paybridge/internal/journal"
	"github.com/codefionn/paybridge/internal/logger"
	"github.com/codefionn/paybridge/internal/metrics"
	"github.com/codefionn/paybridge/internal/pidfile"
	"github.com/codefionn/paybridge/internal/pprof"
	"github.com/codefionn/paybridge/internal/registry"
	"github.com/codefionn/paybridge/internal/securemem"
	"github.com/codefionn/paybridge/internal/sequencing"
	"github.com/codefionn/paybridge/internal/web"
)

type options struct {
	configPath    string
	listen        string
	logLevel      string
	logPath       string
	generateToken bool
	debug         bool
	cpuProfile    string
	memProfile    string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("paybridge", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", config.GetConfigPath(), "Path to the configuration file (.json, .yaml)")
	fs.StringVar(&opts.listen, "listen", "", "Listen address, overrides the configuration")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error, none)")
	fs.StringVar(&opts.logPath, "log-path", "", "Log file, stderr when empty")
	fs.BoolVar(&opts.generateToken, "generate-token", false, "Generate a random auth token when none is configured")
	fs.BoolVar(&opts.debug, "debug", false, "Log every WebSocket message")
	fs.StringVar(&opts.cpuProfile, "cpuprofile", "", "Write a CPU profile to this file")
	fs.StringVar(&opts.memProfile, "memprofile", "", "Write a heap profile to this file on exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyEnv(os.Getenv)

	if opts.listen != "" {
		cfg.ListenAddr = opts.listen
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.logPath != "" {
		cfg.LogPath = opts.logPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run() (err error) {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()
	defer securemem.Purge()

	if cfg.PIDFile != "" {
		pid := pidfile.New(cfg.PIDFile)
		if err := pid.Acquire(); err != nil {
			return err
		}
		defer func() {
			if err := pid.Remove(); err != nil {
				logger.Warn("Failed to remove PID file: %v", err)
			}
		}()
	}

	profiler := pprof.NewProfiler(pprof.Config{CPUProfile: opts.cpuProfile, HeapProfile: opts.memProfile})
	if err := profiler.Start(); err != nil {
		return err
	}
	defer func() {
		if err := profiler.Stop(); err != nil {
			logger.Warn("Failed to write profiles: %v", err)
		}
	}()

	token, err := authToken(cfg, opts.generateToken)
	if err != nil {
		return err
	}
	defer token.Destroy()

	table, err := cfg.Table()
	if err != nil {
		return err
	}
	logger.Debug("Sequencing transitions: %v", table.Strings())

	var m *metrics.Metrics
	regOpts := []registry.Option{registry.WithMaxContexts(cfg.MaxContexts)}
	if cfg.Metrics.Enabled {
		m = metrics.New()
		regOpts = append(regOpts, registry.WithObserver(m.SetActiveContexts))
	}

	driver := emulator.New(emulator.Config{
		Terminals:   cfg.Emulator.Devices,
		DeclineOver: cfg.Emulator.DeclineOver,
		Latency:     time.Duration(cfg.Emulator.LatencyMS) * time.Millisecond,
	})
	reg := registry.New(driver, regOpts...)

	bridgeOpts := bridge.Options{Validator: sequencing.NewValidator(table)}
	serverOpts := web.Options{
		Addr:            cfg.ListenAddr,
		Token:           token,
		MaxInflight:     cfg.MaxInflight,
		MaxMessageBytes: cfg.MaxMessageBytes,
		Debug:           opts.debug,
		Metrics:         m,
		Profiling:       cfg.Profiling,
	}
	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer j.Close()
		bridgeOpts.Recorder = j
		serverOpts.Transactions = j
		logger.Info("Recording transactions to %s", j.Path())
	}
	serverOpts.Bridge = bridgeOpts

	srv := web.NewServer(reg, serverOpts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		return srv.Stop()
	})
	if watcher := newConfigWatcher(opts.configPath); watcher != nil {
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	err = g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), consts.ShutdownTimeout)
	defer cancel()
	reg.CloseAll(closeCtx)
	logger.Info("paybridge stopped")
	return err
}

// authToken returns the configured token in locked memory. With generate
// set and no token configured a random one is created and printed once.
func authToken(cfg *config.Config, generate bool) (*securemem.Token, error) {
	if cfg.AuthToken != "" || !generate {
		token := securemem.NewToken(cfg.AuthToken)
		cfg.AuthToken = ""
		if token.IsEmpty() {
			logger.Warn("No auth token configured, %s accepts every client", cfg.ListenAddr)
		}
		return token, nil
	}

	token, err := securemem.GenerateToken(consts.AuthTokenLength)
	if err != nil {
		return nil, err
	}
	token.WithValue(func(v string) {
		fmt.Fprintf(os.Stderr, "Auth token: %s\n", v)
	})
	return token, nil
}

// newConfigWatcher re-applies the log level when the configuration file
// changes. It returns nil when the file's directory cannot be watched.
func newConfigWatcher(path string) *config.Watcher {
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		return nil
	}
	watcher, err := config.NewWatcher(path, func(cfg *config.Config) {
		cfg.ApplyEnv(os.Getenv)
		level := logger.ParseLevel(cfg.LogLevel)
		if level != logger.Global().GetLevel() {
			logger.Global().SetLevel(level)
			logger.Info("Log level changed to %s", level)
		}
	})
	if err != nil {
		logger.Warn("Config changes will not be picked up: %v", err)
		return nil
	}
	return watcher
}
