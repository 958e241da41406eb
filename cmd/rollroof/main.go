// Package main — cmd/rollroof/main.go
//
// Observatory sequencer entrypoint.
//
// Startup sequence:
//  1. Parse flags.
//  2. Load and validate config.
//  3. Initialise structured logger (zap, JSON or console format).
//  4. Load the OB queue file.
//  5. Start the Prometheus metrics server.
//  6. Build the default device-factory registry.
//  7. Build the runner (devices, oracle, scheduler, execution record,
//     state machine).
//  8. Start the operator override socket (if enabled).
//  9. Register SIGHUP handler: re-load, validate and log the config; no
//     reloaded value is applied to the running sequencer.
// 10. Call wake_up() — blocks until the machine reaches pau or alert.
//
// Exit codes: 0 on pau, 2 on alert, 1 on startup configuration error.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/joshwalawender/ObservatoryControlSystem/internal/config"
	"github.com/joshwalawender/ObservatoryControlSystem/internal/observability"
	"github.com/joshwalawender/ObservatoryControlSystem/internal/operator"
	"github.com/joshwalawender/ObservatoryControlSystem/internal/runner"
	"github.com/joshwalawender/ObservatoryControlSystem/internal/statemachine"
)

func main() {
	os.Exit(run())
}

// run contains the full startup/shutdown sequence and returns the
// process exit code, so main itself stays a one-liner: exit codes are
// data, not control flow, which keeps the function testable by
// inspection.
func run() int {
	configPath := flag.String("config", "./rollroof.yaml", "Path to config.yaml")
	blocksPath := flag.String("blocks", "./obs.yaml", "Path to the OB queue file")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("rollroof %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		return 1
	}

	log, err := buildLogger(cfg.Observability.LogLevelConsole, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		return 1
	}
	defer log.Sync() //nolint:errcheck

	log.Info("rollroof starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("name", cfg.Name),
		zap.String("config", *configPath),
	)

	blocks, err := runner.LoadBlocksFile(*blocksPath)
	if err != nil {
		log.Error("FATAL: OB queue load failed", zap.Error(err))
		return 1
	}
	log.Info("OB queue loaded", zap.Int("count", len(blocks)), zap.String("path", *blocksPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	reg := runner.NewDefaultRegistry()

	r, err := runner.Build(cfg, reg, blocks, log, metrics)
	if err != nil {
		log.Error("FATAL: runner build failed", zap.Error(err))
		return 1
	}
	defer r.Close() //nolint:errcheck

	if cfg.Operator.Enabled {
		opSrv := operator.NewServer(cfg.Operator.SocketPath, r.Model(), log)
		go func() {
			if err := opSrv.ListenAndServe(ctx); err != nil {
				log.Error("operator server error", zap.Error(err))
			}
		}()
		log.Info("operator socket started", zap.String("path", cfg.Operator.SocketPath))
	} else {
		log.Info("operator socket disabled")
	}

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			// The reloaded values are only logged; none is applied to
			// the running sequencer until the next start.
			log.Info("config hot-reload successful",
				zap.String("loglevel_console", newCfg.Observability.LogLevelConsole),
				zap.Duration("waittime", newCfg.StateMachine.WaitTime),
				zap.Duration("maxwait", newCfg.StateMachine.MaxWait),
				zap.Int("max_allowed_errors", newCfg.StateMachine.MaxAllowedErrors))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutdown signal received — requesting abort", zap.String("signal", sig.String()))
		r.Model().Abort()
	}()

	r.WakeUp()
	cancel()

	final := r.CurrentState()
	log.Info("rollroof run complete", zap.String("final_state", final.String()))

	switch final {
	case statemachine.Pau:
		return 0
	case statemachine.Alert:
		return 2
	default:
		log.Error("unexpected non-terminal final state", zap.String("state", final.String()))
		return 2
	}
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
