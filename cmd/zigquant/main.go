// Command zigquant is the framework's own entry point: it wires
// configuration, logging, and signal handling around LiveTradingEngine
// for live/paper trading and EventDrivenBacktester for offline runs. The
// surrounding CLI app — flag parsing for strategy-specific parameters,
// TUI, web UI — is out of scope; this binary only exposes the two
// documented subcommands.
//
// Grounded on the teacher's cmd/bot/main.go: load config, build a slog
// handler from cfg.Logging, construct the engine, wait on SIGINT/SIGTERM,
// shut down. Generalized from a single hard-coded bot invocation to a
// cobra command tree so "run" and "backtest" can share config loading
// and logger setup without duplicating either.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zigquant/zigquant/internal/config"
)

// Exit codes documented for the core runtime's binary.
const (
	exitClean         = 0
	exitConfigError   = 1
	exitRecoveryError = 2
	exitRuntimePanic  = 3
	exitInterrupted   = 130
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run builds and executes the command tree, recovering a panic from any
// subcommand into the documented exit-3 path rather than letting it
// crash the process with no exit code at all. The engine already
// checkpoints on its own interval (cfg.Recovery.Interval), so recent
// state is durable going into that recover; this handler's job is only
// to translate the panic into the right exit code.
func run(args []string) (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintln(os.Stderr, "zigquant: panic:", r)
			code = exitRuntimePanic
		}
	}()

	root := &cobra.Command{
		Use:           "zigquant",
		Short:         "zigQuant event-driven trading runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newBacktestCmd())
	root.SetArgs(args)

	if err := root.Execute(); err != nil {
		return exitCodeFor(err)
	}
	return exitClean
}

// exitCodeFor maps an error returned by a subcommand to the documented
// exit code scheme. An *exitError carries an explicit code set by the
// subcommand that produced it; anything else is an unclassified runtime
// failure.
func exitCodeFor(err error) int {
	var ee *exitError
	if asExitError(err, &ee) {
		return ee.code
	}
	fmt.Fprintln(os.Stderr, "zigquant:", err)
	return exitRuntimePanic
}

// exitError pairs an error with the exit code its subcommand wants it to
// produce, so exitCodeFor doesn't have to re-derive config-error vs.
// recovery-error vs. runtime-panic from error string matching.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

func asExitError(err error, target **exitError) bool {
	for err != nil {
		if ee, ok := err.(*exitError); ok {
			*target = ee
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// loadConfig loads and validates the config file at path, wrapping any
// failure as a config-error exit.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, withExitCode(exitConfigError, fmt.Errorf("load config: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, withExitCode(exitConfigError, fmt.Errorf("invalid config: %w", err))
	}
	return cfg, nil
}

// newLogger builds the slog handler the same way the teacher's main.go
// does: text or JSON chosen by config, level parsed from a string.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// interruptibleContext returns a context canceled on the first
// SIGINT/SIGTERM, giving the caller a chance at a graceful shutdown (exit
// code 0). A second signal before the caller returns means the graceful
// path is stuck or too slow; it calls os.Exit(130) directly rather than
// waiting indefinitely.
func interruptibleContext(parent context.Context) (context.Context, func()) {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	// forceCh sees every signal, including the first one that cancels ctx,
	// so only its second delivery forces the exit.
	go func() {
		for i := 0; i < 2; i++ {
			select {
			case <-forceCh:
			case <-done:
				return
			}
		}
		os.Exit(exitInterrupted)
	}()

	return ctx, func() {
		stop()
		close(done)
		signal.Stop(forceCh)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
