package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zigquant/zigquant/internal/bus"
	"github.com/zigquant/zigquant/internal/runtime"
	"github.com/zigquant/zigquant/pkg/zqerrors"
)

// busMaxWorkers bounds the MessageBus dispatch pool for the live binary.
// No config section exists for it (§5 treats it as an internal sizing
// knob, not an operator-tunable one), so it mirrors the pack's conc.Pool
// default rather than growing unbounded.
const busMaxWorkers = 32

func newRunCmd() *cobra.Command {
	var mode, cfgPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the live trading engine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if mode != "event" && mode != "tick" {
				return withExitCode(exitConfigError, fmt.Errorf("--mode must be \"event\" or \"tick\", got %q", mode))
			}

			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}

			logger := newLogger(cfg.Logging)
			b := bus.New(logger, busMaxWorkers)

			eng, err := runtime.New(*cfg, b, logger)
			if err != nil {
				return withExitCode(exitConfigError, fmt.Errorf("construct engine: %w", err))
			}
			eng.SetDispatchMode(mode)

			if cfg.DryRun {
				logger.Warn("DRY-RUN MODE — no real orders will be placed")
			}
			logger.Info("starting live trading engine", "mode", mode, "pairs", cfg.Exchange.Pairs, "dry_run", cfg.DryRun)

			ctx, stop := interruptibleContext(cmd.Context())
			defer stop()

			err = eng.Start(ctx)
			switch {
			case err == nil:
				return nil
			case isRecoveryFailure(err):
				return withExitCode(exitRecoveryError, err)
			default:
				return withExitCode(exitRuntimePanic, err)
			}
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "event", "dispatch model: event or tick")
	cmd.Flags().StringVar(&cfgPath, "config", "configs/config.yaml", "path to the YAML config file")
	return cmd
}

// isRecoveryFailure reports whether err is the *zqerrors.Error the engine
// raises when startup recovery fails, as opposed to some other
// KindSystem failure surfacing through the same Start call.
func isRecoveryFailure(err error) bool {
	for err != nil {
		if ze, ok := err.(*zqerrors.Error); ok {
			return ze.Code == "recovery_failed"
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
