package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zigquant/zigquant/internal/backtest"
	"github.com/zigquant/zigquant/internal/config"
	"github.com/zigquant/zigquant/pkg/decimal"
	"github.com/zigquant/zigquant/pkg/types"
)

func newBacktestCmd() *cobra.Command {
	var strategyName, dataPath, cfgPath, outputPath string

	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Run the event-driven backtester against historical candles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}

			strategy, err := lookupStrategy(strategyName)
			if err != nil {
				return withExitCode(exitConfigError, err)
			}

			if len(cfg.Exchange.Pairs) == 0 {
				return withExitCode(exitConfigError, fmt.Errorf("exchange.pairs must list at least one pair to backtest"))
			}
			pair, err := types.ParseTradingPair(cfg.Exchange.Pairs[0])
			if err != nil {
				return withExitCode(exitConfigError, fmt.Errorf("exchange.pairs[0]: %w", err))
			}

			candles, err := loadCandles(dataPath, pair)
			if err != nil {
				return withExitCode(exitConfigError, err)
			}

			logger := newLogger(cfg.Logging)
			logger.Info("running backtest", "strategy", strategyName, "pair", pair, "bars", len(candles))

			fee := backtest.FeeModel{
				MakerBps: decimal.NewFromFloat(cfg.Backtest.FeeRateBps),
				TakerBps: decimal.NewFromFloat(cfg.Backtest.FeeRateBps),
			}
			startingCash := decimal.NewFromFloat(cfg.Backtest.StartingCash)
			if startingCash.IsZero() {
				startingCash = decimal.NewFromInt(10000)
			}

			ctx, stop := interruptibleContext(cmd.Context())
			defer stop()

			exec := backtest.NewExecutor(fee, backtest.SlippageModel{}, 1)
			bt, err := backtest.NewEventDrivenBacktester(backtest.Config{
				Pair:          pair,
				Candles:       candles,
				Strategy:      strategy,
				Executor:      exec,
				InitialEquity: startingCash,
				FeedLatency:   latencyModelFrom(cfg.Backtest),
			})
			if err != nil {
				return withExitCode(exitConfigError, err)
			}

			result, err := bt.Run(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return withExitCode(exitInterrupted, err)
				}
				return withExitCode(exitRuntimePanic, err)
			}

			report := backtest.NewPerformanceAnalyzer(0, 365).Analyze(result)
			return writeReport(outputPath, strategyName, result, report)
		},
	}

	cmd.Flags().StringVar(&strategyName, "strategy", "", "registered strategy name (required)")
	cmd.Flags().StringVar(&dataPath, "data", "", "path to the historical candle CSV (required)")
	cmd.Flags().StringVar(&cfgPath, "config", "configs/config.yaml", "path to the YAML config file")
	cmd.Flags().StringVar(&outputPath, "output", "", "optional path to write the run summary to instead of stdout")
	_ = cmd.MarkFlagRequired("strategy")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

// latencyModelFrom builds a feed-latency model from the backtest config
// section when a mean is configured, nil (no simulated latency)
// otherwise.
func latencyModelFrom(cfg config.BacktestConfig) backtest.LatencyModel {
	if cfg.LatencyMean <= 0 {
		return nil
	}
	if cfg.LatencyStdDev > 0 {
		return backtest.NormalLatency{Mean: cfg.LatencyMean, StdDev: cfg.LatencyStdDev}
	}
	return backtest.ConstantLatency{Value: cfg.LatencyMean}
}

// writeReport prints the run summary to stdout or, if outputPath is set,
// to that file. This is the binary's own operator-facing output, not the
// JSON/CSV result exporter spec.md §1 keeps out of scope.
func writeReport(outputPath, strategyName string, result *backtest.Result, report backtest.Report) error {
	summary := fmt.Sprintf(
		"strategy: %s\ntrades: %d\nfinal_equity: %s\ntotal_return: %.4f\nsharpe: %.4f\nsortino: %.4f\nmax_drawdown: %.4f\nwin_rate: %.4f\nprofit_factor: %.4f\ntotal_fees: %s\n",
		strategyName, len(result.Trades), result.FinalEquity.String(), report.TotalReturn,
		report.SharpeRatio, report.SortinoRatio, report.MaxDrawdown, report.WinRate,
		report.ProfitFactor, report.TotalFees.String(),
	)

	if outputPath == "" {
		_, err := fmt.Fprint(os.Stdout, summary)
		return err
	}
	return os.WriteFile(outputPath, []byte(summary), 0o644)
}
