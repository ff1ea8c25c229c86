package main

import (
	"fmt"

	"github.com/zigquant/zigquant/internal/backtest"
	"github.com/zigquant/zigquant/pkg/decimal"
	"github.com/zigquant/zigquant/pkg/types"
)

// Strategy logic itself is an explicit Non-goal — operators supply their
// own backtest.Strategy implementations. These two are the binary's
// built-in references: just enough to exercise "backtest --strategy
// <name>" end to end without depending on an external strategy package.
var builtinStrategies = map[string]func() backtest.Strategy{
	"buy-and-hold": func() backtest.Strategy { return &buyAndHold{} },
	"noop":         func() backtest.Strategy { return noopCLIStrategy{} },
}

func lookupStrategy(name string) (backtest.Strategy, error) {
	ctor, ok := builtinStrategies[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (built in: buy-and-hold, noop)", name)
	}
	return ctor(), nil
}

// buyAndHold submits one market buy the first time it sees a candle and
// never trades again, the simplest possible strategy that still produces
// a non-trivial equity curve.
type buyAndHold struct {
	bought bool
}

func (s *buyAndHold) OnCandle(_ types.TradingPair, _ types.Candle, _ types.Quote) []backtest.Intent {
	if s.bought {
		return nil
	}
	s.bought = true
	return []backtest.Intent{{Side: types.Buy, Qty: decimal.NewFromInt(1)}}
}

// noopCLIStrategy never trades; useful for validating config and data
// loading without touching the executor.
type noopCLIStrategy struct{}

func (noopCLIStrategy) OnCandle(types.TradingPair, types.Candle, types.Quote) []backtest.Intent {
	return nil
}
