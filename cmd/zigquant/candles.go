package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/zigquant/zigquant/pkg/decimal"
	"github.com/zigquant/zigquant/pkg/types"
	"github.com/zigquant/zigquant/pkg/zqtime"
)

// loadCandles reads the CSV historical-data file --data points at. The
// parser itself is explicitly out of scope (spec.md §1 Non-goals) — only
// its output shape matters: []types.Candle in file order (rows are not
// sorted or checked for ascending OpenTs, so the file must already be in
// time order). Columns, in order: unix_seconds,open,high,low,close,volume.
// A header row is tolerated by skipping any row whose first field doesn't
// parse as an integer.
func loadCandles(path string, pair types.TradingPair) ([]types.Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open data file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 6
	r.TrimLeadingSpace = true

	var candles []types.Candle
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse data file: %w", err)
		}

		sec, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			continue // header row
		}

		candle, err := parseCandleRow(pair, sec, rec)
		if err != nil {
			return nil, fmt.Errorf("parse data file: %w", err)
		}
		candles = append(candles, candle)
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("data file %s contained no candles", path)
	}
	return candles, nil
}

func parseCandleRow(pair types.TradingPair, sec int64, rec []string) (types.Candle, error) {
	open, err := decimal.FromString(rec[1])
	if err != nil {
		return types.Candle{}, fmt.Errorf("open: %w", err)
	}
	high, err := decimal.FromString(rec[2])
	if err != nil {
		return types.Candle{}, fmt.Errorf("high: %w", err)
	}
	low, err := decimal.FromString(rec[3])
	if err != nil {
		return types.Candle{}, fmt.Errorf("low: %w", err)
	}
	closePx, err := decimal.FromString(rec[4])
	if err != nil {
		return types.Candle{}, fmt.Errorf("close: %w", err)
	}
	volume, err := decimal.FromString(rec[5])
	if err != nil {
		return types.Candle{}, fmt.Errorf("volume: %w", err)
	}

	c := types.Candle{
		Pair:   pair,
		TF:     types.Timeframe1m,
		Open:   open,
		High:   high,
		Low:    low,
		Close:  closePx,
		Volume: volume,
		OpenTs: zqtime.FromTime(time.Unix(sec, 0).UTC()),
	}
	return c, c.Validate()
}
