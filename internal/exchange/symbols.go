package exchange

import (
	"fmt"
	"strings"
	"sync"

	"github.com/zigquant/zigquant/pkg/types"
	"github.com/zigquant/zigquant/pkg/zqerrors"
)

// hyperliquidQuote is the only quote currency Hyperliquid perpetuals
// settle in; every TradingPair crossing the adapter boundary must carry
// it as its quote leg.
const hyperliquidQuote = "USDC"

// SymbolMapper translates between zigQuant's {base, quote} TradingPair and
// Hyperliquid's native per-asset integer index (used in signed actions)
// and coin symbol (used in REST/WS payloads). Hyperliquid perpetuals are
// always quoted in USDC, so only the base leg varies; ToCoin rejects any
// pair quoted in anything else.
type SymbolMapper struct {
	mu        sync.RWMutex
	coinToIdx map[string]int
	idxToCoin map[int]string
}

// NewSymbolMapper constructs an empty mapper; populate it via
// LoadUniverse once the exchange's asset metadata has been fetched.
func NewSymbolMapper() *SymbolMapper {
	return &SymbolMapper{
		coinToIdx: make(map[string]int),
		idxToCoin: make(map[int]string),
	}
}

// LoadUniverse replaces the mapper's contents with the given coin list,
// indexed by its position (Hyperliquid's asset index is the array
// position in the perpetuals metadata response).
func (m *SymbolMapper) LoadUniverse(coins []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coinToIdx = make(map[string]int, len(coins))
	m.idxToCoin = make(map[int]string, len(coins))
	for i, coin := range coins {
		m.coinToIdx[coin] = i
		m.idxToCoin[i] = coin
	}
}

// ToCoin converts a TradingPair to Hyperliquid's native coin symbol. It
// rejects any pair not quoted in hyperliquidQuote, since Hyperliquid has
// no notion of a pair's quote leg at all — silently dropping it would
// mask a caller passing a pair meant for a different venue.
func (m *SymbolMapper) ToCoin(pair types.TradingPair) (string, error) {
	if strings.ToUpper(pair.Quote) != hyperliquidQuote {
		return "", zqerrors.Business("invalid_quote", fmt.Sprintf("pair %s: hyperliquid only supports %s-quoted pairs", pair, hyperliquidQuote))
	}
	return strings.ToUpper(pair.Base), nil
}

// FromCoin converts a Hyperliquid coin symbol back to a TradingPair,
// quoted in hyperliquidQuote so that FromCoin(ToCoin(p)) == p for any p
// already quoted in hyperliquidQuote.
func (m *SymbolMapper) FromCoin(coin string) types.TradingPair {
	return types.NewTradingPair(coin, hyperliquidQuote)
}

// AssetIndex looks up the integer asset index a signed order action must
// carry for pair.
func (m *SymbolMapper) AssetIndex(pair types.TradingPair) (int, error) {
	coin, err := m.ToCoin(pair)
	if err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.coinToIdx[coin]
	if !ok {
		return 0, fmt.Errorf("exchange: unknown asset %q, universe not loaded or pair unsupported", coin)
	}
	return idx, nil
}
