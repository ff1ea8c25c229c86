package exchange

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zigquant/zigquant/internal/execution"
)

type fakePublisher struct {
	published []string
}

func (f *fakePublisher) Publish(topic string, payload any) { f.published = append(f.published, topic) }
func (f *fakePublisher) Subscribe(pattern string, handler func(string, any)) string { return "" }

func newTestFeed(bus execution.Publisher) *WSFeed {
	symbols := NewSymbolMapper()
	symbols.LoadUniverse([]string{"BTC"})
	return NewWSFeed("wss://example.invalid", symbols, "0xabc", bus, testLogger())
}

func TestDispatchL2BookEmitsQuote(t *testing.T) {
	t.Parallel()
	f := newTestFeed(nil)

	msg := []byte(`{"channel":"l2Book","data":{"coin":"BTC","levels":[[{"px":"50000","sz":"1"}],[{"px":"50010","sz":"2"}]]}}`)
	f.dispatch(msg)

	select {
	case evt := <-f.events:
		require.NotNil(t, evt.Quote)
		require.Equal(t, "50000", evt.Quote.Bid.String())
		require.Equal(t, "50010", evt.Quote.Ask.String())
	default:
		t.Fatal("expected a quote event")
	}
}

func TestDispatchTradesEmitsTrade(t *testing.T) {
	t.Parallel()
	f := newTestFeed(nil)

	msg := []byte(`{"channel":"trades","data":[{"coin":"BTC","side":"A","px":"50000","sz":"0.5","time":1}]}`)
	f.dispatch(msg)

	select {
	case evt := <-f.events:
		require.NotNil(t, evt.Trade)
		require.Equal(t, "0.5", evt.Trade.Qty.String())
	default:
		t.Fatal("expected a trade event")
	}
}

func TestDispatchOrderUpdatePublishesToBus(t *testing.T) {
	t.Parallel()
	bus := &fakePublisher{}
	f := newTestFeed(bus)

	msg := []byte(`{"channel":"orderUpdates","data":[{"order":{"coin":"BTC","oid":5,"cloid":"cid-1","sz":"1","limitPx":"50000"},"status":"filled"}]}`)
	f.dispatch(msg)

	require.Equal(t, []string{"order.update.cid-1"}, bus.published)
}

func TestDispatchIgnoresUnknownChannel(t *testing.T) {
	t.Parallel()
	f := newTestFeed(nil)
	f.dispatch([]byte(`{"channel":"mystery","data":{}}`))

	select {
	case <-f.events:
		t.Fatal("expected no event for unknown channel")
	default:
	}
}
