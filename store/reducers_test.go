package store

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reducerEvent(seq int64, payload string) *Event {
	return &Event{Sequence: big.NewInt(seq), Payload: json.RawMessage(payload)}
}

func TestReduceOrderbookSnapshot_SortsBidsDescendingAsksAscending(t *testing.T) {
	e := reducerEvent(100, `{"symbol":"BTC_USD","bids":[["100","1"],["102","1"]],"asks":[["105","1"],["103","1"]]}`)
	ob, err := reduceOrderbookSnapshot(e)
	require.NoError(t, err)

	require.Len(t, ob.Bids, 2)
	assert.Equal(t, "102", ob.Bids[0].Price)
	assert.Equal(t, "100", ob.Bids[1].Price)

	require.Len(t, ob.Asks, 2)
	assert.Equal(t, "103", ob.Asks[0].Price)
	assert.Equal(t, "105", ob.Asks[1].Price)
	assert.Equal(t, "100", ob.LastSeq)
}

func TestReduceOrderbookSnapshot_DropsZeroQuantityLevels(t *testing.T) {
	e := reducerEvent(1, `{"symbol":"BTC_USD","bids":[["100","0"],["99","1"]],"asks":[]}`)
	ob, err := reduceOrderbookSnapshot(e)
	require.NoError(t, err)
	require.Len(t, ob.Bids, 1)
	assert.Equal(t, "99", ob.Bids[0].Price)
}

func TestReduceOrderbookDelta_UpsertsAndRemovesLevels(t *testing.T) {
	current := &Orderbook{
		Symbol: "BTC_USD",
		Bids:   []PriceLevel{{Price: "100", Quantity: "1"}, {Price: "99", Quantity: "2"}},
		Asks:   []PriceLevel{{Price: "101", Quantity: "1"}},
	}
	e := reducerEvent(2, `{"bids":[["100","0"],["98","5"]]}`)

	next, err := reduceOrderbookDelta(current, e)
	require.NoError(t, err)

	require.Len(t, next.Bids, 2)
	assert.Equal(t, "99", next.Bids[0].Price)
	assert.Equal(t, "98", next.Bids[1].Price)
	// Asks side omitted from the delta: untouched.
	assert.Equal(t, current.Asks, next.Asks)
	assert.Equal(t, "2", next.LastSeq)
}

func TestReduceOrderbookDelta_EmptySideArrayLeavesThatSideUnchanged(t *testing.T) {
	current := &Orderbook{
		Symbol: "BTC_USD",
		Bids:   []PriceLevel{{Price: "100", Quantity: "1"}},
		Asks:   []PriceLevel{{Price: "101", Quantity: "1"}},
	}
	e := reducerEvent(2, `{"asks":[]}`)

	next, err := reduceOrderbookDelta(current, e)
	require.NoError(t, err)
	assert.Equal(t, []PriceLevel{{Price: "101", Quantity: "1"}}, next.Asks)
	assert.Equal(t, current.Bids, next.Bids)
}

func TestReduceTickerDelta_MergesFieldsOverPriorAndDefaultsMissing(t *testing.T) {
	first, err := reduceTickerDelta(nil, reducerEvent(1, `{"symbol":"BTC_USD","last_price":"50000"}`))
	require.NoError(t, err)
	assert.Equal(t, "50000", first.LastPrice)
	assert.Equal(t, "0", first.Volume24h)
	assert.Equal(t, "0", first.High24h)

	second, err := reduceTickerDelta(first, reducerEvent(2, `{"volume_24h":"12.5"}`))
	require.NoError(t, err)
	assert.Equal(t, "50000", second.LastPrice) // retained from prior
	assert.Equal(t, "12.5", second.Volume24h)
}

func TestReduceTickerDelta_VolumeSpellingPrecedence(t *testing.T) {
	ticker, err := reduceTickerDelta(nil, reducerEvent(1, `{"symbol":"BTC_USD","24h_volume":"1","volume_24h":"2"}`))
	require.NoError(t, err)
	assert.Equal(t, "2", ticker.Volume24h)

	ticker2, err := reduceTickerDelta(nil, reducerEvent(1, `{"symbol":"BTC_USD","24h_volume":"1"}`))
	require.NoError(t, err)
	assert.Equal(t, "1", ticker2.Volume24h)
}

func TestReduceTrade_AppendsAndCapsTape(t *testing.T) {
	var tape []TradeRecord
	var err error
	for i := 0; i < tradeTapeCap+10; i++ {
		e := &Event{ID: "e", Sequence: big.NewInt(int64(i)), Payload: json.RawMessage(`{"symbol":"BTC_USD","price":"1","quantity":"1","side":"buy"}`)}
		tape, err = reduceTrade(tape, e)
		require.NoError(t, err)
	}
	assert.Len(t, tape, tradeTapeCap)
}

func TestReduceAccountSnapshot_RebuildsOrdersByID(t *testing.T) {
	e := reducerEvent(1, `{"account_id":"acct1","balances":{"USD":"100"},"orders":[{"order_id":"o1","status":"open"},{"order_id":"o2","status":"filled"}]}`)
	acct, err := reduceAccountSnapshot(e)
	require.NoError(t, err)
	assert.Equal(t, "acct1", acct.AccountID)
	assert.Equal(t, "100", acct.Balances["USD"])
	require.Contains(t, acct.Orders, "o1")
	require.Contains(t, acct.Orders, "o2")
	assert.Equal(t, "open", acct.Orders["o1"].Raw["status"])
}

func TestReduceAccountDelta_MergesBalancesAndUpsertsOrder(t *testing.T) {
	current := &Account{
		AccountID: "acct1",
		Balances:  map[string]string{"USD": "100", "BTC": "1"},
		Orders:    map[string]OrderRecord{"o1": {OrderID: "o1", Raw: map[string]interface{}{"status": "open"}}},
	}
	e := reducerEvent(2, `{"balances":{"USD":"90"},"order":{"order_id":"o1","status":"filled"}}`)

	next, err := reduceAccountDelta(current, e)
	require.NoError(t, err)
	assert.Equal(t, "90", next.Balances["USD"])
	assert.Equal(t, "1", next.Balances["BTC"]) // untouched balance retained
	assert.Equal(t, "filled", next.Orders["o1"].Raw["status"])
	assert.Equal(t, "2", next.LastSeq)
}
