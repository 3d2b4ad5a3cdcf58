package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainKey_AccountIsBareLiteral(t *testing.T) {
	key, ok := domainKey(ChannelAccount, json.RawMessage(`{}`))
	require.True(t, ok)
	assert.Equal(t, "account", key)
}

func TestDomainKey_MarketDataCombinesChannelAndSymbol(t *testing.T) {
	key, ok := domainKey(ChannelMarketData, json.RawMessage(`{"symbol":"BTC_USD"}`))
	require.True(t, ok)
	assert.Equal(t, "market_data::BTC_USD", key)
}

func TestDomainKey_MissingSymbolFails(t *testing.T) {
	_, ok := domainKey(ChannelTrades, json.RawMessage(`{}`))
	assert.False(t, ok)
}

func TestClassifyMarketData(t *testing.T) {
	assert.Equal(t, marketDataOrderbook, classifyMarketData(json.RawMessage(`{"bids":[],"asks":[]}`)))
	assert.Equal(t, marketDataTicker, classifyMarketData(json.RawMessage(`{"last_price":"1"}`)))
	assert.Equal(t, marketDataTicker, classifyMarketData(json.RawMessage(`{"mark_price":"1"}`)))
	assert.Equal(t, marketDataUnknown, classifyMarketData(json.RawMessage(`{"symbol":"BTC_USD"}`)))
}
