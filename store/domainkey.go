package store

import (
	"encoding/json"
)

const (
	ChannelMarketData = "market_data"
	ChannelTrades     = "trades"
	ChannelAccount    = "account"
)

// domainKeyPeek is the minimal shape needed to extract a stream's symbol
// from any market_data/trades payload, regardless of whether it is a
// snapshot or delta body.
type domainKeyPeek struct {
	Symbol string `json:"symbol"`
}

// domainKey derives the sequence-tracking partition for an event (spec
// §4.2.3): "<channel>::<symbol>" for market_data/trades, or the bare
// literal "account" for account events.
func domainKey(channel string, payload json.RawMessage) (string, bool) {
	if channel == ChannelAccount {
		return ChannelAccount, true
	}

	var peek domainKeyPeek
	if err := json.Unmarshal(payload, &peek); err != nil || peek.Symbol == "" {
		return "", false
	}
	return channel + "::" + peek.Symbol, true
}
