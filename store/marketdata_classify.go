package store

import "encoding/json"

type marketDataKind int

const (
	marketDataUnknown marketDataKind = iota
	marketDataOrderbook
	marketDataTicker
)

// classifyMarketData distinguishes an orderbook payload from a ticker
// payload within the single wire "market_data" channel (spec §6.1), since
// the protocol carries both under one source name and disambiguates only by
// payload shape: an orderbook payload carries bids/asks, a ticker payload
// carries price/volume fields instead.
func classifyMarketData(payload json.RawMessage) marketDataKind {
	var probe struct {
		Bids      json.RawMessage `json:"bids"`
		Asks      json.RawMessage `json:"asks"`
		LastPrice json.RawMessage `json:"last_price"`
		MarkPrice json.RawMessage `json:"mark_price"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return marketDataUnknown
	}
	if probe.Bids != nil || probe.Asks != nil {
		return marketDataOrderbook
	}
	if probe.LastPrice != nil || probe.MarkPrice != nil {
		return marketDataTicker
	}
	return marketDataUnknown
}
