package store

import (
	"encoding/json"
	"fmt"
	"sort"
)

// orderbookSnapshotPayload mirrors the wire shape of an order book
// snapshot: each side is an array of [price, quantity] pairs.
type orderbookSnapshotPayload struct {
	Symbol string     `json:"symbol"`
	Bids   [][2]string `json:"bids"`
	Asks   [][2]string `json:"asks"`
}

// orderbookDeltaPayload uses pointers for Bids/Asks so the reducer can tell
// "side absent" apart from "side present but empty" (spec §4.2.5: "for each
// side present in the payload").
type orderbookDeltaPayload struct {
	Symbol string       `json:"symbol"`
	Bids   *[][2]string `json:"bids"`
	Asks   *[][2]string `json:"asks"`
}

func reduceOrderbookSnapshot(e *Event) (*Orderbook, error) {
	var p orderbookSnapshotPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("orderbook snapshot payload: %w", err)
	}
	return &Orderbook{
		Symbol:  p.Symbol,
		Bids:    sortLevels(pairsToLevels(p.Bids), false),
		Asks:    sortLevels(pairsToLevels(p.Asks), true),
		LastSeq: e.Sequence.String(),
	}, nil
}

func reduceOrderbookDelta(current *Orderbook, e *Event) (*Orderbook, error) {
	var p orderbookDeltaPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("orderbook delta payload: %w", err)
	}

	next := &Orderbook{Symbol: current.Symbol, Bids: current.Bids, Asks: current.Asks}
	if p.Symbol != "" {
		next.Symbol = p.Symbol
	}

	if p.Bids != nil {
		next.Bids = sortLevels(applyLevelUpdates(current.Bids, *p.Bids), false)
	}
	if p.Asks != nil {
		next.Asks = sortLevels(applyLevelUpdates(current.Asks, *p.Asks), true)
	}
	next.LastSeq = e.Sequence.String()
	return next, nil
}

func pairsToLevels(pairs [][2]string) []PriceLevel {
	levels := make([]PriceLevel, 0, len(pairs))
	for _, pair := range pairs {
		if pair[1] == "0" {
			continue
		}
		levels = append(levels, PriceLevel{Price: pair[0], Quantity: pair[1]})
	}
	return levels
}

// applyLevelUpdates merges updates onto current: a quantity of "0" removes
// that price, any other quantity replaces or inserts it (spec §4.2.5).
func applyLevelUpdates(current []PriceLevel, updates [][2]string) []PriceLevel {
	byPrice := make(map[string]string, len(current))
	for _, lvl := range current {
		byPrice[lvl.Price] = lvl.Quantity
	}
	for _, u := range updates {
		price, qty := u[0], u[1]
		if qty == "0" {
			delete(byPrice, price)
			continue
		}
		byPrice[price] = qty
	}

	levels := make([]PriceLevel, 0, len(byPrice))
	for price, qty := range byPrice {
		levels = append(levels, PriceLevel{Price: price, Quantity: qty})
	}
	return levels
}

// sortLevels orders levels ascending (asks) or descending (bids) by
// numeric price value (spec §4.2.6).
func sortLevels(levels []PriceLevel, ascending bool) []PriceLevel {
	sort.SliceStable(levels, func(i, j int) bool {
		if ascending {
			return lessPrice(levels[i].Price, levels[j].Price)
		}
		return lessPrice(levels[j].Price, levels[i].Price)
	})
	return levels
}
