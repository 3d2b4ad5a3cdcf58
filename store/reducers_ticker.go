package store

import (
	"encoding/json"
	"fmt"
)

// tickerPayload uses pointers so the reducer can distinguish a field
// genuinely absent from the delta (retain prior value) from one present
// with a new value (spec §4.2.5). Both wire spellings of the 24h volume
// field observed across the source and the protocol document are accepted
// (spec §9 open question); volume24h takes precedence if both are present.
type tickerPayload struct {
	Symbol     string  `json:"symbol"`
	LastPrice  *string `json:"last_price"`
	Volume24hA *string `json:"24h_volume"`
	Volume24hB *string `json:"volume_24h"`
	High24h    *string `json:"high_24h"`
	Low24h     *string `json:"low_24h"`
	MarkPrice  *string `json:"mark_price"`
}

func (p tickerPayload) volume24h() *string {
	if p.Volume24hB != nil {
		return p.Volume24hB
	}
	return p.Volume24hA
}

// reduceTickerDelta applies a ticker event over an optional prior ticker.
// The wire protocol does not distinguish a ticker "snapshot" shape from its
// delta shape beyond the envelope's event_type; both are field-wise merges
// over the prior value, defaulting missing fields to "0" when there is no
// prior ticker (spec §4.2.5).
func reduceTickerDelta(current *Ticker, e *Event) (*Ticker, error) {
	var p tickerPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("ticker payload: %w", err)
	}

	next := &Ticker{Symbol: p.Symbol, LastPrice: "0", Volume24h: "0", High24h: "0", Low24h: "0", MarkPrice: "0"}
	if current != nil {
		*next = *current
		if p.Symbol != "" {
			next.Symbol = p.Symbol
		}
	}

	if p.LastPrice != nil {
		next.LastPrice = *p.LastPrice
	}
	if v := p.volume24h(); v != nil {
		next.Volume24h = *v
	}
	if p.High24h != nil {
		next.High24h = *p.High24h
	}
	if p.Low24h != nil {
		next.Low24h = *p.Low24h
	}
	if p.MarkPrice != nil {
		next.MarkPrice = *p.MarkPrice
	}
	next.LastSeq = e.Sequence.String()
	return next, nil
}
