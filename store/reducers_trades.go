package store

import (
	"encoding/json"
	"fmt"
)

type tradePayload struct {
	Symbol   string `json:"symbol"`
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
	Side     string `json:"side"`
}

// reduceTrade appends a trade record to the tape, evicting the oldest
// entries once it exceeds tradeTapeCap (spec §4.2.5, §9).
func reduceTrade(current []TradeRecord, e *Event) ([]TradeRecord, error) {
	var p tradePayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("trade payload: %w", err)
	}

	record := TradeRecord{
		EventID:   e.ID,
		Symbol:    p.Symbol,
		Price:     p.Price,
		Quantity:  p.Quantity,
		Side:      p.Side,
		Timestamp: e.Timestamp,
	}

	next := append(append([]TradeRecord{}, current...), record)
	if len(next) > tradeTapeCap {
		next = next[len(next)-tradeTapeCap:]
	}
	return next, nil
}
