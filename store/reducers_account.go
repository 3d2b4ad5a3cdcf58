package store

import (
	"encoding/json"
	"fmt"
)

type accountSnapshotPayload struct {
	AccountID string                   `json:"account_id"`
	Balances  map[string]string        `json:"balances"`
	Orders    []json.RawMessage        `json:"orders"`
}

type accountDeltaPayload struct {
	Balances map[string]string `json:"balances"`
	Order    json.RawMessage   `json:"order"`
}

type orderIDPeek struct {
	OrderID string `json:"order_id"`
}

func decodeOrder(raw json.RawMessage) (OrderRecord, error) {
	var peek orderIDPeek
	if err := json.Unmarshal(raw, &peek); err != nil {
		return OrderRecord{}, fmt.Errorf("order record: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return OrderRecord{}, fmt.Errorf("order record: %w", err)
	}
	return OrderRecord{OrderID: peek.OrderID, Raw: m}, nil
}

// reduceAccountSnapshot replaces balances wholesale and rebuilds the order
// map keyed by order_id (spec §4.2.5).
func reduceAccountSnapshot(e *Event) (*Account, error) {
	var p accountSnapshotPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("account snapshot payload: %w", err)
	}

	orders := make(map[string]OrderRecord, len(p.Orders))
	for _, raw := range p.Orders {
		order, err := decodeOrder(raw)
		if err != nil {
			return nil, err
		}
		orders[order.OrderID] = order
	}

	balances := make(map[string]string, len(p.Balances))
	for asset, bal := range p.Balances {
		balances[asset] = bal
	}

	return &Account{
		AccountID: p.AccountID,
		Balances:  balances,
		Orders:    orders,
		LastSeq:   e.Sequence.String(),
	}, nil
}

// reduceAccountDelta merges balance updates field-wise and upserts the
// order present, if any (spec §4.2.5).
func reduceAccountDelta(current *Account, e *Event) (*Account, error) {
	var p accountDeltaPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("account delta payload: %w", err)
	}

	next := &Account{Balances: map[string]string{}, Orders: map[string]OrderRecord{}}
	if current != nil {
		next.AccountID = current.AccountID
		for asset, bal := range current.Balances {
			next.Balances[asset] = bal
		}
		for id, order := range current.Orders {
			next.Orders[id] = order
		}
	}

	for asset, bal := range p.Balances {
		next.Balances[asset] = bal
	}
	if len(p.Order) > 0 {
		order, err := decodeOrder(p.Order)
		if err != nil {
			return nil, err
		}
		next.Orders[order.OrderID] = order
	}
	next.LastSeq = e.Sequence.String()
	return next, nil
}
