package trading

import (
	"github.com/shopspring/decimal"
)

// FillRequest is an externally asserted execution against an order
type FillRequest struct {
	Quantity decimal.Decimal `json:"quantity_mw"`
}

// RejectRequest carries the desk's reason for rejecting an order
type RejectRequest struct {
	Reason string `json:"reason"`
}

// FillPayload is the FILL event payload
type FillPayload struct {
	DeltaMW     string `json:"delta_mw"`
	FilledMW    string `json:"filled_mw"`
	RemainingMW string `json:"remaining_mw"`
}

// RejectPayload is the REJECTED event payload. KillRemainder is set when an order with
// executed quantity was closed as FILLED instead of REJECTED.
type RejectPayload struct {
	Reason          string `json:"reason"`
	KillRemainder   bool   `json:"kill_remainder"`
	DiscardedMW     string `json:"discarded_mw"`
	ResultingStatus string `json:"resulting_status"`
}
