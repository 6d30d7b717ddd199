package trading

import (
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-energy/internal/types"
)

// KillRemainder reports whether rejecting the order closes it as FILLED, keeping what was
// executed and discarding the rest, instead of REJECTED.
func KillRemainder(order *types.Order) bool {
	return order.FilledMW.IsPositive()
}

// ApprovalPolicy decides whether a freshly submitted order needs manual sign-off
type ApprovalPolicy func(order *types.Order) bool

// NoApproval never asks for sign-off
func NoApproval(*types.Order) bool {
	return false
}

// ThresholdApproval asks for sign-off on orders above thresholdMW. A non-positive
// threshold disables it.
func ThresholdApproval(thresholdMW decimal.Decimal) ApprovalPolicy {
	if !thresholdMW.IsPositive() {
		return NoApproval
	}
	return func(order *types.Order) bool {
		return order.RequestedMW.GreaterThan(thresholdMW)
	}
}
