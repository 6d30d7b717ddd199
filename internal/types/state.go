package types

// transitions lists, for every target status, the statuses an order may move to it from.
var transitions = map[string][]string{
	StatusSubmitted:       {StatusDraft},
	StatusNeedsApproval:   {StatusSubmitted},
	StatusPartiallyFilled: {StatusSubmitted, StatusNeedsApproval, StatusPartiallyFilled},
	StatusFilled:          {StatusSubmitted, StatusNeedsApproval, StatusPartiallyFilled},
	StatusRejected:        {StatusSubmitted, StatusNeedsApproval, StatusPartiallyFilled},
	StatusExpired:         {StatusSubmitted, StatusNeedsApproval, StatusDraft, StatusPartiallyFilled},
}

// CanTransition reports whether an order in status from may move to status to.
func CanTransition(from, to string) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition can leave the status.
func IsTerminal(status string) bool {
	switch status {
	case StatusFilled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// CommittedStatuses are the statuses whose orders count against a yearly limit. Expired
// orders only count with the quantity executed before they expired.
var CommittedStatuses = []string{
	StatusSubmitted,
	StatusNeedsApproval,
	StatusPartiallyFilled,
	StatusFilled,
	StatusExpired,
}

// CountsFilledOnly reports whether an order in status commits its filled quantity rather
// than its requested quantity.
func CountsFilledOnly(status string) bool {
	return status == StatusFilled || status == StatusExpired
}

// OpenStatuses are the non-terminal statuses the expiry sweep looks at.
var OpenStatuses = []string{
	StatusDraft,
	StatusSubmitted,
	StatusNeedsApproval,
	StatusPartiallyFilled,
}
