package domain

import "fmt"

// CanTransition reports whether the lifecycle allows from -> to.
//
//	pending -> approved -> in-transit -> delivered
//	pending -> rejected
func CanTransition(from, to RequestStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusApproved || to == StatusRejected
	case StatusApproved:
		return to == StatusInTransit
	case StatusInTransit:
		return to == StatusDelivered
	}
	return false
}

// FoldStatus replays an audit trail through the lifecycle and returns the
// status it ends in. The first entry must be pending.
func FoldStatus(updates []StatusUpdate) (RequestStatus, error) {
	if len(updates) == 0 {
		return "", fmt.Errorf("empty status history")
	}
	if updates[0].Status != StatusPending {
		return "", fmt.Errorf("status history starts with %s", updates[0].Status)
	}
	cur := StatusPending
	for i, u := range updates[1:] {
		if !CanTransition(cur, u.Status) {
			return "", fmt.Errorf("status history entry %d: %s -> %s not allowed", i+1, cur, u.Status)
		}
		cur = u.Status
	}
	return cur, nil
}

// CheckHistory verifies that the audit trail replays to the current status
// and that the resolution matches it.
func (r Request) CheckHistory() error {
	folded, err := FoldStatus(r.StatusUpdates)
	if err != nil {
		return err
	}
	if folded != r.Status {
		return fmt.Errorf("status history ends in %s but request is %s", folded, r.Status)
	}
	switch r.Status {
	case StatusPending:
		if r.Resolution != nil {
			return fmt.Errorf("pending request carries a %s resolution", r.Resolution.Status())
		}
	case StatusRejected:
		if r.Rejection() == nil {
			return fmt.Errorf("rejected request without rejection details")
		}
	default:
		if r.Approval() == nil {
			return fmt.Errorf("%s request without approval details", r.Status)
		}
	}
	return nil
}
