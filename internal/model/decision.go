package model

import (
	"time"
)

// Decision is the audit record of one entitlement validation.
type Decision struct {
	ID          string    `json:"id" db:"id"`
	SellerID    string    `json:"seller_id" db:"seller_id"`
	BuyerID     string    `json:"buyer_id" db:"buyer_id"`
	Provider    string    `json:"provider" db:"provider"`
	Result      string    `json:"result" db:"result"` // accepted / rejected
	RemainingMs int64     `json:"remaining_ms" db:"remaining_ms"`
	TimedOut    bool      `json:"timed_out" db:"timed_out"`
	Error       string    `json:"error,omitempty" db:"error"`
	LatencyMs   int64     `json:"latency_ms" db:"latency_ms"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

const (
	DecisionAccepted = "accepted"
	DecisionRejected = "rejected"
)
