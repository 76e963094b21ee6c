package models

import "time"

// Bill-payment request lifecycle. Rejected is terminal: once a request is
// rejected it is never mutated again.
const (
	BillStatusPending  = "pending"
	BillStatusApproved = "approved"
	BillStatusRejected = "rejected"
)

// BillPaymentRequest tracks an in-flight partner payment. The debit happens
// optimistically at submission; the reconciliation listener later confirms
// (approved) or compensates with a full refund (rejected).
type BillPaymentRequest struct {
	ID            string    `json:"id" db:"id"`
	Transid       string    `json:"transid" db:"transid"` // partner correlation ID, unique
	UserID        string    `json:"userId" db:"user_id"`
	Company       string    `json:"company" db:"company"`
	TotalCost     int64     `json:"totalCost" db:"total_cost"` // amount already debited
	Status        string    `json:"status" db:"status"`
	FailureReason string    `json:"failureReason,omitempty" db:"failure_reason"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}
