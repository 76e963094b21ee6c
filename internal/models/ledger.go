package models

import (
	"time"
)

// Transaction type tags. Direction is conveyed by the tag, not by the sign
// of Amount, which is always positive.
const (
	TxTypeTransferOut = "transfer-out"
	TxTypeTransferIn  = "transfer-in"
	TxTypeAutoCredit  = "balance-credit-auto"
	TxTypeBillPayment = "bill-payment"
	TxTypeRefund      = "refund-rejected"
)

// Transaction is one immutable ledger record. Exactly one row is written per
// ledger-affecting event per affected user; rows are never updated or deleted.
type Transaction struct {
	ID              string    `json:"id" db:"id"`
	UserID          string    `json:"userId" db:"user_id"`
	Amount          int64     `json:"amount" db:"amount"` // positive, in minor units
	TransactionType string    `json:"transactionType" db:"transaction_type"`
	Notes           string    `json:"notes,omitempty" db:"notes"`
	TransactionDate time.Time `json:"transactionDate" db:"transaction_date"`
}

// Notification is an outbox row written in the same SQL transaction as the
// balance mutation it announces, then delivered asynchronously. Not part of
// the ledger invariant.
type Notification struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"userId" db:"user_id"`
	Title     string    `json:"title" db:"title"`
	Body      string    `json:"body" db:"body"`
	CreatedAt time.Time `json:"timestamp" db:"created_at"`
	Delivered bool      `json:"-" db:"delivered"`
}
