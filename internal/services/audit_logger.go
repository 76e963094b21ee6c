package services

import (
	"encoding/json"
	"log"
	"time"
)

type AuditEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	EventType     string    `json:"event_type"`
	TransactionID string    `json:"transaction_id"`
	UserID        string    `json:"user_id"`
	Amount        int64     `json:"amount"`
	Status        string    `json:"status"`
	Details       any       `json:"details"`
}

type AuditLogger struct{}

func NewAuditLogger() *AuditLogger {
	return &AuditLogger{}
}

func (a *AuditLogger) LogTransfer(transactionID, fromUserID, toUserID string, amount int64, status string) {
	event := AuditEvent{
		Timestamp:     time.Now(),
		EventType:     "TRANSFER",
		TransactionID: transactionID,
		Amount:        amount,
		Status:        status,
		Details: map[string]string{
			"from_user": fromUserID,
			"to_user":   toUserID,
		},
	}
	a.log(event)
}

func (a *AuditLogger) LogCredit(transactionID, userID string, amount int64, source string) {
	event := AuditEvent{
		Timestamp:     time.Now(),
		EventType:     "CREDIT",
		TransactionID: transactionID,
		UserID:        userID,
		Amount:        amount,
		Status:        "SUCCESS",
		Details:       map[string]string{"source": source},
	}
	a.log(event)
}

func (a *AuditLogger) LogRefund(transid, userID string, amount int64, reason string) {
	event := AuditEvent{
		Timestamp:     time.Now(),
		EventType:     "REFUND",
		TransactionID: transid,
		UserID:        userID,
		Amount:        amount,
		Status:        "SUCCESS",
		Details:       map[string]string{"reason": reason},
	}
	a.log(event)
}

func (a *AuditLogger) LogError(transactionID, userID string, err error) {
	event := AuditEvent{
		Timestamp:     time.Now(),
		EventType:     "ERROR",
		TransactionID: transactionID,
		UserID:        userID,
		Status:        "FAILED",
		Details:       map[string]string{"error": err.Error()},
	}
	a.log(event)
}

func (a *AuditLogger) log(event AuditEvent) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
