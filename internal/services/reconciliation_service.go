package services

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/starmobile/backend/internal/models"
)

var (
	ErrRequestNotFound = errors.New("bill payment request not found")
	ErrUnknownAction   = errors.New("unknown callback action")
)

// Callback outcome tags sent by the partner.
const (
	ActionDone = "done"
	ActionBan  = "ban"
)

const replayMarkerTTL = 24 * time.Hour

// ReconciliationService resolves an optimistically-debited bill payment
// against the partner's asynchronous confirmation. A failure callback
// triggers a compensating refund, applied at most once.
type ReconciliationService struct {
	db     *sql.DB
	redis  *redis.Client
	secret string
	audit  *AuditLogger
}

func NewReconciliationService(db *sql.DB, redisClient *redis.Client, secret string) *ReconciliationService {
	return &ReconciliationService{
		db:     db,
		redis:  redisClient,
		secret: secret,
		audit:  NewAuditLogger(),
	}
}

type PartnerCallback struct {
	Action  string
	Transid string
	Message string
}

type ReconciliationResult struct {
	Transid           string `json:"transid"`
	Status            string `json:"status"`
	Refunded          bool   `json:"refunded"`
	AlreadyReconciled bool   `json:"alreadyReconciled"`
}

// VerifySecret compares the inbound shared-secret token in constant time.
// An unconfigured secret fails closed: every caller is rejected.
func (s *ReconciliationService) VerifySecret(token string) bool {
	if s.secret == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(s.secret), []byte(token)) == 1
}

// HandleCallback applies the partner outcome to the request's state machine:
// pending -> approved on done, pending/approved -> rejected with refund on
// ban, and rejected is terminal for every further callback.
func (s *ReconciliationService) HandleCallback(ctx context.Context, cb PartnerCallback) (*ReconciliationResult, error) {
	if cb.Action != ActionDone && cb.Action != ActionBan {
		return nil, ErrUnknownAction
	}

	s.markSeen(ctx, cb)

	var req models.BillPaymentRequest
	err := s.db.QueryRowContext(ctx, `
        SELECT id, user_id, company, total_cost, status
        FROM bill_payment_requests
        WHERE transid = $1`, cb.Transid).
		Scan(&req.ID, &req.UserID, &req.Company, &req.TotalCost, &req.Status)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("request lookup: %w", err)
	}

	// Rejected is terminal regardless of what the partner sends next.
	if req.Status == models.BillStatusRejected {
		log.Printf("[RECON] Callback %s for already rejected transid %s, no-op", cb.Action, cb.Transid)
		return &ReconciliationResult{
			Transid:           cb.Transid,
			Status:            models.BillStatusRejected,
			AlreadyReconciled: true,
		}, nil
	}

	if cb.Action == ActionDone {
		return s.approve(ctx, cb, &req)
	}
	return s.refund(ctx, cb, &req)
}

func (s *ReconciliationService) approve(ctx context.Context, cb PartnerCallback, req *models.BillPaymentRequest) (*ReconciliationResult, error) {
	if req.Status == models.BillStatusApproved {
		return &ReconciliationResult{
			Transid:           cb.Transid,
			Status:            models.BillStatusApproved,
			AlreadyReconciled: true,
		}, nil
	}

	result, err := s.db.ExecContext(ctx, `
        UPDATE bill_payment_requests
        SET status = $1, updated_at = $2
        WHERE id = $3 AND status = $4`,
		models.BillStatusApproved, time.Now().UTC(), req.ID, models.BillStatusPending)
	if err != nil {
		return nil, fmt.Errorf("approve request: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		// A concurrent callback resolved the request first.
		return &ReconciliationResult{
			Transid:           cb.Transid,
			Status:            req.Status,
			AlreadyReconciled: true,
		}, nil
	}

	log.Printf("[RECON] Request %s approved by partner %s", cb.Transid, req.Company)
	return &ReconciliationResult{Transid: cb.Transid, Status: models.BillStatusApproved}, nil
}

// refund moves the request to rejected and credits the full debited amount
// back, all in one SQL transaction. The guarded status update makes the
// refund happen at most once even under concurrent duplicate callbacks.
func (s *ReconciliationService) refund(ctx context.Context, cb PartnerCallback, req *models.BillPaymentRequest) (*ReconciliationResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin refund: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	result, err := tx.Exec(`
        UPDATE bill_payment_requests
        SET status = $1, failure_reason = $2, updated_at = $3
        WHERE id = $4 AND status <> $1`,
		models.BillStatusRejected, cb.Message, now, req.ID)
	if err != nil {
		return nil, fmt.Errorf("reject request: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rowsAffected == 0 {
		// Lost the race against another callback; the winner refunded.
		return &ReconciliationResult{
			Transid:           cb.Transid,
			Status:            models.BillStatusRejected,
			AlreadyReconciled: true,
		}, nil
	}

	refundResult, err := tx.Exec(`
        UPDATE users
        SET balance = balance + $1, version = version + 1, updated_at = $2
        WHERE id = $3`,
		req.TotalCost, now, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("refund balance: %w", err)
	}
	refunded, err := refundResult.RowsAffected()
	if err != nil {
		return nil, err
	}
	if refunded == 0 {
		return nil, ErrAccountNotFound
	}

	notes := fmt.Sprintf("Refund for rejected payment to %s (ref %s)", req.Company, cb.Transid)
	if cb.Message != "" {
		notes = fmt.Sprintf("%s: %s", notes, cb.Message)
	}
	record := models.Transaction{
		ID:              uuid.NewString(),
		UserID:          req.UserID,
		Amount:          req.TotalCost,
		TransactionType: models.TxTypeRefund,
		Notes:           notes,
		TransactionDate: now,
	}
	_, err = tx.Exec(`
        INSERT INTO transactions (id, user_id, amount, transaction_type, notes, transaction_date)
        VALUES ($1, $2, $3, $4, $5, $6)`,
		record.ID, record.UserID, record.Amount, record.TransactionType, record.Notes, record.TransactionDate)
	if err != nil {
		return nil, fmt.Errorf("record refund: %w", err)
	}

	_, err = tx.Exec(`
        INSERT INTO notifications (id, user_id, title, body, created_at, delivered)
        VALUES ($1, $2, $3, $4, $5, false)`,
		uuid.NewString(), req.UserID, "Payment refunded",
		fmt.Sprintf("Your payment of %d to %s was rejected and refunded in full.", req.TotalCost, req.Company),
		now)
	if err != nil {
		return nil, fmt.Errorf("record notification: %w", err)
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[RECON] Refund commit failed for transid %s: %v", cb.Transid, err)
		return nil, fmt.Errorf("%w: %v", ErrLedgerWriteFailed, err)
	}

	s.audit.LogRefund(cb.Transid, req.UserID, req.TotalCost, cb.Message)
	log.Printf("[RECON] Request %s rejected by partner %s, refunded %d to user %s",
		cb.Transid, req.Company, req.TotalCost, req.UserID)

	return &ReconciliationResult{
		Transid:  cb.Transid,
		Status:   models.BillStatusRejected,
		Refunded: true,
	}, nil
}

// ListRequests returns recent bill-payment requests, optionally filtered by
// status. Used by the admin surface to inspect in-flight reconciliations.
func (s *ReconciliationService) ListRequests(ctx context.Context, status string, limit int) ([]models.BillPaymentRequest, error) {
	query := `
        SELECT id, transid, user_id, company, total_cost, status, COALESCE(failure_reason, ''), created_at, updated_at
        FROM bill_payment_requests`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, status, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch requests: %w", err)
	}
	defer rows.Close()

	requests := []models.BillPaymentRequest{}
	for rows.Next() {
		var r models.BillPaymentRequest
		if err := rows.Scan(&r.ID, &r.Transid, &r.UserID, &r.Company, &r.TotalCost,
			&r.Status, &r.FailureReason, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// markSeen records a best-effort replay marker in Redis. The terminal-state
// check against the database remains the source of truth; this only surfaces
// noisy partners in the logs.
func (s *ReconciliationService) markSeen(ctx context.Context, cb PartnerCallback) {
	if s.redis == nil {
		return
	}
	key := fmt.Sprintf("recon:%s:%s", cb.Transid, cb.Action)
	set, err := s.redis.SetNX(ctx, key, time.Now().Unix(), replayMarkerTTL).Result()
	if err != nil {
		log.Printf("[RECON] Replay marker write failed for %s: %v", key, err)
		return
	}
	if !set {
		log.Printf("[RECON] Duplicate callback detected for transid %s action %s", cb.Transid, cb.Action)
	}
}
