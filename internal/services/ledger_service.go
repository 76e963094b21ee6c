package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/starmobile/backend/internal/models"
)

var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrSelfTransfer       = errors.New("self transfer not allowed")
	ErrTransactionAborted = errors.New("transaction aborted")
	ErrLedgerWriteFailed  = errors.New("ledger write failed")
	ErrDuplicateCredit    = errors.New("credit key already used")
	ErrDuplicateRequest   = errors.New("bill payment request already exists")
)

const pgUniqueViolation = "23505"

// LedgerService owns the invariant that a user's balance equals the sum of
// their recorded transactions. All balance mutations go through a single SQL
// transaction together with the transaction rows that document them.
type LedgerService struct {
	db    *sql.DB
	audit *AuditLogger
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{
		db:    db,
		audit: NewAuditLogger(),
	}
}

type TransferRequest struct {
	FromUserID string `json:"fromUserId" validate:"required"`
	ToUserID   string `json:"toUserId" validate:"required"`
	Amount     int64  `json:"amount" validate:"required,gt=0"`
	FromName   string `json:"fromName"`
	ToName     string `json:"toName"`
	FromPhone  string `json:"fromPhone"`
	ToPhone    string `json:"toPhone"`
}

type TransferResult struct {
	OutTransactionID string `json:"outTransactionId"`
	InTransactionID  string `json:"inTransactionId"`
	FromBalance      int64  `json:"fromBalance"`
	ToBalance        int64  `json:"toBalance"`
}

type CreditRequest struct {
	UserID            string `json:"userId" validate:"required"`
	Amount            int64  `json:"amount" validate:"required,gt=0"`
	SourceDescription string `json:"sourceDescription" validate:"required"`
	IdempotencyKey    string `json:"idempotencyKey" validate:"required"`
}

type CreditResult struct {
	TransactionID string `json:"transactionId"`
	Replayed      bool   `json:"replayed"`
}

type BillPaymentSubmission struct {
	UserID    string `json:"userId" validate:"required"`
	Transid   string `json:"transid" validate:"required"`
	Company   string `json:"company" validate:"required"`
	TotalCost int64  `json:"totalCost" validate:"required,gt=0"`
}

type BillPaymentResult struct {
	RequestID     string `json:"requestId"`
	TransactionID string `json:"transactionId"`
	Balance       int64  `json:"balance"`
}

type walletRow struct {
	ID      string
	Balance int64
	Version int
}

// TransferFunds moves amount from one user to another. Both balance updates
// and both transaction rows commit together or not at all; re-reading both
// balances under row locks prevents lost updates under concurrent transfers.
func (s *LedgerService) TransferFunds(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.FromUserID == req.ToUserID {
		return nil, ErrSelfTransfer
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transfer: %w", err)
	}
	defer tx.Rollback()

	// Lock accounts in consistent order to prevent deadlocks
	firstLock, secondLock := req.FromUserID, req.ToUserID
	if req.FromUserID > req.ToUserID {
		firstLock, secondLock = req.ToUserID, req.FromUserID
	}

	first, err := s.lockWallet(tx, firstLock)
	if err != nil {
		return nil, err
	}
	second, err := s.lockWallet(tx, secondLock)
	if err != nil {
		return nil, err
	}

	from, to := first, second
	if firstLock != req.FromUserID {
		from, to = second, first
	}

	if from.Balance < req.Amount {
		return nil, ErrInsufficientFunds
	}

	now := time.Now().UTC()
	outTx := models.Transaction{
		ID:              uuid.NewString(),
		UserID:          req.FromUserID,
		Amount:          req.Amount,
		TransactionType: models.TxTypeTransferOut,
		Notes:           fmt.Sprintf("Transfer to %s (%s)", req.ToName, req.ToPhone),
		TransactionDate: now,
	}
	inTx := models.Transaction{
		ID:              uuid.NewString(),
		UserID:          req.ToUserID,
		Amount:          req.Amount,
		TransactionType: models.TxTypeTransferIn,
		Notes:           fmt.Sprintf("Transfer from %s (%s)", req.FromName, req.FromPhone),
		TransactionDate: now,
	}

	if err := s.insertTransaction(tx, &outTx); err != nil {
		return nil, fmt.Errorf("record debit: %w", err)
	}
	if err := s.insertTransaction(tx, &inTx); err != nil {
		return nil, fmt.Errorf("record credit: %w", err)
	}

	if err := s.updateWalletBalance(tx, from.ID, from.Balance-req.Amount, from.Version); err != nil {
		return nil, err
	}
	if err := s.updateWalletBalance(tx, to.ID, to.Balance+req.Amount, to.Version); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[LEDGER] Transfer commit failed %s -> %s: %v", req.FromUserID, req.ToUserID, err)
		return nil, fmt.Errorf("%w: %v", ErrTransactionAborted, err)
	}

	s.audit.LogTransfer(outTx.ID, req.FromUserID, req.ToUserID, req.Amount, "SUCCESS")

	return &TransferResult{
		OutTransactionID: outTx.ID,
		InTransactionID:  inTx.ID,
		FromBalance:      from.Balance - req.Amount,
		ToBalance:        to.Balance + req.Amount,
	}, nil
}

// CreditFromReceipt credits a user after the external receipt classifier has
// accepted a top-up receipt. The balance increment is a relative update so
// concurrent credits never lose each other; the idempotency key makes a
// replayed receipt credit exactly once.
func (s *LedgerService) CreditFromReceipt(ctx context.Context, req CreditRequest) (*CreditResult, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.IdempotencyKey == "" {
		return nil, errors.New("idempotency key is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin credit: %w", err)
	}
	defer tx.Rollback()

	var storedTxID, storedUserID string
	var storedAmount int64
	err = tx.QueryRow(
		`SELECT transaction_id, user_id, amount FROM credit_keys WHERE key = $1`,
		req.IdempotencyKey,
	).Scan(&storedTxID, &storedUserID, &storedAmount)
	if err == nil {
		if storedUserID != req.UserID || storedAmount != req.Amount {
			return nil, ErrDuplicateCredit
		}
		log.Printf("[LEDGER] Replayed credit for key %s, transaction %s", req.IdempotencyKey, storedTxID)
		return &CreditResult{TransactionID: storedTxID, Replayed: true}, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("credit key lookup: %w", err)
	}

	now := time.Now().UTC()
	txID := uuid.NewString()

	_, err = tx.Exec(
		`INSERT INTO credit_keys (key, user_id, transaction_id, amount, created_at) VALUES ($1, $2, $3, $4, $5)`,
		req.IdempotencyKey, req.UserID, txID, req.Amount, now,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
			return nil, ErrDuplicateCredit
		}
		return nil, fmt.Errorf("credit key reservation: %w", err)
	}

	if err := s.creditBalance(tx, req.UserID, req.Amount, now); err != nil {
		return nil, err
	}

	record := models.Transaction{
		ID:              txID,
		UserID:          req.UserID,
		Amount:          req.Amount,
		TransactionType: models.TxTypeAutoCredit,
		Notes:           req.SourceDescription,
		TransactionDate: now,
	}
	if err := s.insertTransaction(tx, &record); err != nil {
		return nil, fmt.Errorf("record credit: %w", err)
	}

	note := models.Notification{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Title:     "Balance credited",
		Body:      fmt.Sprintf("Your wallet was credited with %d. %s", req.Amount, req.SourceDescription),
		CreatedAt: now,
	}
	if err := s.insertNotification(tx, &note); err != nil {
		return nil, fmt.Errorf("record notification: %w", err)
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[LEDGER] Credit commit failed for user %s: %v", req.UserID, err)
		return nil, fmt.Errorf("%w: %v", ErrLedgerWriteFailed, err)
	}

	s.audit.LogCredit(txID, req.UserID, req.Amount, req.SourceDescription)

	return &CreditResult{TransactionID: txID}, nil
}

// SubmitBillPayment debits the user optimistically and records a pending
// partner request keyed by transid. The reconciliation listener later
// approves it or refunds the debit.
func (s *LedgerService) SubmitBillPayment(ctx context.Context, req BillPaymentSubmission) (*BillPaymentResult, error) {
	if req.TotalCost <= 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin bill payment: %w", err)
	}
	defer tx.Rollback()

	wallet, err := s.lockWallet(tx, req.UserID)
	if err != nil {
		return nil, err
	}
	if wallet.Balance < req.TotalCost {
		return nil, ErrInsufficientFunds
	}

	now := time.Now().UTC()
	record := models.Transaction{
		ID:              uuid.NewString(),
		UserID:          req.UserID,
		Amount:          req.TotalCost,
		TransactionType: models.TxTypeBillPayment,
		Notes:           fmt.Sprintf("Bill payment to %s (ref %s)", req.Company, req.Transid),
		TransactionDate: now,
	}
	if err := s.insertTransaction(tx, &record); err != nil {
		return nil, fmt.Errorf("record bill payment: %w", err)
	}

	if err := s.updateWalletBalance(tx, wallet.ID, wallet.Balance-req.TotalCost, wallet.Version); err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	_, err = tx.Exec(
		`INSERT INTO bill_payment_requests (id, transid, user_id, company, total_cost, status, created_at, updated_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		requestID, req.Transid, req.UserID, req.Company, req.TotalCost, models.BillStatusPending, now,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
			return nil, ErrDuplicateRequest
		}
		return nil, fmt.Errorf("record request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[LEDGER] Bill payment commit failed for user %s: %v", req.UserID, err)
		return nil, fmt.Errorf("%w: %v", ErrTransactionAborted, err)
	}

	return &BillPaymentResult{
		RequestID:     requestID,
		TransactionID: record.ID,
		Balance:       wallet.Balance - req.TotalCost,
	}, nil
}

// GetBalance returns the user's current balance.
func (s *LedgerService) GetBalance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM users WHERE id = $1`, userID).Scan(&balance)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("balance lookup: %w", err)
	}
	return balance, nil
}

// ListTransactions returns the user's most recent ledger records.
func (s *LedgerService) ListTransactions(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, user_id, amount, transaction_type, COALESCE(notes, ''), transaction_date
        FROM transactions
        WHERE user_id = $1
        ORDER BY transaction_date DESC
        LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch transactions: %w", err)
	}
	defer rows.Close()

	transactions := []models.Transaction{}
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.TransactionType, &t.Notes, &t.TransactionDate); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		transactions = append(transactions, t)
	}
	return transactions, rows.Err()
}

// ListNotifications returns the user's most recent notifications.
func (s *LedgerService) ListNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, user_id, title, body, created_at, delivered
        FROM notifications
        WHERE user_id = $1
        ORDER BY created_at DESC
        LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch notifications: %w", err)
	}
	defer rows.Close()

	notifications := []models.Notification{}
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Body, &n.CreatedAt, &n.Delivered); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

func (s *LedgerService) lockWallet(tx *sql.Tx, userID string) (*walletRow, error) {
	var w walletRow
	err := tx.QueryRow(`
        SELECT id, balance, version
        FROM users
        WHERE id = $1
        FOR UPDATE`, userID).Scan(&w.ID, &w.Balance, &w.Version)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("lock wallet %s: %w", userID, err)
	}
	return &w, nil
}

func (s *LedgerService) updateWalletBalance(tx *sql.Tx, userID string, newBalance int64, version int) error {
	result, err := tx.Exec(`
        UPDATE users
        SET balance = $1, version = version + 1, updated_at = $2
        WHERE id = $3 AND version = $4`,
		newBalance, time.Now().UTC(), userID, version)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: concurrent update on account %s", ErrTransactionAborted, userID)
	}
	return nil
}

// creditBalance applies a commutative relative increment. Used where no
// sufficient-funds check is needed, so interleaved concurrent credits still
// converge to the correct total.
func (s *LedgerService) creditBalance(tx *sql.Tx, userID string, amount int64, now time.Time) error {
	result, err := tx.Exec(`
        UPDATE users
        SET balance = balance + $1, version = version + 1, updated_at = $2
        WHERE id = $3`,
		amount, now, userID)
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *LedgerService) insertTransaction(tx *sql.Tx, t *models.Transaction) error {
	_, err := tx.Exec(`
        INSERT INTO transactions (id, user_id, amount, transaction_type, notes, transaction_date)
        VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.UserID, t.Amount, t.TransactionType, t.Notes, t.TransactionDate)
	return err
}

func (s *LedgerService) insertNotification(tx *sql.Tx, n *models.Notification) error {
	_, err := tx.Exec(`
        INSERT INTO notifications (id, user_id, title, body, created_at, delivered)
        VALUES ($1, $2, $3, $4, $5, false)`,
		n.ID, n.UserID, n.Title, n.Body, n.CreatedAt)
	return err
}
