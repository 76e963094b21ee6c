package services

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

const testSecret = "callback-secret"

func expectRequestLookup(mock sqlmock.Sqlmock, transid, status string) {
	mock.ExpectQuery("SELECT id, user_id, company, total_cost, status FROM bill_payment_requests WHERE transid = \\$1").
		WithArgs(transid).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "company", "total_cost", "status"}).
			AddRow("req-1", "U1", "Yemen Electricity", 500, status))
}

func TestReconciliationService_VerifySecret(t *testing.T) {
	db, _, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	t.Run("matching secret", func(t *testing.T) {
		service := NewReconciliationService(db, nil, testSecret)
		assert.True(t, service.VerifySecret(testSecret))
	})

	t.Run("wrong secret", func(t *testing.T) {
		service := NewReconciliationService(db, nil, testSecret)
		assert.False(t, service.VerifySecret("guess"))
	})

	t.Run("unconfigured secret fails closed", func(t *testing.T) {
		service := NewReconciliationService(db, nil, "")
		assert.False(t, service.VerifySecret(""))
		assert.False(t, service.VerifySecret("anything"))
	})
}

func TestReconciliationService_HandleCallback(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewReconciliationService(db, nil, testSecret)
	ctx := context.Background()

	t.Run("done approves pending request", func(t *testing.T) {
		expectRequestLookup(mock, "T1", "pending")

		mock.ExpectExec("UPDATE bill_payment_requests SET status = \\$1, updated_at = \\$2 WHERE id = \\$3 AND status = \\$4").
			WithArgs("approved", sqlmock.AnyArg(), "req-1", "pending").
			WillReturnResult(sqlmock.NewResult(1, 1))

		result, err := service.HandleCallback(ctx, PartnerCallback{Action: "done", Transid: "T1"})
		assert.NoError(t, err)
		assert.Equal(t, "approved", result.Status)
		assert.False(t, result.Refunded)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("done on already approved request is a no-op", func(t *testing.T) {
		expectRequestLookup(mock, "T1", "approved")

		result, err := service.HandleCallback(ctx, PartnerCallback{Action: "done", Transid: "T1"})
		assert.NoError(t, err)
		assert.True(t, result.AlreadyReconciled)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ban refunds pending request in one transaction", func(t *testing.T) {
		expectRequestLookup(mock, "T1", "pending")

		mock.ExpectBegin()

		mock.ExpectExec("UPDATE bill_payment_requests SET status = \\$1, failure_reason = \\$2, updated_at = \\$3 WHERE id = \\$4 AND status <> \\$1").
			WithArgs("rejected", "card declined", sqlmock.AnyArg(), "req-1").
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE users SET balance = balance \\+ \\$1, version = version \\+ 1, updated_at = \\$2 WHERE id = \\$3").
			WithArgs(int64(500), sqlmock.AnyArg(), "U1").
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), "U1", int64(500), "refund-rejected", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("INSERT INTO notifications").
			WithArgs(sqlmock.AnyArg(), "U1", "Payment refunded", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		result, err := service.HandleCallback(ctx, PartnerCallback{
			Action:  "ban",
			Transid: "T1",
			Message: "card declined",
		})
		assert.NoError(t, err)
		assert.Equal(t, "rejected", result.Status)
		assert.True(t, result.Refunded)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second ban for same transid refunds nothing", func(t *testing.T) {
		expectRequestLookup(mock, "T1", "rejected")

		result, err := service.HandleCallback(ctx, PartnerCallback{Action: "ban", Transid: "T1"})
		assert.NoError(t, err)
		assert.True(t, result.AlreadyReconciled)
		assert.False(t, result.Refunded)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("concurrent ban loses guarded update and refunds nothing", func(t *testing.T) {
		expectRequestLookup(mock, "T1", "pending")

		mock.ExpectBegin()

		mock.ExpectExec("UPDATE bill_payment_requests SET status = \\$1, failure_reason = \\$2, updated_at = \\$3 WHERE id = \\$4 AND status <> \\$1").
			WithArgs("rejected", "", sqlmock.AnyArg(), "req-1").
			WillReturnResult(sqlmock.NewResult(1, 0))

		mock.ExpectRollback()

		result, err := service.HandleCallback(ctx, PartnerCallback{Action: "ban", Transid: "T1"})
		assert.NoError(t, err)
		assert.True(t, result.AlreadyReconciled)
		assert.False(t, result.Refunded)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown transid", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, user_id, company, total_cost, status FROM bill_payment_requests WHERE transid = \\$1").
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		_, err := service.HandleCallback(ctx, PartnerCallback{Action: "ban", Transid: "missing"})
		assert.ErrorIs(t, err, ErrRequestNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown action", func(t *testing.T) {
		_, err := service.HandleCallback(ctx, PartnerCallback{Action: "retry", Transid: "T1"})
		assert.ErrorIs(t, err, ErrUnknownAction)
	})
}
