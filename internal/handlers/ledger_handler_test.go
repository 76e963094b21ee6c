package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/starmobile/backend/internal/middleware"
	"github.com/starmobile/backend/internal/services"
	"github.com/stretchr/testify/assert"
)

func authedRequest(method, target string, body []byte, userID string) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	return req.WithContext(middleware.WithUser(req.Context(), userID, "user"))
}

func TestLedgerHandler_Transfer(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	handler := NewLedgerHandler(services.NewLedgerService(db))

	t.Run("successful transfer", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, balance, version FROM users WHERE id = \\$1 FOR UPDATE").
			WithArgs("user-a").
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "version"}).AddRow("user-a", 5000, 1))
		mock.ExpectQuery("SELECT id, balance, version FROM users WHERE id = \\$1 FOR UPDATE").
			WithArgs("user-b").
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "version"}).AddRow("user-b", 1000, 1))
		mock.ExpectExec("INSERT INTO transactions").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO transactions").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE users SET balance = \\$1").
			WithArgs(int64(3000), sqlmock.AnyArg(), "user-a", 1).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE users SET balance = \\$1").
			WithArgs(int64(3000), sqlmock.AnyArg(), "user-b", 1).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		body, _ := json.Marshal(map[string]interface{}{
			"toUserId": "user-b",
			"amount":   2000,
			"toName":   "Salim",
			"toPhone":  "+967722222222",
		})
		req := authedRequest("POST", "/transfers", body, "user-a")
		w := httptest.NewRecorder()

		handler.Transfer(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var result services.TransferResult
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
		assert.Equal(t, int64(3000), result.FromBalance)
		assert.Equal(t, int64(3000), result.ToBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient funds maps to 422", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, balance, version FROM users WHERE id = \\$1 FOR UPDATE").
			WithArgs("user-a").
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "version"}).AddRow("user-a", 100, 1))
		mock.ExpectQuery("SELECT id, balance, version FROM users WHERE id = \\$1 FOR UPDATE").
			WithArgs("user-b").
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "version"}).AddRow("user-b", 1000, 1))
		mock.ExpectRollback()

		body, _ := json.Marshal(map[string]interface{}{"toUserId": "user-b", "amount": 2000})
		req := authedRequest("POST", "/transfers", body, "user-a")
		w := httptest.NewRecorder()

		handler.Transfer(w, req)

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("self transfer maps to 400", func(t *testing.T) {
		body, _ := json.Marshal(map[string]interface{}{"toUserId": "user-a", "amount": 100})
		req := authedRequest("POST", "/transfers", body, "user-a")
		w := httptest.NewRecorder()

		handler.Transfer(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("invalid request body", func(t *testing.T) {
		req := authedRequest("POST", "/transfers", []byte("invalid"), "user-a")
		w := httptest.NewRecorder()

		handler.Transfer(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown fields rejected", func(t *testing.T) {
		body, _ := json.Marshal(map[string]interface{}{"toUserId": "user-b", "amount": 100, "bogus": true})
		req := authedRequest("POST", "/transfers", body, "user-a")
		w := httptest.NewRecorder()

		handler.Transfer(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing auth context", func(t *testing.T) {
		body, _ := json.Marshal(map[string]interface{}{"toUserId": "user-b", "amount": 100})
		req := httptest.NewRequest("POST", "/transfers", bytes.NewReader(body))
		w := httptest.NewRecorder()

		handler.Transfer(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestLedgerHandler_CreditReceipt(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	handler := NewLedgerHandler(services.NewLedgerService(db))

	t.Run("missing idempotency key fails validation", func(t *testing.T) {
		body, _ := json.Marshal(map[string]interface{}{
			"amount":            500,
			"sourceDescription": "Receipt top-up",
		})
		req := authedRequest("POST", "/credits/receipt", body, "user-c")
		w := httptest.NewRecorder()

		handler.CreditReceipt(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		var resp services.ErrorResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Contains(t, resp.Details, "IdempotencyKey")
	})

	t.Run("duplicate key maps to 409", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT transaction_id, user_id, amount FROM credit_keys WHERE key = \\$1").
			WithArgs("rcpt-9").
			WillReturnRows(sqlmock.NewRows([]string{"transaction_id", "user_id", "amount"}).
				AddRow("tx-other", "someone-else", 500))
		mock.ExpectRollback()

		body, _ := json.Marshal(map[string]interface{}{
			"amount":            500,
			"sourceDescription": "Receipt top-up",
			"idempotencyKey":    "rcpt-9",
		})
		req := authedRequest("POST", "/credits/receipt", body, "user-c")
		w := httptest.NewRecorder()

		handler.CreditReceipt(w, req)

		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestLedgerHandler_GetBalance(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	handler := NewLedgerHandler(services.NewLedgerService(db))

	t.Run("returns current balance", func(t *testing.T) {
		mock.ExpectQuery("SELECT balance FROM users WHERE id = \\$1").
			WithArgs("user-a").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(7500))

		req := authedRequest("GET", "/wallet/balance", nil, "user-a")
		w := httptest.NewRecorder()

		handler.GetBalance(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var resp map[string]int64
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, int64(7500), resp["balance"])
	})
}

func TestLedgerHandler_ListTransactions(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	handler := NewLedgerHandler(services.NewLedgerService(db))

	t.Run("limit above maximum rejected", func(t *testing.T) {
		req := authedRequest("GET", "/wallet/transactions?limit=500", nil, "user-a")
		w := httptest.NewRecorder()

		handler.ListTransactions(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("returns records with count", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, user_id, amount, transaction_type").
			WithArgs("user-a", 20).
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "amount", "transaction_type", "notes", "transaction_date"}).
				AddRow("t1", "user-a", 2000, "transfer-out", "Transfer to Salim (+967722222222)", time.Now()))

		req := authedRequest("GET", "/wallet/transactions", nil, "user-a")
		w := httptest.NewRecorder()

		handler.ListTransactions(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})
}
