package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/starmobile/backend/internal/middleware"
	"github.com/starmobile/backend/internal/services"
)

const maxBodyBytes = 1_048_576 // 1 MB

// LedgerHandler exposes the ledger engine over HTTP. The authenticated user
// from the JWT is always the acting party; the body never names the sender.
type LedgerHandler struct {
	ledger    *services.LedgerService
	validator *services.ValidationHelper
}

func NewLedgerHandler(ledger *services.LedgerService) *LedgerHandler {
	return &LedgerHandler{
		ledger:    ledger,
		validator: services.NewValidationHelper(),
	}
}

type transferBody struct {
	ToUserID  string `json:"toUserId" validate:"required"`
	Amount    int64  `json:"amount" validate:"required,gt=0"`
	ToName    string `json:"toName"`
	ToPhone   string `json:"toPhone"`
	FromName  string `json:"fromName"`
	FromPhone string `json:"fromPhone"`
}

type creditBody struct {
	Amount            int64  `json:"amount" validate:"required,gt=0"`
	SourceDescription string `json:"sourceDescription" validate:"required"`
	IdempotencyKey    string `json:"idempotencyKey" validate:"required"`
}

type billPaymentBody struct {
	Transid   string `json:"transid" validate:"required"`
	Company   string `json:"company" validate:"required"`
	TotalCost int64  `json:"totalCost" validate:"required,gt=0"`
}

// Transfer handles peer-to-peer fund transfers
// @Summary Transfer funds to another user
// @Description Atomically debit the caller and credit the recipient
// @Tags ledger
// @Accept json
// @Produce json
// @Param transfer body transferBody true "Transfer data"
// @Success 200 {object} services.TransferResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Failure 422 {object} services.ErrorResponse
// @Router /transfers [post]
func (h *LedgerHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var body transferBody
	if !h.decodeBody(w, r, &body) {
		return
	}

	result, err := h.ledger.TransferFunds(r.Context(), services.TransferRequest{
		FromUserID: userID,
		ToUserID:   body.ToUserID,
		Amount:     body.Amount,
		FromName:   body.FromName,
		ToName:     body.ToName,
		FromPhone:  body.FromPhone,
		ToPhone:    body.ToPhone,
	})
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// CreditReceipt credits the caller's balance from a classified receipt
// @Summary Credit balance from a verified receipt
// @Description Apply a receipt-driven credit; the idempotency key makes replays credit once
// @Tags ledger
// @Accept json
// @Produce json
// @Param credit body creditBody true "Credit data"
// @Success 200 {object} services.CreditResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /credits/receipt [post]
func (h *LedgerHandler) CreditReceipt(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var body creditBody
	if !h.decodeBody(w, r, &body) {
		return
	}

	result, err := h.ledger.CreditFromReceipt(r.Context(), services.CreditRequest{
		UserID:            userID,
		Amount:            body.Amount,
		SourceDescription: body.SourceDescription,
		IdempotencyKey:    body.IdempotencyKey,
	})
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// SubmitBillPayment debits the caller and opens a pending partner request
// @Summary Submit a bill payment
// @Description Optimistically debit the caller and record a pending request keyed by transid
// @Tags ledger
// @Accept json
// @Produce json
// @Param payment body billPaymentBody true "Bill payment data"
// @Success 201 {object} services.BillPaymentResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Failure 422 {object} services.ErrorResponse
// @Router /bill-payments [post]
func (h *LedgerHandler) SubmitBillPayment(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var body billPaymentBody
	if !h.decodeBody(w, r, &body) {
		return
	}

	result, err := h.ledger.SubmitBillPayment(r.Context(), services.BillPaymentSubmission{
		UserID:    userID,
		Transid:   body.Transid,
		Company:   body.Company,
		TotalCost: body.TotalCost,
	})
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// GetBalance returns the caller's current balance
// @Summary Get wallet balance
// @Tags wallet
// @Produce json
// @Success 200 {object} object{balance=int64}
// @Failure 404 {object} services.ErrorResponse
// @Router /wallet/balance [get]
func (h *LedgerHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	balance, err := h.ledger.GetBalance(r.Context(), userID)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

// ListTransactions returns the caller's recent ledger records
// @Summary List wallet transactions
// @Tags wallet
// @Produce json
// @Param limit query int false "Number of records to return (default: 20, max: 100)"
// @Success 200 {object} object{transactions=[]models.Transaction,count=int}
// @Router /wallet/transactions [get]
func (h *LedgerHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := h.parseLimit(w, r, 20)
	if limit == 0 {
		return
	}

	transactions, err := h.ledger.ListTransactions(r.Context(), userID, limit)
	if err != nil {
		log.Printf("[LEDGER] Failed to list transactions for %s: %v", userID, err)
		services.SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": transactions,
		"count":        len(transactions),
	})
}

// ListNotifications returns the caller's recent notifications
// @Summary List wallet notifications
// @Tags wallet
// @Produce json
// @Param limit query int false "Number of records to return (default: 20, max: 100)"
// @Success 200 {object} object{notifications=[]models.Notification,count=int}
// @Router /wallet/notifications [get]
func (h *LedgerHandler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := h.parseLimit(w, r, 20)
	if limit == 0 {
		return
	}

	notifications, err := h.ledger.ListNotifications(r.Context(), userID, limit)
	if err != nil {
		log.Printf("[LEDGER] Failed to list notifications for %s: %v", userID, err)
		services.SendErrorResponse(w, "Failed to fetch notifications", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": notifications,
		"count":         len(notifications),
	})
}

func (h *LedgerHandler) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}

	if err := h.validator.ValidateStruct(dst); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}

// parseLimit returns 0 after writing the response when the limit is invalid.
func (h *LedgerHandler) parseLimit(w http.ResponseWriter, r *http.Request, def int) int {
	var req struct {
		Limit int `validate:"omitempty,min=1,max=100"`
	}
	req.Limit = def

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil {
			req.Limit = l
		}
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return 0
	}
	return req.Limit
}

func (h *LedgerHandler) writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidAmount), errors.Is(err, services.ErrSelfTransfer):
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	case errors.Is(err, services.ErrAccountNotFound):
		services.SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
	case errors.Is(err, services.ErrInsufficientFunds):
		services.SendErrorResponse(w, err.Error(), http.StatusUnprocessableEntity, nil)
	case errors.Is(err, services.ErrDuplicateCredit), errors.Is(err, services.ErrDuplicateRequest):
		services.SendErrorResponse(w, err.Error(), http.StatusConflict, nil)
	default:
		log.Printf("[LEDGER] Operation failed: %v", err)
		services.SendErrorResponse(w, "Failed to process ledger operation", http.StatusInternalServerError, nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
