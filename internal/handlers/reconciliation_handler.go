package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/starmobile/backend/internal/services"
)

// ReconciliationHandler terminates the partner's asynchronous callback. The
// partner calls a plain GET with query parameters, so the wire contract here
// matches their existing integration rather than a REST ideal.
type ReconciliationHandler struct {
	recon *services.ReconciliationService
}

func NewReconciliationHandler(recon *services.ReconciliationService) *ReconciliationHandler {
	return &ReconciliationHandler{recon: recon}
}

// PartnerCallback processes a partner confirmation or failure signal
// @Summary Partner reconciliation callback
// @Description Resolve a pending bill payment; action=done approves, action=ban rejects and refunds
// @Tags partners
// @Produce json
// @Param action query string true "Outcome tag (done or ban)"
// @Param backpass query string true "Shared-secret token"
// @Param transid query string true "Correlation ID"
// @Param message query string false "Failure description"
// @Success 200 {object} object{message=string}
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /partners/callback [get]
func (h *ReconciliationHandler) PartnerCallback(w http.ResponseWriter, r *http.Request) {
	action := strings.TrimSpace(r.URL.Query().Get("action"))
	backpass := r.URL.Query().Get("backpass")
	transid := strings.TrimSpace(r.URL.Query().Get("transid"))
	message := strings.TrimSpace(r.URL.Query().Get("message"))

	if action == "" || transid == "" || backpass == "" {
		services.SendErrorResponse(w, "action, backpass and transid are required", http.StatusBadRequest, nil)
		return
	}

	// Reject bad secrets before touching the database so an unauthenticated
	// caller learns nothing about whether the transid exists.
	if !h.recon.VerifySecret(backpass) {
		log.Printf("[RECON] Rejected callback with bad secret from %s", r.RemoteAddr)
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	result, err := h.recon.HandleCallback(r.Context(), services.PartnerCallback{
		Action:  action,
		Transid: transid,
		Message: message,
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrUnknownAction):
			services.SendErrorResponse(w, "unknown action", http.StatusBadRequest, nil)
		case errors.Is(err, services.ErrRequestNotFound):
			services.SendErrorResponse(w, "unknown transid", http.StatusNotFound, nil)
		default:
			log.Printf("[RECON] Callback processing failed for transid %s: %v", transid, err)
			services.SendErrorResponse(w, "Failed to process callback", http.StatusInternalServerError, nil)
		}
		return
	}

	msg := "request " + result.Status
	if result.AlreadyReconciled {
		msg = "already reconciled"
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

// ListBillPayments lists recent bill-payment requests for operators
// @Summary List bill payment requests
// @Tags admin
// @Produce json
// @Param status query string false "Filter by status (pending, approved, rejected)"
// @Param limit query int false "Number of records to return (default: 50)"
// @Success 200 {object} object{requests=[]models.BillPaymentRequest,count=int}
// @Router /admin/bill-payments [get]
func (h *ReconciliationHandler) ListBillPayments(w http.ResponseWriter, r *http.Request) {
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 200 {
			limit = l
		}
	}

	requests, err := h.recon.ListRequests(r.Context(), status, limit)
	if err != nil {
		log.Printf("[RECON] Failed to list requests: %v", err)
		services.SendErrorResponse(w, "Failed to fetch requests", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"requests": requests,
		"count":    len(requests),
	})
}
