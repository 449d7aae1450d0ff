/**
 * @description
 * This file contains the HTTP handlers for the payment-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 * - pkg/courseclient: For the course-not-found sentinel.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/skillbridge/payment-service/internal/app"
	"github.com/skillbridge/payment-service/internal/domain"
	"github.com/skillbridge/payment-service/internal/store"
	"github.com/skillbridge/payment-service/pkg/courseclient"
)

// PaymentHandlers holds the application service that handlers will use.
type PaymentHandlers struct {
	service *app.Service
}

// NewPaymentHandlers creates a new instance of PaymentHandlers.
func NewPaymentHandlers(service *app.Service) *PaymentHandlers {
	return &PaymentHandlers{service: service}
}

// verifyResponse mirrors the shape the web client expects after a settlement
// attempt: the ledger status plus a human-readable message.
type verifyResponse struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	Message       string `json:"message"`
}

// CaptureHandler handles requests to start a payment for one or more courses.
func (h *PaymentHandlers) CaptureHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}

	var req domain.CaptureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=capture outcome=reject reason=invalid_json err=%v", err)
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	resp, err := h.service.Capture(r.Context(), userID, req.Courses)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrNoCourses), errors.Is(err, app.ErrInvalidUserID), errors.Is(err, app.ErrInvalidAmount):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, courseclient.ErrCourseNotFound):
			h.writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, app.ErrAlreadyEnrolled):
			h.writeError(w, http.StatusConflict, err.Error())
		default:
			log.Printf("level=error component=api endpoint=capture outcome=error user_id=%s err=%v", userID, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to initiate payment")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// VerifyHandler handles the signed gateway callback that settles a payment.
func (h *PaymentHandlers) VerifyHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}

	if allowed, retryAfter := h.service.AllowVerify(r.Context(), userID); !allowed {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.writeError(w, http.StatusTooManyRequests, "Too many verification attempts. Please wait and try again.")
		return
	}

	var req domain.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=verify outcome=reject reason=invalid_json err=%v", err)
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	tx, err := h.service.Verify(r.Context(), req, GetUserEmail(r.Context()))
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidSignature):
			h.writeError(w, http.StatusBadRequest, "Payment signature verification failed")
		case errors.Is(err, store.ErrTransactionNotFound):
			h.writeError(w, http.StatusNotFound, "No pending payment matches this order")
		case errors.Is(err, store.ErrAlreadyProcessed):
			// Replayed callback. The first call settled the transaction;
			// report its recorded state instead of re-running anything.
			h.writeJSON(w, http.StatusOK, verifyResponse{
				TransactionID: tx.ID.String(),
				Status:        tx.Status,
				Message:       "Payment was already processed",
			})
		case errors.Is(err, app.ErrEnrollmentRefunded):
			h.writeJSON(w, http.StatusConflict, verifyResponse{
				TransactionID: tx.ID.String(),
				Status:        tx.Status,
				Message:       "Enrollment failed; your payment has been refunded in full",
			})
		case errors.Is(err, app.ErrManualInterventionRequired):
			h.writeJSON(w, http.StatusInternalServerError, verifyResponse{
				TransactionID: tx.ID.String(),
				Status:        tx.Status,
				Message:       "Payment could not be settled or refunded automatically; support has been notified",
			})
		default:
			log.Printf("level=error component=api endpoint=verify outcome=error user_id=%s err=%v", userID, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to verify payment")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, verifyResponse{
		TransactionID: tx.ID.String(),
		Status:        tx.Status,
		Message:       "Payment verified and enrollment completed",
	})
}

// ListTransactionsHandler returns the authenticated user's payment history.
func (h *PaymentHandlers) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}

	transactions, err := h.service.Transactions(r.Context(), userID)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_transactions outcome=error user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load transactions")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": transactions})
}

// CreateRefundRequestHandler opens a student refund request.
func (h *PaymentHandlers) CreateRefundRequestHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}

	var payload domain.CreateRefundRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	req, err := h.service.CreateRefundRequest(r.Context(), userID, payload)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidRefundRequest), errors.Is(err, app.ErrInvalidUserID):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			log.Printf("level=error component=api endpoint=create_refund_request outcome=error user_id=%s err=%v", userID, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to create refund request")
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, req)
}

// ListRefundRequestsHandler returns the admin review queue, filtered by
// status (default pending).
func (h *PaymentHandlers) ListRefundRequestsHandler(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = domain.RefundRequestPending
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	requests, err := h.service.ListRefundRequests(r.Context(), status, limit, offset)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_refund_requests outcome=error err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load refund requests")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"refund_requests": requests})
}

// ApproveRefundRequestHandler approves a pending refund request and issues
// the partial gateway refund.
func (h *PaymentHandlers) ApproveRefundRequestHandler(w http.ResponseWriter, r *http.Request) {
	requestID, ok := h.parseIDParam(w, r, "requestID")
	if !ok {
		return
	}
	adminID, _ := GetUserID(r.Context())

	resolved, err := h.service.ApproveRefundRequest(r.Context(), requestID, adminID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrRefundRequestNotFound):
			h.writeError(w, http.StatusNotFound, "Refund request not found")
		case errors.Is(err, store.ErrRefundRequestNotPending):
			h.writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, app.ErrNothingToRefund):
			h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			log.Printf("level=error component=api endpoint=approve_refund_request outcome=error request_id=%s err=%v", requestID, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to approve refund request")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, resolved)
}

// RejectRefundRequestHandler rejects a pending refund request with a reason.
func (h *PaymentHandlers) RejectRefundRequestHandler(w http.ResponseWriter, r *http.Request) {
	requestID, ok := h.parseIDParam(w, r, "requestID")
	if !ok {
		return
	}
	adminID, _ := GetUserID(r.Context())

	var payload domain.RejectRefundRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	resolved, err := h.service.RejectRefundRequest(r.Context(), requestID, adminID, payload.Reason)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidRefundRequest):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrRefundRequestNotFound):
			h.writeError(w, http.StatusNotFound, "Refund request not found")
		case errors.Is(err, store.ErrRefundRequestNotPending):
			h.writeError(w, http.StatusConflict, err.Error())
		default:
			log.Printf("level=error component=api endpoint=reject_refund_request outcome=error request_id=%s err=%v", requestID, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to reject refund request")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, resolved)
}

// RefundTransactionHandler handles the admin-initiated full refund of a
// transaction.
func (h *PaymentHandlers) RefundTransactionHandler(w http.ResponseWriter, r *http.Request) {
	adminID, _ := GetUserID(r.Context())

	var req domain.ManualRefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	transactionID, err := uuid.Parse(req.TransactionID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transaction id")
		return
	}

	tx, err := h.service.RefundTransaction(r.Context(), transactionID, req.Reason, adminID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrTransactionNotFound):
			h.writeError(w, http.StatusNotFound, "Transaction not found")
		case errors.Is(err, app.ErrAlreadyRefunded):
			h.writeError(w, http.StatusConflict, "Transaction is already refunded")
		case errors.Is(err, app.ErrNotRefundable):
			h.writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, app.ErrNothingToRefund):
			h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			log.Printf("level=error component=api endpoint=refund outcome=error transaction_id=%s err=%v", transactionID, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to refund transaction")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, tx)
}

// SettlementStepsHandler returns the persisted step log for a transaction,
// used by operators to see how far a settlement progressed.
func (h *PaymentHandlers) SettlementStepsHandler(w http.ResponseWriter, r *http.Request) {
	transactionID, ok := h.parseIDParam(w, r, "transactionID")
	if !ok {
		return
	}

	steps, err := h.service.SettlementSteps(r.Context(), transactionID)
	if err != nil {
		log.Printf("level=error component=api endpoint=settlement_steps outcome=error transaction_id=%s err=%v", transactionID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load settlement steps")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"steps": steps})
}

func (h *PaymentHandlers) parseIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

// writeJSON is a helper for writing JSON responses.
func (h *PaymentHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *PaymentHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
