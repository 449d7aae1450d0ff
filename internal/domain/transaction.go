/**
 * @description
 * This file defines the core domain models for the payment-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Amounts are stored as `int64` in whole currency units (rupees). Conversion to
 *   the gateway's minor unit (paise) happens exactly once, at order-creation time.
 * - The Transaction row is the single source of truth for idempotency: its status
 *   may only move along pending -> verified -> completed, pending -> failed,
 *   verified -> refunded, completed -> refunded, or verified -> failed.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Transaction lifecycle states.
const (
	StatusPending   = "pending"
	StatusVerified  = "verified"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusRefunded  = "refunded"
)

// RefundRequest lifecycle states. Terminal once moved away from pending.
const (
	RefundRequestPending  = "pending"
	RefundRequestApproved = "approved"
	RefundRequestRejected = "rejected"
	RefundRequestFailed   = "failed"
)

// Transaction is the central ledger record for one payment attempt.
// It maps directly to the `transactions` table. Rows are never deleted;
// the table doubles as the audit trail for every settlement.
type Transaction struct {
	ID               uuid.UUID `json:"id"`
	UserID           string    `json:"user_id"`
	CourseIDs        []string  `json:"course_ids"`
	Amount           int64     `json:"amount"` // whole currency units
	Currency         string    `json:"currency"`
	GatewayOrderID   string    `json:"gateway_order_id"`
	GatewayPaymentID *string   `json:"gateway_payment_id,omitempty"`
	Status           string    `json:"status"`
	RefundID         *string   `json:"refund_id,omitempty"`
	RefundReason     *string   `json:"refund_reason,omitempty"`
	ErrorMessage     *string   `json:"error_message,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// SettlementStep records one durably-completed step of a settlement so that
// operators can see exactly which external calls succeeded for a transaction
// before a crash or failure.
type SettlementStep struct {
	ID            uuid.UUID `json:"id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	Step          string    `json:"step"`
	Detail        *string   `json:"detail,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Settlement step names, in the order they can occur.
const (
	StepVerified       = "verified"
	StepCourseEnrolled = "course_enrolled"
	StepProfileUpdated = "profile_updated"
	StepCompleted      = "completed"
	StepAutoRefunded   = "auto_refunded"
	StepManualRefunded = "manual_refunded"
)

// RefundRequest is a student-initiated reversal request handled by the admin
// refund flow. TransactionRef is a free-text correlation to a Transaction,
// not a strict foreign key.
type RefundRequest struct {
	ID              uuid.UUID  `json:"id"`
	UserID          string     `json:"user_id"`
	CourseID        string     `json:"course_id"`
	TransactionRef  string     `json:"transaction_ref"`
	Amount          int64      `json:"amount"`
	Reason          string     `json:"reason"`
	Status          string     `json:"status"`
	ProcessedBy     *string    `json:"processed_by,omitempty"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	RejectionReason *string    `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Course is the view of a course the payment-service needs from the
// Course Registry: identity, authoritative price, and current enrollment.
type Course struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Price           int64    `json:"price"` // whole currency units
	EnrolledUserIDs []string `json:"enrolled_user_ids"`
}

// CaptureRequest is the DTO for initiating a payment for one or more courses.
type CaptureRequest struct {
	Courses []string `json:"courses"`
}

// CaptureResponse is returned to the client so it can open the gateway
// checkout. TransactionID must be echoed back on the verify call.
type CaptureResponse struct {
	GatewayOrderID string `json:"gateway_order_id"`
	TransactionID  string `json:"transaction_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
}

// VerifyRequest is the DTO for the signed gateway callback.
type VerifyRequest struct {
	GatewayOrderID   string `json:"gateway_order_id"`
	GatewayPaymentID string `json:"gateway_payment_id"`
	Signature        string `json:"signature"`
}

// ManualRefundRequest is the DTO for the admin-initiated refund endpoint.
type ManualRefundRequest struct {
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
}

// CreateRefundRequestPayload is the DTO for a student opening a refund request.
type CreateRefundRequestPayload struct {
	CourseID       string `json:"course_id"`
	TransactionRef string `json:"transaction_ref"`
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
}

// RejectRefundRequestPayload carries the admin's rejection reason.
type RejectRefundRequestPayload struct {
	Reason string `json:"reason"`
}
