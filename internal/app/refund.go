/**
 * @description
 * This file implements the refund side of the service: the admin-initiated
 * manual refund of a whole transaction, and the student-opened refund request
 * queue with its admin approve/reject resolution flow.
 *
 * @notes
 * - Manual refunds make a single gateway attempt. An admin is watching the
 *   response and can simply retry, so there is no backoff loop here.
 * - Approving a refund request issues a partial refund for the request's
 *   amount only, against the payment located via the request's transaction
 *   reference.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/skillbridge/payment-service/internal/domain"
	"github.com/skillbridge/payment-service/internal/store"
	"github.com/skillbridge/payment-service/pkg/rabbitmq"
)

var ErrInvalidRefundRequest = errors.New("invalid refund request")

// RefundTransaction refunds a captured payment in full at an operator's
// request. Valid from verified or completed; an already-refunded transaction
// is rejected, and a transaction that never captured a payment has nothing
// to send back.
func (s *Service) RefundTransaction(ctx context.Context, transactionID uuid.UUID, reason, adminID string) (*domain.Transaction, error) {
	tx, err := s.repo.FindTransactionByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	// The ledger only accepts refunded from verified or completed. Reject
	// everything else before any money moves, so the gateway refund and the
	// ledger write can never disagree.
	switch tx.Status {
	case domain.StatusRefunded:
		return nil, ErrAlreadyRefunded
	case domain.StatusVerified, domain.StatusCompleted:
	default:
		return nil, fmt.Errorf("%w: status is %s", ErrNotRefundable, tx.Status)
	}
	if tx.GatewayPaymentID == nil {
		return nil, ErrNothingToRefund
	}
	if strings.TrimSpace(reason) == "" {
		reason = "Refunded by admin"
	}

	refund, err := s.gateway.IssueRefund(ctx, *tx.GatewayPaymentID, 0, map[string]string{
		"transaction_id": tx.ID.String(),
		"initiated_by":   adminID,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway refund failed: %w", err)
	}

	if err := s.repo.MarkTransactionRefunded(ctx, tx.ID, refund.ID, reason); err != nil {
		log.Printf("level=error component=refund msg=\"refund issued but ledger update failed\" transaction_id=%s refund_id=%s err=%v",
			tx.ID, refund.ID, err)
		return nil, fmt.Errorf("refund %s issued but ledger update failed: %w", refund.ID, err)
	}
	tx.Status = domain.StatusRefunded
	tx.RefundID = &refund.ID
	tx.RefundReason = &reason
	s.recordStep(ctx, tx.ID, domain.StepManualRefunded, adminID)

	log.Printf("level=info component=refund op=manual_refund transaction_id=%s refund_id=%s admin=%s", tx.ID, refund.ID, adminID)
	s.unenroll(ctx, tx)
	s.publishEvent(ctx, rabbitmq.RouteRefunded, tx, "", reason)

	return tx, nil
}

// CreateRefundRequest opens a student refund request for later admin review.
func (s *Service) CreateRefundRequest(ctx context.Context, userID string, payload domain.CreateRefundRequestPayload) (*domain.RefundRequest, error) {
	if !isWellFormedUserID(userID) {
		return nil, ErrInvalidUserID
	}
	if strings.TrimSpace(payload.CourseID) == "" {
		return nil, fmt.Errorf("%w: course id is required", ErrInvalidRefundRequest)
	}
	if payload.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRefundRequest)
	}
	if strings.TrimSpace(payload.Reason) == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrInvalidRefundRequest)
	}

	req := &domain.RefundRequest{
		ID:             uuid.New(),
		UserID:         userID,
		CourseID:       strings.TrimSpace(payload.CourseID),
		TransactionRef: strings.TrimSpace(payload.TransactionRef),
		Amount:         payload.Amount,
		Reason:         strings.TrimSpace(payload.Reason),
		Status:         domain.RefundRequestPending,
	}
	if err := s.repo.CreateRefundRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to persist refund request: %w", err)
	}

	log.Printf("level=info component=refund op=create_request request_id=%s user_id=%s course_id=%s amount=%d",
		req.ID, userID, req.CourseID, req.Amount)
	return req, nil
}

// ListRefundRequests returns refund requests filtered by status for the
// admin review queue.
func (s *Service) ListRefundRequests(ctx context.Context, status string, limit, offset int) ([]domain.RefundRequest, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListRefundRequestsByStatus(ctx, status, limit, offset)
}

// ApproveRefundRequest issues a partial gateway refund for the requested
// amount and resolves the request. If the referenced payment cannot be
// located or was never captured, the request is parked in failed with the
// diagnostic recorded, rather than left pending forever.
func (s *Service) ApproveRefundRequest(ctx context.Context, requestID uuid.UUID, adminID string) (*domain.RefundRequest, error) {
	req, err := s.repo.FindRefundRequestByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != domain.RefundRequestPending {
		return nil, fmt.Errorf("%w: status is %s", store.ErrRefundRequestNotPending, req.Status)
	}

	tx, lookupErr := s.resolveRequestTransaction(ctx, req)
	if lookupErr != nil {
		// Only a genuinely unresolvable reference is parked in failed. A
		// transient lookup failure leaves the request pending so the admin
		// can retry once the store recovers.
		if !errors.Is(lookupErr, ErrNothingToRefund) {
			return nil, fmt.Errorf("refund request lookup failed: %w", lookupErr)
		}
		detail := lookupErr.Error()
		if _, resolveErr := s.repo.ResolveRefundRequest(ctx, req.ID, domain.RefundRequestFailed, adminID, &detail); resolveErr != nil {
			log.Printf("level=error component=refund msg=\"failed to park unresolvable refund request\" request_id=%s err=%v", req.ID, resolveErr)
		}
		return nil, lookupErr
	}

	refund, err := s.gateway.IssueRefund(ctx, *tx.GatewayPaymentID, req.Amount*100, map[string]string{
		"refund_request_id": req.ID.String(),
		"transaction_id":    tx.ID.String(),
		"initiated_by":      adminID,
	})
	if err != nil {
		detail := fmt.Sprintf("gateway refund failed: %v", err)
		if _, resolveErr := s.repo.ResolveRefundRequest(ctx, req.ID, domain.RefundRequestFailed, adminID, &detail); resolveErr != nil {
			log.Printf("level=error component=refund msg=\"failed to record gateway refund failure\" request_id=%s err=%v", req.ID, resolveErr)
		}
		return nil, fmt.Errorf("gateway refund failed: %w", err)
	}

	resolved, err := s.repo.ResolveRefundRequest(ctx, req.ID, domain.RefundRequestApproved, adminID, nil)
	if err != nil {
		log.Printf("level=error component=refund msg=\"refund issued but request resolution failed\" request_id=%s refund_id=%s err=%v",
			req.ID, refund.ID, err)
		return nil, fmt.Errorf("refund %s issued but request resolution failed: %w", refund.ID, err)
	}

	log.Printf("level=info component=refund op=approve_request request_id=%s refund_id=%s admin=%s amount=%d",
		req.ID, refund.ID, adminID, req.Amount)

	// A per-course refund unwinds just that course, best-effort.
	if err := s.courses.Unenroll(ctx, []string{req.CourseID}, req.UserID); err != nil {
		log.Printf("level=warn component=refund msg=\"course unenroll failed after refund\" request_id=%s course_id=%s err=%v",
			req.ID, req.CourseID, err)
	}
	if err := s.profiles.RemoveCourse(ctx, req.UserID, req.CourseID); err != nil {
		log.Printf("level=warn component=refund msg=\"profile cleanup failed after refund\" request_id=%s course_id=%s err=%v",
			req.ID, req.CourseID, err)
	}

	return resolved, nil
}

// RejectRefundRequest resolves a pending request as rejected with the
// admin's stated reason.
func (s *Service) RejectRefundRequest(ctx context.Context, requestID uuid.UUID, adminID, reason string) (*domain.RefundRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: rejection reason is required", ErrInvalidRefundRequest)
	}
	resolved, err := s.repo.ResolveRefundRequest(ctx, requestID, domain.RefundRequestRejected, adminID, &reason)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=refund op=reject_request request_id=%s admin=%s", requestID, adminID)
	return resolved, nil
}

// resolveRequestTransaction locates the captured payment a refund request
// points at. The reference is free text: a transaction id is tried first,
// then a gateway order id. Dead ends that no retry can fix (no reference,
// no matching row, no captured payment, oversized amount) are wrapped in
// ErrNothingToRefund; any other error is a store failure and returned as-is.
func (s *Service) resolveRequestTransaction(ctx context.Context, req *domain.RefundRequest) (*domain.Transaction, error) {
	if req.TransactionRef == "" {
		return nil, fmt.Errorf("%w: refund request has no transaction reference", ErrNothingToRefund)
	}

	var tx *domain.Transaction
	if id, parseErr := uuid.Parse(req.TransactionRef); parseErr == nil {
		found, err := s.repo.FindTransactionByID(ctx, id)
		if err != nil && !errors.Is(err, store.ErrTransactionNotFound) {
			return nil, err
		}
		tx = found
	}
	if tx == nil {
		found, err := s.repo.FindTransactionByGatewayOrderID(ctx, req.TransactionRef)
		if err != nil {
			if errors.Is(err, store.ErrTransactionNotFound) {
				return nil, fmt.Errorf("%w: no transaction matches reference %q", ErrNothingToRefund, req.TransactionRef)
			}
			return nil, err
		}
		tx = found
	}

	if tx.GatewayPaymentID == nil {
		return nil, fmt.Errorf("%w: transaction %s has no captured payment", ErrNothingToRefund, tx.ID)
	}
	if req.Amount > tx.Amount {
		return nil, fmt.Errorf("%w: requested amount %d exceeds captured amount %d", ErrNothingToRefund, req.Amount, tx.Amount)
	}
	return tx, nil
}
