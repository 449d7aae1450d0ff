/**
 * @description
 * This file implements the verify half of the settlement workflow: signature
 * check, idempotent claim of the pending ledger row, cross-service enrollment,
 * and the automatic-refund compensation path when enrollment fails after a
 * verified payment.
 *
 * @notes
 * - The signature check runs before any ledger access; a forged callback
 *   never touches the database.
 * - The verified status is persisted (via the claim) before any enrollment
 *   call, so a crash mid-settlement leaves an auditable row behind.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/skillbridge/payment-service/internal/domain"
	"github.com/skillbridge/payment-service/pkg/rabbitmq"
	"github.com/skillbridge/payment-service/pkg/razorpay"
	"github.com/skillbridge/payment-service/pkg/retry"
)

// Verify processes a gateway payment callback. On success the transaction is
// completed and the user is enrolled in every purchased course. When
// enrollment fails, the payment is refunded in full and the transaction moves
// to refunded; if the refund itself fails, the transaction is parked in
// failed for manual intervention.
//
// userEmail is taken from the authenticated session and used only for
// best-effort notifications.
func (s *Service) Verify(ctx context.Context, req domain.VerifyRequest, userEmail string) (*domain.Transaction, error) {
	if req.GatewayOrderID == "" || req.GatewayPaymentID == "" || req.Signature == "" {
		return nil, ErrInvalidSignature
	}

	if !s.gateway.VerifySignature(req.GatewayOrderID, req.GatewayPaymentID, req.Signature) {
		log.Printf("level=warn component=settlement op=verify msg=\"signature mismatch\" order_id=%s", req.GatewayOrderID)
		return nil, ErrInvalidSignature
	}

	tx, err := s.repo.ClaimPendingTransaction(ctx, req.GatewayOrderID, req.GatewayPaymentID)
	if err != nil {
		// A replayed callback lands here. The first claim already ran (or is
		// running) the settlement, so the caller gets the existing state.
		return tx, err
	}

	log.Printf("level=info component=settlement op=verify transaction_id=%s user_id=%s payment_id=%s",
		tx.ID, tx.UserID, req.GatewayPaymentID)
	s.recordStep(ctx, tx.ID, domain.StepVerified, req.GatewayPaymentID)

	if s.revalidatePrices {
		if err := s.revalidateAmount(ctx, tx); err != nil {
			return tx, s.refundAndRollback(ctx, tx, userEmail, "Price validation failed", err)
		}
	}

	if err := s.enroll(ctx, tx); err != nil {
		return tx, s.refundAndRollback(ctx, tx, userEmail, "Enrollment failed", err)
	}

	if err := s.repo.MarkTransactionCompleted(ctx, tx.ID); err != nil {
		return tx, fmt.Errorf("failed to mark transaction completed: %w", err)
	}
	tx.Status = domain.StatusCompleted
	s.recordStep(ctx, tx.ID, domain.StepCompleted, "")

	s.publishEvent(ctx, rabbitmq.RouteCompleted, tx, userEmail, "")
	s.sendEmail(userEmail, "Payment received — you're enrolled",
		paymentConfirmationBody(tx))

	return tx, nil
}

// revalidateAmount re-fetches the current course prices and compares their
// sum against the amount captured at order time. Drift between capture and
// verify means the user paid a price that no longer exists.
func (s *Service) revalidateAmount(ctx context.Context, tx *domain.Transaction) error {
	var current int64
	for _, courseID := range tx.CourseIDs {
		course, err := s.courses.GetCourse(ctx, courseID)
		if err != nil {
			return fmt.Errorf("price revalidation lookup failed for %s: %w", courseID, err)
		}
		current += course.Price
	}
	if current != tx.Amount {
		return fmt.Errorf("price changed between capture and verify: paid %d, current %d", tx.Amount, current)
	}
	return nil
}

// refundAndRollback is the compensation routine for a verified payment whose
// enrollment could not complete. It refunds the full captured amount with
// retries, records the terminal status, and notifies the user. Profile
// updates that succeeded before the failure are not unwound here; the
// Course Registry batch either fully applied or fully failed, and a full
// refund covers the user either way.
func (s *Service) refundAndRollback(ctx context.Context, tx *domain.Transaction, userEmail, reason string, cause error) error {
	log.Printf("level=error component=settlement op=verify msg=\"settlement failed; issuing refund\" transaction_id=%s reason=%q err=%v",
		tx.ID, reason, cause)

	if tx.GatewayPaymentID == nil {
		// Claim always records the payment id, so this indicates ledger
		// corruption rather than an expected flow.
		return s.parkForManualIntervention(ctx, tx, cause, errors.New("no gateway payment id on verified transaction"))
	}

	refund, refundErr := retry.Do(ctx, s.refundPolicy, func() (*razorpay.Refund, error) {
		return s.gateway.IssueRefund(ctx, *tx.GatewayPaymentID, 0, map[string]string{
			"transaction_id": tx.ID.String(),
			"reason":         reason,
		})
	})
	if refundErr != nil {
		return s.parkForManualIntervention(ctx, tx, cause, refundErr)
	}

	if err := s.repo.MarkTransactionRefunded(ctx, tx.ID, refund.ID, reason); err != nil {
		log.Printf("level=error component=settlement msg=\"refund issued but ledger update failed\" transaction_id=%s refund_id=%s err=%v",
			tx.ID, refund.ID, err)
		return fmt.Errorf("refund %s issued but ledger update failed: %w", refund.ID, err)
	}
	tx.Status = domain.StatusRefunded
	tx.RefundID = &refund.ID
	tx.RefundReason = &reason
	s.recordStep(ctx, tx.ID, domain.StepAutoRefunded, refund.ID)

	s.publishEvent(ctx, rabbitmq.RouteRefunded, tx, userEmail, reason)
	s.sendEmail(userEmail, "Your payment was refunded", refundNoticeBody(tx, reason))

	return fmt.Errorf("%w: %v", ErrEnrollmentRefunded, cause)
}

// parkForManualIntervention records the double failure (settlement and
// refund) on the transaction and surfaces it for operator follow-up.
func (s *Service) parkForManualIntervention(ctx context.Context, tx *domain.Transaction, cause, refundErr error) error {
	message := fmt.Sprintf("enrollment failed: %v; refund failed: %v", cause, refundErr)
	log.Printf("level=error component=settlement msg=\"refund failed; manual intervention required\" transaction_id=%s err=%q",
		tx.ID, message)

	if err := s.repo.MarkTransactionFailed(ctx, tx.ID, message); err != nil {
		log.Printf("level=error component=settlement msg=\"failed to park transaction\" transaction_id=%s err=%v", tx.ID, err)
	}
	tx.Status = domain.StatusFailed
	tx.ErrorMessage = &message
	s.publishEvent(ctx, rabbitmq.RouteFailed, tx, "", message)

	return fmt.Errorf("%w: %s", ErrManualInterventionRequired, message)
}

func paymentConfirmationBody(tx *domain.Transaction) string {
	return fmt.Sprintf(
		"<p>Your payment of %d %s was received and you are now enrolled in %d course(s).</p><p>Transaction reference: %s</p>",
		tx.Amount, tx.Currency, len(tx.CourseIDs), tx.ID)
}

func refundNoticeBody(tx *domain.Transaction, reason string) string {
	return fmt.Sprintf(
		"<p>Your payment of %d %s could not be completed (%s) and has been refunded in full.</p><p>Transaction reference: %s</p>",
		tx.Amount, tx.Currency, reason, tx.ID)
}
