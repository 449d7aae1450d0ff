/**
 * @description
 * This file contains the core business logic for the payment-service. The
 * `Service` struct orchestrates the settlement workflow, coordinating between
 * the transaction ledger, the Razorpay gateway client, the Course Registry and
 * User Profile peer services, and the notification side channels.
 *
 * Key features:
 * - Capture: validates the cart against the Course Registry, creates the
 *   gateway order, and persists the pending ledger row.
 * - Verify: checks the callback signature, claims the pending row (the
 *   idempotency guard), enrolls across both peer services, and compensates
 *   with a full refund when enrollment fails.
 * - Manual refund and refund-request processing for the admin back-office.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For transaction id generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/razorpay, pkg/courseclient, pkg/profileclient: External collaborators.
 * - pkg/rabbitmq, pkg/mailer: Best-effort notification side channels.
 * - pkg/retry: Backoff policy for the auto-refund path.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/skillbridge/payment-service/internal/domain"
	"github.com/skillbridge/payment-service/internal/store"
	"github.com/skillbridge/payment-service/pkg/courseclient"
	"github.com/skillbridge/payment-service/pkg/mailer"
	"github.com/skillbridge/payment-service/pkg/profileclient"
	"github.com/skillbridge/payment-service/pkg/rabbitmq"
	"github.com/skillbridge/payment-service/pkg/razorpay"
	"github.com/skillbridge/payment-service/pkg/retry"
)

var (
	ErrNoCourses        = errors.New("no courses provided")
	ErrInvalidUserID    = errors.New("invalid user id")
	ErrAlreadyEnrolled  = errors.New("user already enrolled")
	ErrInvalidAmount    = errors.New("total amount must be positive")
	ErrInvalidSignature = errors.New("invalid payment signature")

	// ErrEnrollmentRefunded reports that enrollment failed after a verified
	// payment and the full amount was refunded automatically.
	ErrEnrollmentRefunded = errors.New("enrollment failed; payment refunded")

	// ErrManualInterventionRequired reports that both enrollment and the
	// automatic refund failed. The transaction is parked in the failed state
	// and must be resolved by an operator.
	ErrManualInterventionRequired = errors.New("enrollment and refund failed; manual intervention required")

	ErrAlreadyRefunded = errors.New("transaction already refunded")
	ErrNotRefundable   = errors.New("transaction status does not allow a refund")
	ErrNothingToRefund = errors.New("transaction has no captured payment to refund")
)

// Service provides the core business logic for payment settlement.
type Service struct {
	repo     store.Repository
	gateway  *razorpay.Client
	courses  *courseclient.Client
	profiles *profileclient.Client
	events   rabbitmq.Publisher
	mail     mailer.Sender

	currency         string
	refundPolicy     retry.Policy
	revalidatePrices bool

	verifyLimiter        RateLimiter
	verifyLimitPerMinute int
}

// NewService creates a new payment service instance.
func NewService(
	repo store.Repository,
	gateway *razorpay.Client,
	courses *courseclient.Client,
	profiles *profileclient.Client,
	events rabbitmq.Publisher,
	mail mailer.Sender,
	currency string,
	refundPolicy retry.Policy,
	revalidatePrices bool,
) *Service {
	return &Service{
		repo:             repo,
		gateway:          gateway,
		courses:          courses,
		profiles:         profiles,
		events:           events,
		mail:             mail,
		currency:         currency,
		refundPolicy:     refundPolicy,
		revalidatePrices: revalidatePrices,
	}
}

// Capture validates the requested courses against the Course Registry,
// creates a gateway order for their combined price, and persists a pending
// ledger row. The returned transaction id must be carried through checkout
// so verify can locate the exact attempt instead of trusting client-supplied
// amounts.
func (s *Service) Capture(ctx context.Context, userID string, courseRefs []string) (*domain.CaptureResponse, error) {
	if len(courseRefs) == 0 {
		return nil, ErrNoCourses
	}
	if !isWellFormedUserID(userID) {
		return nil, ErrInvalidUserID
	}

	// Duplicate references collapse into one purchase of each course.
	courseIDs := dedupeCourseIDs(courseRefs)

	var totalAmount int64
	for _, courseID := range courseIDs {
		course, err := s.courses.GetCourse(ctx, courseID)
		if err != nil {
			if errors.Is(err, courseclient.ErrCourseNotFound) {
				return nil, fmt.Errorf("%w: %s", courseclient.ErrCourseNotFound, courseID)
			}
			return nil, fmt.Errorf("course lookup failed for %s: %w", courseID, err)
		}
		// Enrollment is checked against registry-reported state, not any
		// local cache, so a purchase completed on another device is seen.
		for _, enrolled := range course.EnrolledUserIDs {
			if enrolled == userID {
				return nil, fmt.Errorf("%w: course %s", ErrAlreadyEnrolled, courseID)
			}
		}
		totalAmount += course.Price
	}

	if totalAmount <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidAmount, totalAmount)
	}

	// Conversion to the gateway's minor unit happens here, exactly once.
	order, err := s.gateway.CreateOrder(ctx, totalAmount*100, s.currency, newReceipt(userID), map[string]string{
		"user_id": userID,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway order creation failed: %w", err)
	}

	tx := &domain.Transaction{
		ID:             uuid.New(),
		UserID:         userID,
		CourseIDs:      courseIDs,
		Amount:         totalAmount,
		Currency:       s.currency,
		GatewayOrderID: order.ID,
		Status:         domain.StatusPending,
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to persist transaction: %w", err)
	}

	log.Printf("level=info component=settlement op=capture transaction_id=%s user_id=%s amount=%d order_id=%s courses=%d",
		tx.ID, userID, totalAmount, order.ID, len(courseIDs))
	s.publishEvent(ctx, rabbitmq.RouteCaptured, tx, "", "")

	return &domain.CaptureResponse{
		GatewayOrderID: order.ID,
		TransactionID:  tx.ID.String(),
		Amount:         totalAmount,
		Currency:       s.currency,
	}, nil
}

// Transactions returns the caller's payment history, newest first.
func (s *Service) Transactions(ctx context.Context, userID string) ([]domain.Transaction, error) {
	if !isWellFormedUserID(userID) {
		return nil, ErrInvalidUserID
	}
	return s.repo.FindTransactionsByUserID(ctx, userID)
}

// SettlementSteps returns the persisted step log for one transaction.
func (s *Service) SettlementSteps(ctx context.Context, transactionID uuid.UUID) ([]domain.SettlementStep, error) {
	return s.repo.ListSettlementSteps(ctx, transactionID)
}

// dedupeCourseIDs collapses duplicate references while preserving the order
// of first appearance.
func dedupeCourseIDs(refs []string) []string {
	seen := make(map[string]struct{}, len(refs))
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out
}

// isWellFormedUserID accepts the opaque identifiers minted by the user
// service: non-empty, bounded, URL-safe characters only.
func isWellFormedUserID(userID string) bool {
	if userID == "" || len(userID) > 64 {
		return false
	}
	for _, r := range userID {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

// newReceipt builds a gateway receipt token unique per request: wall-clock
// millis plus a user-derived suffix, trimmed to the gateway's 40-char limit.
func newReceipt(userID string) string {
	suffix := userID
	if len(suffix) > 12 {
		suffix = suffix[len(suffix)-12:]
	}
	receipt := fmt.Sprintf("rcpt_%d_%s", time.Now().UnixMilli(), suffix)
	if len(receipt) > 40 {
		receipt = receipt[:40]
	}
	return receipt
}

// recordStep appends to the settlement step log. The log is diagnostic:
// a write failure is logged but never fails the settlement itself.
func (s *Service) recordStep(ctx context.Context, transactionID uuid.UUID, step string, detail string) {
	entry := domain.SettlementStep{
		ID:            uuid.New(),
		TransactionID: transactionID,
		Step:          step,
	}
	if detail != "" {
		entry.Detail = &detail
	}
	if err := s.repo.RecordSettlementStep(ctx, entry); err != nil {
		log.Printf("level=warn component=settlement msg=\"step log write failed\" transaction_id=%s step=%s err=%v", transactionID, step, err)
	}
}

// publishEvent emits a payment lifecycle event. Best-effort: failures are
// logged and never alter the settlement outcome.
func (s *Service) publishEvent(ctx context.Context, routingKey string, tx *domain.Transaction, userEmail, reason string) {
	if s.events == nil {
		return
	}
	event := domain.PaymentEvent{
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		UserEmail:     userEmail,
		CourseIDs:     tx.CourseIDs,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		Status:        tx.Status,
		Reason:        reason,
		Timestamp:     time.Now().UTC(),
	}
	if err := s.events.PublishPaymentEvent(ctx, routingKey, event); err != nil {
		log.Printf("level=warn component=settlement msg=\"event publish failed\" routing_key=%s transaction_id=%s err=%v", routingKey, tx.ID, err)
	}
}

// sendEmail delivers a best-effort notification mail. Failures are logged
// and swallowed; they must never change a transaction's recorded status.
func (s *Service) sendEmail(to, subject, body string) {
	if s.mail == nil || to == "" {
		return
	}
	if err := s.mail.Send(to, subject, body); err != nil {
		log.Printf("level=warn component=settlement msg=\"email send failed\" to=%s subject=%q err=%v", to, subject, err)
	}
}
