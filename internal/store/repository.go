/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the payment-service. By defining an interface,
 * we decouple the application's business logic from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context: Standard Go library.
 * - github.com/google/uuid: For UUID generation and handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/skillbridge/payment-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Transaction ledger methods
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error)
	FindTransactionByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*domain.Transaction, error)
	FindTransactionsByUserID(ctx context.Context, userID string) ([]domain.Transaction, error)

	// ClaimPendingTransaction is the idempotency guard for verify: it records
	// the gateway payment id and advances pending -> verified in a single
	// serialized read-modify-write. When several verify calls race on one
	// gateway order id, at most one claim succeeds; the rest observe
	// ErrAlreadyProcessed (or ErrTransactionNotFound if no row exists).
	ClaimPendingTransaction(ctx context.Context, gatewayOrderID, gatewayPaymentID string) (*domain.Transaction, error)

	MarkTransactionCompleted(ctx context.Context, transactionID uuid.UUID) error
	MarkTransactionRefunded(ctx context.Context, transactionID uuid.UUID, refundID, refundReason string) error
	MarkTransactionFailed(ctx context.Context, transactionID uuid.UUID, errorMessage string) error

	// Settlement step log methods
	RecordSettlementStep(ctx context.Context, step domain.SettlementStep) error
	ListSettlementSteps(ctx context.Context, transactionID uuid.UUID) ([]domain.SettlementStep, error)

	// Refund request methods
	CreateRefundRequest(ctx context.Context, req *domain.RefundRequest) error
	FindRefundRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.RefundRequest, error)
	ListRefundRequestsByStatus(ctx context.Context, status string, limit, offset int) ([]domain.RefundRequest, error)

	// ResolveRefundRequest moves a refund request out of pending into one of
	// the terminal states. The transition only applies while the row is still
	// pending; a concurrent resolution observes ErrRefundRequestNotPending.
	ResolveRefundRequest(ctx context.Context, requestID uuid.UUID, status, processedBy string, rejectionReason *string) (*domain.RefundRequest, error)
}
