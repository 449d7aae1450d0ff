/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the database tables
 * related to the transaction ledger, the settlement step log, and refund requests.
 *
 * @dependencies
 * - context, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/skillbridge/payment-service/internal/domain"
)

var (
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrAlreadyProcessed        = errors.New("transaction already processed")
	ErrDuplicateGatewayOrder   = errors.New("gateway order id already recorded")
	ErrRefundRequestNotFound   = errors.New("refund request not found")
	ErrRefundRequestNotPending = errors.New("refund request is not pending")
)

const pgUniqueViolation = "23505"

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const transactionColumns = `id, user_id, course_ids, amount, currency, gateway_order_id,
	gateway_payment_id, status, refund_id, refund_reason, error_message, created_at, updated_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := row.Scan(
		&tx.ID,
		&tx.UserID,
		&tx.CourseIDs,
		&tx.Amount,
		&tx.Currency,
		&tx.GatewayOrderID,
		&tx.GatewayPaymentID,
		&tx.Status,
		&tx.RefundID,
		&tx.RefundReason,
		&tx.ErrorMessage,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// CreateTransaction inserts a new ledger row. The unique index on
// gateway_order_id makes a duplicate creation fail loudly instead of
// silently overwriting an existing attempt.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	query := `
		INSERT INTO transactions (id, user_id, course_ids, amount, currency, gateway_order_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		tx.ID, tx.UserID, tx.CourseIDs, tx.Amount, tx.Currency, tx.GatewayOrderID, tx.Status,
	).Scan(&tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicateGatewayOrder, tx.GatewayOrderID)
		}
		return err
	}
	return nil
}

// FindTransactionByID retrieves a ledger row by its internal id.
func (r *PostgresRepository) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	tx, err := scanTransaction(r.db.QueryRow(ctx, query, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

// FindTransactionByGatewayOrderID retrieves a ledger row by the gateway's order id.
func (r *PostgresRepository) FindTransactionByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE gateway_order_id = $1`
	tx, err := scanTransaction(r.db.QueryRow(ctx, query, gatewayOrderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return tx, nil
}

// FindTransactionsByUserID lists a user's payment attempts, newest first.
func (r *PostgresRepository) FindTransactionsByUserID(ctx context.Context, userID string) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, *tx)
	}
	return transactions, rows.Err()
}

// ClaimPendingTransaction advances pending -> verified and records the
// gateway payment id in one statement. The row-level write lock serializes
// racing verify calls: only the first sees status = 'pending'.
func (r *PostgresRepository) ClaimPendingTransaction(ctx context.Context, gatewayOrderID, gatewayPaymentID string) (*domain.Transaction, error) {
	query := `
		UPDATE transactions
		SET status = $1, gateway_payment_id = $2, updated_at = now()
		WHERE gateway_order_id = $3 AND status = $4
		RETURNING ` + transactionColumns
	tx, err := scanTransaction(r.db.QueryRow(ctx, query,
		domain.StatusVerified, gatewayPaymentID, gatewayOrderID, domain.StatusPending,
	))
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	// Nothing claimed: distinguish a missing order from a replayed one.
	existing, lookupErr := r.FindTransactionByGatewayOrderID(ctx, gatewayOrderID)
	if lookupErr != nil {
		return nil, lookupErr
	}
	return existing, fmt.Errorf("%w: status is %s", ErrAlreadyProcessed, existing.Status)
}

// MarkTransactionCompleted advances verified -> completed.
func (r *PostgresRepository) MarkTransactionCompleted(ctx context.Context, transactionID uuid.UUID) error {
	return r.updateStatus(ctx, transactionID, domain.StatusCompleted, domain.StatusVerified)
}

// MarkTransactionRefunded records the gateway refund and advances the row to
// refunded. Valid from both verified (auto-rollback) and completed (manual).
func (r *PostgresRepository) MarkTransactionRefunded(ctx context.Context, transactionID uuid.UUID, refundID, refundReason string) error {
	query := `
		UPDATE transactions
		SET status = $1, refund_id = $2, refund_reason = $3, updated_at = now()
		WHERE id = $4 AND status IN ($5, $6)
	`
	tag, err := r.db.Exec(ctx, query,
		domain.StatusRefunded, refundID, refundReason, transactionID,
		domain.StatusVerified, domain.StatusCompleted,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// MarkTransactionFailed records why a settlement could not finish. This is
// the terminal manual-intervention state when reached from verified.
func (r *PostgresRepository) MarkTransactionFailed(ctx context.Context, transactionID uuid.UUID, errorMessage string) error {
	query := `
		UPDATE transactions
		SET status = $1, error_message = $2, updated_at = now()
		WHERE id = $3
	`
	tag, err := r.db.Exec(ctx, query, domain.StatusFailed, errorMessage, transactionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (r *PostgresRepository) updateStatus(ctx context.Context, transactionID uuid.UUID, status, fromStatus string) error {
	query := `
		UPDATE transactions
		SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3
	`
	tag, err := r.db.Exec(ctx, query, status, transactionID, fromStatus)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// RecordSettlementStep appends one durably-completed step to the step log.
func (r *PostgresRepository) RecordSettlementStep(ctx context.Context, step domain.SettlementStep) error {
	query := `
		INSERT INTO settlement_steps (id, transaction_id, step, detail)
		VALUES ($1, $2, $3, $4)
	`
	if step.ID == uuid.Nil {
		step.ID = uuid.New()
	}
	_, err := r.db.Exec(ctx, query, step.ID, step.TransactionID, step.Step, step.Detail)
	return err
}

// ListSettlementSteps returns the step log for one transaction in order.
func (r *PostgresRepository) ListSettlementSteps(ctx context.Context, transactionID uuid.UUID) ([]domain.SettlementStep, error) {
	query := `
		SELECT id, transaction_id, step, detail, created_at
		FROM settlement_steps
		WHERE transaction_id = $1
		ORDER BY created_at ASC
	`
	rows, err := r.db.Query(ctx, query, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []domain.SettlementStep
	for rows.Next() {
		var step domain.SettlementStep
		if err := rows.Scan(&step.ID, &step.TransactionID, &step.Step, &step.Detail, &step.CreatedAt); err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// CreateRefundRequest inserts a student-initiated refund request.
func (r *PostgresRepository) CreateRefundRequest(ctx context.Context, req *domain.RefundRequest) error {
	query := `
		INSERT INTO refund_requests (id, user_id, course_id, transaction_ref, amount, reason, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		req.ID, req.UserID, req.CourseID, req.TransactionRef, req.Amount, req.Reason, req.Status,
	).Scan(&req.CreatedAt, &req.UpdatedAt)
}

const refundRequestColumns = `id, user_id, course_id, transaction_ref, amount, reason, status,
	processed_by, processed_at, rejection_reason, created_at, updated_at`

func scanRefundRequest(row pgx.Row) (*domain.RefundRequest, error) {
	var req domain.RefundRequest
	err := row.Scan(
		&req.ID,
		&req.UserID,
		&req.CourseID,
		&req.TransactionRef,
		&req.Amount,
		&req.Reason,
		&req.Status,
		&req.ProcessedBy,
		&req.ProcessedAt,
		&req.RejectionReason,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// FindRefundRequestByID retrieves a refund request by id.
func (r *PostgresRepository) FindRefundRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.RefundRequest, error) {
	query := `SELECT ` + refundRequestColumns + ` FROM refund_requests WHERE id = $1`
	req, err := scanRefundRequest(r.db.QueryRow(ctx, query, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRefundRequestNotFound
		}
		return nil, err
	}
	return req, nil
}

// ListRefundRequestsByStatus pages through refund requests in a given state.
func (r *PostgresRepository) ListRefundRequestsByStatus(ctx context.Context, status string, limit, offset int) ([]domain.RefundRequest, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `
		SELECT ` + refundRequestColumns + `
		FROM refund_requests
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []domain.RefundRequest
	for rows.Next() {
		req, err := scanRefundRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *req)
	}
	return requests, rows.Err()
}

// ResolveRefundRequest moves a pending request into a terminal state. The
// status guard in the WHERE clause keeps two admins from resolving the same
// request twice.
func (r *PostgresRepository) ResolveRefundRequest(ctx context.Context, requestID uuid.UUID, status, processedBy string, rejectionReason *string) (*domain.RefundRequest, error) {
	query := `
		UPDATE refund_requests
		SET status = $1, processed_by = $2, processed_at = now(), rejection_reason = $3, updated_at = now()
		WHERE id = $4 AND status = $5
		RETURNING ` + refundRequestColumns
	req, err := scanRefundRequest(r.db.QueryRow(ctx, query,
		status, processedBy, rejectionReason, requestID, domain.RefundRequestPending,
	))
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	if _, lookupErr := r.FindRefundRequestByID(ctx, requestID); lookupErr != nil {
		return nil, lookupErr
	}
	return nil, ErrRefundRequestNotPending
}
