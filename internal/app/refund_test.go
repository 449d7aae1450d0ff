package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/skillbridge/payment-service/internal/domain"
	"github.com/skillbridge/payment-service/internal/store"
)

func completedTransaction() *domain.Transaction {
	paymentID := "pay_done_1"
	return &domain.Transaction{
		ID:               uuid.New(),
		UserID:           "user_1",
		CourseIDs:        []string{"c1", "c2"},
		Amount:           2000,
		Currency:         "INR",
		GatewayOrderID:   "order_done_1",
		GatewayPaymentID: &paymentID,
		Status:           domain.StatusCompleted,
	}
}

func TestRefundTransaction_MarksRefundedAndUnenrollsBestEffort(t *testing.T) {
	rec := &refundRecorder{}
	gateway := refundingGateway(t, rec, 0)
	defer gateway.Close()

	// Unenroll cleanup fails, which must not affect the refund outcome.
	courseServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer courseServer.Close()

	tx := completedTransaction()
	repo := &paymentRepoStub{findTx: tx}
	svc := newTestService(repo, gateway.URL, courseServer.URL, courseServer.URL)

	refunded, err := svc.RefundTransaction(context.Background(), tx.ID, "chargeback settled", "admin_1")
	if err != nil {
		t.Fatalf("expected refund to succeed despite cleanup failures, got %v", err)
	}

	if refunded.Status != domain.StatusRefunded {
		t.Fatalf("expected refunded status, got %q", refunded.Status)
	}
	if !repo.refundedCalled || repo.gotRefundReason != "chargeback settled" {
		t.Fatalf("expected refund persisted with admin reason, got reason %q", repo.gotRefundReason)
	}
	if rec.calls != 1 {
		t.Fatalf("expected exactly one gateway refund call, got %d", rec.calls)
	}
	if got := countStep(repo.steps, domain.StepManualRefunded); got != 1 {
		t.Fatalf("expected one manual_refunded step, got %d", got)
	}
}

func TestRefundTransaction_SingleGatewayAttempt(t *testing.T) {
	rec := &refundRecorder{}
	gateway := refundingGateway(t, rec, http.StatusInternalServerError)
	defer gateway.Close()

	tx := completedTransaction()
	repo := &paymentRepoStub{findTx: tx}
	svc := newTestService(repo, gateway.URL, "http://unused.invalid", "http://unused.invalid")

	_, err := svc.RefundTransaction(context.Background(), tx.ID, "", "admin_1")
	if err == nil {
		t.Fatal("expected gateway failure to surface")
	}
	// An operator retries manually; the gateway must not be hammered.
	if rec.calls != 1 {
		t.Fatalf("expected a single gateway attempt, got %d", rec.calls)
	}
	if repo.refundedCalled {
		t.Fatal("expected no ledger update when the gateway refund failed")
	}
}

func TestRefundTransaction_RejectsAlreadyRefunded(t *testing.T) {
	tx := completedTransaction()
	tx.Status = domain.StatusRefunded
	repo := &paymentRepoStub{findTx: tx}
	svc := newTestService(repo, "http://unused.invalid", "http://unused.invalid", "http://unused.invalid")

	_, err := svc.RefundTransaction(context.Background(), tx.ID, "again", "admin_1")
	if !errors.Is(err, ErrAlreadyRefunded) {
		t.Fatalf("expected ErrAlreadyRefunded, got %v", err)
	}
}

func TestRefundTransaction_RejectsParkedTransactionBeforeGateway(t *testing.T) {
	rec := &refundRecorder{}
	gateway := refundingGateway(t, rec, 0)
	defer gateway.Close()

	// A transaction parked in failed still carries its captured payment id,
	// but the ledger cannot move failed to refunded. The gateway must not be
	// touched for a status the ledger will refuse to record.
	tx := completedTransaction()
	tx.Status = domain.StatusFailed
	repo := &paymentRepoStub{findTx: tx}
	svc := newTestService(repo, gateway.URL, "http://unused.invalid", "http://unused.invalid")

	_, err := svc.RefundTransaction(context.Background(), tx.ID, "", "admin_1")
	if !errors.Is(err, ErrNotRefundable) {
		t.Fatalf("expected ErrNotRefundable for a failed transaction, got %v", err)
	}
	if rec.calls != 0 {
		t.Fatalf("expected no gateway refund for a non-refundable status, got %d calls", rec.calls)
	}
	if repo.refundedCalled {
		t.Fatal("expected no ledger update for a non-refundable status")
	}
}

func TestRefundTransaction_RejectsUncapturedPayment(t *testing.T) {
	tx := completedTransaction()
	tx.GatewayPaymentID = nil
	tx.Status = domain.StatusPending
	repo := &paymentRepoStub{findTx: tx}
	svc := newTestService(repo, "http://unused.invalid", "http://unused.invalid", "http://unused.invalid")

	_, err := svc.RefundTransaction(context.Background(), tx.ID, "", "admin_1")
	if !errors.Is(err, ErrNothingToRefund) {
		t.Fatalf("expected ErrNothingToRefund, got %v", err)
	}
}

func TestCreateRefundRequest_ValidatesInput(t *testing.T) {
	repo := &paymentRepoStub{}
	svc := newTestService(repo, "http://unused.invalid", "http://unused.invalid", "http://unused.invalid")

	cases := []struct {
		name    string
		payload domain.CreateRefundRequestPayload
	}{
		{name: "missing course", payload: domain.CreateRefundRequestPayload{Amount: 500, Reason: "duplicate charge"}},
		{name: "non-positive amount", payload: domain.CreateRefundRequestPayload{CourseID: "c1", Amount: 0, Reason: "duplicate charge"}},
		{name: "missing reason", payload: domain.CreateRefundRequestPayload{CourseID: "c1", Amount: 500}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.CreateRefundRequest(context.Background(), "user_1", tc.payload); !errors.Is(err, ErrInvalidRefundRequest) {
				t.Fatalf("expected ErrInvalidRefundRequest, got %v", err)
			}
		})
	}

	req, err := svc.CreateRefundRequest(context.Background(), "user_1", domain.CreateRefundRequestPayload{
		CourseID:       "c1",
		TransactionRef: "order_done_1",
		Amount:         500,
		Reason:         "duplicate charge",
	})
	if err != nil {
		t.Fatalf("expected valid request to persist, got %v", err)
	}
	if req.Status != domain.RefundRequestPending {
		t.Fatalf("expected pending status, got %q", req.Status)
	}
}

func TestApproveRefundRequest_IssuesPartialRefundInMinorUnits(t *testing.T) {
	var gotPath string
	rec := &refundRecorder{}
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		rec.calls++
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		rec.bodies = append(rec.bodies, body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"rfnd_part_1","payment_id":"pay_done_1","amount":30000,"status":"processed"}`)
	}))
	defer gateway.Close()

	courseServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer courseServer.Close()

	tx := completedTransaction()
	repo := &paymentRepoStub{
		findTx: tx,
		refundReq: &domain.RefundRequest{
			ID:             uuid.New(),
			UserID:         "user_1",
			CourseID:       "c1",
			TransactionRef: tx.ID.String(),
			Amount:         300,
			Reason:         "course not as described",
			Status:         domain.RefundRequestPending,
		},
	}
	svc := newTestService(repo, gateway.URL, courseServer.URL, courseServer.URL)

	resolved, err := svc.ApproveRefundRequest(context.Background(), repo.refundReq.ID, "admin_1")
	if err != nil {
		t.Fatalf("expected approval to succeed, got %v", err)
	}

	if !strings.Contains(gotPath, "pay_done_1") {
		t.Fatalf("expected refund against the captured payment, got path %q", gotPath)
	}
	if got, ok := rec.bodies[0]["amount"].(float64); !ok || int64(got) != 30000 {
		t.Fatalf("expected partial refund of 30000 minor units, got %v", rec.bodies[0]["amount"])
	}
	if repo.resolvedStatus != domain.RefundRequestApproved {
		t.Fatalf("expected request resolved as approved, got %q", repo.resolvedStatus)
	}
	if resolved.Status != domain.RefundRequestApproved {
		t.Fatalf("expected approved status on response, got %q", resolved.Status)
	}
}

func TestApproveRefundRequest_ParksRequestWhenNoPaymentFound(t *testing.T) {
	rec := &refundRecorder{}
	gateway := refundingGateway(t, rec, 0)
	defer gateway.Close()

	repo := &paymentRepoStub{
		findErr: store.ErrTransactionNotFound,
		refundReq: &domain.RefundRequest{
			ID:             uuid.New(),
			UserID:         "user_1",
			CourseID:       "c1",
			TransactionRef: "order_ghost",
			Amount:         300,
			Reason:         "never got access",
			Status:         domain.RefundRequestPending,
		},
	}
	svc := newTestService(repo, gateway.URL, "http://unused.invalid", "http://unused.invalid")

	_, err := svc.ApproveRefundRequest(context.Background(), repo.refundReq.ID, "admin_1")
	if !errors.Is(err, ErrNothingToRefund) {
		t.Fatalf("expected ErrNothingToRefund, got %v", err)
	}
	if rec.calls != 0 {
		t.Fatalf("expected no gateway refund without a located payment, got %d calls", rec.calls)
	}
	if repo.resolvedStatus != domain.RefundRequestFailed {
		t.Fatalf("expected request parked as failed, got %q", repo.resolvedStatus)
	}
	if repo.resolvedReason == nil || *repo.resolvedReason == "" {
		t.Fatal("expected the lookup diagnostic recorded on the request")
	}
}

func TestApproveRefundRequest_TransientLookupFailureLeavesRequestPending(t *testing.T) {
	rec := &refundRecorder{}
	gateway := refundingGateway(t, rec, 0)
	defer gateway.Close()

	repo := &paymentRepoStub{
		findErr: errors.New("connection reset by peer"),
		refundReq: &domain.RefundRequest{
			ID:             uuid.New(),
			UserID:         "user_1",
			CourseID:       "c1",
			TransactionRef: "order_done_1",
			Amount:         300,
			Reason:         "never got access",
			Status:         domain.RefundRequestPending,
		},
	}
	svc := newTestService(repo, gateway.URL, "http://unused.invalid", "http://unused.invalid")

	_, err := svc.ApproveRefundRequest(context.Background(), repo.refundReq.ID, "admin_1")
	if err == nil {
		t.Fatal("expected the store failure to surface")
	}
	if errors.Is(err, ErrNothingToRefund) {
		t.Fatalf("expected a store failure, not an unresolvable reference, got %v", err)
	}
	// The request stays pending so the admin can simply retry once the
	// store recovers.
	if repo.resolvedStatus != "" {
		t.Fatalf("expected the request left pending, got resolved as %q", repo.resolvedStatus)
	}
	if rec.calls != 0 {
		t.Fatalf("expected no gateway refund on a failed lookup, got %d calls", rec.calls)
	}
}

func TestApproveRefundRequest_RejectsOversizedAmount(t *testing.T) {
	rec := &refundRecorder{}
	gateway := refundingGateway(t, rec, 0)
	defer gateway.Close()

	tx := completedTransaction() // captured 2000
	repo := &paymentRepoStub{
		findTx: tx,
		refundReq: &domain.RefundRequest{
			ID:             uuid.New(),
			UserID:         "user_1",
			CourseID:       "c1",
			TransactionRef: tx.ID.String(),
			Amount:         5000,
			Reason:         "want it all back",
			Status:         domain.RefundRequestPending,
		},
	}
	svc := newTestService(repo, gateway.URL, "http://unused.invalid", "http://unused.invalid")

	_, err := svc.ApproveRefundRequest(context.Background(), repo.refundReq.ID, "admin_1")
	if !errors.Is(err, ErrNothingToRefund) {
		t.Fatalf("expected oversized request to be rejected, got %v", err)
	}
	if rec.calls != 0 {
		t.Fatalf("expected no gateway call for an oversized amount, got %d", rec.calls)
	}
}

func TestApproveRefundRequest_RefusesNonPendingRequest(t *testing.T) {
	repo := &paymentRepoStub{
		refundReq: &domain.RefundRequest{
			ID:     uuid.New(),
			Status: domain.RefundRequestApproved,
		},
	}
	svc := newTestService(repo, "http://unused.invalid", "http://unused.invalid", "http://unused.invalid")

	_, err := svc.ApproveRefundRequest(context.Background(), repo.refundReq.ID, "admin_1")
	if !errors.Is(err, store.ErrRefundRequestNotPending) {
		t.Fatalf("expected ErrRefundRequestNotPending, got %v", err)
	}
}

func TestRejectRefundRequest_RequiresReason(t *testing.T) {
	repo := &paymentRepoStub{
		refundReq: &domain.RefundRequest{ID: uuid.New(), Status: domain.RefundRequestPending},
	}
	svc := newTestService(repo, "http://unused.invalid", "http://unused.invalid", "http://unused.invalid")

	if _, err := svc.RejectRefundRequest(context.Background(), repo.refundReq.ID, "admin_1", "  "); !errors.Is(err, ErrInvalidRefundRequest) {
		t.Fatalf("expected ErrInvalidRefundRequest for blank reason, got %v", err)
	}

	resolved, err := svc.RejectRefundRequest(context.Background(), repo.refundReq.ID, "admin_1", "outside refund window")
	if err != nil {
		t.Fatalf("expected rejection to succeed, got %v", err)
	}
	if resolved.Status != domain.RefundRequestRejected {
		t.Fatalf("expected rejected status, got %q", resolved.Status)
	}
	if repo.resolvedReason == nil || *repo.resolvedReason != "outside refund window" {
		t.Fatal("expected rejection reason persisted")
	}
}
