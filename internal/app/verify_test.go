package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/skillbridge/payment-service/internal/domain"
	"github.com/skillbridge/payment-service/internal/store"
	"github.com/skillbridge/payment-service/pkg/razorpay"
)

func pendingTransaction(courseIDs []string, amount int64) *domain.Transaction {
	return &domain.Transaction{
		ID:             uuid.New(),
		UserID:         "user_1",
		CourseIDs:      courseIDs,
		Amount:         amount,
		Currency:       "INR",
		GatewayOrderID: "order_v_1",
		Status:         domain.StatusPending,
	}
}

func signedVerifyRequest(orderID, paymentID string) domain.VerifyRequest {
	return domain.VerifyRequest{
		GatewayOrderID:   orderID,
		GatewayPaymentID: paymentID,
		Signature:        razorpay.Sign(orderID, paymentID, "key_secret"),
	}
}

// refundRecorder captures refund calls made against the fake gateway.
type refundRecorder struct {
	calls  int
	bodies []map[string]interface{}
}

func refundingGateway(t *testing.T, rec *refundRecorder, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.Contains(r.URL.Path, "/refund") {
			http.NotFound(w, r)
			return
		}
		rec.calls++
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		rec.bodies = append(rec.bodies, body)

		w.Header().Set("Content-Type", "application/json")
		if status != 0 {
			w.WriteHeader(status)
			_, _ = io.WriteString(w, `{"error":{"code":"SERVER_ERROR","description":"refund backend down"}}`)
			return
		}
		_, _ = io.WriteString(w, `{"id":"rfnd_auto_1","payment_id":"pay_v_1","status":"processed"}`)
	}))
}

func TestVerify_SignatureMismatchNeverTouchesLedger(t *testing.T) {
	repo := &paymentRepoStub{}
	svc := newTestService(repo, "http://unused.invalid", "http://unused.invalid", "http://unused.invalid")

	req := domain.VerifyRequest{
		GatewayOrderID:   "order_v_1",
		GatewayPaymentID: "pay_v_1",
		Signature:        razorpay.Sign("order_v_1", "pay_v_1", "wrong_secret"),
	}
	_, err := svc.Verify(context.Background(), req, "user@example.com")
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if repo.claimCalls != 0 {
		t.Fatalf("expected zero ledger access on signature mismatch, got %d claim calls", repo.claimCalls)
	}
}

func TestVerify_CompletesSettlementAndEnrollsOnce(t *testing.T) {
	enrollCalls := 0
	courses := map[string]domain.Course{
		"c1": {ID: "c1", Price: 500},
		"c2": {ID: "c2", Price: 1500},
	}
	courseServer := httptest.NewServer(courseRegistryHandler(t, courses, &enrollCalls, 0))
	defer courseServer.Close()

	profileCalls := 0
	profileServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/profile/add-course" {
			profileCalls++
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer profileServer.Close()

	repo := &paymentRepoStub{claimTx: pendingTransaction([]string{"c1", "c2"}, 2000)}
	svc := newTestService(repo, "http://unused.invalid", courseServer.URL, profileServer.URL)

	tx, err := svc.Verify(context.Background(), signedVerifyRequest("order_v_1", "pay_v_1"), "user@example.com")
	if err != nil {
		t.Fatalf("expected settlement to succeed, got %v", err)
	}

	if tx.Status != domain.StatusCompleted {
		t.Fatalf("expected completed status, got %q", tx.Status)
	}
	if !repo.completedCalled {
		t.Fatal("expected completion to be persisted")
	}
	if enrollCalls != 1 {
		t.Fatalf("expected one batch enroll call, got %d", enrollCalls)
	}
	if profileCalls != 2 {
		t.Fatalf("expected one profile update per course, got %d", profileCalls)
	}

	want := []string{domain.StepVerified, domain.StepCourseEnrolled, domain.StepProfileUpdated, domain.StepProfileUpdated, domain.StepCompleted}
	got := stepNames(repo.steps)
	if len(got) != len(want) {
		t.Fatalf("expected step log %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected step log %v, got %v", want, got)
		}
	}
}

func TestVerify_ReplayedCallbackDoesNotReenroll(t *testing.T) {
	enrollCalls := 0
	courseServer := httptest.NewServer(courseRegistryHandler(t, nil, &enrollCalls, 0))
	defer courseServer.Close()

	completed := pendingTransaction([]string{"c1"}, 500)
	completed.Status = domain.StatusCompleted
	repo := &paymentRepoStub{
		claimTx:  completed,
		claimErr: fmt.Errorf("%w: status is %s", store.ErrAlreadyProcessed, completed.Status),
	}
	svc := newTestService(repo, "http://unused.invalid", courseServer.URL, courseServer.URL)

	tx, err := svc.Verify(context.Background(), signedVerifyRequest("order_v_1", "pay_v_1"), "user@example.com")
	if !errors.Is(err, store.ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed for a replayed callback, got %v", err)
	}
	if tx == nil || tx.Status != domain.StatusCompleted {
		t.Fatalf("expected the existing transaction state back, got %+v", tx)
	}
	if enrollCalls != 0 {
		t.Fatalf("expected no re-enrollment on replay, got %d enroll calls", enrollCalls)
	}
	if repo.completedCalled {
		t.Fatal("expected no status write on replay")
	}
}

// racingClaimRepoStub serializes claim attempts the way the database row
// lock does: the first caller wins the pending row, every later caller gets
// the already-claimed state back.
type racingClaimRepoStub struct {
	store.Repository

	mu        sync.Mutex
	pending   *domain.Transaction
	claimed   *domain.Transaction
	completed int
}

func (s *racingClaimRepoStub) ClaimPendingTransaction(ctx context.Context, gatewayOrderID, gatewayPaymentID string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed != nil {
		existing := *s.claimed
		return &existing, fmt.Errorf("%w: status is %s", store.ErrAlreadyProcessed, existing.Status)
	}
	claimed := *s.pending
	claimed.Status = domain.StatusVerified
	claimed.GatewayPaymentID = &gatewayPaymentID
	s.claimed = &claimed
	winner := claimed
	return &winner, nil
}

func (s *racingClaimRepoStub) MarkTransactionCompleted(ctx context.Context, transactionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed++
	s.claimed.Status = domain.StatusCompleted
	return nil
}

func (s *racingClaimRepoStub) RecordSettlementStep(ctx context.Context, step domain.SettlementStep) error {
	return nil
}

func TestVerify_ConcurrentCallbacksSettleExactlyOnce(t *testing.T) {
	var enrollCalls int32
	peerServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/course/enroll" {
			atomic.AddInt32(&enrollCalls, 1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer peerServer.Close()

	repo := &racingClaimRepoStub{pending: pendingTransaction([]string{"c1"}, 500)}
	svc := newTestService(repo, "http://unused.invalid", peerServer.URL, peerServer.URL)

	const callers = 8
	req := signedVerifyRequest("order_v_1", "pay_v_1")
	results := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Verify(context.Background(), req, "user@example.com")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins, replays := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, store.ErrAlreadyProcessed):
			replays++
		default:
			t.Fatalf("unexpected verify outcome: %v", err)
		}
	}

	if wins != 1 {
		t.Fatalf("expected exactly one caller to settle the payment, got %d", wins)
	}
	if replays != callers-1 {
		t.Fatalf("expected %d replayed callbacks, got %d", callers-1, replays)
	}
	if got := atomic.LoadInt32(&enrollCalls); got != 1 {
		t.Fatalf("expected one batch enroll across all callers, got %d", got)
	}
	if repo.completed != 1 {
		t.Fatalf("expected one completion write, got %d", repo.completed)
	}
}

func TestVerify_UnknownOrderSurfacesNotFound(t *testing.T) {
	repo := &paymentRepoStub{claimErr: store.ErrTransactionNotFound}
	svc := newTestService(repo, "http://unused.invalid", "http://unused.invalid", "http://unused.invalid")

	_, err := svc.Verify(context.Background(), signedVerifyRequest("order_missing", "pay_v_1"), "")
	if !errors.Is(err, store.ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}

func TestVerify_EnrollmentFailureRefundsFullAmount(t *testing.T) {
	enrollCalls := 0
	courseServer := httptest.NewServer(courseRegistryHandler(t, nil, &enrollCalls, http.StatusInternalServerError))
	defer courseServer.Close()

	rec := &refundRecorder{}
	gateway := refundingGateway(t, rec, 0)
	defer gateway.Close()

	repo := &paymentRepoStub{claimTx: pendingTransaction([]string{"c1", "c2"}, 2000)}
	svc := newTestService(repo, gateway.URL, courseServer.URL, courseServer.URL)

	tx, err := svc.Verify(context.Background(), signedVerifyRequest("order_v_1", "pay_v_1"), "user@example.com")
	if !errors.Is(err, ErrEnrollmentRefunded) {
		t.Fatalf("expected ErrEnrollmentRefunded, got %v", err)
	}

	// The batch enroll call is retried as a unit before giving up.
	if enrollCalls != testPolicy().MaxAttempts {
		t.Fatalf("expected %d batch enroll attempts, got %d", testPolicy().MaxAttempts, enrollCalls)
	}
	if rec.calls != 1 {
		t.Fatalf("expected one refund call, got %d", rec.calls)
	}
	if _, present := rec.bodies[0]["amount"]; present {
		t.Fatal("expected a full refund (amount omitted), got a partial amount")
	}
	if !repo.refundedCalled {
		t.Fatal("expected the refund to be persisted")
	}
	if repo.gotRefundReason != "Enrollment failed" {
		t.Fatalf("expected refund reason %q, got %q", "Enrollment failed", repo.gotRefundReason)
	}
	if repo.gotRefundID == "" {
		t.Fatal("expected a gateway refund id on the ledger row")
	}
	if tx.Status != domain.StatusRefunded {
		t.Fatalf("expected refunded status, got %q", tx.Status)
	}
	if repo.failedCalled {
		t.Fatal("expected no failed status when the refund succeeded")
	}
}

func TestVerify_RefundFailureParksTransactionForManualIntervention(t *testing.T) {
	courseServer := httptest.NewServer(courseRegistryHandler(t, nil, nil, http.StatusInternalServerError))
	defer courseServer.Close()

	rec := &refundRecorder{}
	gateway := refundingGateway(t, rec, http.StatusInternalServerError)
	defer gateway.Close()

	repo := &paymentRepoStub{claimTx: pendingTransaction([]string{"c1"}, 500)}
	svc := newTestService(repo, gateway.URL, courseServer.URL, courseServer.URL)

	tx, err := svc.Verify(context.Background(), signedVerifyRequest("order_v_1", "pay_v_1"), "user@example.com")
	if !errors.Is(err, ErrManualInterventionRequired) {
		t.Fatalf("expected ErrManualInterventionRequired, got %v", err)
	}

	if rec.calls != testPolicy().MaxAttempts {
		t.Fatalf("expected refund to be retried %d times, got %d", testPolicy().MaxAttempts, rec.calls)
	}
	if !repo.failedCalled {
		t.Fatal("expected the transaction to be parked in failed")
	}
	if !strings.Contains(repo.gotErrorMessage, "enrollment failed") || !strings.Contains(repo.gotErrorMessage, "refund failed") {
		t.Fatalf("expected both failures recorded, got %q", repo.gotErrorMessage)
	}
	if tx.Status != domain.StatusFailed {
		t.Fatalf("expected failed status, got %q", tx.Status)
	}
	if repo.refundedCalled {
		t.Fatal("expected no refunded status when the refund never went through")
	}
}

func TestVerify_PartialProfileFailureStillRefundsInFull(t *testing.T) {
	enrollCalls := 0
	courseServer := httptest.NewServer(courseRegistryHandler(t, nil, &enrollCalls, 0))
	defer courseServer.Close()

	// First course's profile update succeeds, the second always fails.
	profileServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			CourseID string `json:"courseId"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload.CourseID == "c2" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer profileServer.Close()

	rec := &refundRecorder{}
	gateway := refundingGateway(t, rec, 0)
	defer gateway.Close()

	repo := &paymentRepoStub{claimTx: pendingTransaction([]string{"c1", "c2"}, 2000)}
	svc := newTestService(repo, gateway.URL, courseServer.URL, profileServer.URL)

	_, err := svc.Verify(context.Background(), signedVerifyRequest("order_v_1", "pay_v_1"), "user@example.com")
	if !errors.Is(err, ErrEnrollmentRefunded) {
		t.Fatalf("expected ErrEnrollmentRefunded, got %v", err)
	}

	// The first profile update stays applied; only the refund compensates.
	if got := countStep(repo.steps, domain.StepProfileUpdated); got != 1 {
		t.Fatalf("expected exactly one applied profile update in the step log, got %d", got)
	}
	if rec.calls != 1 {
		t.Fatalf("expected one refund call, got %d", rec.calls)
	}
	if _, present := rec.bodies[0]["amount"]; present {
		t.Fatal("expected the full captured amount refunded despite partial profile success")
	}
	if repo.gotRefundReason != "Enrollment failed" {
		t.Fatalf("expected refund reason %q, got %q", "Enrollment failed", repo.gotRefundReason)
	}
}

func TestVerify_PriceDriftTriggersRefundWhenRevalidationEnabled(t *testing.T) {
	enrollCalls := 0
	courses := map[string]domain.Course{
		"c1": {ID: "c1", Price: 700}, // was 500 at capture time
	}
	courseServer := httptest.NewServer(courseRegistryHandler(t, courses, &enrollCalls, 0))
	defer courseServer.Close()

	rec := &refundRecorder{}
	gateway := refundingGateway(t, rec, 0)
	defer gateway.Close()

	repo := &paymentRepoStub{claimTx: pendingTransaction([]string{"c1"}, 500)}
	svc := newTestService(repo, gateway.URL, courseServer.URL, courseServer.URL)
	svc.revalidatePrices = true

	_, err := svc.Verify(context.Background(), signedVerifyRequest("order_v_1", "pay_v_1"), "user@example.com")
	if !errors.Is(err, ErrEnrollmentRefunded) {
		t.Fatalf("expected refund outcome on price drift, got %v", err)
	}
	if enrollCalls != 0 {
		t.Fatalf("expected no enrollment after price drift, got %d calls", enrollCalls)
	}
	if rec.calls != 1 {
		t.Fatalf("expected one refund call, got %d", rec.calls)
	}
	if repo.gotRefundReason != "Price validation failed" {
		t.Fatalf("expected refund reason %q, got %q", "Price validation failed", repo.gotRefundReason)
	}
}

func TestVerify_RevalidationDisabledByDefault(t *testing.T) {
	enrollCalls := 0
	courses := map[string]domain.Course{
		"c1": {ID: "c1", Price: 700}, // drifted, but revalidation is off
	}
	courseServer := httptest.NewServer(courseRegistryHandler(t, courses, &enrollCalls, 0))
	defer courseServer.Close()

	profileServer := okProfileServer(t)
	defer profileServer.Close()

	repo := &paymentRepoStub{claimTx: pendingTransaction([]string{"c1"}, 500)}
	svc := newTestService(repo, "http://unused.invalid", courseServer.URL, profileServer.URL)

	tx, err := svc.Verify(context.Background(), signedVerifyRequest("order_v_1", "pay_v_1"), "user@example.com")
	if err != nil {
		t.Fatalf("expected settlement to succeed with revalidation off, got %v", err)
	}
	if tx.Status != domain.StatusCompleted {
		t.Fatalf("expected completed status, got %q", tx.Status)
	}
}
