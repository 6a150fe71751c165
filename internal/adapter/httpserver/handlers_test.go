package httpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/reclip/recap-engine/internal/domain"
)

type fakeJobStore struct {
	domain.JobStore
	created bool
}

func (f *fakeJobStore) Create(_ domain.Context, _ domain.Job) (string, error) {
	f.created = true
	return "job-1", nil
}

type fakeLedger struct {
	account domain.QuotaAccount
	err     error
}

func (f *fakeLedger) Reserve(domain.Context, string, float64, string) (string, error) { return "", nil }
func (f *fakeLedger) Commit(domain.Context, string, float64, string, string) error     { return nil }
func (f *fakeLedger) Release(domain.Context, string) error                            { return nil }
func (f *fakeLedger) TopUp(domain.Context, string, float64, string) error             { return nil }
func (f *fakeLedger) GetAccount(domain.Context, string) (domain.QuotaAccount, error) {
	return f.account, f.err
}

type fakeQueue struct {
	enqueued bool
}

func (f *fakeQueue) EnqueueProcessJob(domain.Context, domain.ProcessJobPayload) (string, error) {
	f.enqueued = true
	return "msg-1", nil
}

func newAdmissionRequest(t *testing.T, owner string) *http.Request {
	t.Helper()
	body, err := json.Marshal(admissionRequestBody{SourceBlob: "blob-1"})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader(body))
	if owner != "" {
		req.Header.Set(ownerHeader, owner)
	}
	return req
}

// TestCreateJobHandlerRejectsWithoutCreatingOnQuotaExceeded guards against
// the admission path creating a job row before checking the Ledger: a
// user with no minutes available must get a 402 and no Store.Create call.
func TestCreateJobHandlerRejectsWithoutCreatingOnQuotaExceeded(t *testing.T) {
	store := &fakeJobStore{}
	queue := &fakeQueue{}
	ledger := &fakeLedger{account: domain.QuotaAccount{SubscriptionMinutesLimit: 10, SubscriptionMinutesUsed: 10}}
	s := &Server{Store: store, Ledger: ledger, Queue: queue}

	rec := httptest.NewRecorder()
	s.CreateJobHandler()(rec, newAdmissionRequest(t, "owner-1"))

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rec.Code)
	}
	if store.created {
		t.Fatal("expected no job to be created when quota is exhausted")
	}
	if queue.enqueued {
		t.Fatal("expected no enqueue when quota is exhausted")
	}
}

// TestCreateJobHandlerRejectsUnknownAccountAsPaymentRequired guards the
// no-plan case: GetAccount returning ErrNotFound must surface as
// PaymentRequired, not an internal error, and must not create a job.
func TestCreateJobHandlerRejectsUnknownAccountAsPaymentRequired(t *testing.T) {
	store := &fakeJobStore{}
	queue := &fakeQueue{}
	ledger := &fakeLedger{err: domain.ErrNotFound}
	s := &Server{Store: store, Ledger: ledger, Queue: queue}

	rec := httptest.NewRecorder()
	s.CreateJobHandler()(rec, newAdmissionRequest(t, "owner-2"))

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rec.Code)
	}
	if store.created {
		t.Fatal("expected no job to be created for an unknown account")
	}
}

// TestCreateJobHandlerCreatesJobWithAvailableQuota is the happy path: a
// user with available minutes gets a job created and enqueued.
func TestCreateJobHandlerCreatesJobWithAvailableQuota(t *testing.T) {
	store := &fakeJobStore{}
	queue := &fakeQueue{}
	ledger := &fakeLedger{account: domain.QuotaAccount{SubscriptionMinutesLimit: 60, SubscriptionMinutesUsed: 10}}
	s := &Server{Store: store, Ledger: ledger, Queue: queue}

	rec := httptest.NewRecorder()
	s.CreateJobHandler()(rec, newAdmissionRequest(t, "owner-3"))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if !store.created {
		t.Fatal("expected a job to be created")
	}
	if !queue.enqueued {
		t.Fatal("expected the job to be enqueued")
	}
}
