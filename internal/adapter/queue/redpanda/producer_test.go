package redpanda

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/reclip/recap-engine/internal/domain"
)

func TestNewProducerWithTransactionalIDRejectsNoBrokers(t *testing.T) {
	_, err := NewProducerWithTransactionalID(nil, "tx-id", "secret")
	if err == nil {
		t.Fatal("expected an error when no seed brokers are provided")
	}
}

func TestSignIsDeterministicForSameNotice(t *testing.T) {
	p := &Producer{hmacKey: []byte("signing-key")}
	notice := domain.BillingCompletionNotice{JobID: "job-1", UserID: "user-1", BilledMinutes: 12.5, BillingPeriod: "2026-07"}

	sig1, err := p.sign(notice)
	if err != nil {
		t.Fatalf("sign() error = %v", err)
	}
	sig2, err := p.sign(notice)
	if err != nil {
		t.Fatalf("sign() error = %v", err)
	}
	if sig1 != sig2 {
		t.Fatalf("expected deterministic signatures, got %q and %q", sig1, sig2)
	}
}

func TestSignMatchesIndependentHMACComputation(t *testing.T) {
	key := []byte("signing-key")
	p := &Producer{hmacKey: key}
	notice := domain.BillingCompletionNotice{JobID: "job-1", UserID: "user-1", BilledMinutes: 5, BillingPeriod: "2026-07"}

	got, err := p.sign(notice)
	if err != nil {
		t.Fatalf("sign() error = %v", err)
	}

	b, err := json.Marshal(notice)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(b)
	want := hex.EncodeToString(mac.Sum(nil))

	if got != want {
		t.Fatalf("sign() = %q, want %q", got, want)
	}
}

func TestSignDiffersForDifferentNotices(t *testing.T) {
	p := &Producer{hmacKey: []byte("signing-key")}
	sig1, _ := p.sign(domain.BillingCompletionNotice{JobID: "job-1", BilledMinutes: 1})
	sig2, _ := p.sign(domain.BillingCompletionNotice{JobID: "job-2", BilledMinutes: 1})
	if sig1 == sig2 {
		t.Fatal("expected different notices to produce different signatures")
	}
}
