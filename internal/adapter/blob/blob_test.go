package blob

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/reclip/recap-engine/internal/domain"
)

func testSignature(t *testing.T, hmacKey, handle string, expires int64) string {
	t.Helper()
	mac, err := blake2b.New256([]byte(hmacKey))
	if err != nil {
		t.Fatalf("failed to construct test mac: %v", err)
	}
	fmt.Fprintf(mac, "%s|%d", handle, expires)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func TestPutObjectSignsAndReturnsHandle(t *testing.T) {
	var gotUser, gotPass string
	var ok bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, ok = r.BasicAuth()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(srv.URL, "recap-media", "access-key", "secret-key", "hmac-key")
	handle, err := s.PutObject(context.Background(), "sources", []byte("hello world"), "text/plain")
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if handle == "" {
		t.Fatal("expected a non-empty handle")
	}
	if !ok || gotUser != "access-key" || gotPass != "secret-key" {
		t.Fatalf("expected signed basic auth, got user=%q pass=%q ok=%v", gotUser, gotPass, ok)
	}
}

func TestPutObjectSniffsContentTypeWhenEmpty(t *testing.T) {
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(srv.URL, "recap-media", "", "", "hmac-key")
	if _, err := s.PutObject(context.Background(), "sources", []byte("%PDF-1.4 fake pdf bytes"), ""); err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if gotContentType == "" {
		t.Fatal("expected a sniffed content type, got empty string")
	}
}

func TestPutObjectNonSuccessStatusReturnsProviderTransientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := New(srv.URL, "recap-media", "", "", "hmac-key")
	if _, err := s.PutObject(context.Background(), "sources", []byte("x"), "text/plain"); err == nil {
		t.Fatal("expected an error for a non-2xx put response")
	}
}

func TestGetObjectNotFoundMapsToDomainErrNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := New(srv.URL, "recap-media", "", "", "hmac-key")
	_, err := s.GetObject(context.Background(), "sources/missing")
	if err == nil {
		t.Fatal("expected an error for a missing object")
	}
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected a wrapped domain.ErrNotFound, got %v", err)
	}
}

func TestGetObjectReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("object bytes"))
	}))
	defer srv.Close()

	s := New(srv.URL, "recap-media", "", "", "hmac-key")
	body, err := s.GetObject(context.Background(), "sources/present")
	if err != nil {
		t.Fatalf("GetObject() error = %v", err)
	}
	if string(body) != "object bytes" {
		t.Fatalf("GetObject() = %q, want %q", body, "object bytes")
	}
}

func TestDeleteToleratesNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := New(srv.URL, "recap-media", "", "", "hmac-key")
	if err := s.Delete(context.Background(), "sources/missing"); err != nil {
		t.Fatalf("Delete() should tolerate a 404, got %v", err)
	}
}

func TestPresignGetProducesVerifiableSignature(t *testing.T) {
	s := New("http://localhost:9000", "recap-media", "", "", "hmac-secret")
	presigned, err := s.PresignGet(context.Background(), "sources/abc", time.Hour)
	if err != nil {
		t.Fatalf("PresignGet() error = %v", err)
	}
	if presigned == "" {
		t.Fatal("expected a non-empty presigned URL")
	}
	u, err := url.Parse(presigned)
	if err != nil {
		t.Fatalf("presigned URL does not parse: %v", err)
	}
	expires, err := strconv.ParseInt(u.Query().Get("expires"), 10, 64)
	if err != nil {
		t.Fatalf("presigned URL has no valid expires parameter: %v", err)
	}
	if !s.VerifyPresigned("sources/abc", expires, u.Query().Get("sig")) {
		t.Fatal("expected VerifyPresigned to accept the signature PresignGet produced")
	}
}

func TestVerifyPresignedAcceptsOwnSignature(t *testing.T) {
	s := New("http://localhost:9000", "recap-media", "", "", "hmac-secret")
	expires := time.Now().Add(time.Hour).Unix()

	mac := testSignature(t, "hmac-secret", "sources/abc", expires)
	if !s.VerifyPresigned("sources/abc", expires, mac) {
		t.Fatal("expected VerifyPresigned to accept a signature computed with the same key")
	}
}

func TestVerifyPresignedRejectsExpired(t *testing.T) {
	s := New("http://localhost:9000", "recap-media", "", "", "hmac-secret")
	expired := time.Now().Add(-time.Hour).Unix()
	mac := testSignature(t, "hmac-secret", "sources/abc", expired)
	if s.VerifyPresigned("sources/abc", expired, mac) {
		t.Fatal("expected VerifyPresigned to reject an expired signature")
	}
}

func TestVerifyPresignedRejectsTamperedSignature(t *testing.T) {
	s := New("http://localhost:9000", "recap-media", "", "", "hmac-secret")
	expires := time.Now().Add(time.Hour).Unix()
	if s.VerifyPresigned("sources/abc", expires, "not-a-real-signature") {
		t.Fatal("expected VerifyPresigned to reject a tampered signature")
	}
}

func TestVerifyPresignedRejectsWrongHandle(t *testing.T) {
	s := New("http://localhost:9000", "recap-media", "", "", "hmac-secret")
	expires := time.Now().Add(time.Hour).Unix()
	mac := testSignature(t, "hmac-secret", "sources/abc", expires)
	if s.VerifyPresigned("sources/other", expires, mac) {
		t.Fatal("expected VerifyPresigned to reject a signature issued for a different handle")
	}
}
