// Package blob implements the Blob Store Gateway: object storage for
// source uploads and rendered output, with content-type sniffing on
// write and HMAC-signed presigned URLs on read.
package blob

import (
	"bytes"
	"context"
	"crypto/hmac"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/reclip/recap-engine/internal/domain"
	"github.com/reclip/recap-engine/internal/observability"
)

// Store implements domain.BlobStore against an S3-compatible HTTP
// endpoint using path-style object keys; it sniffs content type on
// PutObject and signs presigned GET URLs with a keyed blake2b MAC.
type Store struct {
	endpoint   string
	bucket     string
	accessKey  string
	secretKey  string
	hmacKey    []byte
	httpClient *http.Client
	obs        *observability.IntegratedObservableClient
}

// New constructs a Store against the given S3-compatible endpoint/bucket.
func New(endpoint, bucket, accessKey, secretKey, hmacKey string) *Store {
	return &Store{
		endpoint:  strings.TrimSuffix(endpoint, "/"),
		bucket:    bucket,
		accessKey: accessKey,
		secretKey: secretKey,
		hmacKey:   []byte(hmacKey),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		obs: observability.NewIntegratedObservableClient(
			observability.ConnectionTypeHTTP,
			observability.OperationTypeRequest,
			endpoint,
			"blobstore",
			30*time.Second,
			5*time.Second,
			120*time.Second,
		),
	}
}

func (s *Store) objectURL(handle string) string {
	return fmt.Sprintf("%s/%s/%s", s.endpoint, s.bucket, handle)
}

// PutObject uploads data under a freshly generated key (or key derived
// from the caller-supplied prefix) and returns its handle. If
// contentType is empty, it is sniffed from the payload via mimetype.Detect.
func (s *Store) PutObject(ctx context.Context, keyPrefix string, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
	}
	handle := strings.TrimSuffix(keyPrefix, "/") + "/" + uuid.New().String()

	err := s.obs.ExecuteWithMetrics(ctx, "put_object", func(callCtx context.Context) error {
		req, err := http.NewRequestWithContext(callCtx, http.MethodPut, s.objectURL(handle), bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", contentType)
		s.sign(req)
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("%w: blob put status %d", domain.ErrProviderTransient, resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("op=blob.put_object: %w", err)
	}
	return handle, nil
}

// GetObject downloads the object at handle.
func (s *Store) GetObject(ctx context.Context, handle string) ([]byte, error) {
	var body []byte
	err := s.obs.ExecuteWithMetrics(ctx, "get_object", func(callCtx context.Context) error {
		req, err := http.NewRequestWithContext(callCtx, http.MethodGet, s.objectURL(handle), nil)
		if err != nil {
			return err
		}
		s.sign(req)
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode == http.StatusNotFound {
			return domain.ErrNotFound
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("%w: blob get status %d", domain.ErrProviderTransient, resp.StatusCode)
		}
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("op=blob.get_object: %w", err)
	}
	return body, nil
}

// PresignGet returns a time-bounded URL for downloading handle,
// authenticated with a keyed blake2b MAC over handle and expiry rather
// than the backing store's own credentials.
func (s *Store) PresignGet(_ context.Context, handle string, ttl time.Duration) (string, error) {
	expiry := time.Now().Add(ttl).Unix()
	mac, err := blake2b.New256(s.hmacKey)
	if err != nil {
		return "", fmt.Errorf("op=blob.presign: %w", err)
	}
	fmt.Fprintf(mac, "%s|%d", handle, expiry)
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("%s?expires=%d&sig=%s", s.objectURL(handle), expiry, sig), nil
}

// VerifyPresigned checks a presigned URL's signature and expiry.
func (s *Store) VerifyPresigned(handle string, expires int64, sig string) bool {
	if time.Now().Unix() > expires {
		return false
	}
	mac, err := blake2b.New256(s.hmacKey)
	if err != nil {
		return false
	}
	fmt.Fprintf(mac, "%s|%d", handle, expires)
	expected := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}

// Delete removes the object at handle.
func (s *Store) Delete(ctx context.Context, handle string) error {
	return s.obs.ExecuteWithMetrics(ctx, "delete_object", func(callCtx context.Context) error {
		req, err := http.NewRequestWithContext(callCtx, http.MethodDelete, s.objectURL(handle), nil)
		if err != nil {
			return err
		}
		s.sign(req)
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
			return fmt.Errorf("%w: blob delete status %d", domain.ErrProviderTransient, resp.StatusCode)
		}
		return nil
	})
}

func (s *Store) sign(req *http.Request) {
	if s.accessKey != "" {
		req.SetBasicAuth(s.accessKey, s.secretKey)
	}
}
