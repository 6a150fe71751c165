package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/reclip/recap-engine/internal/domain"
	"github.com/reclip/recap-engine/internal/service/gate"
)

// ProviderKeyTranscoder is the External Call Gate key for the transcoder.
const ProviderKeyTranscoder = "transcoder"

// TranscoderClient implements domain.Transcoder against an external
// media assembly sub-process exposed over HTTP.
type TranscoderClient struct {
	baseURL    string
	httpClient *http.Client
	gate       *gate.Gate
}

// NewTranscoderClient constructs a TranscoderClient.
func NewTranscoderClient(baseURL string, g *gate.Gate) *TranscoderClient {
	return &TranscoderClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 180 * time.Second},
		gate:       g,
	}
}

type stitchRequestItem struct {
	SourceStart float64 `json:"sourceStart"`
	SourceEnd   float64 `json:"sourceEnd"`
	AudioHandle string  `json:"audioHandle"`
	SpeedFactor float64 `json:"speedFactor"`
}

type stitchRequest struct {
	JobID string              `json:"jobId"`
	Items []stitchRequestItem `json:"items"`
}

type stitchResponse struct {
	OutputHandle    string  `json:"outputHandle"`
	DurationSeconds float64 `json:"durationSeconds"`
}

// Stitch sends an assembly plan to the transcoder and returns the
// rendered output's blob handle and real duration.
func (c *TranscoderClient) Stitch(ctx context.Context, plan domain.AssemblyPlan) (string, float64, error) {
	var out stitchResponse
	err := c.gate.Call(ctx, ProviderKeyTranscoder, func(callCtx context.Context) error {
		req := stitchRequest{JobID: plan.JobID}
		for _, item := range plan.Items {
			req.Items = append(req.Items, stitchRequestItem{
				SourceStart: item.SourceStart,
				SourceEnd:   item.SourceEnd,
				AudioHandle: item.AudioHandle,
				SpeedFactor: item.SpeedFactor,
			})
		}
		b, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrProviderPermanent, err)
		}
		httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/stitch", bytes.NewReader(b))
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrProviderPermanent, err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode == http.StatusUnprocessableEntity {
			return fmt.Errorf("%w: transcoder rejected plan", domain.ErrProviderPermanent)
		}
		if resp.StatusCode != http.StatusOK {
			if c.gate.IsRetriableStatus(ProviderKeyTranscoder, resp.StatusCode) {
				return fmt.Errorf("transcoder status %d", resp.StatusCode)
			}
			return fmt.Errorf("%w: transcoder status %d", domain.ErrProviderPermanent, resp.StatusCode)
		}

		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrProviderPermanent, err)
		}
		return nil
	})
	if err != nil {
		return "", 0, err
	}
	return out.OutputHandle, out.DurationSeconds, nil
}
