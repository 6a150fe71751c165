// Package providers implements the HTTP adapters for the four external
// providers the pipeline calls through the External Call Gate: visual
// description, text-to-speech synthesis, chapter detection, and
// transcoding/stitching.
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

// ProviderKeyVisual is the External Call Gate key for the visual describer.
const ProviderKeyVisual = "visual"

// VisualClient implements domain.VisualDescriber against a vision-capable
// chat completions endpoint.
type VisualClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	gate       *gate.Gate
}

// NewVisualClient constructs a VisualClient.
func NewVisualClient(baseURL, apiKey string, g *gate.Gate) *VisualClient {
	return &VisualClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		gate:       g,
	}
}

type visualRequest struct {
	Model    string          `json:"model"`
	Messages []visualMessage `json:"messages"`
}

type visualMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type visualResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Describe asks the visual provider for a narration of the clip
// [start, end) of sourceBlob, clamped to roughly targetWords.
func (c *VisualClient) Describe(ctx context.Context, sourceBlob string, start, end float64, targetWords int) (string, error) {
	var narration string
	err := c.gate.Call(ctx, ProviderKeyVisual, func(callCtx context.Context) error {
		prompt := fmt.Sprintf(
			"Describe what happens in %s between %.1fs and %.1fs in at most %d words, as TV recap narration.",
			sourceBlob, start, end, targetWords,
		)
		body := visualRequest{
			Model: "vision-default",
			Messages: []visualMessage{
				{Role: "system", Content: "You write concise third-person recap narration."},
				{Role: "user", Content: prompt},
			},
		}
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrProviderPermanent, err)
		}
		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(b))
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrProviderPermanent, err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			if c.gate.IsRetriableStatus(ProviderKeyVisual, resp.StatusCode) {
				return fmt.Errorf("visual status %d", resp.StatusCode)
			}
			return fmt.Errorf("%w: visual status %d", domain.ErrProviderPermanent, resp.StatusCode)
		}

		var out visualResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrProviderPermanent, err)
		}
		if len(out.Choices) == 0 {
			return fmt.Errorf("%w: empty visual response", domain.ErrProviderPermanent)
		}
		narration = out.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return "", err
	}
	return narration, nil
}
