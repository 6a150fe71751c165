package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/reclip/recap-engine/internal/adapter/blob"
	"github.com/reclip/recap-engine/internal/domain"
	"github.com/reclip/recap-engine/internal/service/gate"
)

// ProviderKeyTTS is the External Call Gate key for the TTS synthesizer.
const ProviderKeyTTS = "tts"

// TTSClient implements domain.Synthesizer against a text-to-speech endpoint,
// storing the resulting audio in the Blob Store Gateway.
type TTSClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	gate       *gate.Gate
	blobs      *blob.Store
}

// NewTTSClient constructs a TTSClient.
func NewTTSClient(baseURL, apiKey string, g *gate.Gate, blobs *blob.Store) *TTSClient {
	return &TTSClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		gate:       g,
		blobs:      blobs,
	}
}

type ttsRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
	Voice string `json:"voice"`
}

// Synthesize renders text to speech and returns the resulting audio's
// blob handle and estimated duration in seconds (derived from audio byte
// length at a fixed bitrate assumption; the Stitcher's transcoder call
// corrects this once the real media is inspected).
func (c *TTSClient) Synthesize(ctx context.Context, text string) (string, float64, error) {
	var handle string
	var durationSeconds float64
	err := c.gate.Call(ctx, ProviderKeyTTS, func(callCtx context.Context) error {
		body := ttsRequest{Model: "tts-default", Input: text, Voice: "narrator"}
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrProviderPermanent, err)
		}
		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/audio/speech", bytes.NewReader(b))
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
			if c.gate.IsRetriableStatus(ProviderKeyTTS, resp.StatusCode) {
				return fmt.Errorf("tts status %d", resp.StatusCode)
			}
			return fmt.Errorf("%w: tts status %d", domain.ErrProviderPermanent, resp.StatusCode)
		}

		audio, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		const bytesPerSecond = 16000
		durationSeconds = float64(len(audio)) / bytesPerSecond

		h, err := c.blobs.PutObject(callCtx, "narration-audio", audio, "audio/mpeg")
		if err != nil {
			return err
		}
		handle = h
		return nil
	})
	if err != nil {
		return "", 0, err
	}
	return handle, durationSeconds, nil
}
