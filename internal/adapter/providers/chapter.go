package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/reclip/recap-engine/internal/domain"
	"github.com/reclip/recap-engine/internal/service/gate"
)

// ProviderKeyChapter is the External Call Gate key for the chapter service.
const ProviderKeyChapter = "chapter"

// ChapterClient implements domain.ChapterService against an external
// coarse chapter/TOC detection service.
type ChapterClient struct {
	baseURL    string
	httpClient *http.Client
	gate       *gate.Gate
}

// NewChapterClient constructs a ChapterClient.
func NewChapterClient(baseURL string, g *gate.Gate) *ChapterClient {
	return &ChapterClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		gate:       g,
	}
}

type chapterResponseItem struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Importance float64 `json:"importance"`
}

// Chapters returns coarse chapter boundaries for sourceBlob.
func (c *ChapterClient) Chapters(ctx context.Context, sourceBlob string) ([]domain.Chapter, error) {
	var chapters []domain.Chapter
	err := c.gate.Call(ctx, ProviderKeyChapter, func(callCtx context.Context) error {
		u := c.baseURL + "/chapters?source=" + url.QueryEscape(sourceBlob)
		req, err := http.NewRequestWithContext(callCtx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrProviderPermanent, err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: no chapter data", domain.ErrProviderPermanent)
		}
		if resp.StatusCode != http.StatusOK {
			if c.gate.IsRetriableStatus(ProviderKeyChapter, resp.StatusCode) {
				return fmt.Errorf("chapter status %d", resp.StatusCode)
			}
			return fmt.Errorf("%w: chapter status %d", domain.ErrProviderPermanent, resp.StatusCode)
		}

		var items []chapterResponseItem
		if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrProviderPermanent, err)
		}
		chapters = make([]domain.Chapter, 0, len(items))
		for _, it := range items {
			chapters = append(chapters, domain.Chapter{Start: it.Start, End: it.End, Importance: it.Importance})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chapters, nil
}
