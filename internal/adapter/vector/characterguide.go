// Package vector adapts the Qdrant client into the Planner's optional
// character-guide lookup, folding series character/setting context into
// script-matching the same way a RAG context builder folds reference
// material into a generation prompt.
package vector

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"strings"

	"github.com/reclip/recap-engine/internal/adapter/observability"
	"github.com/reclip/recap-engine/internal/adapter/vector/qdrant"
)

const hashedVectorSize = 256

// CharacterGuideStore implements planner.CharacterGuideLookup against a
// Qdrant collection of character-guide fragments, one per series.
type CharacterGuideStore struct {
	client *qdrant.Client
}

// New constructs a CharacterGuideStore.
func New(client *qdrant.Client) *CharacterGuideStore {
	return &CharacterGuideStore{client: client}
}

// Collection returns the per-series collection name.
func Collection(seriesID string) string {
	return "character-guide-" + seriesID
}

// Index upserts a character-guide fragment for seriesID, creating the
// series' collection on first use.
func (s *CharacterGuideStore) Index(ctx context.Context, seriesID, id, text string) error {
	if err := s.client.EnsureCollection(ctx, Collection(seriesID), hashedVectorSize, "Cosine"); err != nil {
		return fmt.Errorf("op=characterguide.index: %w", err)
	}
	vec := hashEmbed(text)
	return s.client.UpsertPoints(ctx, Collection(seriesID), [][]float32{vec}, []map[string]any{{"text": text}}, []any{id})
}

// TopMatches returns the topK character-guide fragments most relevant
// to text for seriesID. Any failed search returns an error, including a
// search against a series whose collection does not exist.
func (s *CharacterGuideStore) TopMatches(ctx context.Context, seriesID, text string, topK int) ([]string, error) {
	vec := hashEmbed(text)
	results, err := s.client.Search(ctx, Collection(seriesID), vec, topK)
	if err != nil {
		observability.RecordRAGRetrievalError(Collection(seriesID), "search_failed")
		return nil, fmt.Errorf("op=characterguide.top_matches: %w", err)
	}
	out := make([]string, 0, len(results))
	for _, r := range results {
		payload, ok := r["payload"].(map[string]any)
		if !ok {
			continue
		}
		if t, ok := payload["text"].(string); ok {
			out = append(out, t)
		}
	}
	if topK > 0 {
		observability.RecordRAGEffectiveness(Collection(seriesID), "character_guide", float64(len(out))/float64(topK))
	}
	return out, nil
}

// hashEmbed derives a deterministic, fixed-size feature-hashed vector
// from text: a cheap stand-in for a learned embedding model, adequate
// for approximate nearest-neighbor grouping of short guide fragments
// without depending on an external embedding provider.
func hashEmbed(text string) []float32 {
	vec := make([]float32, hashedVectorSize)
	words := strings.Fields(text)
	for _, w := range words {
		sum := sha256.Sum256([]byte(w))
		bucket := int(sum[0])<<8 | int(sum[1])
		bucket %= hashedVectorSize
		sign := float32(1)
		if sum[2]%2 == 1 {
			sign = -1
		}
		vec[bucket] += sign
	}
	normalize(vec)
	return vec
}

func normalize(vec []float32) {
	var sumSquares float32
	for _, v := range vec {
		sumSquares += v * v
	}
	if sumSquares == 0 {
		return
	}
	norm := float32(math.Sqrt(float64(sumSquares)))
	for i := range vec {
		vec[i] /= norm
	}
}
