// Package tokencount counts and clamps narration text against a token
// budget using tiktoken-go, the same library the AI-facing packages in
// this codebase's lineage use for LLM token accounting.
package tokencount

import (
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// Counter is a thread-safe, lazily-initialized cl100k_base encoder.
type Counter struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// Default is a package-level Counter shared by callers that don't need
// their own cache.
var Default = &Counter{}

func (c *Counter) encoding() (*tiktoken.Tiktoken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enc != nil {
		return c.enc, nil
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, err
	}
	c.enc = enc
	return enc, nil
}

// Count returns the token count of text, or a ~4-chars-per-token
// estimate if the encoder could not be loaded.
func (c *Counter) Count(text string) int {
	enc, err := c.encoding()
	if err != nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// Clamp truncates text so it fits within maxTokens, keeping the first
// maxTokens tokens; the cut may fall inside a word. A maxTokens <= 0
// disables clamping.
func (c *Counter) Clamp(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	enc, err := c.encoding()
	if err != nil {
		maxChars := maxTokens * 4
		if len(text) <= maxChars {
			return text
		}
		return text[:maxChars]
	}
	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return enc.Decode(tokens[:maxTokens])
}

// ClampWords truncates text to at most maxWords whitespace-delimited
// words, used alongside the token clamp to bound visual-description
// output to the Planner/Worker Pool's configured narration length.
func ClampWords(text string, maxWords int) string {
	if maxWords <= 0 {
		return text
	}
	words := strings.Fields(text)
	if len(words) <= maxWords {
		return text
	}
	return strings.Join(words[:maxWords], " ")
}
