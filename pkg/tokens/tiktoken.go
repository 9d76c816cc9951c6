// Package tokens provides tiktoken-based token counting.
//
// Counts feed the rate limiter's pre-request estimates, the usage fallback
// when a provider response omits token counts, and context-size warnings.
// All models use the GPT-4 encoding; for non-OpenAI models this is an
// approximation, which is why consumers treat counts as estimates.
package tokens

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"

	"conductor/pkg/config"
)

// Counter provides token counting for a specific model.
type Counter struct {
	codec tokenizer.Codec
}

// NewCounter creates a token counter for the given model. Model names are the
// identifiers from the config package; unknown models get GPT-4 encoding.
func NewCounter(model string) (*Counter, error) {
	var tikModel tokenizer.Model
	switch config.BareModelName(model) {
	case config.ModelGPT5, config.ModelGPT4o, config.ModelO3, config.ModelO4Mini:
		tikModel = tokenizer.GPT4
	case config.ModelClaudeSonnet, config.ModelClaudeOpus:
		// Claude tokenization is close enough to approximate with GPT-4 encoding
		tikModel = tokenizer.GPT4
	default:
		tikModel = tokenizer.GPT4
	}

	codec, err := tokenizer.ForModel(tikModel)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}

	return &Counter{codec: codec}, nil
}

// Count returns the number of tokens in the given text.
func (c *Counter) Count(text string) int {
	if c.codec == nil {
		// Fallback to character-based estimation (4 chars ≈ 1 token)
		return len(text) / 4
	}

	count, err := c.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}

	return count
}

// CountAll returns the total token count across all parts. Used to estimate
// whole-request sizes from message contents.
func (c *Counter) CountAll(parts ...string) int {
	total := 0
	for _, p := range parts {
		total += c.Count(p)
	}
	return total
}

// CountSimple counts tokens without requiring a Counter instance.
// Uses GPT-4 encoding.
func CountSimple(text string) int {
	counter, err := NewCounter(config.ModelGPT4o)
	if err != nil {
		return len(text) / 4
	}
	return counter.Count(text)
}

// WithinLimit reports whether text fits within the given token limit.
func (c *Counter) WithinLimit(text string, limit int) bool {
	return c.Count(text) <= limit
}

// Truncate truncates text to fit within the given token limit.
// This is a rough approximation: it cuts by characters, not token boundaries.
func (c *Counter) Truncate(text string, limit int) string {
	currentTokens := c.Count(text)
	if currentTokens <= limit {
		return text
	}

	ratio := float64(limit) / float64(currentTokens)
	charLimit := int(float64(len(text)) * ratio * 0.9) // 0.9 safety margin

	if charLimit >= len(text) {
		return text
	}

	return text[:charLimit] + "..."
}
