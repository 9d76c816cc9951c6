package tokens

import (
	"strings"
	"testing"

	"conductor/pkg/config"
)

func TestNewCounter(t *testing.T) {
	tests := []struct {
		model string
	}{
		{config.ModelGPT5},
		{config.ModelClaudeSonnet},
		{config.ModelGemini25Flash},
		{"ollama:phi4"},
		{"unknown-model"}, // defaults to gpt-4 encoding
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			counter, err := NewCounter(tt.model)
			if err != nil {
				t.Errorf("NewCounter(%s) failed: %v", tt.model, err)
			}
			if counter == nil {
				t.Errorf("NewCounter(%s) returned nil counter", tt.model)
			}
		})
	}
}

func TestCount(t *testing.T) {
	counter, err := NewCounter(config.ModelGPT4o)
	if err != nil {
		t.Fatalf("failed to create counter: %v", err)
	}

	tests := []struct {
		text      string
		minTokens int
		maxTokens int
	}{
		{"", 0, 0},
		{"Hello", 1, 2},
		{"Hello world", 2, 3},
		{"This is a longer sentence with more words.", 8, 12},
		{strings.Repeat("word ", 100), 90, 110}, // ~100 tokens
	}

	for _, tt := range tests {
		t.Run(tt.text[:minInt(len(tt.text), 20)], func(t *testing.T) {
			tokens := counter.Count(tt.text)
			if tokens < tt.minTokens || tokens > tt.maxTokens {
				t.Errorf("Count(%q) = %d, want between %d and %d",
					tt.text, tokens, tt.minTokens, tt.maxTokens)
			}
		})
	}
}

func TestCountAll(t *testing.T) {
	counter, err := NewCounter(config.ModelGPT4o)
	if err != nil {
		t.Fatalf("failed to create counter: %v", err)
	}

	a := counter.Count("Hello world")
	b := counter.Count("Another message")
	if got := counter.CountAll("Hello world", "Another message"); got != a+b {
		t.Errorf("CountAll = %d, want %d", got, a+b)
	}
}

func TestCountSimple(t *testing.T) {
	tokens := CountSimple("Hello world")
	if tokens < 2 || tokens > 3 {
		t.Errorf("CountSimple(\"Hello world\") = %d, want between 2 and 3", tokens)
	}
}

func TestWithinLimit(t *testing.T) {
	counter, err := NewCounter(config.ModelGPT4o)
	if err != nil {
		t.Fatalf("failed to create counter: %v", err)
	}

	tests := []struct {
		text     string
		limit    int
		expected bool
	}{
		{"short", 10, true},
		{"", 0, true},
		{"a very long sentence that definitely exceeds a small token limit", 5, false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			result := counter.WithinLimit(tt.text, tt.limit)
			if result != tt.expected {
				t.Errorf("WithinLimit(%q, %d) = %v, want %v",
					tt.text, tt.limit, result, tt.expected)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	counter, err := NewCounter(config.ModelGPT4o)
	if err != nil {
		t.Fatalf("failed to create counter: %v", err)
	}

	longText := strings.Repeat("This is a sentence. ", 50)
	truncated := counter.Truncate(longText, 10)

	if len(truncated) >= len(longText) {
		t.Error("Truncate should have shortened the text")
	}

	tokens := counter.Count(truncated)
	if tokens > 15 { // margin for the character approximation
		t.Errorf("truncated text has %d tokens, expected around 10", tokens)
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
