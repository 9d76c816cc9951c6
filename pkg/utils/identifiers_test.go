package utils

import "testing"

func TestSanitizeIdentifier(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "model ID with colon",
			input:    "claude_sonnet4:001",
			expected: "claude_sonnet4-001",
		},
		{
			name:     "ID with spaces",
			input:    "test agent 123",
			expected: "test-agent-123",
		},
		{
			name:     "ID with slashes",
			input:    "path/to/agent",
			expected: "path-to-agent",
		},
		{
			name:     "ID with backslashes",
			input:    "path\\to\\agent",
			expected: "path-to-agent",
		},
		{
			name:     "complex ID",
			input:    "openai_o3:v1.2/beta test",
			expected: "openai_o3-v1.2-beta-test",
		},
		{
			name:     "already clean ID",
			input:    "clean-agent-123",
			expected: "clean-agent-123",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SanitizeIdentifier(tt.input)
			if result != tt.expected {
				t.Errorf("SanitizeIdentifier(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestSlug(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxLen   int
		expected string
	}{
		{
			name:     "simple task",
			input:    "Add rate limiting",
			maxLen:   40,
			expected: "add-rate-limiting",
		},
		{
			name:     "punctuation collapses",
			input:    "Fix: the (flaky) test!!",
			maxLen:   40,
			expected: "fix-the-flaky-test",
		},
		{
			name:     "leading junk dropped",
			input:    "  --- cleanup ---",
			maxLen:   40,
			expected: "cleanup",
		},
		{
			name:     "length clipped at a word boundary",
			input:    "implement the parser for nested expressions",
			maxLen:   20,
			expected: "implement-the-parser",
		},
		{
			name:     "clip never ends on a dash",
			input:    "abc def",
			maxLen:   4,
			expected: "abc",
		},
		{
			name:     "empty input",
			input:    "",
			maxLen:   40,
			expected: "",
		},
		{
			name:     "no alphanumerics",
			input:    "!!! ???",
			maxLen:   40,
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Slug(tt.input, tt.maxLen)
			if result != tt.expected {
				t.Errorf("Slug(%q, %d) = %q, want %q", tt.input, tt.maxLen, result, tt.expected)
			}
			if len(result) > tt.maxLen {
				t.Errorf("Slug(%q, %d) returned %d bytes", tt.input, tt.maxLen, len(result))
			}
		})
	}
}
