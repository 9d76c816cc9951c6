package qa

import "strings"

// Noise prefixes stripped from titles before comparison.
var titlePrefixes = []string{"error:", "issue:", "bug:", "fix:"}

func normalizeTitle(title string) string {
	out := strings.ToLower(strings.TrimSpace(title))
	for stripped := true; stripped; {
		stripped = false
		for _, prefix := range titlePrefixes {
			if rest, ok := strings.CutPrefix(out, prefix); ok {
				out = strings.TrimSpace(rest)
				stripped = true
			}
		}
	}
	return out
}

// tokenSet builds the word-token set an issue is compared by: normalized
// title, location and description, lowercased and split on whitespace.
func tokenSet(issue Issue) map[string]struct{} {
	text := normalizeTitle(issue.Title) + " " + issue.Location + " " + issue.Description
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		set[tok] = struct{}{}
	}
	return set
}

// jaccard is |a ∩ b| / |a ∪ b|. Two empty sets are identical.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// Similar reports whether two issues describe the same finding. The relation
// is symmetric and reflexive.
func Similar(a, b Issue, threshold float64) bool {
	return jaccard(tokenSet(a), tokenSet(b)) >= threshold
}

// findRecurring looks for an issue in the latest record that appeared in at
// least minIterations records, counting each iteration once no matter how
// many of its issues match.
func findRecurring(records []IterationRecord, threshold float64, minIterations int) (Issue, int, bool) {
	if len(records) == 0 {
		return Issue{}, 0, false
	}
	latest := records[len(records)-1]
	for _, issue := range latest.Issues {
		count := 0
		for _, rec := range records {
			for _, other := range rec.Issues {
				if Similar(issue, other, threshold) {
					count++
					break
				}
			}
		}
		if count >= minIterations {
			return issue, count, true
		}
	}
	return Issue{}, 0, false
}
