package prediction

import (
	"fmt"
	"sort"
	"strings"

	"trustgate/internal/types"
)

// buildICRLPrompt lays the retrieved cases out as labelled examples followed
// by the pending question and a strict two-option instruction.
func buildICRLPrompt(question, category string, meta map[string]interface{}, cases []types.ScoredCase) string {
	var b strings.Builder
	b.WriteString("You review requests made by an autonomous agent. Past decisions on similar requests follow.\n\n")

	for i, c := range cases {
		fmt.Fprintf(&b, "Example %d (similarity %.2f)\n", i+1, c.Similarity)
		fmt.Fprintf(&b, "Request: %s\n", oneLine(c.Question))
		fmt.Fprintf(&b, "Outcome: %s\n\n", voteValue(c.CBRCase))
	}

	b.WriteString("New request\n")
	if category != "" {
		fmt.Fprintf(&b, "Category: %s\n", category)
	}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		if _, ok := meta[k].(string); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, oneLine(meta[k].(string)))
	}
	fmt.Fprintf(&b, "Request: %s\n\n", oneLine(question))

	fmt.Fprintf(&b, "Answer with exactly one word: %s or %s.\n", types.ValueApproved, types.ValueRequiresReview)
	return b.String()
}

// parseICRLReply accepts a reply that is exactly one of the two options,
// ignoring case, surrounding quotes and trailing punctuation. Anything else
// is requires_review with clear=false.
func parseICRLReply(reply string) (value string, clear bool) {
	word := strings.ToLower(strings.TrimSpace(reply))
	word = strings.Trim(word, "\"'`*.!: \t\n")
	word = strings.ReplaceAll(word, " ", "_")

	switch word {
	case types.ValueApproved:
		return types.ValueApproved, true
	case types.ValueRequiresReview:
		return types.ValueRequiresReview, true
	default:
		return types.ValueRequiresReview, false
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
