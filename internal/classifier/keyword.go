package classifier

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"trustgate/internal/logging"
	"trustgate/internal/types"
)

// contextTextKeys are context fields whose string values are matched along
// with the question.
var contextTextKeys = []string{"title", "subject", "summary"}

// KeywordClassifier scores each category by the number of its keywords found
// in the question. Keywords may be phrases; matching is on word boundaries.
type KeywordClassifier struct {
	name       string
	categories map[string]CategorySpec
	order      []string // deterministic iteration
}

// NewKeywordClassifier creates a classifier over categories. A "general"
// entry is always present; callers may override its cap level.
func NewKeywordClassifier(name string, categories map[string]CategorySpec) *KeywordClassifier {
	cats := make(map[string]CategorySpec, len(categories)+1)
	for k, v := range categories {
		v.CapLevel = types.ClampTrustLevel(v.CapLevel)
		kws := make([]string, 0, len(v.Keywords))
		for _, kw := range v.Keywords {
			if n := normalize(kw); n != "" {
				kws = append(kws, n)
			}
		}
		v.Keywords = kws
		cats[k] = v
	}
	if _, ok := cats[types.GeneralCategory]; !ok {
		cats[types.GeneralCategory] = GeneralSpec()
	}

	order := make([]string, 0, len(cats))
	for k := range cats {
		order = append(order, k)
	}
	sort.Strings(order)

	return &KeywordClassifier{name: name, categories: cats, order: order}
}

// Name identifies the taxonomy.
func (k *KeywordClassifier) Name() string { return k.name }

// Categories returns a copy of the taxonomy.
func (k *KeywordClassifier) Categories() map[string]CategorySpec {
	out := make(map[string]CategorySpec, len(k.categories))
	for name, spec := range k.categories {
		out[name] = spec
	}
	return out
}

// Classify implements Classifier.
func (k *KeywordClassifier) Classify(_ context.Context, question, senderID string, meta map[string]interface{}) types.ClassificationResult {
	text := " " + normalize(question) + " "
	for _, key := range contextTextKeys {
		if s, ok := meta[key].(string); ok {
			text += normalize(s) + " "
		}
	}

	bestCat, bestHits, runnerUp := "", 0, 0
	for _, cat := range k.order {
		if cat == types.GeneralCategory {
			continue
		}
		hits := 0
		for _, kw := range k.categories[cat].Keywords {
			if strings.Contains(text, " "+kw+" ") {
				hits++
			}
		}
		switch {
		case hits > bestHits:
			runnerUp = bestHits
			bestCat, bestHits = cat, hits
		case hits == bestHits && hits > 0:
			runnerUp = hits
			// Ties go to the more restrictive category.
			if k.categories[cat].CapLevel < k.categories[bestCat].CapLevel {
				bestCat = cat
			}
		case hits > runnerUp:
			runnerUp = hits
		}
	}

	if bestHits == 0 {
		logging.ClassifierDebug("no keyword match for sender=%s, falling back to general", senderID)
		return Fallback()
	}

	confidence := 0.5 + 0.15*float64(bestHits-1)
	if runnerUp == bestHits {
		confidence -= 0.2
	} else if runnerUp > 0 {
		confidence -= 0.1
	}
	if confidence > 0.95 {
		confidence = 0.95
	}
	if confidence < GeneralConfidence {
		confidence = GeneralConfidence
	}

	logging.ClassifierDebug("classified as %s (hits=%d runner_up=%d confidence=%.2f)", bestCat, bestHits, runnerUp, confidence)
	return types.ClassificationResult{Category: bestCat, Confidence: confidence, Method: MethodKeyword}
}

// normalize lowercases s and collapses every run of non-alphanumerics to a
// single space, so "Deploy-to PROD?" becomes "deploy to prod".
func normalize(s string) string {
	var b strings.Builder
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}
