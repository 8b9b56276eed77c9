// Package classifier maps a decision question to a category.
//
// One interface, several variants: each taxonomy (engineering, devops, a YAML
// file supplied by the operator) is a KeywordClassifier over a different
// category set, selected by configuration at construction. Classification
// never fails; anything unmatched is "general" with low confidence.
package classifier

import (
	"context"
	"fmt"

	"trustgate/internal/config"
	"trustgate/internal/logging"
	"trustgate/internal/types"
)

// Classification methods.
const (
	MethodExplicit = "explicit"
	MethodKeyword  = "keyword"
	MethodFallback = "fallback"
)

// GeneralConfidence is the confidence reported for the general fallback.
const GeneralConfidence = 0.1

// CategorySpec describes one category of a taxonomy.
type CategorySpec struct {
	Keywords    []string `yaml:"keywords" json:"keywords"`
	CapLevel    int      `yaml:"cap_level" json:"cap_level"`
	Description string   `yaml:"description" json:"description"`
}

// Classifier is the pluggable category capability.
type Classifier interface {
	// Classify never returns an error: unmatched questions map to
	// ("general", GeneralConfidence). Confidence is always within [0,1].
	Classify(ctx context.Context, question, senderID string, meta map[string]interface{}) types.ClassificationResult

	// Categories returns the taxonomy, including "general".
	Categories() map[string]CategorySpec

	// Name identifies the variant.
	Name() string
}

// New builds the classifier variant named by cfg.
func New(cfg config.ClassifierConfig) (Classifier, error) {
	switch cfg.Taxonomy {
	case "engineering":
		return NewKeywordClassifier("engineering", EngineeringTaxonomy()), nil
	case "devops":
		return NewKeywordClassifier("devops", DevOpsTaxonomy()), nil
	case "general", "":
		return NewKeywordClassifier("general", nil), nil
	case "file":
		tax, err := LoadTaxonomyFile(cfg.TaxonomyFile)
		if err != nil {
			return nil, err
		}
		return NewKeywordClassifier(tax.Name, tax.Categories), nil
	default:
		return nil, fmt.Errorf("unsupported taxonomy: %s", cfg.Taxonomy)
	}
}

// CapLevel returns the ceiling for category, falling back to general's cap
// for categories the taxonomy does not know.
func CapLevel(c Classifier, category string) int {
	cats := c.Categories()
	if spec, ok := cats[category]; ok {
		return types.ClampTrustLevel(spec.CapLevel)
	}
	return types.ClampTrustLevel(cats[types.GeneralCategory].CapLevel)
}

// Resolve classifies an event. The question is always classified: a known
// explicit category wins with full confidence unless the question matches a
// category with a lower cap, in which case that category is used instead. A
// sender label can narrow autonomy but never widen it.
func Resolve(ctx context.Context, c Classifier, ev types.DecisionEvent) types.ClassificationResult {
	classified := Safe(ctx, c, ev.Question, ev.SenderID, ev.Context)
	if ev.Category == "" {
		return classified
	}
	if _, ok := c.Categories()[ev.Category]; !ok {
		logging.ClassifierDebug("event %s names unknown category %q, classifying from question", ev.ID, ev.Category)
		return classified
	}
	if classified.Method != MethodFallback && classified.Category != ev.Category &&
		CapLevel(c, classified.Category) < CapLevel(c, ev.Category) {
		logging.Get(logging.CategoryClassifier).Warn("event %s labelled %q reads as %q (cap %d < %d), keeping the stricter category",
			ev.ID, ev.Category, classified.Category, CapLevel(c, classified.Category), CapLevel(c, ev.Category))
		return classified
	}
	return types.ClassificationResult{Category: ev.Category, Confidence: 1, Method: MethodExplicit}
}

// Safe runs c.Classify, turning panics and out-of-range output into the
// general fallback.
func Safe(ctx context.Context, c Classifier, question, senderID string, meta map[string]interface{}) (result types.ClassificationResult) {
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryClassifier).Error("classifier %s panicked: %v", c.Name(), r)
			result = Fallback()
		}
	}()

	result = c.Classify(ctx, question, senderID, meta)
	if result.Category == "" {
		return Fallback()
	}
	result.Confidence = clampUnit(result.Confidence)
	return result
}

// Fallback is the universal "general" result.
func Fallback() types.ClassificationResult {
	return types.ClassificationResult{
		Category:   types.GeneralCategory,
		Confidence: GeneralConfidence,
		Method:     MethodFallback,
	}
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
