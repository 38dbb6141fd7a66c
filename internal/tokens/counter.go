package tokens

import "strings"

// Counter counts tokens for arbitrary text. Implementations must be
// deterministic: the same text and model identifier always yield the same
// count.
type Counter interface {
	Count(text string) int
}

// Estimator approximates token counts without shipping a model-specific
// tokenizer. CJK characters weigh roughly 1.5 tokens each, whitespace-
// delimited words roughly 0.75. Close enough for budget decisions; exact
// counts belong to the provider.
type Estimator struct {
	model string
}

// NewEstimator returns an estimator tagged with a model identifier. The
// identifier is informational; the heuristic itself is model-independent.
func NewEstimator(model string) *Estimator {
	return &Estimator{model: model}
}

// Model returns the model identifier the estimator was built for.
func (e *Estimator) Model() string {
	return e.model
}

// Count estimates the token count of text.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	cjk := 0
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FFF {
			cjk++
		}
	}
	words := len(strings.Fields(text))
	estimate := int(float64(cjk)*1.5 + float64(words)*0.75)
	if estimate < 1 {
		estimate = 1
	}
	return estimate
}
