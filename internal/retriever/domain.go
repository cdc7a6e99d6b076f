package retriever

import "strings"

// DomainClassifier maps free text (typically persona + task) to a domain
// label. The label is a tunable weighting knob, not a correctness-critical
// signal; "general" is always a valid answer.
type DomainClassifier interface {
	Classify(text string) string
}

// DefaultDomain is returned when no category matches.
const DefaultDomain = "general"

type domainCategory struct {
	name     string
	keywords []string
}

// KeywordClassifier detects a domain by keyword presence, first match wins
// in a fixed category order.
type KeywordClassifier struct {
	categories []domainCategory
}

func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{categories: []domainCategory{
		{"travel", []string{"travel", "trip", "vacation", "tourist", "planner", "itinerary", "destination"}},
		{"research", []string{"research", "study", "analysis", "investigation", "academic", "paper"}},
		{"business", []string{"business", "professional", "hr", "compliance", "management", "form"}},
		{"culinary", []string{"food", "cooking", "recipe", "chef", "culinary", "menu", "ingredient"}},
	}}
}

func (c *KeywordClassifier) Classify(text string) string {
	lower := strings.ToLower(text)
	for _, cat := range c.categories {
		for _, kw := range cat.keywords {
			if strings.Contains(lower, kw) {
				return cat.name
			}
		}
	}
	return DefaultDomain
}
