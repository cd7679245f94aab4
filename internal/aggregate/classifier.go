package aggregate

import (
	"strings"

	"xray-guard/internal/model"
)

// DomainClassifier matches destination hosts against configured risk
// categories by exact name or parent domain suffix.
type DomainClassifier struct {
	categories []model.RiskCategory
}

// NewDomainClassifier builds a classifier from the configured categories.
// Domains are expected lowercased, which config validation guarantees.
func NewDomainClassifier(categories []model.RiskCategory) *DomainClassifier {
	return &DomainClassifier{categories: categories}
}

// Classify returns the name of the first category matching host, or an
// empty string when the host matches no category
func (c *DomainClassifier) Classify(host string) string {
	if host == "" {
		return ""
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, category := range c.categories {
		for _, domain := range category.Domains {
			if host == domain || strings.HasSuffix(host, "."+domain) {
				return category.Name
			}
		}
	}
	return ""
}
