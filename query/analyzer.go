package query

// BatchingOpportunity is one relationship field worth fetching in groups,
// discovered during analysis. Order follows the depth-first walk.
type BatchingOpportunity struct {
	Field            string  `json:"field"`
	Path             string  `json:"path"`
	EstimatedBenefit float64 `json:"estimated_benefit"`
}

// Analysis is the per-request analysis result. It is created once per read
// request, immutable after Analyze returns, and discarded with the request.
type Analysis struct {
	RequestedFields       map[string]bool       `json:"requested_fields"`
	RelationshipCounts    map[string]int        `json:"relationship_counts"`
	ComplexityScore       int                   `json:"complexity_score"`
	BatchingOpportunities []BatchingOpportunity `json:"batching_opportunities"`
	Strategy              Strategy              `json:"strategy"`
	CachingTier           CachingTier           `json:"caching_tier"`

	hasExpensive bool
}

// HasExpensiveField reports whether any requested field was flagged
// expensive during analysis.
func (a *Analysis) HasExpensiveField() bool {
	return a.hasExpensive
}

// Analyzer walks requested-field trees and scores them against a registry.
type Analyzer struct {
	registry *FieldRegistry
}

// NewAnalyzer creates an analyzer over the given field registry.
func NewAnalyzer(registry *FieldRegistry) *Analyzer {
	return &Analyzer{registry: registry}
}

// Analyze walks the selection tree depth-first, accumulating dotted paths,
// relationship counts, batching opportunities and the complexity score. An
// empty tree yields a zero-valued analysis. Strategy and caching tier are
// filled in by the selector, not here.
func (a *Analyzer) Analyze(selections []Selection) *Analysis {
	analysis := &Analysis{
		RequestedFields:    make(map[string]bool),
		RelationshipCounts: make(map[string]int),
	}
	a.walk(selections, "", analysis)
	return analysis
}

func (a *Analyzer) walk(selections []Selection, prefix string, out *Analysis) {
	for _, sel := range selections {
		if sel.Name == "" {
			continue
		}
		path := sel.Name
		if prefix != "" {
			path = prefix + "." + sel.Name
		}
		out.RequestedFields[path] = true
		out.ComplexityScore += a.registry.Weight(sel.Name)

		if a.registry.IsRelationship(sel.Name) {
			out.RelationshipCounts[sel.Name]++
			if benefit, ok := a.registry.BatchBenefit(sel.Name); ok {
				out.BatchingOpportunities = append(out.BatchingOpportunities, BatchingOpportunity{
					Field:            sel.Name,
					Path:             path,
					EstimatedBenefit: benefit,
				})
			}
		}
		if a.registry.IsExpensive(sel.Name) {
			out.hasExpensive = true
		}

		a.walk(sel.Children, path, out)
	}
}
