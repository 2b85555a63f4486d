package query

// FieldRegistry classifies field names for the analyzer: which fields are
// entity-to-entity links, which of those benefit from grouped fetches and by
// how much, and which are expensive to compute.
type FieldRegistry struct {
	relationship map[string]bool
	// batchable maps field name to estimated benefit of a grouped fetch
	// versus one-by-one fetch, in [0,1].
	batchable map[string]float64
	expensive map[string]bool

	scalarWeight       int
	relationshipWeight int
	expensiveWeight    int
}

// RegistryOption customizes a FieldRegistry.
type RegistryOption func(*FieldRegistry)

// WithRelationshipField marks a field as an entity-to-entity link.
func WithRelationshipField(name string) RegistryOption {
	return func(r *FieldRegistry) { r.relationship[name] = true }
}

// WithBatchableField marks a relationship field as batchable with the given
// estimated benefit.
func WithBatchableField(name string, benefit float64) RegistryOption {
	return func(r *FieldRegistry) {
		r.relationship[name] = true
		r.batchable[name] = benefit
	}
}

// WithExpensiveField marks a field as expensive (cross-entity analytics and
// similar aggregates).
func WithExpensiveField(name string) RegistryOption {
	return func(r *FieldRegistry) { r.expensive[name] = true }
}

// NewFieldRegistry returns an empty registry with the default weight table.
func NewFieldRegistry(opts ...RegistryOption) *FieldRegistry {
	r := &FieldRegistry{
		relationship:       make(map[string]bool),
		batchable:          make(map[string]float64),
		expensive:          make(map[string]bool),
		scalarWeight:       1,
		relationshipWeight: 10,
		expensiveWeight:    25,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DefaultRegistry returns the registry for the threat-intelligence schema.
func DefaultRegistry() *FieldRegistry {
	return NewFieldRegistry(
		WithBatchableField("indicators", 0.8),
		WithBatchableField("threatActors", 0.75),
		WithBatchableField("campaigns", 0.6),
		WithBatchableField("sightings", 0.9),
		WithBatchableField("relatedIndicators", 0.85),
		WithBatchableField("affectedAssets", 0.5),
		WithRelationshipField("attributedTo"),
		WithRelationshipField("observedBy"),
		WithRelationshipField("reports"),
		WithRelationshipField("malwareFamilies"),
		WithExpensiveField("crossEntityAnalytics"),
		WithExpensiveField("organizationRiskScore"),
		WithExpensiveField("indicatorTimeline"),
	)
}

// IsRelationship reports whether the field links entities.
func (r *FieldRegistry) IsRelationship(name string) bool {
	return r.relationship[name]
}

// BatchBenefit returns the estimated grouped-fetch benefit for a batchable
// field, or false if the field is not batchable.
func (r *FieldRegistry) BatchBenefit(name string) (float64, bool) {
	b, ok := r.batchable[name]
	return b, ok
}

// IsExpensive reports whether the field is flagged expensive.
func (r *FieldRegistry) IsExpensive(name string) bool {
	return r.expensive[name]
}

// Weight returns the complexity contribution of one occurrence of the field.
func (r *FieldRegistry) Weight(name string) int {
	switch {
	case r.expensive[name]:
		return r.expensiveWeight
	case r.relationship[name]:
		return r.relationshipWeight
	default:
		return r.scalarWeight
	}
}
