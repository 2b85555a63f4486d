package logger

// Standard field names for consistent structured logging across kestrel.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and tenancy
	FieldQueryID        = "query_id"
	FieldOrganizationID = "organization_id"
	FieldUserID         = "user_id"
	FieldRole           = "role"
	FieldClientID       = "client_id"
	FieldSubscriptionID = "subscription_id"

	// Components
	FieldComponent = "component"

	// Query execution
	FieldStrategy    = "strategy"
	FieldCachingTier = "caching_tier"
	FieldComplexity  = "complexity_score"
	FieldEntityType  = "entity_type"
	FieldField       = "field"

	// Pub/sub
	FieldTopic     = "topic"
	FieldBaseTopic = "base_topic"
	FieldEventID   = "event_id"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError = "error"

	// Counts and sizes
	FieldCount     = "count"
	FieldBatchSize = "batch_size"
	FieldHitRatio  = "cache_hit_ratio"
)
