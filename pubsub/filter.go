package pubsub

import (
	"github.com/kestrelsec/kestrel/errors"
)

// PredicateOp identifies the shape of one filter predicate.
type PredicateOp string

const (
	// OpEquals matches when the payload field equals Value.
	OpEquals PredicateOp = "eq"
	// OpIn matches when the payload field is a member of Values.
	OpIn PredicateOp = "in"
	// OpGreaterOrEqual matches when the numeric payload field is >= Value.
	OpGreaterOrEqual PredicateOp = "gte"
	// OpIntersects matches when the payload field (a list) shares at least
	// one element with Values.
	OpIntersects PredicateOp = "intersects"
	// OpAnd matches when every predicate in And matches.
	OpAnd PredicateOp = "and"
)

// Predicate is a declarative per-subscription filter over published
// payloads. The expression form keeps filters serializable and loggable. A
// nil *Predicate matches every event on its topic.
type Predicate struct {
	Op     PredicateOp   `json:"op"`
	Field  string        `json:"field,omitempty"`
	Value  interface{}   `json:"value,omitempty"`
	Values []interface{} `json:"values,omitempty"`
	And    []Predicate   `json:"and,omitempty"`
}

// Equals builds an equality predicate.
func Equals(field string, value interface{}) *Predicate {
	return &Predicate{Op: OpEquals, Field: field, Value: value}
}

// In builds a membership predicate.
func In(field string, values ...interface{}) *Predicate {
	return &Predicate{Op: OpIn, Field: field, Values: values}
}

// GreaterOrEqual builds a numeric threshold predicate.
func GreaterOrEqual(field string, value interface{}) *Predicate {
	return &Predicate{Op: OpGreaterOrEqual, Field: field, Value: value}
}

// Intersects builds an array-intersection predicate.
func Intersects(field string, values ...interface{}) *Predicate {
	return &Predicate{Op: OpIntersects, Field: field, Values: values}
}

// All combines predicates with AND.
func All(preds ...*Predicate) *Predicate {
	and := make([]Predicate, 0, len(preds))
	for _, p := range preds {
		if p != nil {
			and = append(and, *p)
		}
	}
	return &Predicate{Op: OpAnd, And: and}
}

// Validate rejects malformed predicates at subscribe time, before any
// registration is created.
func (p *Predicate) Validate() error {
	if p == nil {
		return nil
	}
	switch p.Op {
	case OpEquals:
		if p.Field == "" {
			return errors.NewValidationError("eq predicate requires a field")
		}
	case OpIn, OpIntersects:
		if p.Field == "" {
			return errors.NewValidationError("%s predicate requires a field", p.Op)
		}
		if len(p.Values) == 0 {
			return errors.NewValidationError("%s predicate requires at least one value", p.Op)
		}
	case OpGreaterOrEqual:
		if p.Field == "" {
			return errors.NewValidationError("gte predicate requires a field")
		}
		if _, ok := toFloat(p.Value); !ok {
			return errors.NewValidationError("gte predicate requires a numeric value, got %T", p.Value)
		}
	case OpAnd:
		if len(p.And) == 0 {
			return errors.NewValidationError("and predicate requires subexpressions")
		}
		for i := range p.And {
			if err := p.And[i].Validate(); err != nil {
				return err
			}
		}
	default:
		return errors.NewValidationError("unknown predicate op %q", p.Op)
	}
	return nil
}

// Match evaluates the predicate against one payload. A nil predicate
// matches everything. An absent field never matches a leaf predicate.
func (p *Predicate) Match(payload map[string]interface{}) bool {
	if p == nil {
		return true
	}
	switch p.Op {
	case OpEquals:
		v, ok := payload[p.Field]
		return ok && looseEqual(v, p.Value)
	case OpIn:
		v, ok := payload[p.Field]
		if !ok {
			return false
		}
		for _, candidate := range p.Values {
			if looseEqual(v, candidate) {
				return true
			}
		}
		return false
	case OpGreaterOrEqual:
		v, ok := payload[p.Field]
		if !ok {
			return false
		}
		lhs, lok := toFloat(v)
		rhs, rok := toFloat(p.Value)
		return lok && rok && lhs >= rhs
	case OpIntersects:
		v, ok := payload[p.Field]
		if !ok {
			return false
		}
		list, ok := toSlice(v)
		if !ok {
			return false
		}
		for _, element := range list {
			for _, watched := range p.Values {
				if looseEqual(element, watched) {
					return true
				}
			}
		}
		return false
	case OpAnd:
		for i := range p.And {
			if !p.And[i].Match(payload) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// looseEqual compares values, treating all numeric types as float64 so that
// JSON-decoded payloads compare naturally against typed filter values.
func looseEqual(a, b interface{}) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	return a == b
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toSlice(v interface{}) ([]interface{}, bool) {
	switch s := v.(type) {
	case []interface{}:
		return s, true
	case []string:
		out := make([]interface{}, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	default:
		return nil, false
	}
}
