// Package query implements the cost-aware read path: field-tree analysis,
// strategy selection, optimization execution and performance monitoring.
package query

// Selection is one node of a read request's requested-field tree, as decoded
// from the host query protocol.
type Selection struct {
	Name     string
	Children []Selection
}

// Field is a convenience constructor for a leaf or branch selection.
func Field(name string, children ...Selection) Selection {
	return Selection{Name: name, Children: children}
}
