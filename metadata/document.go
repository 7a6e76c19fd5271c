package metadata

import (
	"fmt"
	"strings"
)

// DocumentOperator is a full-text operator over document content.
type DocumentOperator string

const (
	OpContains    DocumentOperator = "$contains"
	OpNotContains DocumentOperator = "$not_contains"
)

// WhereDocument is a boolean expression tree over document text.
type WhereDocument struct {
	And []*WhereDocument
	Or  []*WhereDocument

	Op   DocumentOperator
	Text string
}

// Contains builds a substring match.
func Contains(text string) *WhereDocument { return &WhereDocument{Op: OpContains, Text: text} }

// NotContains builds a negated substring match.
func NotContains(text string) *WhereDocument { return &WhereDocument{Op: OpNotContains, Text: text} }

// AndDocument combines document clauses with logical and.
func AndDocument(ws ...*WhereDocument) *WhereDocument { return &WhereDocument{And: ws} }

// OrDocument combines document clauses with logical or.
func OrDocument(ws ...*WhereDocument) *WhereDocument { return &WhereDocument{Or: ws} }

// Validate checks the tree shape.
func (w *WhereDocument) Validate() error {
	if w == nil {
		return fmt.Errorf("%w: nil document clause", ErrInvalidWhere)
	}
	switch {
	case w.And != nil && w.Or != nil:
		return fmt.Errorf("%w: document node has both $and and $or", ErrInvalidWhere)
	case w.And != nil:
		return validateDocChildren(opAnd, w.And)
	case w.Or != nil:
		return validateDocChildren(opOr, w.Or)
	}
	switch w.Op {
	case OpContains, OpNotContains:
		if w.Text == "" {
			return fmt.Errorf("%w: %s needs a non-empty string", ErrInvalidWhere, w.Op)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown document operator %q", ErrInvalidWhere, w.Op)
	}
}

func validateDocChildren(op string, children []*WhereDocument) error {
	if len(children) < 2 {
		return fmt.Errorf("%w: %s needs at least two clauses, got %d", ErrInvalidWhere, op, len(children))
	}
	for _, c := range children {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Matches evaluates w against a document. hasDoc is false when the record
// carries no document; such records only satisfy $not_contains.
func (w *WhereDocument) Matches(doc string, hasDoc bool) bool {
	switch {
	case w.And != nil:
		for _, c := range w.And {
			if !c.Matches(doc, hasDoc) {
				return false
			}
		}
		return true
	case w.Or != nil:
		for _, c := range w.Or {
			if c.Matches(doc, hasDoc) {
				return true
			}
		}
		return false
	case w.Op == OpContains:
		return hasDoc && strings.Contains(doc, w.Text)
	case w.Op == OpNotContains:
		return !hasDoc || !strings.Contains(doc, w.Text)
	default:
		return false
	}
}

// ParseWhereDocument converts {"$contains": "foo"} style maps into a tree.
func ParseWhereDocument(m map[string]any) (*WhereDocument, error) {
	if len(m) != 1 {
		return nil, fmt.Errorf("%w: document expression expects exactly one operator, got %d", ErrInvalidWhere, len(m))
	}
	for key, raw := range m {
		switch key {
		case opAnd, opOr:
			list, ok := raw.([]any)
			if !ok {
				return nil, fmt.Errorf("%w: %s expects a list, got %T", ErrInvalidWhere, key, raw)
			}
			children := make([]*WhereDocument, 0, len(list))
			for _, item := range list {
				sub, ok := item.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("%w: %s element must be an object, got %T", ErrInvalidWhere, key, item)
				}
				c, err := ParseWhereDocument(sub)
				if err != nil {
					return nil, err
				}
				children = append(children, c)
			}
			w := &WhereDocument{}
			if key == opAnd {
				w.And = children
			} else {
				w.Or = children
			}
			return w, w.Validate()
		default:
			text, ok := raw.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s expects a string, got %T", ErrInvalidWhere, key, raw)
			}
			w := &WhereDocument{Op: DocumentOperator(key), Text: text}
			return w, w.Validate()
		}
	}
	return nil, ErrInvalidWhere
}
