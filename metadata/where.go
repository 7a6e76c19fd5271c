package metadata

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Operator represents a comparison operator for filtering.
type Operator string

const (
	OpEqual        Operator = "$eq"
	OpNotEqual     Operator = "$ne"
	OpGreaterThan  Operator = "$gt"
	OpGreaterEqual Operator = "$gte"
	OpLessThan     Operator = "$lt"
	OpLessEqual    Operator = "$lte"
	OpIn           Operator = "$in"
	OpNotIn        Operator = "$nin"
)

const (
	opAnd = "$and"
	opOr  = "$or"
)

// ErrInvalidWhere is returned for malformed filter expressions.
var ErrInvalidWhere = errors.New("invalid where clause")

// Where is a boolean expression tree over metadata fields.
//
// Exactly one of And, Or or a comparison (Key with Op) is set on a node.
type Where struct {
	And []*Where
	Or  []*Where

	Key    string
	Op     Operator
	Value  Value   // scalar operand for $eq/$ne/$gt/$gte/$lt/$lte
	Values []Value // set operand for $in/$nin
}

// Eq builds key == v.
func Eq(key string, v Value) *Where { return &Where{Key: key, Op: OpEqual, Value: v} }

// Ne builds key != v.
func Ne(key string, v Value) *Where { return &Where{Key: key, Op: OpNotEqual, Value: v} }

// Gt builds key > v.
func Gt(key string, v Value) *Where { return &Where{Key: key, Op: OpGreaterThan, Value: v} }

// Gte builds key >= v.
func Gte(key string, v Value) *Where { return &Where{Key: key, Op: OpGreaterEqual, Value: v} }

// Lt builds key < v.
func Lt(key string, v Value) *Where { return &Where{Key: key, Op: OpLessThan, Value: v} }

// Lte builds key <= v.
func Lte(key string, v Value) *Where { return &Where{Key: key, Op: OpLessEqual, Value: v} }

// In builds key in vs.
func In(key string, vs ...Value) *Where { return &Where{Key: key, Op: OpIn, Values: vs} }

// NotIn builds key not in vs.
func NotIn(key string, vs ...Value) *Where { return &Where{Key: key, Op: OpNotIn, Values: vs} }

// And combines clauses with logical and.
func And(ws ...*Where) *Where { return &Where{And: ws} }

// Or combines clauses with logical or.
func Or(ws ...*Where) *Where { return &Where{Or: ws} }

// IsLogical reports whether w is an $and/$or node.
func (w *Where) IsLogical() bool { return w.And != nil || w.Or != nil }

// Validate checks operator/operand consistency for the whole tree.
func (w *Where) Validate() error {
	if w == nil {
		return fmt.Errorf("%w: nil clause", ErrInvalidWhere)
	}
	switch {
	case w.And != nil && w.Or != nil:
		return fmt.Errorf("%w: node has both $and and $or", ErrInvalidWhere)
	case w.And != nil:
		return validateChildren(opAnd, w.And)
	case w.Or != nil:
		return validateChildren(opOr, w.Or)
	}

	if w.Key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidWhere)
	}
	switch w.Op {
	case OpEqual, OpNotEqual:
		if w.Value.Kind == KindNull || w.Value.Kind == KindInvalid {
			return fmt.Errorf("%w: %s on %q needs a scalar operand", ErrInvalidWhere, w.Op, w.Key)
		}
	case OpGreaterThan, OpGreaterEqual, OpLessThan, OpLessEqual:
		if !w.Value.IsNumber() {
			return fmt.Errorf("%w: %s on %q needs a numeric operand, got %s", ErrInvalidWhere, w.Op, w.Key, w.Value.Kind)
		}
	case OpIn, OpNotIn:
		if len(w.Values) == 0 {
			return fmt.Errorf("%w: %s on %q needs a non-empty list", ErrInvalidWhere, w.Op, w.Key)
		}
		for _, v := range w.Values {
			if v.Kind == KindNull || v.Kind == KindInvalid {
				return fmt.Errorf("%w: %s on %q contains a null operand", ErrInvalidWhere, w.Op, w.Key)
			}
		}
	default:
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidWhere, w.Op)
	}
	return nil
}

func validateChildren(op string, children []*Where) error {
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

// Matches evaluates w against md. $ne and $nin match records that lack the key.
func (w *Where) Matches(md Metadata) bool {
	switch {
	case w.And != nil:
		for _, c := range w.And {
			if !c.Matches(md) {
				return false
			}
		}
		return true
	case w.Or != nil:
		for _, c := range w.Or {
			if c.Matches(md) {
				return true
			}
		}
		return false
	}

	v, ok := md[w.Key]
	switch w.Op {
	case OpEqual:
		return ok && compareEqual(v, w.Value)
	case OpNotEqual:
		return !ok || !compareEqual(v, w.Value)
	case OpIn:
		return ok && compareIn(v, w.Values)
	case OpNotIn:
		return !ok || !compareIn(v, w.Values)
	}
	if !ok {
		return false
	}
	c, ok := compareOrdered(v, w.Value)
	if !ok {
		return false
	}
	switch w.Op {
	case OpGreaterThan:
		return c > 0
	case OpGreaterEqual:
		return c >= 0
	case OpLessThan:
		return c < 0
	case OpLessEqual:
		return c <= 0
	default:
		return false
	}
}

func (w *Where) String() string {
	switch {
	case w == nil:
		return "<nil>"
	case w.And != nil:
		return joinClauses(opAnd, w.And)
	case w.Or != nil:
		return joinClauses(opOr, w.Or)
	case w.Op == OpIn || w.Op == OpNotIn:
		parts := make([]string, len(w.Values))
		for i, v := range w.Values {
			parts[i] = v.String()
		}
		return fmt.Sprintf("%s %s [%s]", w.Key, w.Op, strings.Join(parts, ", "))
	default:
		return fmt.Sprintf("%s %s %s", w.Key, w.Op, w.Value)
	}
}

func joinClauses(op string, ws []*Where) string {
	parts := make([]string, len(ws))
	for i, c := range ws {
		parts[i] = c.String()
	}
	return op + "(" + strings.Join(parts, ", ") + ")"
}

// ParseWhere converts the map form used by clients into a Where tree:
//
//	{"color": "red"}
//	{"price": {"$gte": 5}}
//	{"$and": [{"color": {"$eq": "red"}}, {"price": {"$gte": 5}}]}
//
// A map with several field keys is read as an implicit $and.
func ParseWhere(m map[string]any) (*Where, error) {
	if len(m) == 0 {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidWhere)
	}
	if len(m) > 1 {
		keys := sortedKeys(m)
		children := make([]*Where, 0, len(keys))
		for _, k := range keys {
			c, err := ParseWhere(map[string]any{k: m[k]})
			if err != nil {
				return nil, err
			}
			children = append(children, c)
		}
		return And(children...), nil
	}

	var key string
	var raw any
	for k, v := range m {
		key, raw = k, v
	}

	if key == opAnd || key == opOr {
		list, ok := raw.([]any)
		if !ok {
			if typed, ok2 := raw.([]map[string]any); ok2 {
				list = make([]any, len(typed))
				for i := range typed {
					list[i] = typed[i]
				}
			} else {
				return nil, fmt.Errorf("%w: %s expects a list, got %T", ErrInvalidWhere, key, raw)
			}
		}
		children := make([]*Where, 0, len(list))
		for _, item := range list {
			sub, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: %s element must be an object, got %T", ErrInvalidWhere, key, item)
			}
			c, err := ParseWhere(sub)
			if err != nil {
				return nil, err
			}
			children = append(children, c)
		}
		w := &Where{}
		if key == opAnd {
			w.And = children
		} else {
			w.Or = children
		}
		return w, w.Validate()
	}

	if strings.HasPrefix(key, "$") {
		return nil, fmt.Errorf("%w: unexpected operator %q at field position", ErrInvalidWhere, key)
	}

	ops, ok := raw.(map[string]any)
	if !ok {
		v, err := FromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidWhere, err)
		}
		w := Eq(key, v)
		return w, w.Validate()
	}
	if len(ops) != 1 {
		return nil, fmt.Errorf("%w: field %q expects exactly one operator, got %d", ErrInvalidWhere, key, len(ops))
	}
	for op, operand := range ops {
		w := &Where{Key: key, Op: Operator(op)}
		switch w.Op {
		case OpIn, OpNotIn:
			vals, err := parseList(operand)
			if err != nil {
				return nil, fmt.Errorf("%w: %s on %q: %v", ErrInvalidWhere, op, key, err)
			}
			w.Values = vals
		default:
			v, err := FromAny(operand)
			if err != nil {
				return nil, fmt.Errorf("%w: %s on %q: %v", ErrInvalidWhere, op, key, err)
			}
			w.Value = v
		}
		return w, w.Validate()
	}
	return nil, ErrInvalidWhere
}

func parseList(operand any) ([]Value, error) {
	switch x := operand.(type) {
	case []any:
		out := make([]Value, len(x))
		for i := range x {
			v, err := FromAny(x[i])
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case []string:
		out := make([]Value, len(x))
		for i := range x {
			out[i] = String(x[i])
		}
		return out, nil
	case []int:
		out := make([]Value, len(x))
		for i := range x {
			out[i] = Int(int64(x[i]))
		}
		return out, nil
	case []float64:
		out := make([]Value, len(x))
		for i := range x {
			out[i] = Float(x[i])
		}
		return out, nil
	case []Value:
		return x, nil
	default:
		return nil, fmt.Errorf("expected a list, got %T", operand)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
