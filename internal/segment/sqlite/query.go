package sqlite

import (
	"fmt"
	"strings"

	"github.com/hupe1980/embedb/metadata"
)

const (
	existsMetadata    = "EXISTS (SELECT 1 FROM embedding_metadata m WHERE m.id = e.id AND m.key = ? AND %s)"
	notExistsMetadata = "NOT " + existsMetadata
	existsDocument    = "EXISTS (SELECT 1 FROM embedding_fulltext_search f WHERE f.id = e.id AND instr(f.string_value, ?) > 0)"
	notExistsDocument = "NOT " + existsDocument
)

// clause is a SQL boolean expression with its positional arguments.
type clause struct {
	sql  string
	args []any
}

func joinClauses(op string, cs []clause) clause {
	parts := make([]string, len(cs))
	var args []any
	for i, c := range cs {
		parts[i] = c.sql
		args = append(args, c.args...)
	}
	return clause{sql: "(" + strings.Join(parts, op) + ")", args: args}
}

// compileWhere translates a metadata filter into a predicate over the
// embeddings alias e. $ne and $nin hold for rows without the key.
func compileWhere(w *metadata.Where) (clause, error) {
	switch {
	case w.And != nil:
		return compileChildren(" AND ", w.And)
	case w.Or != nil:
		return compileChildren(" OR ", w.Or)
	}

	switch w.Op {
	case metadata.OpEqual, metadata.OpNotEqual:
		pred, err := equalPredicate(w.Value)
		if err != nil {
			return clause{}, err
		}
		return keyed(w.Op == metadata.OpNotEqual, w.Key, pred), nil
	case metadata.OpGreaterThan, metadata.OpGreaterEqual, metadata.OpLessThan, metadata.OpLessEqual:
		pred, err := orderedPredicate(w.Op, w.Value)
		if err != nil {
			return clause{}, err
		}
		return keyed(false, w.Key, pred), nil
	case metadata.OpIn, metadata.OpNotIn:
		preds := make([]clause, len(w.Values))
		for i, v := range w.Values {
			p, err := equalPredicate(v)
			if err != nil {
				return clause{}, err
			}
			preds[i] = p
		}
		return keyed(w.Op == metadata.OpNotIn, w.Key, joinClauses(" OR ", preds)), nil
	default:
		return clause{}, fmt.Errorf("%w: unknown operator %q", metadata.ErrInvalidWhere, w.Op)
	}
}

func compileChildren(op string, children []*metadata.Where) (clause, error) {
	cs := make([]clause, len(children))
	for i, c := range children {
		cc, err := compileWhere(c)
		if err != nil {
			return clause{}, err
		}
		cs[i] = cc
	}
	return joinClauses(op, cs), nil
}

func keyed(negate bool, key string, pred clause) clause {
	tmpl := existsMetadata
	if negate {
		tmpl = notExistsMetadata
	}
	return clause{sql: fmt.Sprintf(tmpl, pred.sql), args: append([]any{key}, pred.args...)}
}

// equalPredicate matches ints and floats by numeric value across both
// numeric columns.
func equalPredicate(v metadata.Value) (clause, error) {
	switch v.Kind {
	case metadata.KindString:
		return clause{sql: "m.string_value = ?", args: []any{v.StringValue()}}, nil
	case metadata.KindBool:
		return clause{sql: "m.bool_value = ?", args: []any{v.B}}, nil
	case metadata.KindInt:
		return clause{sql: "(m.int_value = ? OR m.float_value = ?)", args: []any{v.I64, v.I64}}, nil
	case metadata.KindFloat:
		return clause{sql: "(m.int_value = ? OR m.float_value = ?)", args: []any{v.F64, v.F64}}, nil
	default:
		return clause{}, fmt.Errorf("%w: cannot compare with %s", metadata.ErrInvalidWhere, v.Kind)
	}
}

func orderedPredicate(op metadata.Operator, v metadata.Value) (clause, error) {
	var sqlOp string
	switch op {
	case metadata.OpGreaterThan:
		sqlOp = ">"
	case metadata.OpGreaterEqual:
		sqlOp = ">="
	case metadata.OpLessThan:
		sqlOp = "<"
	case metadata.OpLessEqual:
		sqlOp = "<="
	}
	var arg any
	switch v.Kind {
	case metadata.KindInt:
		arg = v.I64
	case metadata.KindFloat:
		arg = v.F64
	default:
		return clause{}, fmt.Errorf("%w: %s needs a numeric operand, got %s", metadata.ErrInvalidWhere, op, v.Kind)
	}
	return clause{
		sql:  fmt.Sprintf("(m.int_value %[1]s ? OR m.float_value %[1]s ?)", sqlOp),
		args: []any{arg, arg},
	}, nil
}

// compileDocument translates a document filter. $not_contains holds for
// rows without a document.
func compileDocument(w *metadata.WhereDocument) (clause, error) {
	var children []*metadata.WhereDocument
	op := ""
	switch {
	case w.And != nil:
		children, op = w.And, " AND "
	case w.Or != nil:
		children, op = w.Or, " OR "
	}
	if children != nil {
		cs := make([]clause, len(children))
		for i, c := range children {
			cc, err := compileDocument(c)
			if err != nil {
				return clause{}, err
			}
			cs[i] = cc
		}
		return joinClauses(op, cs), nil
	}

	switch w.Op {
	case metadata.OpContains:
		return clause{sql: existsDocument, args: []any{w.Text}}, nil
	case metadata.OpNotContains:
		return clause{sql: notExistsDocument, args: []any{w.Text}}, nil
	default:
		return clause{}, fmt.Errorf("%w: unknown document operator %q", metadata.ErrInvalidWhere, w.Op)
	}
}

func placeholders(n int) string {
	if n == 0 {
		return "()"
	}
	return "(?" + strings.Repeat(", ?", n-1) + ")"
}
