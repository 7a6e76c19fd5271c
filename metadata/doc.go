// Package metadata provides the typed metadata model and filter expressions.
//
// # Metadata Types
//
// Metadata values are scalars:
//
//   - String: metadata.String("tech")
//   - Int: metadata.Int(2024)
//   - Float: metadata.Float(3.14)
//   - Bool: metadata.Bool(true)
//   - Null: metadata.Null() (updates only; deletes the key)
//
// Documents and URIs ride along as ordinary entries under the reserved keys
// [DocumentKey] and [URIKey].
//
// # Filters
//
// [Where] is a tree of comparisons ($eq, $ne, $gt, $gte, $lt, $lte, $in, $nin)
// joined by n-ary $and/$or nodes. [WhereDocument] is the same shape over
// document text with $contains/$not_contains. Both can be built with the
// helper constructors or parsed from the client map form:
//
//	w, err := metadata.ParseWhere(map[string]any{
//	    "$and": []any{
//	        map[string]any{"color": map[string]any{"$eq": "red"}},
//	        map[string]any{"price": map[string]any{"$gte": 5}},
//	    },
//	})
//
// Numeric comparisons treat ints and floats as the same logical number.
package metadata
