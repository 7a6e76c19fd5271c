package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWhereMatches(t *testing.T) {
	red := Metadata{"color": String("red"), "price": Int(10)}
	blue := Metadata{"color": String("blue"), "price": Float(20)}
	bare := Metadata{"other": Bool(true)}

	tests := []struct {
		name  string
		where *Where
		md    Metadata
		want  bool
	}{
		{"eq string", Eq("color", String("red")), red, true},
		{"eq string miss", Eq("color", String("red")), blue, false},
		{"eq int matches float operand", Eq("price", Float(10)), red, true},
		{"eq float matches int operand", Eq("price", Int(20)), blue, true},
		{"ne includes missing key", Ne("color", String("red")), bare, true},
		{"ne excludes equal", Ne("color", String("red")), red, false},
		{"gt", Gt("price", Int(15)), blue, true},
		{"gte boundary", Gte("price", Float(10)), red, true},
		{"lt", Lt("price", Int(5)), red, false},
		{"lte boundary", Lte("price", Int(20)), blue, true},
		{"gt on missing key", Gt("price", Int(0)), bare, false},
		{"gt on string field", Gt("color", Int(0)), red, false},
		{"in", In("color", String("green"), String("blue")), blue, true},
		{"in numeric cross type", In("price", Float(10), Int(99)), red, true},
		{"nin", NotIn("color", String("red")), blue, true},
		{"nin includes missing key", NotIn("color", String("red")), bare, true},
		{"eq bool", Eq("other", Bool(true)), bare, true},
		{"eq bool vs int", Eq("other", Int(1)), bare, false},
		{"and", And(Eq("color", String("red")), Gte("price", Int(5))), red, true},
		{"and miss", And(Eq("color", String("red")), Gte("price", Int(50))), red, false},
		{"or", Or(Eq("color", String("blue")), Lt("price", Int(5))), blue, true},
		{"or miss", Or(Eq("color", String("blue")), Lt("price", Int(5))), red, false},
		{
			"nested",
			Or(And(Eq("color", String("red")), Gt("price", Int(100))), And(Eq("color", String("blue")), Lte("price", Int(20)))),
			blue,
			true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, tc.where.Validate())
			assert.Equal(t, tc.want, tc.where.Matches(tc.md))
		})
	}
}

func TestParseWhere(t *testing.T) {
	t.Run("and of comparisons", func(t *testing.T) {
		w, err := ParseWhere(map[string]any{
			"$and": []any{
				map[string]any{"color": map[string]any{"$eq": "red"}},
				map[string]any{"price": map[string]any{"$gte": 5}},
			},
		})
		require.NoError(t, err)
		require.Len(t, w.And, 2)
		assert.Equal(t, "color", w.And[0].Key)
		assert.Equal(t, OpEqual, w.And[0].Op)
		assert.Equal(t, String("red"), w.And[0].Value)
		assert.Equal(t, OpGreaterEqual, w.And[1].Op)
		assert.Equal(t, Int(5), w.And[1].Value)
	})

	t.Run("shorthand equality", func(t *testing.T) {
		w, err := ParseWhere(map[string]any{"color": "red"})
		require.NoError(t, err)
		assert.Equal(t, Eq("color", String("red")), w)
	})

	t.Run("implicit and over several fields", func(t *testing.T) {
		w, err := ParseWhere(map[string]any{"b": 1, "a": "x"})
		require.NoError(t, err)
		require.Len(t, w.And, 2)
		assert.Equal(t, "a", w.And[0].Key)
		assert.Equal(t, "b", w.And[1].Key)
	})

	t.Run("in list", func(t *testing.T) {
		w, err := ParseWhere(map[string]any{"tag": map[string]any{"$in": []any{"x", "y"}}})
		require.NoError(t, err)
		assert.Equal(t, []Value{String("x"), String("y")}, w.Values)
	})

	errs := []map[string]any{
		{},
		{"$and": []any{map[string]any{"a": 1}}},
		{"$or": "nope"},
		{"price": map[string]any{"$gt": "abc"}},
		{"price": map[string]any{"$in": []any{}}},
		{"price": map[string]any{"$like": 1}},
		{"price": map[string]any{"$gt": 1, "$lt": 2}},
		{"$foo": 1},
		{"price": nil},
	}
	for _, m := range errs {
		_, err := ParseWhere(m)
		assert.ErrorIs(t, err, ErrInvalidWhere, "%v", m)
	}
}

func TestWhereDocument(t *testing.T) {
	w, err := ParseWhereDocument(map[string]any{
		"$or": []any{
			map[string]any{"$contains": "hello"},
			map[string]any{"$not_contains": "world"},
		},
	})
	require.NoError(t, err)

	assert.True(t, w.Matches("hello world", true))
	assert.True(t, w.Matches("goodbye", true))
	assert.False(t, w.Matches("the world", true))
	assert.True(t, w.Matches("", false))

	assert.False(t, Contains("Hello").Matches("hello", true), "matching is case sensitive")

	_, err = ParseWhereDocument(map[string]any{"$contains": ""})
	assert.ErrorIs(t, err, ErrInvalidWhere)
	_, err = ParseWhereDocument(map[string]any{"$contains": 1})
	assert.ErrorIs(t, err, ErrInvalidWhere)
}

func TestMetadataMerge(t *testing.T) {
	base := Metadata{"a": Int(1), "b": String("x"), "c": Bool(true)}
	out := base.Merge(Metadata{"a": Int(2), "b": Null(), "d": Float(1.5)})

	assert.Equal(t, Metadata{"a": Int(2), "c": Bool(true), "d": Float(1.5)}, out)
	assert.Equal(t, Int(1), base["a"], "merge must not mutate the receiver")
}

func TestMetadataValidate(t *testing.T) {
	assert.NoError(t, Metadata{"a": Int(1)}.Validate(false))
	assert.ErrorIs(t, Metadata{"a": Null()}.Validate(false), ErrInvalidMetadata)
	assert.NoError(t, Metadata{"a": Null()}.Validate(true))
	assert.ErrorIs(t, Metadata{DocumentKey: String("x")}.Validate(false), ErrInvalidMetadata)
	assert.ErrorIs(t, Metadata{"": Int(1)}.Validate(false), ErrInvalidMetadata)
}

func TestReservedKeys(t *testing.T) {
	md := Metadata{DocumentKey: String("doc"), URIKey: String("s3://x"), "k": Int(1)}
	doc, ok := md.Document()
	require.True(t, ok)
	assert.Equal(t, "doc", doc)
	uri, ok := md.URI()
	require.True(t, ok)
	assert.Equal(t, "s3://x", uri)
	assert.Equal(t, Metadata{"k": Int(1)}, md.User())
	assert.Nil(t, Metadata{DocumentKey: String("doc")}.User())
}
