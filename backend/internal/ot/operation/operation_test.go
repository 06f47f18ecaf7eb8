package operation

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func itinerary() map[string]any {
	return map[string]any{
		"title": "Kansai",
		"days": []any{
			map[string]any{"city": "Kyoto", "activities": []any{"Fushimi Inari", "Gion"}},
			map[string]any{"city": "Osaka", "activities": []any{}},
		},
	}
}

func TestResolve(t *testing.T) {
	doc := itinerary()

	v, err := Resolve(doc, P("days", 0, "activities", 1))
	require.NoError(t, err)
	assert.Equal(t, "Gion", v)

	s, err := ResolveString(doc, P("days", 1, "city"))
	require.NoError(t, err)
	assert.Equal(t, "Osaka", s)
}

func TestResolveStructuralErrors(t *testing.T) {
	doc := itinerary()
	cases := []struct {
		name string
		path Path
	}{
		{"missing key", P("days", 0, "hotel")},
		{"index out of range", P("days", 5)},
		{"negative index", P("days", -1)},
		{"index into object", P("title", 0)},
		{"key into array", P("days", "city")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Resolve(doc, tc.path)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrStructural))
			var se *StructuralError
			require.True(t, errors.As(err, &se))
		})
	}
}

func TestReplace(t *testing.T) {
	doc := itinerary()
	root, err := Replace(doc, P("days", 1, "city"), "Nara")
	require.NoError(t, err)
	v, _ := Resolve(root, P("days", 1, "city"))
	assert.Equal(t, "Nara", v)

	_, err = Replace(doc, P("days", 1, "hotel"), "x")
	assert.ErrorIs(t, err, ErrStructural)
}

func TestPathHelpers(t *testing.T) {
	p := P("days", 2, "activities", 0, "title")
	assert.Equal(t, "days[2].activities[0].title", p.String())
	assert.True(t, p.HasPrefix(P("days", 2)))
	assert.False(t, p.HasPrefix(P("days", 1)))
	assert.True(t, p.HasPrefix(p))
	assert.Equal(t, P("days", 2, "notes"), P("days", 2).Child(Key("notes")))
}

func TestCloneIsDeep(t *testing.T) {
	doc := itinerary()
	c := Clone(doc).(map[string]any)
	c["days"].([]any)[0].(map[string]any)["city"] = "Tokyo"
	assert.Equal(t, "Kyoto", doc["days"].([]any)[0].(map[string]any)["city"])
	assert.True(t, Equal(doc, itinerary()))
	assert.False(t, Equal(doc, c))
}

func TestEqualNumbers(t *testing.T) {
	assert.True(t, Equal(3, 3.0))
	assert.True(t, Equal(json.Number("2"), int64(2)))
	assert.False(t, Equal(1, "1"))
}

func TestOperationJSON(t *testing.T) {
	op := Operation{
		ID:          "op-1",
		UserID:      "alice",
		Timestamp:   100,
		Path:        P("days", 0, "city"),
		BaseVersion: 3,
		Payload:     TextInsert{Position: 5, Text: "-fu"},
	}
	b, err := json.Marshal(op)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"op-1","userId":"alice","timestamp":100,"path":["days",0,"city"],
		"baseVersion":3,"type":"text-insert","data":{"position":5,"text":"-fu"}}`, string(b))

	var back Operation
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, op, back)
}

func TestOperationJSONNestedComposite(t *testing.T) {
	raw := `{"id":"c1","userId":"bob","timestamp":7,"path":null,"baseVersion":1,"type":"composite",
		"data":{"ops":[
			{"path":["days"],"type":"array-delete","data":{"index":1,"count":1}},
			{"path":["title"],"type":"noop","data":{"reason":"lww","originType":"object-set","origin":{"key":"k","value":1}}}
		]}}`
	var op Operation
	require.NoError(t, json.Unmarshal([]byte(raw), &op))

	c, ok := op.Payload.(Composite)
	require.True(t, ok)
	require.Len(t, c.Ops, 2)
	assert.Equal(t, ArrayDelete{Index: 1, Count: 1}, c.Ops[0].Payload)
	n, ok := c.Ops[1].Payload.(Noop)
	require.True(t, ok)
	assert.Equal(t, ObjectSet{Key: "k", Value: float64(1)}, n.Origin)
}

func TestOperationJSONUnknownType(t *testing.T) {
	var op Operation
	err := json.Unmarshal([]byte(`{"id":"x","type":"table-merge","data":{}}`), &op)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestChildrenInheritHeader(t *testing.T) {
	op := NewComposite("carol",
		Operation{Path: P("title"), Payload: TextInsert{Position: 0, Text: "A"}},
		Operation{Path: P("days"), Payload: ArrayMove{From: 0, To: 1}},
	)
	for _, sub := range op.Children() {
		assert.Equal(t, op.ID, sub.ID)
		assert.Equal(t, "carol", sub.UserID)
		assert.Equal(t, op.Timestamp, sub.Timestamp)
	}
}

func TestPrecedes(t *testing.T) {
	a := Operation{ID: "b", UserID: "u1", Timestamp: 10}
	b := Operation{ID: "a", UserID: "u2", Timestamp: 10}
	c := Operation{ID: "a", UserID: "u1", Timestamp: 10}
	assert.True(t, Precedes(a, b))
	assert.False(t, Precedes(b, a))
	assert.True(t, Precedes(c, a))
	assert.True(t, Precedes(Operation{Timestamp: 1, UserID: "z"}, a))
}

func TestInvertCapturedData(t *testing.T) {
	cases := []struct {
		name string
		in   Payload
		want Payload
	}{
		{"text insert", TextInsert{Position: 2, Text: "東京"}, TextDelete{Position: 2, Length: 2, DeletedContent: "東京"}},
		{"text delete", TextDelete{Position: 1, Length: 3, DeletedContent: "abc"}, TextInsert{Position: 1, Text: "abc"}},
		{"text replace", TextReplace{Position: 0, Length: 2, Text: "xyz", ReplacedContent: "ab"},
			TextReplace{Position: 0, Length: 3, Text: "ab", ReplacedContent: "xyz"}},
		{"object set new key", ObjectSet{Key: "k", Value: "v"}, ObjectDelete{Key: "k", OldValue: "v"}},
		{"object set overwrite", ObjectSet{Key: "k", Value: "v", OldValue: "o", HadOldValue: true},
			ObjectSet{Key: "k", Value: "o", OldValue: "v", HadOldValue: true}},
		{"object delete", ObjectDelete{Key: "k", OldValue: "o"}, ObjectSet{Key: "k", Value: "o"}},
		{"array insert", ArrayInsert{Index: 1, Items: []any{"x", "y"}}, ArrayDelete{Index: 1, Count: 2, DeletedItems: []any{"x", "y"}}},
		{"array delete", ArrayDelete{Index: 0, Count: 1, DeletedItems: []any{"x"}}, ArrayInsert{Index: 0, Items: []any{"x"}}},
		{"array move", ArrayMove{From: 0, To: 3}, ArrayMove{From: 3, To: 0}},
		{"array replace", ArrayReplace{Index: 1, Value: 2.0, OldValue: 1.0}, ArrayReplace{Index: 1, Value: 1.0, OldValue: 2.0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inv, err := Invert(New("u", P("x"), tc.in))
			require.NoError(t, err)
			assert.Equal(t, tc.want, inv.Payload)
		})
	}
}

func TestInvertCompositeReversesOrder(t *testing.T) {
	op := NewComposite("u",
		Operation{Path: P("a"), Payload: ArrayInsert{Index: 0, Items: []any{1}}},
		Operation{Path: P("b"), Payload: ObjectDelete{Key: "k", OldValue: "v"}},
	)
	inv, err := Invert(op)
	require.NoError(t, err)
	c := inv.Payload.(Composite)
	require.Len(t, c.Ops, 2)
	assert.Equal(t, P("b"), c.Ops[0].Path)
	assert.Equal(t, ObjectSet{Key: "k", Value: "v"}, c.Ops[0].Payload)
	assert.Equal(t, P("a"), c.Ops[1].Path)
	assert.Equal(t, ArrayDelete{Index: 0, Count: 1, DeletedItems: []any{1}}, c.Ops[1].Payload)
}

func TestInvertRequiresCapturedContent(t *testing.T) {
	_, err := Invert(New("u", P("t"), TextDelete{Position: 0, Length: 3}))
	assert.ErrorIs(t, err, ErrNotInvertible)
	_, err = Invert(New("u", P("a"), ArrayDelete{Index: 0, Count: 2}))
	assert.ErrorIs(t, err, ErrNotInvertible)
}

func TestValidate(t *testing.T) {
	ok := New("alice", P("days"), ArrayInsert{Index: 0, Items: []any{"x"}})
	assert.NoError(t, ok.Validate())

	noUser := New("", P("days"), ArrayInsert{Index: 0, Items: []any{"x"}})
	assert.ErrorIs(t, noUser.Validate(), ErrInvalid)

	emptyInsert := New("alice", P("title"), TextInsert{Position: 0})
	assert.ErrorIs(t, emptyInsert.Validate(), ErrInvalid)

	badSub := NewComposite("alice", Operation{Path: P("days"), Payload: ArrayDelete{Index: 0, Count: 0}})
	assert.ErrorIs(t, badSub.Validate(), ErrInvalid)

	goodSub := NewComposite("alice", Operation{Path: P("days"), Payload: ArrayDelete{Index: 0, Count: 1}})
	assert.NoError(t, goodSub.Validate())
}
