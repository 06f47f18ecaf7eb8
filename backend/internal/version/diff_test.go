package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zile0207/ai-itinerary-sub002/backend/internal/ot/operation"
)

func TestPathLabel(t *testing.T) {
	cases := []struct {
		path operation.Path
		want string
	}{
		{operation.P("title"), "Title"},
		{operation.P("days", 2, "activities", 0, "title"), "Days > Item 3 > Activities > Item 1 > Title"},
		{operation.P("days", 0), "Days > Item 1"},
		{operation.P("éclair"), "Éclair"},
		{operation.P(""), ""},
		{operation.Path{}, "Document"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, PathLabel(c.path), c.path.String())
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, SignificanceMinor, Classify(0))
	assert.Equal(t, SignificanceMinor, Classify(4))
	assert.Equal(t, SignificanceModerate, Classify(5))
	assert.Equal(t, SignificanceModerate, Classify(20))
	assert.Equal(t, SignificanceMajor, Classify(21))
}

func TestDiffRules(t *testing.T) {
	oldV := map[string]any{
		"title": "Trip",
		"days":  []any{"Tokyo", "Kyoto", "Nara"},
		"meta":  map[string]any{"owner": "alice"},
		"notes": nil,
		"shape": map[string]any{"a": 1.0},
	}
	newV := map[string]any{
		"title":  "Trip",
		"days":   []any{"Tokyo", "Osaka"},
		"meta":   map[string]any{"owner": "alice", "currency": "JPY"},
		"notes":  "bring umbrella",
		"shape":  []any{1.0},
		"budget": 300,
	}

	changes := Diff(oldV, newV)
	got := make([]string, len(changes))
	for i, c := range changes {
		got[i] = string(c.Type) + " " + c.Path.String()
	}
	// key 按字典序，数组按下标
	assert.Equal(t, []string{
		"added budget",
		"modified days[1]",
		"deleted days[2]",
		"added meta.currency",
		"added notes",
		"modified shape",
	}, got)

	s := Summarize(changes)
	assert.Equal(t, 3, s.Added)
	assert.Equal(t, 2, s.Modified)
	assert.Equal(t, 1, s.Deleted)
	assert.Equal(t, []string{"budget", "meta.currency", "notes"}, s.AddedFields)
	assert.Equal(t, []string{"days.1", "shape"}, s.ModifiedFields)
	assert.Equal(t, []string{"days.2"}, s.DeletedFields)
	assert.Equal(t, 6, s.TotalChanges)
	assert.Equal(t, SignificanceModerate, s.Significance)

	patched, err := ApplyChanges(oldV, changes)
	require.NoError(t, err)
	assert.True(t, operation.Equal(newV, patched))
	assert.Equal(t, "Trip", oldV["title"], "patch works on a copy")
	assert.Len(t, oldV["days"], 3)
}

func TestDiffIdenticalAndNumbers(t *testing.T) {
	assert.Empty(t, Diff(map[string]any{"n": 1}, map[string]any{"n": 1.0}))
	assert.Empty(t, Diff(nil, nil))

	root := Diff("a", "b")
	require.Len(t, root, 1)
	assert.Equal(t, "Document", root[0].PathLabel)
	out, err := ApplyChanges("a", root)
	require.NoError(t, err)
	assert.Equal(t, "b", out)
}

func TestApplyChangesSkipsMoved(t *testing.T) {
	data := map[string]any{"a": 1.0}
	out, err := ApplyChanges(data, []VersionChange{{Type: ChangeMoved, Path: operation.P("a")}})
	require.NoError(t, err)
	assert.Equal(t, data, out)

	_, err = ApplyChanges(data, []VersionChange{{Type: ChangeAdded, Path: operation.P("missing", "x"), NewValue: 1}})
	assert.ErrorIs(t, err, operation.ErrStructural)
}

func TestDiffKeepsExplicitNulls(t *testing.T) {
	cases := []struct {
		name     string
		from, to map[string]any
		want     []string
	}{
		{
			name: "object key set to null",
			from: map[string]any{"hotel": "Ryokan"},
			to:   map[string]any{"hotel": nil},
			want: []string{"modified hotel"},
		},
		{
			name: "array slot set to null",
			from: map[string]any{"days": []any{1.0, 2.0, 3.0}},
			to:   map[string]any{"days": []any{1.0, nil, 3.0}},
			want: []string{"modified days[1]"},
		},
		{
			name: "null slot filled",
			from: map[string]any{"days": []any{1.0, nil, 3.0}},
			to:   map[string]any{"days": []any{1.0, 2.0, 3.0}},
			want: []string{"added days[1]"},
		},
		{
			name: "null key removed",
			from: map[string]any{"hotel": nil},
			to:   map[string]any{},
			want: []string{"deleted hotel"},
		},
		{
			name: "trailing null appended",
			from: map[string]any{"days": []any{1.0}},
			to:   map[string]any{"days": []any{1.0, nil}},
			want: []string{"added days[1]"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			changes := Diff(tc.from, tc.to)
			got := make([]string, len(changes))
			for i, c := range changes {
				got[i] = string(c.Type) + " " + c.Path.String()
			}
			assert.Equal(t, tc.want, got)

			patched, err := ApplyChanges(tc.from, changes)
			require.NoError(t, err)
			assert.True(t, operation.Equal(tc.to, patched), "%v", patched)
		})
	}
}
