package claims

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	t.Parallel()

	doc := FromJSON([]byte(`{
		"email": "alice@example.com",
		"realm_access": {"roles": ["a", "b"]},
		"resource_access": {
			"geostore": {"roles": ["editor"]},
			"account": {"roles": ["viewer"]}
		},
		"nested": [["x", "y"], ["z"]]
	}`))

	tests := []struct {
		name   string
		path   string
		want   []string
		absent bool
	}{
		{name: "scalar", path: "email", want: []string{"alice@example.com"}},
		{name: "nested list", path: "realm_access.roles", want: []string{"a", "b"}},
		{name: "root marker stripped", path: "$.realm_access.roles", want: []string{"a", "b"}},
		{name: "wildcard over map values", path: "resource_access.*.roles", want: []string{"editor"}},
		{name: "one level of list flattening", path: "nested", want: []string{"x", "y", "z"}},
		{name: "missing key", path: "realm_access.missing", absent: true},
		{name: "empty path", path: "", absent: true},
		{name: "root marker only", path: "$.", absent: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, ok := doc.Resolve(tt.path)
			if tt.absent {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.want, Strings(res))
		})
	}
}

func TestResolveIgnoreCase(t *testing.T) {
	t.Parallel()

	doc := FromJSON([]byte(`{"A": {"b": 1}, "Realm_Access": {"ROLES": ["admin"]}}`))

	res, ok := doc.ResolveIgnoreCase("a.B")
	require.True(t, ok)
	assert.Equal(t, int64(1), res.Int())

	res, ok = doc.ResolveIgnoreCase("REALM_access.roles")
	require.True(t, ok)
	assert.Equal(t, []string{"admin"}, Strings(res))

	_, ok = doc.ResolveIgnoreCase("a.missing")
	assert.False(t, ok)
}

func TestResolveStrings(t *testing.T) {
	t.Parallel()

	doc, err := New(map[string]any{
		"groups": []string{"team-x", "team-y"},
		"role":   "ADMIN",
		"empty":  []string{},
	})
	require.NoError(t, err)

	got, ok := doc.ResolveStrings("groups")
	require.True(t, ok)
	assert.Equal(t, []string{"team-x", "team-y"}, got)

	// A scalar is coerced to a one-element list.
	got, ok = doc.ResolveStrings("role")
	require.True(t, ok)
	assert.Equal(t, []string{"ADMIN"}, got)

	// Present-but-empty is distinct from absent: the caller must be able to
	// tell an empty roles claim apart from a missing one.
	got, ok = doc.ResolveStrings("empty")
	require.True(t, ok)
	assert.Empty(t, got)

	_, ok = doc.ResolveStrings("nope")
	assert.False(t, ok)
}
