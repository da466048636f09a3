package routetable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_RejectsDuplicateRoute(t *testing.T) {
	_, err := Build([]Entry{
		{Method: "GET", PathPattern: "/api/v1/conversations/:id"},
		{Method: "GET", PathPattern: "/api/v1/conversations/:id"},
	})
	require.Error(t, err)
}

func TestMatch_LongestPatternTiebreak(t *testing.T) {
	tests := []struct {
		name    string
		entries []Entry
		path    string
		wantBackend string
	}{
		{
			name: "literal route wins over capture route",
			entries: []Entry{
				{Method: "GET", PathPattern: "/api/v1/conversations/:id", Backend: "generic"},
				{Method: "GET", PathPattern: "/api/v1/conversations/mine", Backend: "mine"},
			},
			path:        "/api/v1/conversations/mine",
			wantBackend: "mine",
		},
		{
			name: "capture route still matches other values",
			entries: []Entry{
				{Method: "GET", PathPattern: "/api/v1/conversations/:id", Backend: "generic"},
				{Method: "GET", PathPattern: "/api/v1/conversations/mine", Backend: "mine"},
			},
			path:        "/api/v1/conversations/42",
			wantBackend: "generic",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, err := Build(tt.entries)
			require.NoError(t, err)

			entry, _, err := table.Match("GET", tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.wantBackend, entry.Backend)
		})
	}
}

func TestMatch_UnknownRouteFailsNotFound(t *testing.T) {
	table, err := Build([]Entry{
		{Method: "GET", PathPattern: "/api/v1/chat"},
	})
	require.NoError(t, err)

	_, _, err = table.Match("GET", "/api/v1/unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMatch_CapturesNamedSegments(t *testing.T) {
	table, err := Build([]Entry{
		{Method: "DELETE", PathPattern: "/api/v1/conversations/:id", UpstreamPathTemplate: "/v1/conversations/:id"},
	})
	require.NoError(t, err)

	entry, captures, err := table.Match("DELETE", "/api/v1/conversations/abc-123")
	require.NoError(t, err)
	assert.Equal(t, "abc-123", captures["id"])
	assert.Equal(t, "/v1/conversations/abc-123", entry.UpstreamPath(captures))
}
