package server

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileRoute(t *testing.T) {
	r, err := compileRoute(Route{Pattern: "community/get", Path: "/communities"})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, r.Method)
	assert.Nil(t, r.filter)

	r, err = compileRoute(Route{Pattern: "a", Path: "/a", Method: "put", Filter: ".data"})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, r.Method)
	assert.NotNil(t, r.filter)

	_, err = compileRoute(Route{Path: "/a"})
	assert.Error(t, err)

	_, err = compileRoute(Route{Pattern: "a", Path: "/a", Filter: "$undefined"})
	assert.Error(t, err)
}

func TestRouteMatch(t *testing.T) {
	r, err := compileRoute(Route{
		Pattern: "community/+communityId/members/+memberId",
		Method:  http.MethodDelete,
		Path:    "/communities/{communityId}/members/{memberId}",
	})
	require.NoError(t, err)

	resolved, ok := r.match("community/c1/members/m/2")
	assert.False(t, ok)

	resolved, ok = r.match("community/c1/members/m 2")
	require.True(t, ok)
	assert.Equal(t, http.MethodDelete, resolved.method)
	assert.Equal(t, "/communities/c1/members/m%202", resolved.path)

	_, ok = r.match("community/c1")
	assert.False(t, ok)
}

func TestResolveFallsBackToTarget(t *testing.T) {
	literal, err := compileRoute(Route{Pattern: "user/profile", Path: "/me", Method: http.MethodGet})
	require.NoError(t, err)
	wildcard, err := compileRoute(Route{Pattern: "user/#", Path: "/users"})
	require.NoError(t, err)

	s := &Server{routes: []*compiledRoute{literal, wildcard}}

	assert.Equal(t, resolvedRoute{method: http.MethodGet, path: "/me"}, s.resolve("user/profile"))
	assert.Equal(t, "/users", s.resolve("user/settings/theme").path)
	assert.Equal(t, resolvedRoute{method: http.MethodPost, path: "/community/get"}, s.resolve("community/get"))
	assert.Equal(t, "/community/get", s.resolve("/community/get").path)
}

func TestApplyFilter(t *testing.T) {
	compile := func(filter string) *compiledRoute {
		r, err := compileRoute(Route{Pattern: "t", Path: "/t", Filter: filter})
		require.NoError(t, err)
		return r
	}

	input := map[string]any{"items": []any{1.0, 2.0, 3.0}}

	out, err := applyFilter(context.Background(), compile(".items | length").filter, input, "t")
	require.NoError(t, err)
	assert.Equal(t, 3, out)

	out, err = applyFilter(context.Background(), compile(".items[]").filter, input, "t")
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0, 3.0}, out)

	out, err = applyFilter(context.Background(), compile("empty").filter, input, "t")
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = applyFilter(context.Background(), compile("{target: $target}").filter, input, "community/get")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"target": "community/get"}, out)

	_, err = applyFilter(context.Background(), compile(`error("nope")`).filter, input, "t")
	assert.ErrorContains(t, err, "jq filter failed")
}
