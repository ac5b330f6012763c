package server

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/amir-yaghoubi/mqttpattern"
	"github.com/itchyny/gojq"
)

// Route maps relay targets to a backend endpoint.
//
// Pattern is an MQTT-style topic pattern matched against the request target,
// e.g. "community/+communityId/members". Named extractions are substituted
// into Path wherever "{name}" appears. Filter, if set, is a jq program run
// over the backend's data before it is relayed; the target is available to
// it as $target.
type Route struct {
	Pattern string
	Method  string
	Path    string
	Filter  string
}

type compiledRoute struct {
	Route
	filter *gojq.Code
}

// resolvedRoute is the outcome of matching a target.
type resolvedRoute struct {
	method string
	path   string
	filter *gojq.Code
}

func compileRoute(r Route) (*compiledRoute, error) {
	if r.Pattern == "" {
		return nil, fmt.Errorf("route pattern is required")
	}
	if r.Path == "" {
		return nil, fmt.Errorf("route %q: path is required", r.Pattern)
	}

	r.Method = strings.ToUpper(r.Method)
	if r.Method == "" {
		r.Method = http.MethodPost
	}

	cr := &compiledRoute{Route: r}

	if r.Filter != "" {
		query, err := gojq.Parse(r.Filter)
		if err != nil {
			return nil, fmt.Errorf("route %q: failed to parse jq filter '%s': %w", r.Pattern, r.Filter, err)
		}

		code, err := gojq.Compile(query, gojq.WithVariables([]string{"$target"}))
		if err != nil {
			return nil, fmt.Errorf("route %q: failed to compile jq filter '%s': %w", r.Pattern, r.Filter, err)
		}
		cr.filter = code
	}

	return cr, nil
}

func (r *compiledRoute) match(target string) (resolvedRoute, bool) {
	if !mqttpattern.Matches(r.Pattern, target) {
		return resolvedRoute{}, false
	}

	path := r.Path
	if mqttpattern.HasExtractions(r.Pattern) {
		fields := mqttpattern.Extract(r.Pattern, target)

		names := make([]string, 0, len(fields))
		for name := range fields {
			names = append(names, name)
		}
		sort.Strings(names)

		pairs := make([]string, 0, 2*len(fields))
		for _, name := range names {
			pairs = append(pairs, "{"+name+"}", escapeSegments(fields[name]))
		}
		path = strings.NewReplacer(pairs...).Replace(path)
	}

	return resolvedRoute{method: r.Method, path: path, filter: r.filter}, true
}

// escapeSegments path-escapes each segment of a multi-level extraction.
func escapeSegments(value string) string {
	segments := strings.Split(value, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

// resolve finds the first route matching target. Unrouted targets are
// posted to "/" + target.
func (s *Server) resolve(target string) resolvedRoute {
	for _, r := range s.routes {
		if resolved, ok := r.match(target); ok {
			return resolved
		}
	}

	return resolvedRoute{
		method: http.MethodPost,
		path:   "/" + strings.TrimPrefix(target, "/"),
	}
}

// applyFilter runs a route's jq filter. A single result is returned as is,
// several are collected into an array and none yields nil.
func applyFilter(ctx context.Context, code *gojq.Code, input any, target string) (any, error) {
	iter := code.RunWithContext(ctx, input, target)

	var results []any
	for {
		result, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := result.(error); isErr {
			return nil, fmt.Errorf("jq filter failed: %w", err)
		}
		results = append(results, result)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}
