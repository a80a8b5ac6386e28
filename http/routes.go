package http

import (
	"fmt"
	"math/big"
	"net/http"
	"strings"
)

// RouteConfig maps one protected route to its payment plan.
type RouteConfig struct {
	PlanID string

	// Credits is the fixed cost per call; nil means 1 credit.
	Credits *big.Int

	// CreditsFunc computes the cost from the inbound request. When set
	// it wins over Credits.
	CreditsFunc func(r *http.Request) *big.Int

	AgentID     string
	Network     string
	Scheme      string
	Description string
}

// routePattern is a parsed "METHOD /path" route key. Path segments
// starting with ':' match any single segment.
type routePattern struct {
	method   string
	segments []string
}

func parseRouteKey(key string) (routePattern, error) {
	parts := strings.Fields(key)
	if len(parts) != 2 || !strings.HasPrefix(parts[1], "/") {
		return routePattern{}, fmt.Errorf("invalid route key %q, want \"METHOD /path\"", key)
	}
	return routePattern{
		method:   strings.ToUpper(parts[0]),
		segments: splitPath(parts[1]),
	}, nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// match returns the captured :name parameters when the pattern covers
// the request.
func (p routePattern) match(method, path string) (map[string]string, bool) {
	if p.method != strings.ToUpper(method) {
		return nil, false
	}
	segments := splitPath(path)
	if len(segments) != len(p.segments) {
		return nil, false
	}

	var params map[string]string
	for i, want := range p.segments {
		if strings.HasPrefix(want, ":") {
			if params == nil {
				params = make(map[string]string)
			}
			params[want[1:]] = segments[i]
			continue
		}
		if want != segments[i] {
			return nil, false
		}
	}
	return params, true
}

// Router holds the parsed routes in a deterministic order so that
// overlapping patterns resolve consistently. Framework adapters share it
// with the core middleware.
type Router struct {
	entries []routeEntry
}

type routeEntry struct {
	pattern routePattern
	config  RouteConfig
}

// NewRouter parses a route map keyed "METHOD /path".
func NewRouter(routes map[string]RouteConfig) (*Router, error) {
	table := &Router{}
	for key, config := range routes {
		pattern, err := parseRouteKey(key)
		if err != nil {
			return nil, err
		}
		table.entries = append(table.entries, routeEntry{pattern: pattern, config: config})
	}
	// Literal segments before parameters, so "/ask" beats "/:any".
	sortRouteEntries(table.entries)
	return table, nil
}

func sortRouteEntries(entries []routeEntry) {
	literalCount := func(p routePattern) int {
		count := 0
		for _, segment := range p.segments {
			if !strings.HasPrefix(segment, ":") {
				count++
			}
		}
		return count
	}
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && literalCount(entries[j].pattern) > literalCount(entries[j-1].pattern); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// Match returns the route covering the request and its captured
// path parameters.
func (t *Router) Match(r *http.Request) (*RouteConfig, map[string]string, bool) {
	for i := range t.entries {
		if params, ok := t.entries[i].pattern.match(r.Method, r.URL.Path); ok {
			return &t.entries[i].config, params, true
		}
	}
	return nil, nil, false
}
