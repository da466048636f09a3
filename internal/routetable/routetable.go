// Package routetable maps an inbound (method, path) pair to a backend
// target and auth policy. The table is built once at startup from a
// static document and is immutable thereafter (this tightens
// the source's dynamic route registration into a stronger invariant).
package routetable

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// AuthPolicyKind closes the set of authorisation requirements a route may carry.
type AuthPolicyKind string

const (
	AuthPublic           AuthPolicyKind = "public"
	AuthRequirePrincipal AuthPolicyKind = "require_principal"
	AuthRequireScope     AuthPolicyKind = "require_scope"
)

// AuthPolicy is a route's authorisation requirement. Scope is only
// meaningful when Kind == AuthRequireScope.
type AuthPolicy struct {
	Kind  AuthPolicyKind
	Scope string
}

// BodyPassthrough controls how the reverse proxy handles the request body.
type BodyPassthrough string

const (
	BodyStream BodyPassthrough = "stream"
	BodyBuffer BodyPassthrough = "buffer"
	BodyNone   BodyPassthrough = "none"
)

// Entry is one static route. PathPattern uses segment-based ":name"
// captures; regular expressions are disallowed by design.
type Entry struct {
	Method               string
	PathPattern          string
	Backend              string
	UpstreamPathTemplate string
	AuthPolicy           AuthPolicy
	BodyPassthrough      BodyPassthrough
	Idempotent           bool
	// Timeout bounds the upstream call for this route; zero means the
	// gateway-wide default (30s) applies.
	Timeout time.Duration

	segments []segment
}

type segment struct {
	literal   string
	isCapture bool
	name      string
}

func compileSegments(pattern string) []segment {
	parts := strings.Split(strings.Trim(pattern, "/"), "/")
	segs := make([]segment, 0, len(parts))
	for _, p := range parts {
		if strings.HasPrefix(p, ":") {
			segs = append(segs, segment{isCapture: true, name: strings.TrimPrefix(p, ":")})
		} else {
			segs = append(segs, segment{literal: p})
		}
	}
	return segs
}

// specificity scores an entry for longest-pattern tiebreak: more literal
// segments beats more captures; among equals, more total segments wins;
// among equals, the longer raw pattern wins. Higher is more specific.
func (e *Entry) specificity() (literalSegs, totalSegs, patternLen int) {
	for _, s := range e.segments {
		if !s.isCapture {
			literalSegs++
		}
	}
	return literalSegs, len(e.segments), len(e.PathPattern)
}

// Table is the immutable, startup-built route table.
type Table struct {
	byMethod map[string][]*Entry
}

// Build compiles the static entries into an immutable Table. Returns an
// error if (method, path_pattern) is not unique, violating uniqueness.
func Build(entries []Entry) (*Table, error) {
	seen := make(map[string]struct{}, len(entries))
	byMethod := make(map[string][]*Entry)
	for i := range entries {
		e := entries[i]
		key := e.Method + " " + e.PathPattern
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("routetable: duplicate route %s", key)
		}
		seen[key] = struct{}{}
		e.segments = compileSegments(e.PathPattern)
		byMethod[e.Method] = append(byMethod[e.Method], &e)
	}
	for method := range byMethod {
		entries := byMethod[method]
		sort.SliceStable(entries, func(i, j int) bool {
			li, ti, pi := entries[i].specificity()
			lj, tj, pj := entries[j].specificity()
			if li != lj {
				return li > lj
			}
			if ti != tj {
				return ti > tj
			}
			return pi > pj
		})
	}
	return &Table{byMethod: byMethod}, nil
}

// ErrNotFound is returned by Match when no route matches.
var ErrNotFound = fmt.Errorf("routetable: no matching route")

// Match finds the most specific entry matching method and path, returning
// the entry and any named captures. Unknown routes fail with ErrNotFound.
func (t *Table) Match(method, path string) (*Entry, map[string]string, error) {
	candidates := t.byMethod[method]
	reqSegs := strings.Split(strings.Trim(path, "/"), "/")
	for _, e := range candidates {
		if captures, ok := matchSegments(e.segments, reqSegs); ok {
			return e, captures, nil
		}
	}
	return nil, nil, ErrNotFound
}

func matchSegments(pattern []segment, req []string) (map[string]string, bool) {
	if len(pattern) != len(req) {
		return nil, false
	}
	var captures map[string]string
	for i, seg := range pattern {
		if seg.isCapture {
			if captures == nil {
				captures = make(map[string]string)
			}
			captures[seg.name] = req[i]
			continue
		}
		if seg.literal != req[i] {
			return nil, false
		}
	}
	if captures == nil {
		captures = map[string]string{}
	}
	return captures, true
}

// UpstreamPath expands the entry's upstream path template with the given
// captures, e.g. "/v1/conversations/:id" + {"id":"42"} -> "/v1/conversations/42".
func (e *Entry) UpstreamPath(captures map[string]string) string {
	out := e.UpstreamPathTemplate
	for name, value := range captures {
		out = strings.ReplaceAll(out, ":"+name, value)
	}
	return out
}
