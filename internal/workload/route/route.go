// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package route matches request methods and paths against registered
// patterns.
//
// Patterns are absolute paths whose segments are either literals or named
// parameters written as {name}:
//
//	/modules/{name}/genid/{genid}/sign
//
// A parameter matches exactly one non-empty segment. When several patterns
// match a path, the one with the most literal segments wins. Patterns that
// could match the same path with equal specificity are rejected at
// registration, so every match is unambiguous.
//
// A Recognizer is populated once and then only read. Add must not be called
// concurrently with Match.
package route

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

var (
	// ErrNotFound is returned by Match when no pattern matches the path.
	ErrNotFound = errors.New("route: not found")

	// ErrMethodNotAllowed matches any *MethodNotAllowedError via errors.Is.
	ErrMethodNotAllowed = errors.New("route: method not allowed")

	// ErrConflict is wrapped by every *ConflictError.
	ErrConflict = errors.New("route: conflicting route")

	// ErrInvalidPattern is wrapped by pattern and method validation errors.
	ErrInvalidPattern = errors.New("route: invalid pattern")
)

var paramName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Route binds a method and path pattern to an opaque handler.
type Route struct {
	Method  string
	Pattern string
	Handler any
}

// Params holds the values captured by a pattern's parameter segments.
type Params map[string]string

// Get returns the named parameter, or "" if absent.
func (p Params) Get(name string) string {
	return p[name]
}

// Match is the result of a successful lookup.
type Match struct {
	Method  string
	Pattern string
	Handler any
	Params  Params
}

// ConflictError reports a pattern that is ambiguous with one already
// registered for the same method.
type ConflictError struct {
	Method   string
	Pattern  string
	Existing string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("route: %s %s conflicts with %s %s", e.Method, e.Pattern, e.Method, e.Existing)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// MethodNotAllowedError is returned when the path matches a pattern
// registered only under other methods.
type MethodNotAllowedError struct {
	Method string
	Path   string
	// Allowed is the sorted set of methods registered for the path.
	Allowed []string
}

func (e *MethodNotAllowedError) Error() string {
	return fmt.Sprintf("route: method %s not allowed for %s (allowed: %s)", e.Method, e.Path, strings.Join(e.Allowed, ", "))
}

// Is makes errors.Is(err, ErrMethodNotAllowed) true.
func (e *MethodNotAllowedError) Is(target error) bool {
	return target == ErrMethodNotAllowed
}

type segment struct {
	value string
	param bool
}

type entry struct {
	route    Route
	segments []segment
	literals int
}

// matches reports whether the entry matches the unescaped path segments.
func (e *entry) matches(parts []string) bool {
	if len(parts) != len(e.segments) {
		return false
	}
	for i, seg := range e.segments {
		if seg.param {
			if parts[i] == "" {
				return false
			}
			continue
		}
		if seg.value != parts[i] {
			return false
		}
	}
	return true
}

func (e *entry) params(parts []string) Params {
	p := make(Params)
	for i, seg := range e.segments {
		if seg.param {
			p[seg.value] = parts[i]
		}
	}
	return p
}

// overlaps reports whether some concrete path matches both entries.
func (e *entry) overlaps(o *entry) bool {
	if len(e.segments) != len(o.segments) {
		return false
	}
	for i, seg := range e.segments {
		other := o.segments[i]
		if !seg.param && !other.param && seg.value != other.value {
			return false
		}
	}
	return true
}

// Recognizer holds registered routes.
type Recognizer struct {
	entries []*entry
}

// New creates a recognizer populated with routes.
func New(routes ...Route) (*Recognizer, error) {
	r := &Recognizer{}
	for _, rt := range routes {
		if err := r.Add(rt); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers a route. It fails with an error wrapping ErrInvalidPattern
// for malformed patterns and a *ConflictError for ambiguous ones.
func (r *Recognizer) Add(rt Route) error {
	method := strings.ToUpper(strings.TrimSpace(rt.Method))
	if method == "" {
		return fmt.Errorf("%w: empty method for %q", ErrInvalidPattern, rt.Pattern)
	}
	segments, err := parsePattern(rt.Pattern)
	if err != nil {
		return err
	}
	rt.Method = method

	e := &entry{route: rt, segments: segments}
	for _, seg := range segments {
		if !seg.param {
			e.literals++
		}
	}

	for _, existing := range r.entries {
		if existing.route.Method != method {
			continue
		}
		if existing.overlaps(e) && existing.literals == e.literals {
			return &ConflictError{Method: method, Pattern: rt.Pattern, Existing: existing.route.Pattern}
		}
	}

	r.entries = append(r.entries, e)
	return nil
}

// Match looks up method and path. Methods are case-sensitive and compared
// with the upper-cased registered method as given. path is in escaped form;
// each segment is unescaped before comparison. It returns ErrNotFound when no pattern
// matches and a *MethodNotAllowedError when only other methods do.
func (r *Recognizer) Match(method, path string) (Match, error) {
	parts, ok := splitPath(path)
	if !ok {
		return Match{}, ErrNotFound
	}

	var best *entry
	allowed := make(map[string]struct{})
	for _, e := range r.entries {
		if !e.matches(parts) {
			continue
		}
		if e.route.Method != method {
			allowed[e.route.Method] = struct{}{}
			continue
		}
		if best == nil || e.literals > best.literals {
			best = e
		}
	}

	if best != nil {
		return Match{
			Method:  best.route.Method,
			Pattern: best.route.Pattern,
			Handler: best.route.Handler,
			Params:  best.params(parts),
		}, nil
	}
	if len(allowed) > 0 {
		methods := make([]string, 0, len(allowed))
		for m := range allowed {
			methods = append(methods, m)
		}
		sort.Strings(methods)
		return Match{}, &MethodNotAllowedError{Method: method, Path: path, Allowed: methods}
	}
	return Match{}, ErrNotFound
}

// Routes returns the registered routes in registration order.
func (r *Recognizer) Routes() []Route {
	out := make([]Route, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.route
	}
	return out
}

func parsePattern(pattern string) ([]segment, error) {
	if !strings.HasPrefix(pattern, "/") {
		return nil, fmt.Errorf("%w: %q must start with /", ErrInvalidPattern, pattern)
	}
	if pattern == "/" {
		return nil, nil
	}

	raw := strings.Split(pattern[1:], "/")
	segments := make([]segment, 0, len(raw))
	seen := make(map[string]bool)
	for _, s := range raw {
		switch {
		case s == "":
			return nil, fmt.Errorf("%w: %q has an empty segment", ErrInvalidPattern, pattern)
		case strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}"):
			name := s[1 : len(s)-1]
			if !paramName.MatchString(name) {
				return nil, fmt.Errorf("%w: %q has invalid parameter %q", ErrInvalidPattern, pattern, s)
			}
			if seen[name] {
				return nil, fmt.Errorf("%w: %q repeats parameter %q", ErrInvalidPattern, pattern, name)
			}
			seen[name] = true
			segments = append(segments, segment{value: name, param: true})
		case strings.ContainsAny(s, "{}"):
			return nil, fmt.Errorf("%w: %q has malformed segment %q", ErrInvalidPattern, pattern, s)
		default:
			segments = append(segments, segment{value: s})
		}
	}
	return segments, nil
}

// splitPath returns the unescaped segments of path. ok is false for paths
// that cannot match any pattern.
func splitPath(path string) ([]string, bool) {
	if !strings.HasPrefix(path, "/") {
		return nil, false
	}
	if path == "/" {
		return []string{}, true
	}

	raw := strings.Split(path[1:], "/")
	parts := make([]string, len(raw))
	for i, s := range raw {
		u, err := url.PathUnescape(s)
		if err != nil {
			return nil, false
		}
		parts[i] = u
	}
	return parts, true
}
