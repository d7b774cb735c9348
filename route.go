package fixd

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// segmentKind is the kind of a single path segment of a compiled `route`.
type segmentKind uint8

// segment kinds
const (
	segmentLiteral segmentKind = iota
	segmentNamed
	segmentNamedRegex
)

// segment is one `/`-delimited piece of a route pattern.
type segment struct {
	kind    segmentKind
	literal string
	name    string
	regex   *regexp.Regexp
}

// route is a compiled route pattern. Two routes compare equal iff their
// original pattern strings compare equal — see `route.equal`.
type route struct {
	pattern  string
	segments []segment
}

// compileRoute parses the pattern into a `route`. The pattern must start
// with "/". A segment of the form ":name" declares a named parameter: a
// segment of the form ":name<regex>" declares a named parameter whose
// capture must match regex, anchored to the whole segment. Any other
// segment is matched literally.
//
// The splat segment "*" is not a wildcard: it compiles to a literal
// segment, so it matches only a path segment that is exactly "*".
func compileRoute(pattern string) (*route, error) {
	if pattern == "" || pattern[0] != '/' {
		return nil, fmt.Errorf("fixd: route pattern must start with /: %q", pattern)
	}

	parts := strings.Split(strings.TrimPrefix(pattern, "/"), "/")
	segments := make([]segment, 0, len(parts))

	for _, p := range parts {
		switch {
		case p == "*":
			segments = append(segments, segment{kind: segmentLiteral, literal: "*"})
		case strings.HasPrefix(p, ":"):
			name := p[1:]
			if i := strings.IndexByte(name, '<'); i >= 0 {
				if name[len(name)-1] != '>' {
					return nil, fmt.Errorf(
						"fixd: unterminated regex in segment %q of pattern %q",
						p, pattern,
					)
				}

				restr := name[i+1 : len(name)-1]
				name = name[:i]

				re, err := regexp.Compile("^(?:" + restr + ")$")
				if err != nil {
					return nil, fmt.Errorf(
						"fixd: invalid regex in segment %q of pattern %q: %w",
						p, pattern, err,
					)
				}

				segments = append(segments, segment{
					kind:  segmentNamedRegex,
					name:  name,
					regex: re,
				})
			} else {
				segments = append(segments, segment{kind: segmentNamed, name: name})
			}
		default:
			segments = append(segments, segment{kind: segmentLiteral, literal: p})
		}
	}

	return &route{pattern: pattern, segments: segments}, nil
}

// match attempts to match path against r, returning the named-parameter
// bindings on success.
func (r *route) match(path string) (map[string]string, bool) {
	path = strings.TrimPrefix(path, "/")

	var parts []string
	if path == "" {
		parts = []string{""}
	} else {
		parts = strings.Split(path, "/")
	}

	if len(parts) != len(r.segments) {
		return nil, false
	}

	var bindings map[string]string

	for i, seg := range r.segments {
		part := parts[i]

		switch seg.kind {
		case segmentLiteral:
			if seg.literal != part {
				return nil, false
			}
		case segmentNamed:
			if bindings == nil {
				bindings = make(map[string]string)
			}
			bindings[seg.name] = part
		case segmentNamedRegex:
			if !seg.regex.MatchString(part) {
				return nil, false
			}
			if bindings == nil {
				bindings = make(map[string]string)
			}
			bindings[seg.name] = part
		}
	}

	if bindings == nil {
		bindings = map[string]string{}
	}

	return bindings, true
}

// equal reports whether r and o were compiled from the same pattern string.
func (r *route) equal(o *route) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.pattern == o.pattern
}

// routeMap is an ordered collection of routes. Routes are matched in
// insertion order — the first match wins, and a literal route never
// automatically outranks a parameterized one registered earlier.
//
// Per the specification's concurrency model, RouteMap is populated during
// test setup but may also be appended to later — via Server.Handle or the
// fixture hot-reload path (Server.WatchFixtureFile) — concurrently with
// in-flight dispatch goroutines calling getRoute. mu guards every access to
// routes.
type routeMap struct {
	mu     sync.RWMutex
	routes []*route
}

// newRouteMap returns a new, empty `routeMap`.
func newRouteMap() *routeMap {
	return &routeMap{}
}

// add registers pattern, compiling it, and returns the resulting `route`. If
// an identical pattern was already registered, the existing `route` is
// returned instead so that callers share the same `HandlerKey` route value.
func (m *routeMap) add(pattern string) (*route, error) {
	m.mu.RLock()
	for _, r := range m.routes {
		if r.pattern == pattern {
			m.mu.RUnlock()
			return r, nil
		}
	}
	m.mu.RUnlock()

	r, err := compileRoute(pattern)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Re-check under the write lock: another goroutine may have added the
	// same pattern between the read-locked scan above and here.
	for _, existing := range m.routes {
		if existing.pattern == pattern {
			return existing, nil
		}
	}

	m.routes = append(m.routes, r)

	return r, nil
}

// getRoute returns the first route whose pattern matches path, along with
// its bindings, or (nil, nil, false) if none match.
func (m *routeMap) getRoute(path string) (*route, map[string]string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.routes {
		if bindings, ok := r.match(path); ok {
			return r, bindings, true
		}
	}

	return nil, nil, false
}
