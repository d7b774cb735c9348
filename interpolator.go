package fixd

import (
	"strconv"
	"strings"
)

// interpolate expands template tokens in body against req and, if present,
// a valid session. now is the epoch-millisecond value `[request.time]`
// expands to — the caller stamps it immediately before rendering, since the
// specification defines the token as "current epoch milliseconds at
// response time", not at request-receipt time. It is a single left-to-right
// scanner over a small, fixed token table — not a general template parser —
// and replacement is single-pass: expansions are never re-scanned for
// further tokens.
//
// Token precedence at a given scan position, longest-match-first:
//
//	"[request.xxx]"  fixed request tokens
//	"[request?name]" request parameter
//	"[request$Name]" request header
//	"{name}"         session attribute
//	":name"          route parameter
//
// Any other byte is copied through unchanged.
func interpolate(body string, req *IncomingRequest, now int64) string {
	var out strings.Builder
	out.Grow(len(body))

	i := 0
	for i < len(body) {
		c := body[i]

		switch {
		case c == '[' && strings.HasPrefix(body[i:], "[request"):
			if tok, n, ok := scanRequestToken(body[i:]); ok {
				out.WriteString(expandRequestToken(tok, req, now))
				i += n
				continue
			}
			out.WriteByte(c)
			i++

		case c == '{':
			if name, n, ok := scanBraceToken(body[i:]); ok {
				out.WriteString(expandSessionToken(name, req))
				i += n
				continue
			}
			out.WriteByte(c)
			i++

		case c == ':':
			if name, n, ok := scanParamToken(body[i:]); ok {
				out.WriteString(expandParamToken(name, req))
				i += n
				continue
			}
			out.WriteByte(c)
			i++

		default:
			out.WriteByte(c)
			i++
		}
	}

	return out.String()
}

// scanRequestToken scans a "[request...]" token starting at s[0] == '['. It
// returns the full token text (including brackets), its length, and whether
// a well-formed token was found.
func scanRequestToken(s string) (string, int, bool) {
	end := strings.IndexByte(s, ']')
	if end < 0 {
		return "", 0, false
	}
	return s[:end+1], end + 1, true
}

// scanBraceToken scans a "{name}" token starting at s[0] == '{'. Session
// attribute names never contain '}', so the first closing brace ends it.
func scanBraceToken(s string) (string, int, bool) {
	end := strings.IndexByte(s, '}')
	if end < 0 {
		return "", 0, false
	}
	return s[1:end], end + 1, true
}

// scanParamToken scans a ":name" token starting at s[0] == ':'. The name
// runs until the next byte that cannot appear in a route-parameter name
// (anything other than letters, digits, '_' and '-').
func scanParamToken(s string) (string, int, bool) {
	i := 1
	for i < len(s) && isParamNameByte(s[i]) {
		i++
	}
	if i == 1 {
		return "", 0, false
	}
	return s[1:i], i, true
}

func isParamNameByte(b byte) bool {
	return b == '_' || b == '-' ||
		(b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z') ||
		(b >= '0' && b <= '9')
}

// expandRequestToken expands one of the fixed "[request.xxx]" tokens, or
// the parameterized "[request?name]"/"[request$Header]" tokens. Unresolvable
// values expand to the empty string.
func expandRequestToken(tok string, req *IncomingRequest, now int64) string {
	inner := strings.TrimSuffix(strings.TrimPrefix(tok, "["), "]")

	switch {
	case inner == "request.body":
		return string(req.Body)
	case inner == "request.method":
		return req.Method
	case inner == "request.path":
		return req.Path
	case inner == "request.query":
		return req.RawQuery
	case inner == "request.time":
		return strconv.FormatInt(now, 10)
	case inner == "request.major":
		return strconv.Itoa(req.ProtoMajor)
	case inner == "request.minor":
		return strconv.Itoa(req.ProtoMinor)
	case inner == "request.target":
		return req.RequestTarget()
	case strings.HasPrefix(inner, "request?"):
		name := inner[len("request?"):]
		v, _ := req.Param(name)
		return v
	case strings.HasPrefix(inner, "request$"):
		name := inner[len("request$"):]
		return req.Header.Get(name)
	default:
		return ""
	}
}

// expandSessionToken expands a "{name}" session-attribute token. Per the
// specification this is the one token with a non-empty fallback: when no
// valid session is attached, the literal token text is preserved so that
// test failures remain diagnosable.
func expandSessionToken(name string, req *IncomingRequest) string {
	if req.Session == nil || !req.Session.Valid() {
		return "{" + name + "}"
	}

	v, ok := req.Session.Get(name)
	if !ok {
		return "{" + name + "}"
	}

	return v
}

// expandParamToken expands a ":name" route-parameter token. Unbound names
// expand to the empty string.
func expandParamToken(name string, req *IncomingRequest) string {
	if req.PathParams == nil {
		return ""
	}
	return req.PathParams[name]
}
