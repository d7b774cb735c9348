package fixd

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// IncomingRequest is the read-only view of an HTTP request handed to
// session hooks, custom handler funcs, and the Interpolator. It is built
// once per request by the Dispatcher from the underlying `*http.Request`.
type IncomingRequest struct {
	Method        string
	Path          string
	RawQuery      string
	ProtoMajor    int
	ProtoMinor    int
	Header        http.Header
	Body          []byte
	RemoteAddr    string
	PathParams    map[string]string
	Session       *Session // nil if no valid session is attached
	ReceivedAt    int64    // unix millis, stamped by the Dispatcher

	query url.Values
	form  url.Values
}

// newIncomingRequest snapshots r (and its already-drained body) into an
// `IncomingRequest`.
func newIncomingRequest(r *http.Request, body []byte, pathParams map[string]string) *IncomingRequest {
	return &IncomingRequest{
		Method:     r.Method,
		Path:       r.URL.Path,
		RawQuery:   r.URL.RawQuery,
		ProtoMajor: r.ProtoMajor,
		ProtoMinor: r.ProtoMinor,
		Header:     r.Header,
		Body:       body,
		RemoteAddr: r.RemoteAddr,
		PathParams: pathParams,
		query:      r.URL.Query(),
	}
}

// RequestTarget returns the path, plus "?query" if a query string is
// present, matching the `[request.target]` interpolation token.
func (req *IncomingRequest) RequestTarget() string {
	if req.RawQuery == "" {
		return req.Path
	}
	return req.Path + "?" + req.RawQuery
}

// Param returns the value of request parameter name, checked first against
// the query string and then, for an `application/x-www-form-urlencoded`
// body, against the parsed form — matching the `[request?name]` token.
func (req *IncomingRequest) Param(name string) (string, bool) {
	if req.query == nil {
		req.query = url.Values{}
	}

	if v, ok := req.query[name]; ok && len(v) > 0 {
		return v[0], true
	}

	if req.isFormEncoded() {
		if req.form == nil {
			req.form, _ = url.ParseQuery(string(req.Body))
		}

		if v, ok := req.form[name]; ok && len(v) > 0 {
			return v[0], true
		}
	}

	return "", false
}

// Params returns the union of query-string and (for form-encoded bodies)
// form parameters, used by `hooks.RequestParams`.
func (req *IncomingRequest) Params() map[string]string {
	out := map[string]string{}

	for k, v := range req.query {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}

	if req.isFormEncoded() {
		if req.form == nil {
			req.form, _ = url.ParseQuery(string(req.Body))
		}

		for k, v := range req.form {
			if len(v) > 0 {
				out[k] = v[0]
			}
		}
	}

	return out
}

func (req *IncomingRequest) isFormEncoded() bool {
	ct := req.Header.Get("Content-Type")
	return strings.HasPrefix(ct, "application/x-www-form-urlencoded")
}

// bodyReader returns a fresh reader over the already-drained body, so that
// `WithStream`/custom handlers consuming `io.Reader` see the raw bytes.
func (req *IncomingRequest) bodyReader() io.Reader {
	return bytes.NewReader(req.Body)
}
