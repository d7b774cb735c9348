// Package hooks provides the session hooks named by the specification —
// PathParams and RequestParams — plus small composable helpers for writing
// custom ones, mirroring the teacher's separate `gases` subpackage of
// optional, swappable add-ons.
package hooks

import "github.com/go-fixd/fixd"

// PathParams copies every path-parameter binding captured by the matched
// route into the session's attribute set. Attach it with
// HandlerBuilder.WithSessionHook to have the dispatcher allocate a session
// (and set the Fixd-Session cookie) each time a request resolves to the
// handler, whenever the route has at least one named segment.
func PathParams(req *fixd.IncomingRequest, attrs map[string]string) {
	for name, value := range req.PathParams {
		attrs[name] = value
	}
}

// RequestParams copies every request parameter — query-string values, plus
// form fields for an application/x-www-form-urlencoded body — into the
// session's attribute set.
func RequestParams(req *fixd.IncomingRequest, attrs map[string]string) {
	for name, value := range req.Params() {
		attrs[name] = value
	}
}

// Merge combines several hooks into one, running each in order against the
// same attrs map. Later hooks overwrite attributes set by earlier ones,
// matching plain left-to-right map-assignment semantics.
func Merge(fns ...func(req *fixd.IncomingRequest, attrs map[string]string)) func(*fixd.IncomingRequest, map[string]string) {
	return func(req *fixd.IncomingRequest, attrs map[string]string) {
		for _, fn := range fns {
			fn(req, attrs)
		}
	}
}

// Const returns a hook that unconditionally sets attrs[name] = value,
// regardless of the request. Useful in tests that need a session to exist
// without deriving its contents from the request.
func Const(name, value string) func(*fixd.IncomingRequest, map[string]string) {
	return func(_ *fixd.IncomingRequest, attrs map[string]string) {
		attrs[name] = value
	}
}
