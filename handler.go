package fixd

import (
	"io"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"
)

// HandlerKey is the tuple (method, route, content-type) used to look up a
// registered `Handler`. Two requests that resolve to the same route but
// declare different Content-Type headers are distinct handlers — this is a
// feature, not a fallback: lookup is never retried without the content type.
type HandlerKey struct {
	Method      string
	Route       *route
	ContentType string // empty means "no content-type discriminator"
}

// equal reports whether k and o address the same handler slot.
func (k HandlerKey) equal(o HandlerKey) bool {
	return k.Method == o.Method &&
		k.Route.equal(o.Route) &&
		k.ContentType == o.ContentType
}

// timingKind is the timing mode of a `Handler`.
type timingKind uint8

const (
	timingOnce timingKind = iota
	timingAfterDelay
	timingEveryInterval
)

// bodyKind tags the variant carried by a `Handler`'s body.
type bodyKind uint8

const (
	bodyNone bodyKind = iota
	bodyLiteralBytes
	bodyLiteralString
	bodyInterpretedString
	bodyStream
	bodyCustomFunc
)

// CustomHandlerFunc is user code that computes an `HTTPResponse` from the
// incoming request. It is installed via `HandlerBuilder.WithFunc`.
type CustomHandlerFunc func(req *IncomingRequest) (*HTTPResponse, error)

// HTTPResponse is the response produced by a `CustomHandlerFunc`. Exactly one
// of the body fields should be set; `Interpreted` additionally asks the
// dispatcher to run the `Interpolator` over the body before writing it.
type HTTPResponse struct {
	Status      int
	ContentType string
	Headers     []HeaderField
	Body        []byte
	BodyString  string
	BodyReader  io.Reader
	Interpreted bool
}

// HeaderField is one (name, value) pair. Handlers keep headers as an ordered
// slice rather than a map, so duplicate header names (e.g. repeated
// "Set-Cookie"-like scripted headers) are preserved exactly as registered.
type HeaderField struct {
	Name  string
	Value string
}

// SessionHook is invoked once per request that resolves to a handler it is
// attached to. It may populate attrs with session attributes to request that
// the dispatcher allocate and persist a session. See `hooks.PathParams` and
// `hooks.RequestParams` for the two provided implementations.
type SessionHook func(req *IncomingRequest, attrs map[string]string)

// Handler is a declarative response script, filled in by a
// `HandlerBuilder`. The builder's scripting methods modify it in place,
// also after registration; the dispatch path only reads it.
type Handler struct {
	key HandlerKey

	statusCode int // unset is -1

	bodyKind     bodyKind
	literalBytes []byte
	literalStr   string
	streamBody   io.Reader
	customFunc   CustomHandlerFunc

	headers []HeaderField

	sessionHook SessionHook

	timing       timingKind
	afterDelay   time.Duration
	everyPeriod  time.Duration
	everyCount   int // 0 means unset/unbounded
	everyHasCnt  bool

	uponTrigger *HandlerKey
	timeout     time.Duration
	hasTimeout  bool

	// isTriggerStub marks the synthetic 200/text-plain/empty handler
	// registered automatically at an `Upon` trigger route (see §4.9 of
	// the specification).
	isTriggerStub bool
}

// Async reports whether h requires the AsyncEngine rather than a synchronous
// write.
func (h *Handler) Async() bool {
	return h.timing != timingOnce || h.uponTrigger != nil
}

// HandlerBuilder is the fluent builder backing a `Handler`. It is returned by
// `Server.Handle`, which has already registered its `Handler` (via
// `build`); every scripting method mutates that registered `Handler` in
// place, so the Handler is not frozen after first use.
type HandlerBuilder struct {
	h      *Handler
	server *Server
}

func newHandlerBuilder(s *Server, key HandlerKey) *HandlerBuilder {
	return &HandlerBuilder{
		server: s,
		h: &Handler{
			key:        key,
			statusCode: -1,
			timing:     timingOnce,
		},
	}
}

// With declares a literal, interpreter-expanded scripted response body.
func (b *HandlerBuilder) With(status int, contentType string, body string) *HandlerBuilder {
	b.h.statusCode = status
	b.h.key.ContentType = nonEmptyOr(contentType, b.h.key.ContentType)
	b.h.bodyKind = bodyInterpretedString
	b.h.literalStr = body
	return b
}

// WithBytes declares a literal, non-interpolated byte-array response body.
func (b *HandlerBuilder) WithBytes(status int, contentType string, body []byte) *HandlerBuilder {
	b.h.statusCode = status
	b.h.key.ContentType = nonEmptyOr(contentType, b.h.key.ContentType)
	b.h.bodyKind = bodyLiteralBytes
	b.h.literalBytes = body
	return b
}

// WithStream declares a response body read from r as-is (not interpolated).
func (b *HandlerBuilder) WithStream(status int, contentType string, r io.Reader) *HandlerBuilder {
	b.h.statusCode = status
	b.h.key.ContentType = nonEmptyOr(contentType, b.h.key.ContentType)
	b.h.bodyKind = bodyStream
	b.h.streamBody = r
	return b
}

// WithFunc delegates response computation to custom user code.
func (b *HandlerBuilder) WithFunc(f CustomHandlerFunc) *HandlerBuilder {
	b.h.bodyKind = bodyCustomFunc
	b.h.customFunc = f
	return b
}

// WithHeader appends a (name, value) header pair to the handler's scripted
// response. Malformed header names/values are silently dropped, matching
// the "invalid cookies silently dropped" posture of the teacher's own
// cookie serialization.
func (b *HandlerBuilder) WithHeader(name, value string) *HandlerBuilder {
	if !validHeaderField(name, value) {
		return b
	}
	b.h.headers = append(b.h.headers, HeaderField{Name: name, Value: value})
	return b
}

// WithSessionHook attaches a session hook to the handler.
func (b *HandlerBuilder) WithSessionHook(hook SessionHook) *HandlerBuilder {
	b.h.sessionHook = hook
	return b
}

// After sets the handler's timing mode to a single delayed reply.
func (b *HandlerBuilder) After(delay time.Duration) *HandlerBuilder {
	b.h.timing = timingAfterDelay
	b.h.afterDelay = delay
	return b
}

// Every sets the handler's timing mode to a periodic stream. A count <= 0
// means "stream until client disconnect or server stop" (§9 Open Question).
func (b *HandlerBuilder) Every(period time.Duration, count int) *HandlerBuilder {
	b.h.timing = timingEveryInterval
	b.h.everyPeriod = period
	if count > 0 {
		b.h.everyCount = count
		b.h.everyHasCnt = true
	} else {
		b.h.everyHasCnt = false
	}
	return b
}

// Upon subscribes the handler to broadcasts triggered by requests matching
// (method, resource, contentType). An idempotent synthetic 200/text-plain
// handler is registered at the trigger route so that the trigger URL itself
// is always a valid request target (§4.9).
func (b *HandlerBuilder) Upon(method, resource string, contentType ...string) *HandlerBuilder {
	ct := ""
	if len(contentType) > 0 {
		ct = contentType[0]
	}

	r, err := b.server.routes.add(resource)
	if err != nil {
		panic(err)
	}

	key := HandlerKey{Method: strings.ToUpper(method), Route: r, ContentType: ct}
	b.h.uponTrigger = &key

	b.server.registerTriggerStub(key)

	return b
}

// WithTimeout sets the subscription deadline for an `Upon` handler. On
// expiry the subscription writes HTTP 408 and closes (§4.8).
func (b *HandlerBuilder) WithTimeout(d time.Duration) *HandlerBuilder {
	b.h.timeout = d
	b.h.hasTimeout = true
	return b
}

// build registers the handler on the server's handler map. Server.Handle
// calls this once, eagerly, before returning the builder to the caller;
// every later scripting method mutates the same Handler in place, so the
// map entry stays live without needing to be re-registered.
func (b *HandlerBuilder) build() *Handler {
	b.server.registerHandler(b.h)
	return b.h
}

func nonEmptyOr(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func validHeaderField(name, value string) bool {
	return httpguts.ValidHeaderFieldName(name) && httpguts.ValidHeaderFieldValue(value)
}
