package fixd

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/aofei/mimesniffer"
)

// renderHandlerBody computes the (status, contentType, body) triple for one
// delivery of h against req. For a scripted handler this runs the
// Interpolator (if the body is the interpreted variant); for a
// custom-func handler it invokes the user code, which may override the
// handler's own status code, and runs the Interpolator over the result
// if and only if the user asked for `Interpreted`.
func renderHandlerBody(h *Handler, req *IncomingRequest) (int, string, []byte, error) {
	status := nonZeroStatus(h.statusCode)

	switch h.bodyKind {
	case bodyNone:
		return status, h.key.ContentType, nil, nil

	case bodyLiteralBytes:
		return status, sniffedContentType(h.key.ContentType, h.literalBytes), h.literalBytes, nil

	case bodyLiteralString:
		return status, h.key.ContentType, []byte(h.literalStr), nil

	case bodyInterpretedString:
		return status, h.key.ContentType, []byte(interpolate(h.literalStr, req, time.Now().UnixMilli())), nil

	case bodyStream:
		if h.streamBody == nil {
			return status, h.key.ContentType, nil, nil
		}
		body, err := io.ReadAll(h.streamBody)
		if err != nil {
			return 0, "", nil, newDispatchError(http.StatusInternalServerError, err)
		}
		return status, sniffedContentType(h.key.ContentType, body), body, nil

	case bodyCustomFunc:
		resp, err := h.customFunc(req)
		if err != nil {
			return 0, "", nil, newDispatchError(http.StatusInternalServerError, err)
		}
		return renderCustomResponse(resp, req, status)

	default:
		return status, h.key.ContentType, nil, nil
	}
}

func renderCustomResponse(resp *HTTPResponse, req *IncomingRequest, fallbackStatus int) (int, string, []byte, error) {
	if resp == nil {
		return fallbackStatus, "", nil, nil
	}

	status := resp.Status
	if status == 0 {
		status = fallbackStatus
	}

	var body []byte

	switch {
	case resp.BodyReader != nil:
		b, err := io.ReadAll(resp.BodyReader)
		if err != nil {
			return 0, "", nil, newDispatchError(http.StatusInternalServerError, err)
		}
		body = b

	case resp.Interpreted:
		body = []byte(interpolate(resp.BodyString, req, time.Now().UnixMilli()))

	case resp.BodyString != "":
		body = []byte(resp.BodyString)

	default:
		body = resp.Body
	}

	return status, sniffedContentType(resp.ContentType, body), body, nil
}

// sniffedContentType returns declared when it is non-empty; otherwise it
// sniffs a Content-Type from body, matching the teacher's own sniff-on-
// empty-Content-Type fallback for raw response bodies.
func sniffedContentType(declared string, body []byte) string {
	if declared != "" || len(body) == 0 {
		return declared
	}
	return mimesniffer.Sniff(body)
}

// dispatch runs the full per-request pipeline described in the
// specification: capture, resolve, trigger broadcast (dispatch then
// continues with the trigger route's own handler), session lookup and hook, body computation, and either a synchronous write or an
// async hand-off.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *IncomingRequest) {
	s.captures.Add(newCapturedRequest(req))

	matchedRoute, bindings, ok := s.routes.getRoute(req.Path)
	if !ok {
		writeErrorResponse(w, newDispatchError(http.StatusNotFound, ErrRouteNotFound))
		return
	}
	req.PathParams = bindings

	key := HandlerKey{Method: req.Method, Route: matchedRoute, ContentType: req.Header.Get("Content-Type")}

	// Per the specification, lookup is not retried without the
	// content-type discriminator: a request with Content-Type set never
	// falls back to a handler registered without one.
	h, ok := s.lookupHandler(key)
	if !ok {
		writeErrorResponse(w, newDispatchError(http.StatusMethodNotAllowed, ErrMethodOrContentTypeMismatch))
		return
	}

	if s.isTriggerKey(key) {
		s.async.Broadcast(key, req)
	}

	if id, ok := sessionIDFromRequestHeader(req); ok {
		if sess, found := s.sessions.Lookup(id); found {
			req.Session = sess
		}
	}

	if h.sessionHook != nil {
		s.runSessionHook(h, req, w)
	}

	if h.uponTrigger != nil {
		sw := newSerialWriter(w)
		// Subscribe outlives this call for as long as the client stays
		// connected; Wait blocks the handler goroutine for that whole
		// span. net/http finalizes the response the moment this function
		// returns, so returning early here would end the stream before
		// any broadcast or timeout ever reached it.
		s.async.Subscribe(*h.uponTrigger, h, sw, r.Context().Done()).Wait()
		return
	}

	if h.statusCode < 0 && h.bodyKind != bodyCustomFunc {
		writeErrorResponse(w, newDispatchError(http.StatusInternalServerError, ErrHandlerMisconfigured))
		return
	}

	if h.Async() {
		s.dispatchAsync(h, req, w, r)
		return
	}

	status, contentType, body, err := renderHandlerBody(h, req)
	if err != nil {
		s.logger.Errorf("dispatch %s %s: %s", req.Method, req.Path, err)
		writeErrorResponse(w, err)
		return
	}

	sw := newSerialWriter(w)
	sw.writeHeader(status, contentType, h.headers)
	sw.write(body)
}

// dispatchAsync hands a non-upon async handler (after/every) to the
// AsyncEngine.
func (s *Server) dispatchAsync(h *Handler, req *IncomingRequest, w http.ResponseWriter, r *http.Request) {
	sw := newSerialWriter(w)

	switch h.timing {
	case timingAfterDelay:
		// Headers are written now, body withheld until the timer fires.
		// Wait keeps this handler goroutine (and so the connection) alive
		// until the deferred write actually lands.
		sw.writeHeader(nonZeroStatus(h.statusCode), h.key.ContentType, h.headers)
		s.async.Defer(h, req, sw, r.Context().Done()).Wait()

	case timingEveryInterval:
		// Headers are committed immediately; the body streams over
		// repeated chunked writes. Wait keeps the connection open for the
		// stream's whole lifetime.
		sw.writeHeader(nonZeroStatus(h.statusCode), h.key.ContentType, h.headers)
		s.async.Stream(h, req, sw, r.Context().Done()).Wait()

	default:
		writeErrorResponse(w, newDispatchError(http.StatusInternalServerError, ErrHandlerMisconfigured))
	}
}

func writeErrorResponse(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var de *dispatchError
	if errors.As(err, &de) {
		status = de.status
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
}

// runSessionHook runs h's session hook against req and, if it populated
// any attributes, allocates a session, persists it, and sets the response
// cookie.
func (s *Server) runSessionHook(h *Handler, req *IncomingRequest, w http.ResponseWriter) {
	attrs := map[string]string{}
	h.sessionHook(req, attrs)

	if len(attrs) == 0 {
		return
	}

	sess, err := s.sessions.New(attrs)
	if err != nil {
		return
	}
	req.Session = sess

	http.SetCookie(w, &http.Cookie{
		Name:  sessionCookieName,
		Value: sess.ID(),
		Path:  "/",
	})
}

func sessionIDFromRequestHeader(req *IncomingRequest) (string, bool) {
	cookieHeader := req.Header.Get("Cookie")
	if cookieHeader == "" {
		return "", false
	}

	hdr := http.Header{}
	hdr.Add("Cookie", cookieHeader)
	r := &http.Request{Header: hdr}

	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return "", false
	}

	return c.Value, true
}

