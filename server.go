package fixd

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Server is an embeddable HTTP fixture: it owns a listener, a route table,
// a handler map, a session store, a captured-request ring, and an
// AsyncEngine for `after`/`every`/`upon` delivery. A Server is constructed
// with NewServer, configured via repeated calls to Handle, then started
// with Start.
type Server struct {
	addr string

	routes *routeMap

	mu           sync.RWMutex
	handlers     map[HandlerKey]*Handler
	triggerKeys  map[HandlerKey]bool
	builders     []*HandlerBuilder

	sessions *SessionStore
	captures *CaptureRing
	async    *AsyncEngine

	httpServer *http.Server
	listener   net.Listener

	logger *Logger
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithWorkerPoolSize sets the AsyncEngine's worker pool size. The default,
// matching the specification, is 10.
func WithWorkerPoolSize(n int) Option {
	return func(s *Server) {
		s.async = NewAsyncEngine(n)
	}
}

// WithMaxCapturedRequests sets the initial capture-ring capacity. Pass -1
// for unbounded.
func WithMaxCapturedRequests(n int) Option {
	return func(s *Server) {
		s.captures = NewCaptureRing(n)
	}
}

// WithSessionStoreBytes sizes the session store's backing cache.
func WithSessionStoreBytes(maxBytes int) Option {
	return func(s *Server) {
		s.sessions = NewSessionStore(maxBytes)
	}
}

// WithLogger attaches a Logger used for the server's own diagnostic
// output (listen address, serve and dispatch errors, fixture reload
// failures). If omitted, a Logger writing to
// os.Stderr at LevelInfo is used.
func WithLogger(l *Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// NewServer returns a Server bound to addr (e.g. "127.0.0.1:0" for a
// random port), not yet listening.
func NewServer(addr string, opts ...Option) *Server {
	s := &Server{
		addr:        addr,
		routes:      newRouteMap(),
		handlers:    make(map[HandlerKey]*Handler),
		triggerKeys: make(map[HandlerKey]bool),
		sessions:    NewSessionStore(0),
		captures:    NewCaptureRing(-1),
		async:       NewAsyncEngine(10),
		logger:      NewLogger(nil),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.httpServer = &http.Server{
		Handler: http.HandlerFunc(s.serveHTTP),
	}

	return s
}

// Handle begins declaring the response for (method, resource[,
// contentType]). The Handler behind the returned HandlerBuilder is
// registered before Handle returns; later scripting calls on the builder
// modify that registered Handler in place.
func (s *Server) Handle(method, resource string, contentType ...string) *HandlerBuilder {
	r, err := s.routes.add(resource)
	if err != nil {
		panic(err)
	}

	ct := ""
	if len(contentType) > 0 {
		ct = contentType[0]
	}

	key := HandlerKey{Method: strings.ToUpper(method), Route: r, ContentType: ct}

	b := newHandlerBuilder(s, key)

	s.mu.Lock()
	s.builders = append(s.builders, b)
	s.mu.Unlock()

	b.build()

	return b
}

// registerHandler installs h into the handler map, replacing any prior
// registration under the same key. Called by HandlerBuilder.build.
func (s *Server) registerHandler(h *Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[h.key] = h
}

// registerTriggerStub idempotently installs the synthetic 200/text-plain
// handler at an `upon` trigger route, per §4.9, and marks key as a trigger
// key so the dispatcher knows to broadcast requests matching it.
func (s *Server) registerTriggerStub(key HandlerKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.triggerKeys[key] = true

	if _, exists := s.handlers[key]; exists {
		return
	}

	s.handlers[key] = &Handler{
		key:           key,
		statusCode:    http.StatusOK,
		bodyKind:      bodyLiteralString,
		literalStr:    "",
		timing:        timingOnce,
		isTriggerStub: true,
	}
	s.handlers[key].key.ContentType = nonEmptyOr(key.ContentType, "text/plain")
}

func (s *Server) lookupHandler(key HandlerKey) (*Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[key]
	return h, ok
}

func (s *Server) isTriggerKey(key HandlerKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.triggerKeys[key]
}

// CapturedRequests returns a snapshot of all currently retained captured
// requests, oldest first.
func (s *Server) CapturedRequests() []*CapturedRequest {
	return s.captures.CapturedRequests()
}

// NextCapturedRequest dequeues and returns the oldest retained captured
// request, or nil if none remain.
func (s *Server) NextCapturedRequest() *CapturedRequest {
	return s.captures.NextCapturedRequest()
}

// SetMaxCapturedRequests resizes the capture ring. Pass -1 for unbounded.
func (s *Server) SetMaxCapturedRequests(n int) {
	s.captures.SetLimit(n)
}

// Start begins listening and serving in a background goroutine. It
// returns once the listener is bound, so Addresses is valid immediately
// after Start returns.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("fixd: listen: %w", err)
	}
	s.listener = ln

	s.logger.Infof("listening on %s", ln.Addr().String())

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("serve: %s", err)
		}
	}()

	return nil
}

// Addresses returns the address the server is listening on, formatted as
// "host:port". It panics if called before Start.
func (s *Server) Addresses() string {
	if s.listener == nil {
		panic("fixd: Addresses called before Start")
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts the server down: the listener is closed, all
// AsyncEngine subscriptions and timers are cancelled, and the executor is
// drained, within the given context's deadline.
func (s *Server) Stop(ctx context.Context) error {
	s.async.Close()
	return s.httpServer.Shutdown(ctx)
}

// Close immediately closes the listener and cancels all outstanding
// subscriptions and timers, without waiting for in-flight requests.
func (s *Server) Close() error {
	s.async.Close()
	return s.httpServer.Close()
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorResponse(w, newDispatchError(http.StatusInternalServerError, err))
		return
	}

	req := newIncomingRequest(r, body, nil)
	req.ReceivedAt = time.Now().UnixMilli()

	s.dispatch(w, r, req)
}
