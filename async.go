package fixd

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// serialWriter serializes writes to a single `http.ResponseWriter`, matching
// the specification's "writes to any single response are serialized"
// ordering guarantee. It also tracks whether the underlying connection is
// still alive, so a failed write can deregister its subscription instead of
// being retried.
type serialWriter struct {
	mu          sync.Mutex
	w           http.ResponseWriter
	closed      bool
	headersSent bool
}

func newSerialWriter(w http.ResponseWriter) *serialWriter {
	return &serialWriter{w: w}
}

// writeHeader commits the status line and headers. It must be called at
// most once, before any body write.
func (sw *serialWriter) writeHeader(status int, contentType string, headers []HeaderField) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.commitLocked(status, contentType, headers)
}

// commitHeaders commits the status line and headers the first time it is
// called; later calls are no-ops. It is used by Upon subscriptions, whose
// first commit may come from either a broadcast delivery or a timeout
// expiry, whichever happens first.
func (sw *serialWriter) commitHeaders(status int, contentType string, headers []HeaderField) bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.headersSent || sw.closed {
		return false
	}

	sw.commitLocked(status, contentType, headers)

	return true
}

func (sw *serialWriter) commitLocked(status int, contentType string, headers []HeaderField) {
	h := sw.w.Header()
	for _, hf := range headers {
		h.Add(hf.Name, hf.Value)
	}
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	sw.w.WriteHeader(status)
	sw.headersSent = true

	if f, ok := sw.w.(http.Flusher); ok {
		f.Flush()
	}
}

// write appends body and flushes. It returns false if the write failed,
// which the caller should treat as a client disconnect.
func (sw *serialWriter) write(body []byte) bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.closed {
		return false
	}

	if _, err := sw.w.Write(body); err != nil {
		sw.closed = true
		return false
	}

	if f, ok := sw.w.(http.Flusher); ok {
		f.Flush()
	}

	return true
}

func (sw *serialWriter) markClosed() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.closed = true
}

// subscription is AsyncEngine's live record of one `upon` registration, one
// `after` deferral, or one `every` stream.
//
// `finished` is closed exactly once, when the subscription's lifecycle
// ends. The HTTP handler goroutine that created the subscription blocks on
// it before returning: net/http finalizes a response as soon as its
// handler function returns, so any write attempted from a detached
// goroutine after that point would race a connection the server may
// already have reused or torn down. Blocking the original goroutine until
// `finished` closes is what makes "headers now, body later" actually safe.
//
// `writeQueue` is the subscription's single-writer queue: every write job
// (a Broadcast delivery, in particular) is enqueued here rather than run on
// its own goroutine, and a single dedicated goroutine (drainQueue) drains
// it one job at a time. That is what makes "tasks per subscription are
// enqueued in order" an actual guarantee rather than incidental goroutine
// scheduling — two Broadcast calls racing the worker pool for `serialWriter`'s
// mutex could otherwise interleave their writes out of enqueue order.
type subscription struct {
	id       uint64
	triggerK HandlerKey
	writer   *serialWriter
	handler  *Handler
	engine   *AsyncEngine

	deadlineTimer *time.Timer
	finished      chan struct{}
	writeQueue    chan func()

	mu   sync.Mutex
	done bool
}

// drainQueue runs on its own goroutine for the lifetime of the
// subscription, executing queued write jobs one at a time, in the order
// they were enqueued. A job runs under the engine's worker-pool semaphore,
// acquired and released around each job so the configured concurrency
// ceiling still bounds total in-flight writes across all subscriptions —
// but only one job for this subscription is ever in flight at once.
func (s *subscription) drainQueue() {
	for {
		select {
		case job, ok := <-s.writeQueue:
			if !ok {
				return
			}
			if err := s.engine.pool.Acquire(context.Background(), 1); err != nil {
				return
			}
			job()
			s.engine.pool.Release(1)
		case <-s.finished:
			return
		}
	}
}

// enqueue appends job to s's single-writer queue. It is a no-op once the
// subscription is done, and never blocks past the subscription ending.
func (s *subscription) enqueue(job func()) {
	if s.isDone() {
		return
	}
	select {
	case s.writeQueue <- job:
	case <-s.finished:
	}
}

func (s *subscription) markDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	if s.deadlineTimer != nil {
		s.deadlineTimer.Stop()
	}
	close(s.finished)
}

func (s *subscription) isDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// wait blocks until the subscription's lifecycle ends.
func (s *subscription) wait() {
	<-s.finished
}

// AsyncEngine implements `after`, `every`, and `upon` delivery. It owns a
// bounded worker pool (a `golang.org/x/sync/semaphore.Weighted`, acquired
// around every body write so the configured concurrency ceiling is
// respected regardless of how many timers or broadcasts fire at once), a
// monotonic timer scheduler built from `time.Timer`/`time.Ticker`, and the
// subscriber registry `triggerKey → []*subscription`.
type AsyncEngine struct {
	pool *semaphore.Weighted

	mu          sync.Mutex
	subscribers map[HandlerKey][]*subscription
	nextID      uint64

	closing chan struct{}
	closed  bool
}

// NewAsyncEngine returns an AsyncEngine with a worker pool of size
// poolSize. A poolSize <= 0 defaults to 10, matching the specification's
// default.
func NewAsyncEngine(poolSize int) *AsyncEngine {
	if poolSize <= 0 {
		poolSize = 10
	}
	return &AsyncEngine{
		pool:        semaphore.NewWeighted(int64(poolSize)),
		subscribers: make(map[HandlerKey][]*subscription),
		closing:     make(chan struct{}),
	}
}

// Close cancels every outstanding subscription and deferred/periodic write,
// releasing their executor slots. It does not close the underlying
// listener; that is Server's responsibility.
func (e *AsyncEngine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.closing)

	all := make([]*subscription, 0)
	for _, subs := range e.subscribers {
		all = append(all, subs...)
	}
	e.subscribers = make(map[HandlerKey][]*subscription)
	e.mu.Unlock()

	for _, s := range all {
		s.markDone()
	}
}

// runTask acquires a worker-pool slot and runs fn on a new goroutine,
// releasing the slot when fn returns. Defer's write and a subscription's
// timeout go through it; Broadcast deliveries and Stream ticks acquire the
// same pool themselves (see drainQueue and Stream).
func (e *AsyncEngine) runTask(fn func()) {
	ctx := context.Background()
	if err := e.pool.Acquire(ctx, 1); err != nil {
		return
	}
	go func() {
		defer e.pool.Release(1)
		fn()
	}()
}

// Defer schedules h's single delayed write against req, to be delivered on
// w once h.afterDelay elapses, unless done fires first. The caller must
// already have committed headers on w before calling Defer. The caller
// must call Wait on the returned subscription before returning from its
// HTTP handler, so the write actually reaches the still-open connection.
func (e *AsyncEngine) Defer(h *Handler, req *IncomingRequest, w *serialWriter, done <-chan struct{}) *subscription {
	s := e.newSubscription(HandlerKey{}, h, w)

	timer := time.AfterFunc(h.afterDelay, func() {
		if s.isDone() {
			return
		}
		e.runTask(func() {
			defer s.markDone()
			if s.isDone() {
				return
			}
			_, _, body, err := renderHandlerBody(h, req)
			if err != nil {
				return
			}
			w.write(body)
		})
	})

	go func() {
		select {
		case <-done:
			timer.Stop()
			s.markDone()
			w.markClosed()
		case <-e.closing:
			timer.Stop()
			s.markDone()
		case <-s.finished:
		}
	}()

	return s
}

// Stream runs h's periodic write loop against req, writing to w every
// h.everyPeriod until h.everyCount ticks have been delivered (if set) or
// the client disconnects or the engine closes. The caller must already
// have committed headers on w before calling Stream, and must call Wait
// on the returned subscription before returning from its HTTP handler.
func (e *AsyncEngine) Stream(h *Handler, req *IncomingRequest, w *serialWriter, done <-chan struct{}) *subscription {
	s := e.newSubscription(HandlerKey{}, h, w)

	ticker := time.NewTicker(h.everyPeriod)

	go func() {
		defer ticker.Stop()
		defer s.markDone()

		ticks := 0
		for {
			select {
			case <-done:
				return
			case <-e.closing:
				return
			case <-ticker.C:
				if err := e.pool.Acquire(context.Background(), 1); err != nil {
					return
				}
				_, _, body, err := renderHandlerBody(h, req)
				ok := err == nil && w.write(body)
				e.pool.Release(1)
				if !ok {
					return
				}
				ticks++
				if h.everyHasCnt && ticks >= h.everyCount {
					return
				}
			}
		}
	}()

	return s
}

// Subscribe registers h as a subscriber of triggerKey, writing to w.
// Headers are committed on the first event the subscription observes —
// either a broadcast delivery or, if h declares a timeout, its expiry —
// since the eventual status line depends on which comes first. The caller
// must call Wait on the returned subscription before returning from its
// HTTP handler: the subscription legitimately outlives the call to
// Subscribe, for as long as the client stays connected.
func (e *AsyncEngine) Subscribe(triggerKey HandlerKey, h *Handler, w *serialWriter, done <-chan struct{}) *subscription {
	s := e.newSubscription(triggerKey, h, w)

	e.mu.Lock()
	if !e.closed {
		e.subscribers[triggerKey] = append(e.subscribers[triggerKey], s)
	}
	e.mu.Unlock()

	if h.hasTimeout {
		s.deadlineTimer = time.AfterFunc(h.timeout, func() {
			if s.isDone() {
				return
			}
			e.deregister(s)
			e.runTask(func() {
				// A broadcast that committed headers before the
				// deadline fired wins; the status line cannot be
				// amended once sent, so the stream simply closes.
				w.commitHeaders(http.StatusRequestTimeout, "", nil)
				s.markDone()
			})
		})
	}

	go func() {
		select {
		case <-done:
			e.deregister(s)
			s.markDone()
			w.markClosed()
		case <-e.closing:
			s.markDone()
		}
	}()

	return s
}

// Wait blocks until s's lifecycle has ended — the single deferred write
// landed, the periodic stream finished, or the subscription was closed by
// a broadcast-driven write failure, a timeout, client disconnect, or
// server shutdown.
func (s *subscription) Wait() {
	s.wait()
}

// Broadcast delivers triggerReq to every live subscriber of triggerKey, in
// the order subscribers were registered. Each delivery is enqueued on its
// subscriber's own single-writer queue (see subscription.writeQueue), so
// deliveries to one subscriber from successive Broadcast calls always run
// in the order they were enqueued; a subscriber whose write fails is
// deregistered.
func (e *AsyncEngine) Broadcast(triggerKey HandlerKey, triggerReq *IncomingRequest) {
	e.mu.Lock()
	subs := append([]*subscription(nil), e.subscribers[triggerKey]...)
	e.mu.Unlock()

	for _, s := range subs {
		s := s
		if s.isDone() {
			continue
		}
		s.enqueue(func() {
			if s.isDone() {
				return
			}
			status, contentType, body, err := renderHandlerBody(s.handler, triggerReq)
			if err != nil {
				return
			}
			s.writer.commitHeaders(status, contentType, s.handler.headers)
			if !s.writer.write(body) {
				e.deregister(s)
				s.markDone()
			}
		})
	}
}

func (e *AsyncEngine) newSubscription(key HandlerKey, h *Handler, w *serialWriter) *subscription {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.mu.Unlock()

	s := &subscription{
		id:         id,
		triggerK:   key,
		writer:     w,
		handler:    h,
		engine:     e,
		finished:   make(chan struct{}),
		writeQueue: make(chan func(), 32),
	}

	go s.drainQueue()

	return s
}

func (e *AsyncEngine) deregister(target *subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs := e.subscribers[target.triggerK]
	out := subs[:0]
	for _, s := range subs {
		if s.id != target.id {
			out = append(out, s)
		}
	}
	e.subscribers[target.triggerK] = out
}

func nonZeroStatus(status int) int {
	if status < 0 {
		return http.StatusOK
	}
	return status
}
