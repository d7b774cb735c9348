package fixd

import (
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func literalHandler(status int, body string) *Handler {
	return &Handler{
		key:        HandlerKey{ContentType: "text/plain"},
		statusCode: status,
		bodyKind:   bodyLiteralString,
		literalStr: body,
	}
}

func TestBroadcastDeliversToAllRegisteredSubscribers(t *testing.T) {
	e := NewAsyncEngine(4)
	key := HandlerKey{Method: "POST", ContentType: ""}

	recorders := make([]*httptest.ResponseRecorder, 3)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		recorders[i] = rec
		sw := newSerialWriter(rec)
		h := literalHandler(200, "hit")
		e.Subscribe(key, h, sw, make(chan struct{}))
	}

	e.Broadcast(key, &IncomingRequest{})

	// Give the bounded worker pool time to drain all three deliveries.
	require.Eventually(t, func() bool {
		for _, rec := range recorders {
			if rec.Body.Len() == 0 {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)

	for i, rec := range recorders {
		assert.Equal(t, 200, rec.Code, "subscriber %d", i)
		assert.Equal(t, "hit", rec.Body.String(), "subscriber %d", i)
	}
}

// slowFirstWriter delays its first Write so that, absent a real
// single-writer queue, a second Broadcast's write could race ahead of the
// first and land out of order.
type slowFirstWriter struct {
	httptest.ResponseRecorder
	mu      sync.Mutex
	writes  int
	delayed bool
}

func newSlowFirstWriter() *slowFirstWriter {
	return &slowFirstWriter{ResponseRecorder: *httptest.NewRecorder()}
}

func (f *slowFirstWriter) Write(b []byte) (int, error) {
	f.mu.Lock()
	first := f.writes == 0
	f.writes++
	f.mu.Unlock()

	if first {
		time.Sleep(30 * time.Millisecond)
	}

	return f.ResponseRecorder.Write(b)
}

func TestBroadcastDeliveriesToOneSubscriberStayInEnqueueOrder(t *testing.T) {
	e := NewAsyncEngine(4)
	key := HandlerKey{Method: "POST"}

	fw := newSlowFirstWriter()
	sw := newSerialWriter(fw)
	h := &Handler{
		key:      HandlerKey{ContentType: "text/plain"},
		bodyKind: bodyCustomFunc,
		customFunc: func(req *IncomingRequest) (*HTTPResponse, error) {
			return &HTTPResponse{Status: 200, BodyString: req.Method}, nil
		},
	}
	e.Subscribe(key, h, sw, make(chan struct{}))

	// The handler's body is derived from the triggering request's Method,
	// so the recorded order proves the delivery order, not just that both
	// landed. The first broadcast's write is deliberately slow (see
	// slowFirstWriter): without a real single-writer queue the second
	// broadcast's job could run on a different pool goroutine and win the
	// serialWriter mutex first.
	e.Broadcast(key, &IncomingRequest{Method: "first"})
	time.Sleep(5 * time.Millisecond)
	e.Broadcast(key, &IncomingRequest{Method: "second"})

	require.Eventually(t, func() bool {
		fw.mu.Lock()
		defer fw.mu.Unlock()
		return fw.writes >= 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, "firstsecond", fw.ResponseRecorder.Body.String())
}

// failingWriter errors on every Write, simulating a dropped client
// connection mid-broadcast.
type failingWriter struct {
	httptest.ResponseRecorder
}

func newFailingWriter() *failingWriter {
	return &failingWriter{ResponseRecorder: *httptest.NewRecorder()}
}

func (f *failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func TestBroadcastDeregistersSubscriberOnWriteFailure(t *testing.T) {
	e := NewAsyncEngine(4)
	key := HandlerKey{Method: "POST"}

	fw := newFailingWriter()
	sw := newSerialWriter(fw)
	h := literalHandler(200, "body")
	s := e.Subscribe(key, h, sw, make(chan struct{}))

	e.Broadcast(key, &IncomingRequest{})

	require.Eventually(t, s.isDone, time.Second, 5*time.Millisecond)

	e.mu.Lock()
	remaining := len(e.subscribers[key])
	e.mu.Unlock()
	assert.Equal(t, 0, remaining)
}

func TestDeferDeliversAfterDelayThenMarksDone(t *testing.T) {
	e := NewAsyncEngine(2)
	rec := httptest.NewRecorder()
	sw := newSerialWriter(rec)
	sw.writeHeader(200, "text/plain", nil)

	h := literalHandler(200, "delayed")
	h.afterDelay = 10 * time.Millisecond

	start := time.Now()
	s := e.Defer(h, &IncomingRequest{}, sw, make(chan struct{}))
	s.Wait()

	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Equal(t, "delayed", rec.Body.String())
	assert.True(t, s.isDone())
}

func TestDeferDoneChannelCancelsBeforeDelayElapses(t *testing.T) {
	e := NewAsyncEngine(2)
	rec := httptest.NewRecorder()
	sw := newSerialWriter(rec)
	sw.writeHeader(200, "text/plain", nil)

	h := literalHandler(200, "never")
	h.afterDelay = time.Hour

	done := make(chan struct{})
	s := e.Defer(h, &IncomingRequest{}, sw, done)

	close(done)
	s.Wait()

	assert.Empty(t, rec.Body.String())
}

func TestStreamDeliversExactCountThenStops(t *testing.T) {
	e := NewAsyncEngine(2)
	rec := httptest.NewRecorder()
	sw := newSerialWriter(rec)
	sw.writeHeader(200, "text/plain", nil)

	h := literalHandler(200, "tick")
	h.everyPeriod = 5 * time.Millisecond
	h.everyCount = 3
	h.everyHasCnt = true

	s := e.Stream(h, &IncomingRequest{}, sw, make(chan struct{}))
	s.Wait()

	assert.Equal(t, "tickticktick", rec.Body.String())
}

func TestCloseUnblocksPendingSubscriptions(t *testing.T) {
	e := NewAsyncEngine(2)
	rec := httptest.NewRecorder()
	sw := newSerialWriter(rec)
	sw.writeHeader(200, "text/plain", nil)

	h := literalHandler(200, "never")
	h.afterDelay = time.Hour

	s := e.Defer(h, &IncomingRequest{}, sw, make(chan struct{}))

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()

	e.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock a pending subscription's Wait")
	}
}

func TestSubscribeTimeoutWritesRequestTimeout(t *testing.T) {
	e := NewAsyncEngine(2)
	rec := httptest.NewRecorder()
	sw := newSerialWriter(rec)

	h := literalHandler(200, "late")
	h.hasTimeout = true
	h.timeout = 10 * time.Millisecond

	s := e.Subscribe(HandlerKey{Method: "GET"}, h, sw, make(chan struct{}))
	s.Wait()

	assert.Equal(t, 408, rec.Code)
}
