package fixd

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// CapturedRequest is an immutable snapshot of an incoming request, recorded
// by the dispatcher before it attempts to resolve a handler. Captures are
// recorded regardless of whether resolution ultimately succeeds, so a
// client can inspect requests that hit no registered handler.
type CapturedRequest struct {
	Method     string
	Path       string
	RawQuery   string
	Header     http.Header
	Body       []byte
	RemoteAddr string
	ReceivedAt int64 // unix millis

	// RequestLine is "<METHOD> <target> HTTP/<major>.<minor>", the exact
	// request-line string described by the specification.
	RequestLine string

	// Digest is a content fingerprint of the method, path, raw query, and
	// body (headers are not included), suitable for cheap deduplication of repeated captures in a
	// test assertion. It is not part of the wire protocol.
	Digest uint64
}

func newCapturedRequest(req *IncomingRequest) *CapturedRequest {
	c := &CapturedRequest{
		Method:      req.Method,
		Path:        req.Path,
		RawQuery:    req.RawQuery,
		Header:      req.Header.Clone(),
		Body:        append([]byte(nil), req.Body...),
		RemoteAddr:  req.RemoteAddr,
		ReceivedAt:  req.ReceivedAt,
		RequestLine: requestLine(req),
	}
	c.Digest = c.digest()
	return c
}

// requestLine renders "<METHOD> <target> HTTP/<major>.<minor>", matching
// the specification's request-line round-trip property exactly.
func requestLine(req *IncomingRequest) string {
	major, minor := req.ProtoMajor, req.ProtoMinor
	if major == 0 && minor == 0 {
		major, minor = 1, 1
	}
	return req.Method + " " + req.RequestTarget() + " HTTP/" +
		strconv.Itoa(major) + "." + strconv.Itoa(minor)
}

func (c *CapturedRequest) digest() uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(c.Method)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(c.Path)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(c.RawQuery)
	_, _ = h.WriteString("\x00")
	_, _ = h.Write(c.Body)
	return h.Sum64()
}

// CaptureRing is a bounded FIFO of CapturedRequests. A ring configured with
// N == -1 is unbounded; any other non-negative N evicts the oldest entries
// on insert so that at most N remain.
type CaptureRing struct {
	mu      sync.Mutex
	entries []*CapturedRequest
	limit   int // -1 means unbounded
}

// NewCaptureRing returns a ring holding at most limit entries, or an
// unbounded ring if limit < 0.
func NewCaptureRing(limit int) *CaptureRing {
	return &CaptureRing{limit: limit}
}

// Add appends req to the ring, evicting the oldest entry if the ring is at
// capacity.
func (r *CaptureRing) Add(req *CapturedRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, req)

	if r.limit >= 0 && len(r.entries) > r.limit {
		drop := len(r.entries) - r.limit
		r.entries = r.entries[drop:]
	}
}

// SetLimit changes the ring's capacity, immediately evicting from the
// front if the ring currently holds more than n entries. A negative n
// makes the ring unbounded.
func (r *CaptureRing) SetLimit(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.limit = n

	if n >= 0 && len(r.entries) > n {
		drop := len(r.entries) - n
		r.entries = r.entries[drop:]
	}
}

// CapturedRequests returns a snapshot slice of all currently retained
// captures, oldest first.
func (r *CaptureRing) CapturedRequests() []*CapturedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*CapturedRequest, len(r.entries))
	copy(out, r.entries)

	return out
}

// NextCapturedRequest dequeues and returns the oldest retained capture, or
// nil if the ring is empty.
func (r *CaptureRing) NextCapturedRequest() *CapturedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) == 0 {
		return nil
	}

	next := r.entries[0]
	r.entries = r.entries[1:]

	return next
}
