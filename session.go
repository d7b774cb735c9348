package fixd

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
)

// sessionCookieName is the name of the cookie used to carry a session ID
// between the client and the server.
const sessionCookieName = "Fixd-Session"

// Session is a bag of string attributes keyed by an opaque, unguessable ID.
// A new Session is created each time a session hook populates attributes
// for a request, and is looked up again on subsequent requests via the
// `Fixd-Session` cookie.
type Session struct {
	id string

	mu    sync.RWMutex
	attrs map[string]string
	valid bool
}

func newSession(id string, attrs map[string]string) *Session {
	if attrs == nil {
		attrs = map[string]string{}
	}
	return &Session{id: id, attrs: attrs, valid: true}
}

// ID returns the session's opaque identifier.
func (s *Session) ID() string {
	return s.id
}

// Valid reports whether the session has not been invalidated.
func (s *Session) Valid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.valid
}

// Get returns the value of attribute name, and whether it is set. Get
// returns ok=false for an invalidated session regardless of whether the
// attribute was previously set, matching the Interpolator's fallback rule.
func (s *Session) Get(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.valid {
		return "", false
	}
	v, ok := s.attrs[name]
	return v, ok
}

// Set assigns attribute name to value.
func (s *Session) Set(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs[name] = value
}

// Invalidate marks the session invalid. Invalidation is permanent: an
// invalidated session is never revived, and is lazily evicted from its
// SessionStore the next time it is looked up.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.valid = false
}

// snapshot returns a JSON-serializable copy of the session's attributes,
// used by `SessionStore.save`.
func (s *Session) snapshot() sessionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attrs := make(map[string]string, len(s.attrs))
	for k, v := range s.attrs {
		attrs[k] = v
	}
	return sessionRecord{ID: s.id, Attrs: attrs, Valid: s.valid}
}

// sessionRecord is the on-disk (in-cache) JSON representation of a Session.
type sessionRecord struct {
	ID    string            `json:"id"`
	Attrs map[string]string `json:"attrs"`
	Valid bool              `json:"valid"`
}

// SessionStore is a content-addressed cache of sessions, keyed by session
// ID. It is backed by a `fastcache.Cache`, the same in-memory cache the
// teacher uses for its asset cache — here repurposed to hold small JSON
// session blobs instead of static file bodies.
type SessionStore struct {
	cache *fastcache.Cache

	mu   sync.Mutex
	live map[string]*Session // hot, not-yet-invalidated sessions kept in memory
}

// NewSessionStore returns a SessionStore with an in-memory cache sized to
// hold roughly maxBytes of serialized session data.
func NewSessionStore(maxBytes int) *SessionStore {
	if maxBytes <= 0 {
		maxBytes = 32 * 1024 * 1024
	}
	return &SessionStore{
		cache: fastcache.New(maxBytes),
		live:  make(map[string]*Session),
	}
}

// New allocates a fresh session seeded with attrs, persists it, and returns
// it.
func (st *SessionStore) New(attrs map[string]string) (*Session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}

	s := newSession(id, attrs)
	st.save(s)

	return s, nil
}

// Lookup returns the session identified by id. A session that has been
// invalidated is evicted from the cache on lookup and reported as not
// found, per the lazy-eviction rule.
func (st *SessionStore) Lookup(id string) (*Session, bool) {
	st.mu.Lock()
	if s, ok := st.live[id]; ok {
		st.mu.Unlock()
		if !s.Valid() {
			st.evict(id)
			return nil, false
		}
		return s, true
	}
	st.mu.Unlock()

	raw, ok := st.cache.HasGet(nil, []byte(id))
	if !ok {
		return nil, false
	}

	var rec sessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false
	}

	if !rec.Valid {
		st.evict(id)
		return nil, false
	}

	s := newSession(rec.ID, rec.Attrs)

	st.mu.Lock()
	st.live[id] = s
	st.mu.Unlock()

	return s, true
}

// Save persists s's current attribute state. Callers must call Save after
// mutating a session's attributes for the change to survive a lookup
// through the backing cache after the hot in-memory copy is dropped. The
// cache is in memory only; nothing survives a server restart.
func (st *SessionStore) Save(s *Session) {
	st.save(s)
}

func (st *SessionStore) save(s *Session) {
	rec := s.snapshot()

	raw, err := json.Marshal(rec)
	if err == nil {
		st.cache.Set([]byte(s.id), raw)
	}

	st.mu.Lock()
	st.live[s.id] = s
	st.mu.Unlock()
}

func (st *SessionStore) evict(id string) {
	st.cache.Del([]byte(id))
	st.mu.Lock()
	delete(st.live, id)
	st.mu.Unlock()
}

// newSessionID returns a fresh, URL-safe, 128-bit opaque identifier.
func newSessionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
