package fixd

import (
	"bufio"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-fixd/fixd/hooks"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer("127.0.0.1:0")
	ts := httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	t.Cleanup(ts.Close)
	return s, ts
}

func TestDispatchLiteralBody(t *testing.T) {
	s, ts := newTestServer(t)
	s.Handle(http.MethodGet, "/").With(http.StatusOK, "text/plain", "Hello")

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Hello", string(body))
}

func TestDispatchPathParamInterpolation(t *testing.T) {
	s, ts := newTestServer(t)
	s.Handle(http.MethodGet, "/name/:name").With(http.StatusOK, "text/plain", "Hello :name")

	resp, err := http.Get(ts.URL + "/name/Tim")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "Hello Tim", string(body))
}

func TestDispatchNamedRegexRejectsNonMatchingSegment(t *testing.T) {
	s, ts := newTestServer(t)
	s.Handle(http.MethodGet, "/name/:name<[A-Za-z]+>").With(http.StatusOK, "text/plain", "Hello :name")

	resp, err := http.Get(ts.URL + "/name/123")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDispatchMethodOrContentTypeMismatch(t *testing.T) {
	s, ts := newTestServer(t)
	s.Handle(http.MethodGet, "/resource", "application/json").With(http.StatusOK, "application/json", "{}")

	resp, err := http.Get(ts.URL + "/resource")
	require.NoError(t, err)
	defer resp.Body.Close()

	// No Content-Type header was sent, and the handler was registered
	// with one, so lookup must not fall back.
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestDispatchDistinctContentTypeHandlers(t *testing.T) {
	s, ts := newTestServer(t)
	s.Handle(http.MethodGet, "/resource", "application/json").With(http.StatusOK, "application/json", "json-body")
	s.Handle(http.MethodGet, "/resource", "text/plain").With(http.StatusOK, "text/plain", "text-body")

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/resource", nil)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "json-body", string(body))

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/resource", nil)
	req.Header.Set("Content-Type", "text/plain")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "text-body", string(body))
}

func TestDispatchMissingStatusCodeIsInternalServerError(t *testing.T) {
	s, ts := newTestServer(t)
	s.Handle(http.MethodGet, "/broken")

	resp, err := http.Get(ts.URL + "/broken")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestDispatchCapturesRequestRegardlessOfResolution(t *testing.T) {
	s, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/unregistered")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	captured := s.CapturedRequests()
	require.Len(t, captured, 1)
	assert.Equal(t, "/unregistered", captured[0].Path)
}

func TestDispatchSetMaxCapturedRequestsKeepsMostRecent(t *testing.T) {
	s, ts := newTestServer(t)
	s.Handle(http.MethodGet, "/:n").With(http.StatusOK, "text/plain", "ok")
	s.SetMaxCapturedRequests(2)

	for _, p := range []string{"/1", "/2", "/3"} {
		resp, err := http.Get(ts.URL + p)
		require.NoError(t, err)
		resp.Body.Close()
	}

	got := s.CapturedRequests()
	require.Len(t, got, 2)
	assert.Equal(t, "/2", got[0].Path)
	assert.Equal(t, "/3", got[1].Path)
}

func TestDispatchEveryProducesExactCountWrites(t *testing.T) {
	s, ts := newTestServer(t)
	s.Handle(http.MethodGet, "/echo/:message").
		With(http.StatusOK, "text/plain", "message: :message").
		Every(30*time.Millisecond, 2)

	resp, err := http.Get(ts.URL + "/echo/hello")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "message: hellomessage: hello", string(body))
}

func TestDispatchAfterDelayWritesOnce(t *testing.T) {
	s, ts := newTestServer(t)
	s.Handle(http.MethodGet, "/delayed").
		With(http.StatusOK, "text/plain", "later").
		After(30 * time.Millisecond)

	start := time.Now()
	resp, err := http.Get(ts.URL + "/delayed")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "later", string(body))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestDispatchUponBroadcastReachesSubscriber(t *testing.T) {
	s, ts := newTestServer(t)

	s.Handle(http.MethodGet, "/subscribe").
		With(http.StatusOK, "text/plain", "message: :message").
		Upon(http.MethodGet, "/broadcast/:message")

	// A subscription's headers are committed on its first delivery
	// (broadcast or timeout), not at subscribe time (see async.go) — so
	// the subscribing GET only returns once the first broadcast lands.
	// It must therefore run in its own goroutine, concurrently with the
	// triggering requests.
	subDone := make(chan *http.Response, 1)
	go func() {
		resp, err := http.Get(ts.URL + "/subscribe")
		require.NoError(t, err)
		subDone <- resp
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := http.Get(ts.URL + "/broadcast/hello0")
	require.NoError(t, err)

	sub := <-subDone
	defer sub.Body.Close()

	reader := bufio.NewReader(sub.Body)
	chunk := make([]byte, 64)

	go func() {
		time.Sleep(20 * time.Millisecond)
		http.Get(ts.URL + "/broadcast/hello1")
	}()

	var got strings.Builder
	for got.Len() < len("message: hello0message: hello1") {
		n, err := reader.Read(chunk)
		got.Write(chunk[:n])
		if err != nil {
			break
		}
	}

	assert.Equal(t, "message: hello0message: hello1", got.String())
}

func TestDispatchTriggerRouteItselfIsAddressable(t *testing.T) {
	s, ts := newTestServer(t)

	s.Handle(http.MethodGet, "/subscribe").
		With(http.StatusOK, "text/plain", "x").
		Upon(http.MethodGet, "/broadcast/:message")

	resp, err := http.Get(ts.URL + "/broadcast/hello")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Empty(t, string(body))
}

func TestDispatchUponTimeoutWithoutTriggerReturns408(t *testing.T) {
	s, ts := newTestServer(t)

	s.Handle(http.MethodGet, "/subscribe").
		With(http.StatusOK, "text/plain", "x").
		Upon(http.MethodGet, "/broadcast").
		WithTimeout(50 * time.Millisecond)

	resp, err := http.Get(ts.URL + "/subscribe")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusRequestTimeout, resp.StatusCode)
}

func TestDispatchSessionHookSetsCookieAndInterpolatesAttribute(t *testing.T) {
	s, ts := newTestServer(t)

	s.Handle(http.MethodGet, "/login/:user").
		With(http.StatusOK, "text/plain", "hi {user}").
		WithSessionHook(hooks.PathParams)

	s.Handle(http.MethodGet, "/whoami").
		With(http.StatusOK, "text/plain", "hi {user}")

	jar := &cookieJar{}
	client := &http.Client{}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/login/tim", nil)
	resp, err := client.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "hi {user}", string(body), "session is empty on the request that allocates it")

	var sessionCookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookieName {
			sessionCookie = c
		}
	}
	require.NotNil(t, sessionCookie)
	jar.cookie = sessionCookie

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/whoami", nil)
	req.AddCookie(jar.cookie)
	resp, err = client.Do(req)
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "hi tim", string(body))
}

type cookieJar struct {
	cookie *http.Cookie
}
