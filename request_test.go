package fixd

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestTargetWithQuery(t *testing.T) {
	req := &IncomingRequest{Path: "/a", RawQuery: "x=1"}
	assert.Equal(t, "/a?x=1", req.RequestTarget())
}

func TestRequestTargetWithoutQuery(t *testing.T) {
	req := &IncomingRequest{Path: "/a"}
	assert.Equal(t, "/a", req.RequestTarget())
}

func TestParamPrefersQueryOverForm(t *testing.T) {
	req := &IncomingRequest{
		Header: http.Header{"Content-Type": []string{"application/x-www-form-urlencoded"}},
		Body:   []byte("name=form-value"),
	}
	req.query = url.Values{"name": []string{"query-value"}}

	v, ok := req.Param("name")
	assert.True(t, ok)
	assert.Equal(t, "query-value", v)
}

func TestParamFallsBackToFormBody(t *testing.T) {
	req := &IncomingRequest{
		Header: http.Header{"Content-Type": []string{"application/x-www-form-urlencoded"}},
		Body:   []byte("name=form-value"),
	}
	req.query = url.Values{}

	v, ok := req.Param("name")
	assert.True(t, ok)
	assert.Equal(t, "form-value", v)
}

func TestParamIgnoresFormBodyForOtherContentTypes(t *testing.T) {
	req := &IncomingRequest{
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   []byte("name=form-value"),
	}
	req.query = url.Values{}

	_, ok := req.Param("name")
	assert.False(t, ok)
}

func TestParamsUnion(t *testing.T) {
	req := &IncomingRequest{
		Header: http.Header{"Content-Type": []string{"application/x-www-form-urlencoded"}},
		Body:   []byte("b=2"),
	}
	req.query = url.Values{"a": []string{"1"}}

	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, req.Params())
}
