package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starline/starline-go/pkg/protocol"
)

func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/apiV3/application/getCode/", r.URL.Path)
		assert.Equal(t, "test-app", r.URL.Query().Get("appId"))
		w.Write([]byte(`{"state": 1, "desc": {"code": "12345"}}`))
	}))
	defer srv.Close()

	c := New()
	data, _, err := c.Get(context.Background(), srv.URL+"/apiV3/application/getCode/",
		url.Values{"appId": {"test-app"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(1), data["state"])
}

func TestNon2xxIsTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := New()
	_, _, err := c.Get(context.Background(), srv.URL, nil, nil)
	require.Error(t, err)
	assert.True(t, protocol.IsTransport(err), "non-2xx must classify as transport failure, got %v", err)
}

func TestConnectionErrorIsTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	c := New()
	_, _, err := c.Get(context.Background(), srv.URL, nil, nil)
	require.Error(t, err)
	assert.True(t, protocol.IsTransport(err))
}

func TestTotalTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	c := New()
	c.SetTimeouts(50*time.Millisecond, 0)
	start := time.Now()
	_, _, err := c.Get(context.Background(), srv.URL, nil, nil)
	require.Error(t, err)
	assert.True(t, protocol.IsTransport(err))
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	c := New()
	_, _, err := c.Get(context.Background(), srv.URL, nil, nil)
	require.Error(t, err)
	var merr *protocol.MalformedError
	assert.True(t, errors.As(err, &merr))
	assert.False(t, protocol.IsTransport(err))
}

func TestPostFormEncoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "user@example.com", r.PostForm.Get("login"))
		assert.Equal(t, "tok", r.URL.Query().Get("token"))
		w.Write([]byte(`{"state": 1, "desc": {}}`))
	}))
	defer srv.Close()

	c := New()
	_, _, err := c.PostForm(context.Background(), srv.URL,
		url.Values{"token": {"tok"}}, url.Values{"login": {"user@example.com"}}, nil)
	require.NoError(t, err)
}

func TestResponseCharsetDecoding(t *testing.T) {
	// "Привет" in windows-1251.
	cp1251 := []byte{0xCF, 0xF0, 0xE8, 0xE2, 0xE5, 0xF2}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(append(append([]byte(`{"desc": "`), cp1251...), []byte(`"}`)...))
	}))
	defer srv.Close()

	c := New()
	require.NoError(t, c.SetEncoding("windows-1251"))
	data, _, err := c.Get(context.Background(), srv.URL, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Привет", data["desc"])
}

func TestSetEncodingUnknownName(t *testing.T) {
	c := New()
	assert.Error(t, c.SetEncoding("no-such-charset"))
}

func TestCustomHeadersOverrideDefaults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "slnet=SECRET", r.Header.Get("Cookie"))
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	c := New()
	_, _, err := c.Get(context.Background(), srv.URL, nil, http.Header{"Cookie": {"slnet=SECRET"}})
	require.NoError(t, err)
}
