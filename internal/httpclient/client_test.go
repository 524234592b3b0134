package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(SecureClientConfig{Timeout: 5 * time.Second}, nil)
	require.NoError(t, err)
	return c
}

func TestFetchSendsHeadersCookiesAndBody(t *testing.T) {
	var gotUA, gotCookie, gotBody, gotMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotUA = r.Header.Get("User-Agent")
		if c, err := r.Cookie("session"); err == nil {
			gotCookie = c.Value
		}
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html><body>ok</body></html>"))
	}))
	defer server.Close()

	resp, err := newTestClient(t).Fetch(context.Background(), types.HTTPRequest{
		URL:     server.URL,
		Method:  "post",
		Headers: map[string]string{"User-Agent": "webprobe-test"},
		Cookies: map[string]string{"session": "abc"},
		Body:    []byte("a=1"),
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "webprobe-test", gotUA)
	assert.Equal(t, "abc", gotCookie)
	assert.Equal(t, "a=1", gotBody)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, resp.IsHTML())
	assert.Nil(t, resp.JSON)
}

func TestFetchDecodesJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"users":[1,2]}`))
	}))
	defer server.Close()

	resp, err := newTestClient(t).Fetch(context.Background(), types.HTTPRequest{URL: server.URL})
	require.NoError(t, err)

	require.True(t, resp.IsJSON())
	obj, ok := resp.JSON.(map[string]interface{})
	require.True(t, ok)
	assert.Len(t, obj["users"], 2)
}

func TestFetchSurfacesRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	resp, err := newTestClient(t).Fetch(context.Background(), types.HTTPRequest{URL: server.URL})
	assert.ErrorIs(t, err, ErrRateLimited)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestFetchRedirectToggle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/final" {
			w.Write([]byte("final"))
			return
		}
		http.Redirect(w, r, "/final", http.StatusFound)
	}))
	defer server.Close()

	c := newTestClient(t)

	resp, err := c.Fetch(context.Background(), types.HTTPRequest{URL: server.URL + "/start"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.StatusCode)

	resp, err = c.Fetch(context.Background(), types.HTTPRequest{URL: server.URL + "/start", FollowRedirects: true})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, server.URL+"/final", resp.URL)
}

func TestFetchPerCallTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	}))
	defer server.Close()

	start := time.Now()
	_, err := newTestClient(t).Fetch(context.Background(), types.HTTPRequest{URL: server.URL, Timeout: 100 * time.Millisecond})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
