package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseErrorBody(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "json detail", body: `{"detail": "model not loaded"}`, want: "model not loaded"},
		{name: "json error", body: `{"error": "boom"}`, want: "boom"},
		{name: "json message", body: `{"message": "try later"}`, want: "try later"},
		{name: "json detail wins over message", body: `{"detail": "a", "message": "b"}`, want: "a"},
		{name: "xml message", body: `<?xml version="1.0"?><Error><Message>access denied</Message></Error>`, want: "access denied"},
		{name: "xml code and message", body: `<Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`, want: "missing"},
		{name: "xml code only", body: `<Error><Code>NoSuchKey</Code></Error>`, want: "NoSuchKey"},
		{name: "plain text", body: "internal server error", want: "internal server error"},
		{name: "long text truncated", body: strings.Repeat("x", 600), want: strings.Repeat("x", 500)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseErrorBody([]byte(tt.body)))
		})
	}
}

func TestPostJSONErrorDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"detail": "task not found"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient()
	err := c.PostJSON(context.Background(), srv.URL+"/setup", map[string]any{"task": "x"}, time.Second, nil)
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "task not found", apiErr.Detail)
}

func TestPostJSONNoRetryOnHTTPError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient()
	err := c.PostJSON(context.Background(), srv.URL, nil, time.Second, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPostJSONNoRetryOnTimeout(t *testing.T) {
	// A timed-out step may already have been applied by the container,
	// so it must not be re-posted.
	var calls atomic.Int32
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-done
	}))
	defer srv.Close()
	defer close(done)

	c := NewHTTPClient()
	err := c.PostJSON(context.Background(), srv.URL+"/step", map[string]any{"action": []float64{0}}, 50*time.Millisecond, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPostJSONDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_, _ = w.Write([]byte(`{"action": [0.1, -0.2, 1.0]}`))
	}))
	defer srv.Close()

	c := NewHTTPClient()
	var resp actResponse
	require.NoError(t, c.PostJSON(context.Background(), srv.URL+"/act", map[string]any{}, time.Second, &resp))
	assert.Equal(t, []float64{0.1, -0.2, 1.0}, resp.Action)
}

func TestWaitForReady(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient()
	err := c.WaitForReady(context.Background(), srv.URL, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestWaitForReadyTimeout(t *testing.T) {
	c := NewHTTPClient()
	err := c.WaitForReady(context.Background(), "http://127.0.0.1:1", 50*time.Millisecond, 10*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not ready within")
}
