package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"policy-agent/internal/domain"
)

type recordedCall struct {
	authorization string
	apiKey        string
	body          domain.ChatRequest
}

// upstream replies with statuses[i] to the i-th call, repeating the last one,
// and records every call it receives.
type upstream struct {
	statuses []int
	bodies   []string
	calls    []recordedCall
	count    atomic.Int32
}

func (u *upstream) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var in domain.ChatRequest
		require.NoError(t, json.Unmarshal(raw, &in))
		u.calls = append(u.calls, recordedCall{
			authorization: r.Header.Get("Authorization"),
			apiKey:        r.Header.Get("X-API-Key"),
			body:          in,
		})

		idx := int(u.count.Add(1)) - 1
		status := u.statuses[min(idx, len(u.statuses)-1)]
		body := u.bodies[min(idx, len(u.bodies)-1)]
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	return NewClient("sk-test",
		WithChatURL(srv.URL+"/api/agency/chat"),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
	)
}

var sampleRequest = domain.ChatRequest{AgentID: "agent-1", Message: "Draft a leave policy"}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(" sk-test ")
	require.Equal(t, DefaultChatURL, c.chatURL)
	require.Equal(t, "sk-test", c.credential)
	require.Equal(t, defaultTimeout, c.httpClient.Timeout)
	require.True(t, c.logPayloads)
}

func TestNewClient_Options(t *testing.T) {
	c := NewClient("k", WithChatURL(" "), WithTimeout(5*time.Second), WithPayloadLogging(false))
	require.Equal(t, DefaultChatURL, c.chatURL)
	require.Equal(t, 5*time.Second, c.httpClient.Timeout)
	require.False(t, c.logPayloads)

	c = NewClient("k", WithTimeout(0))
	require.Equal(t, defaultTimeout, c.httpClient.Timeout)
}

func TestClient_Chat_HappyPath(t *testing.T) {
	u := &upstream{statuses: []int{200}, bodies: []string{`{ "result": { "answer": "ok" } }`}}
	srv := httptest.NewServer(u.handler(t))
	defer srv.Close()

	reply, err := newTestClient(t, srv).Chat(context.Background(), sampleRequest)
	require.NoError(t, err)
	require.Equal(t, 200, reply.StatusCode)
	require.True(t, reply.OK())
	require.Equal(t, SchemeBearer, reply.Scheme)
	require.Equal(t, 1, reply.Attempts)
	require.Equal(t, `{"result":{"answer":"ok"}}`, string(reply.Raw))

	require.Len(t, u.calls, 1)
	require.Equal(t, "Bearer sk-test", u.calls[0].authorization)
	require.Empty(t, u.calls[0].apiKey)
	require.Equal(t, sampleRequest, u.calls[0].body)
}

func TestClient_Chat_FallsBackToAPIKeyOnAuthRejection(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusMethodNotAllowed} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			u := &upstream{statuses: []int{status, 200}, bodies: []string{`{"error":"denied"}`, `"hello"`}}
			srv := httptest.NewServer(u.handler(t))
			defer srv.Close()

			reply, err := newTestClient(t, srv).Chat(context.Background(), sampleRequest)
			require.NoError(t, err)
			require.Equal(t, SchemeAPIKey, reply.Scheme)
			require.Equal(t, 2, reply.Attempts)
			require.Equal(t, "hello", reply.Value)

			require.Len(t, u.calls, 2)
			require.Equal(t, "Bearer sk-test", u.calls[0].authorization)
			require.Empty(t, u.calls[1].authorization)
			require.Equal(t, "sk-test", u.calls[1].apiKey)
			require.Equal(t, u.calls[0].body, u.calls[1].body)
		})
	}
}

func TestClient_Chat_FallbackHappensOnlyOnce(t *testing.T) {
	u := &upstream{statuses: []int{401}, bodies: []string{`{"error":"unauthorized"}`}}
	srv := httptest.NewServer(u.handler(t))
	defer srv.Close()

	reply, err := newTestClient(t, srv).Chat(context.Background(), sampleRequest)
	require.NoError(t, err)
	require.Equal(t, 401, reply.StatusCode)
	require.False(t, reply.OK())
	require.Equal(t, "Unauthorized", reply.StatusText())
	require.Len(t, u.calls, 2)
}

func TestClient_Chat_NoFallbackOnServerError(t *testing.T) {
	u := &upstream{statuses: []int{500}, bodies: []string{`{"error":"internal"}`}}
	srv := httptest.NewServer(u.handler(t))
	defer srv.Close()

	reply, err := newTestClient(t, srv).Chat(context.Background(), sampleRequest)
	require.NoError(t, err)
	require.Equal(t, 500, reply.StatusCode)
	require.Equal(t, SchemeBearer, reply.Scheme)
	require.Len(t, u.calls, 1)
}

func TestClient_Chat_MissingCredential(t *testing.T) {
	u := &upstream{statuses: []int{200}, bodies: []string{`{}`}}
	srv := httptest.NewServer(u.handler(t))
	defer srv.Close()

	c := NewClient("  ", WithChatURL(srv.URL))
	_, err := c.Chat(context.Background(), sampleRequest)
	require.ErrorIs(t, err, ErrMissingCredential)
	require.Empty(t, u.calls)
}

func TestClient_Chat_InvalidJSON(t *testing.T) {
	u := &upstream{statuses: []int{200}, bodies: []string{`<html>oops</html>`}}
	srv := httptest.NewServer(u.handler(t))
	defer srv.Close()

	_, err := newTestClient(t, srv).Chat(context.Background(), sampleRequest)
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestClient_Chat_TrailingData(t *testing.T) {
	u := &upstream{statuses: []int{200}, bodies: []string{`{"a":1} {"b":2}`}}
	srv := httptest.NewServer(u.handler(t))
	defer srv.Close()

	_, err := newTestClient(t, srv).Chat(context.Background(), sampleRequest)
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestClient_Chat_EmptyBody(t *testing.T) {
	u := &upstream{statuses: []int{200}, bodies: []string{``}}
	srv := httptest.NewServer(u.handler(t))
	defer srv.Close()

	_, err := newTestClient(t, srv).Chat(context.Background(), sampleRequest)
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestClient_Chat_KeepsNumbersExact(t *testing.T) {
	u := &upstream{statuses: []int{200}, bodies: []string{`{"data": 12345678901234567890}`}}
	srv := httptest.NewServer(u.handler(t))
	defer srv.Close()

	reply, err := newTestClient(t, srv).Chat(context.Background(), sampleRequest)
	require.NoError(t, err)
	obj, ok := reply.Value.(map[string]any)
	require.True(t, ok)
	require.Equal(t, json.Number("12345678901234567890"), obj["data"])
}

func TestClient_Chat_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	c.httpClient = &http.Client{Timeout: 50 * time.Millisecond}
	_, err := c.Chat(context.Background(), sampleRequest)
	require.Error(t, err)
	require.Contains(t, err.Error(), "request failed")
	require.False(t, errors.Is(err, ErrMalformedResponse))
}

func TestClient_Chat_NetworkError(t *testing.T) {
	c := NewClient("sk-test",
		WithChatURL("http://127.0.0.1:1/chat"),
		WithHTTPClient(&http.Client{Timeout: 100 * time.Millisecond}),
	)
	_, err := c.Chat(context.Background(), sampleRequest)
	require.Error(t, err)
	require.Contains(t, err.Error(), "request failed")
}

func TestClient_Chat_FallbackNetworkError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{}`))
			return
		}
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		_ = conn.Close()
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Chat(context.Background(), sampleRequest)
	require.Error(t, err)
	require.Contains(t, err.Error(), "fallback request failed")
	require.Equal(t, int32(2), calls.Load())
}

func TestNeedsAPIKeyFallback(t *testing.T) {
	cases := map[int]bool{
		200: false, 400: false, 401: true, 403: true, 404: false, 405: true, 429: false, 500: false, 502: false,
	}
	for status, want := range cases {
		require.Equal(t, want, needsAPIKeyFallback(status), "status=%d", status)
	}
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "abc", truncate("abc", 5))
	require.Equal(t, "ab...", truncate("abcdef", 2))
}
