package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"policy-agent/internal/domain"
)

// DefaultChatURL is the hosted agent chat endpoint.
const DefaultChatURL = "https://agent-prod.studio.lyzr.ai/api/agency/chat"

const (
	defaultTimeout   = 30 * time.Second
	maxBodyBytes     = 1 << 20
	maxLoggedErrBody = 4096
)

var (
	// ErrMissingCredential is returned before any network activity when the
	// client was built without a credential.
	ErrMissingCredential = errors.New("agent: credential is not configured")
	// ErrMalformedResponse is returned when the upstream body is not a single JSON value.
	ErrMalformedResponse = errors.New("agent: malformed response")
)

// Scheme names how the credential was presented on an attempt.
type Scheme string

const (
	SchemeBearer Scheme = "bearer"
	SchemeAPIKey Scheme = "api_key"
)

// Reply is the upstream answer from the attempt that ended the exchange.
type Reply struct {
	StatusCode int
	Scheme     Scheme
	Attempts   int
	// Value is the decoded body; numbers are kept as json.Number.
	Value any
	// Raw is the body in compact JSON form, key order preserved.
	Raw []byte
}

// OK reports whether the final status was 2xx.
func (r Reply) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// StatusText is the HTTP reason phrase of the final status.
func (r Reply) StatusText() string {
	return http.StatusText(r.StatusCode)
}

// Client posts chat requests to the agent service. It holds no per-call
// state and is safe for concurrent use.
type Client struct {
	chatURL     string
	credential  string
	httpClient  *http.Client
	logPayloads bool
}

type Option func(*Client)

func WithChatURL(chatURL string) Option {
	return func(c *Client) {
		c.chatURL = strings.TrimSpace(chatURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout bounds each attempt. Zero or negative keeps the default.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient = &http.Client{Timeout: d}
		}
	}
}

// WithPayloadLogging controls whether the outbound message text is logged.
// When disabled only its length is.
func WithPayloadLogging(enabled bool) Option {
	return func(c *Client) {
		c.logPayloads = enabled
	}
}

// NewClient creates a Client. An empty credential is accepted here so the
// process can still start; every Chat call then fails with ErrMissingCredential.
func NewClient(credential string, opts ...Option) *Client {
	c := &Client{
		chatURL:     DefaultChatURL,
		credential:  strings.TrimSpace(credential),
		httpClient:  &http.Client{Timeout: defaultTimeout},
		logPayloads: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.chatURL == "" {
		c.chatURL = DefaultChatURL
	}
	return c
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: defaultTimeout}
}

// Chat sends the request with a bearer token and, if that attempt is rejected
// with 401, 403 or 405, sends it once more with an X-API-Key header. Nothing
// else is retried.
func (c *Client) Chat(ctx context.Context, in domain.ChatRequest) (Reply, error) {
	if c.credential == "" {
		return Reply{}, ErrMissingCredential
	}

	body, err := json.Marshal(in)
	if err != nil {
		return Reply{}, fmt.Errorf("agent: marshal request: %w", err)
	}
	c.logOutbound(ctx, in)

	status, raw, err := c.post(ctx, SchemeBearer, body)
	if err != nil {
		return Reply{}, fmt.Errorf("agent: request failed: %w", err)
	}
	scheme, attempts := SchemeBearer, 1

	if needsAPIKeyFallback(status) {
		slog.WarnContext(ctx, "agent: bearer auth rejected, retrying with api key header",
			"agent_id", in.AgentID, "status", status)
		status, raw, err = c.post(ctx, SchemeAPIKey, body)
		if err != nil {
			return Reply{}, fmt.Errorf("agent: fallback request failed: %w", err)
		}
		scheme, attempts = SchemeAPIKey, 2
	}

	value, compact, err := decodeBody(raw)
	if err != nil {
		return Reply{}, err
	}
	return Reply{
		StatusCode: status,
		Scheme:     scheme,
		Attempts:   attempts,
		Value:      value,
		Raw:        compact,
	}, nil
}

func needsAPIKeyFallback(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusMethodNotAllowed:
		return true
	}
	return false
}

func (c *Client) post(ctx context.Context, scheme Scheme, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	switch scheme {
	case SchemeAPIKey:
		req.Header.Set("X-API-Key", c.credential)
	default:
		req.Header.Set("Authorization", "Bearer "+c.credential)
	}

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = res.Body.Close() }()

	buf, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read response body: %w", err)
	}

	slog.InfoContext(ctx, "agent: upstream responded", "status", res.StatusCode, "auth_scheme", string(scheme))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		slog.WarnContext(ctx, "agent: upstream error body",
			"status", res.StatusCode, "body", truncate(string(buf), maxLoggedErrBody))
	}
	return res.StatusCode, buf, nil
}

func (c *Client) logOutbound(ctx context.Context, in domain.ChatRequest) {
	if c.logPayloads {
		slog.InfoContext(ctx, "agent: outbound request", "url", c.chatURL, "agent_id", in.AgentID, "message", in.Message)
		return
	}
	slog.InfoContext(ctx, "agent: outbound request", "url", c.chatURL, "agent_id", in.AgentID, "message_chars", len(in.Message))
}

// decodeBody parses exactly one JSON value and returns it alongside its
// compact encoding.
func decodeBody(raw []byte) (any, []byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("%w: trailing data after JSON value", ErrMalformedResponse)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, bytes.TrimSpace(raw)); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return v, compact.Bytes(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
