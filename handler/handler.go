package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"policy-agent/internal/domain"
	"policy-agent/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxExchangeLimit  = 100
)

// Relayer is the proxy use case consumed by the handler.
type Relayer interface {
	Relay(ctx context.Context, in domain.ChatRequest) (domain.Envelope, error)
	DraftPolicy(ctx context.Context, d domain.PolicyDraft) (domain.Envelope, error)
}

// ExchangeLister serves the audit history endpoint.
type ExchangeLister interface {
	RecentExchanges(ctx context.Context, agentID string, limit int) ([]domain.Exchange, error)
}

type Handler struct {
	relay     Relayer
	exchanges ExchangeLister
}

type Option func(*Handler)

// WithExchangeLister enables GET /api/exchanges.
func WithExchangeLister(l ExchangeLister) Option {
	return func(h *Handler) {
		h.exchanges = l
	}
}

func NewHandler(r Relayer, opts ...Option) (*Handler, error) {
	if r == nil {
		return nil, errors.New("handler: relayer must not be nil")
	}
	h := &Handler{relay: r}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type exchangeView struct {
	ID             string `json:"id"`
	CorrelationID  string `json:"correlation_id,omitempty"`
	AgentID        string `json:"agent_id"`
	Success        bool   `json:"success"`
	UpstreamStatus int    `json:"upstream_status"`
	AuthScheme     string `json:"auth_scheme,omitempty"`
	Error          string `json:"error,omitempty"`
	MessageChars   int    `json:"message_chars"`
	CreatedAt      string `json:"created_at"`
}

type exchangesResponse struct {
	Success   bool           `json:"success"`
	Exchanges []exchangeView `json:"exchanges"`
}

// Handle serves API Gateway proxy events. It never returns a non-nil error;
// every failure is reported as a JSON envelope.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := headerValue(req.Headers, correlationHeader)
	if corrID == "" {
		corrID = uuid.NewString()
	}
	ctx = usecase.WithCorrelationID(ctx, corrID)

	status, body := h.route(ctx, req)
	return jsonResponse(status, body, corrID), nil
}

func (h *Handler) route(ctx context.Context, req events.APIGatewayProxyRequest) (int, any) {
	path := strings.TrimRight(req.Path, "/")
	method := strings.ToUpper(req.HTTPMethod)

	switch path {
	case "/api/agent":
		if method != http.MethodPost {
			return methodNotAllowed()
		}
		var in domain.ChatRequest
		if !decodeBody(req, &in) {
			return http.StatusBadRequest, errorResponse{Error: "Invalid JSON body"}
		}
		return h.envelope(ctx, "relay", func() (domain.Envelope, error) { return h.relay.Relay(ctx, in) })
	case "/api/policies/draft":
		if method != http.MethodPost {
			return methodNotAllowed()
		}
		var in domain.PolicyDraft
		if !decodeBody(req, &in) {
			return http.StatusBadRequest, errorResponse{Error: "Invalid JSON body"}
		}
		return h.envelope(ctx, "draft_policy", func() (domain.Envelope, error) { return h.relay.DraftPolicy(ctx, in) })
	case "/api/exchanges":
		if method != http.MethodGet {
			return methodNotAllowed()
		}
		return h.listExchanges(ctx, req.QueryStringParameters)
	case "/healthz":
		return http.StatusOK, map[string]string{"status": "ok"}
	}
	return http.StatusNotFound, errorResponse{Error: "Not found"}
}

func (h *Handler) envelope(ctx context.Context, op string, call func() (domain.Envelope, error)) (int, any) {
	env, err := call()
	if err != nil {
		status, msg := mapError(err)
		logFailure(ctx, op, err)
		return status, errorResponse{Error: msg}
	}
	return http.StatusOK, env
}

func (h *Handler) listExchanges(ctx context.Context, query map[string]string) (int, any) {
	if h.exchanges == nil {
		return http.StatusNotFound, errorResponse{Error: "Exchange history is not enabled"}
	}
	agentID := strings.TrimSpace(query["agent_id"])
	if agentID == "" {
		return http.StatusBadRequest, errorResponse{Error: "Missing agent_id"}
	}
	limit := 20
	if raw := strings.TrimSpace(query["limit"]); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return http.StatusBadRequest, errorResponse{Error: "Invalid limit"}
		}
		limit = min(n, maxExchangeLimit)
	}

	exchanges, err := h.exchanges.RecentExchanges(ctx, agentID, limit)
	if err != nil {
		logFailure(ctx, "list_exchanges", err)
		return http.StatusInternalServerError, errorResponse{Error: "Internal server error"}
	}
	views := make([]exchangeView, 0, len(exchanges))
	for _, ex := range exchanges {
		views = append(views, exchangeView{
			ID:             ex.ID,
			CorrelationID:  ex.CorrelationID,
			AgentID:        ex.AgentID,
			Success:        ex.Success,
			UpstreamStatus: ex.UpstreamStatus,
			AuthScheme:     ex.AuthScheme,
			Error:          ex.Error,
			MessageChars:   ex.MessageChars,
			CreatedAt:      ex.CreatedAt,
		})
	}
	return http.StatusOK, exchangesResponse{Success: true, Exchanges: views}
}

func methodNotAllowed() (int, any) {
	return http.StatusMethodNotAllowed, errorResponse{Error: "Method not allowed"}
}

func decodeBody(req events.APIGatewayProxyRequest, v any) bool {
	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return false
		}
		body = decoded
	}
	return json.Unmarshal(body, v) == nil
}

// mapError converts a use-case failure into a status and a caller-safe message.
func mapError(err error) (int, string) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return http.StatusInternalServerError, "Internal server error"
	}
	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, orDefault(ucErr.Message, "Invalid request")
	case usecase.ErrorConfiguration:
		return http.StatusInternalServerError, "Server configuration error"
	case usecase.ErrorUpstream:
		return http.StatusInternalServerError, orDefault(ucErr.Message, "Failed to call agent API")
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func logFailure(ctx context.Context, op string, err error) {
	attrs := []any{"op", op, "correlation_id", usecase.CorrelationID(ctx), "err", err}
	var ucErr *usecase.Error
	if errors.As(err, &ucErr) {
		attrs = append(attrs, "code", string(ucErr.Code), "reason", ucErr.Reason)
		if ucErr.Code == usecase.ErrorInvalidInput {
			slog.InfoContext(ctx, "handler: rejected request", attrs...)
			return
		}
	}
	slog.ErrorContext(ctx, "handler: request failed", attrs...)
}

func jsonResponse(status int, body any, corrID string) events.APIGatewayProxyResponse {
	buf, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		buf = []byte(`{"success":false,"error":"Internal server error"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: string(buf),
	}
}

// headerValue looks a header up case-insensitively, as API Gateway does not
// normalize header names.
func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func orDefault(s, def string) string {
	if s != "" {
		return s
	}
	return def
}
