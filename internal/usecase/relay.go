package usecase

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"policy-agent/internal/domain"
	"policy-agent/internal/integrations/agent"
)

// DefaultCoordinatorAgentID is the policy coordination manager agent used for drafts.
const DefaultCoordinatorAgentID = "695c4707457887dd859fb84e"

const (
	msgMissingFields     = "Missing agent_id or message"
	msgAgentCallFailed   = "Failed to call agent API"
	msgAgentStatusPrefix = "Agent API error: "
)

type AgentClient interface {
	Chat(ctx context.Context, in domain.ChatRequest) (agent.Reply, error)
}

// ExchangeRecorder stores audit metadata about relayed calls.
type ExchangeRecorder interface {
	RecordExchange(ctx context.Context, ex domain.Exchange) error
}

type RelayService struct {
	agent              AgentClient
	recorder           ExchangeRecorder
	coordinatorAgentID string
}

// NewRelayService wires the relay. recorder may be nil to disable auditing;
// an empty coordinatorAgentID falls back to DefaultCoordinatorAgentID.
func NewRelayService(client AgentClient, recorder ExchangeRecorder, coordinatorAgentID string) (*RelayService, error) {
	if client == nil {
		return nil, errors.New("usecase: agent client must not be nil")
	}
	coordinatorAgentID = strings.TrimSpace(coordinatorAgentID)
	if coordinatorAgentID == "" {
		coordinatorAgentID = DefaultCoordinatorAgentID
	}
	return &RelayService{
		agent:              client,
		recorder:           recorder,
		coordinatorAgentID: coordinatorAgentID,
	}, nil
}

// Relay forwards a chat request to the agent and normalizes its reply.
//
// A nil error always comes with a well-formed envelope, including when the
// agent reported a failure in its payload. A non-nil error is a *Error and
// the envelope is empty.
func (s *RelayService) Relay(ctx context.Context, in domain.ChatRequest) (domain.Envelope, error) {
	req := domain.ChatRequest{AgentID: strings.TrimSpace(in.AgentID), Message: in.Message}
	if req.AgentID == "" || strings.TrimSpace(req.Message) == "" {
		return domain.Envelope{}, newError(ErrorInvalidInput, "missing_fields", msgMissingFields, nil)
	}

	reply, err := s.agent.Chat(ctx, req)
	if err != nil {
		classified := classifyAgentError(err)
		if classified.Code != ErrorConfiguration {
			s.record(ctx, req, reply, false, classified.Reason)
		}
		return domain.Envelope{}, classified
	}

	env, rule := normalize(reply)
	errText := ""
	if env.Error != nil {
		errText = *env.Error
	}
	slog.InfoContext(ctx, "relay: completed",
		"agent_id", req.AgentID,
		"success", env.Success,
		"status", reply.StatusCode,
		"auth_scheme", string(reply.Scheme),
		"attempts", reply.Attempts,
		"answer_rule", rule,
	)
	s.record(ctx, req, reply, env.Success, errText)
	return env, nil
}

// normalize turns an upstream reply into an envelope. The second value names
// the extraction rule that produced the answer, if any.
func normalize(reply agent.Reply) (domain.Envelope, string) {
	raw := string(reply.Raw)
	if msg, failed := upstreamFailure(reply); failed {
		return domain.Failed(msg, raw), ""
	}
	if answer, rule, ok := extractAnswer(reply.Value); ok {
		return domain.Succeeded(answer, raw), rule
	}
	return domain.Succeeded(prettyJSON(reply.Raw), raw), "pretty_body"
}

func upstreamFailure(reply agent.Reply) (string, bool) {
	if text, ok := upstreamErrorText(reply.Value); ok {
		return text, true
	}
	if reply.OK() {
		return "", false
	}
	status := reply.StatusText()
	if status == "" {
		status = http.StatusText(http.StatusBadGateway)
	}
	return msgAgentStatusPrefix + status, true
}

func classifyAgentError(err error) *Error {
	switch {
	case errors.Is(err, agent.ErrMissingCredential):
		return newError(ErrorConfiguration, "missing_credential", "", err)
	case errors.Is(err, agent.ErrMalformedResponse):
		return newError(ErrorUpstream, "malformed_response", msgAgentCallFailed, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		return newError(ErrorUpstream, "transport_error", msgAgentCallFailed+": "+urlErr.Err.Error(), err)
	}
	return newError(ErrorUpstream, "transport_error", msgAgentCallFailed, err)
}

func (s *RelayService) record(ctx context.Context, req domain.ChatRequest, reply agent.Reply, success bool, errText string) {
	if s.recorder == nil {
		return
	}
	ex := domain.Exchange{
		ID:             newUUID(),
		CorrelationID:  CorrelationID(ctx),
		AgentID:        req.AgentID,
		Success:        success,
		UpstreamStatus: reply.StatusCode,
		AuthScheme:     string(reply.Scheme),
		Error:          errText,
		MessageChars:   utf8.RuneCountInString(req.Message),
	}
	if err := s.recorder.RecordExchange(ctx, ex); err != nil {
		slog.WarnContext(ctx, "relay: failed to record exchange", "agent_id", req.AgentID, "err", err)
	}
}

var newUUID = func() string {
	return uuid.NewString()
}
