package usecase

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"policy-agent/internal/domain"
)

const (
	defaultPolicyType  = "Leave"
	defaultPolicyScope = "company"
	maxRequirements    = 2000
)

// DraftPolicy turns a Create Policy form into a coordinator prompt and relays it.
func (s *RelayService) DraftPolicy(ctx context.Context, d domain.PolicyDraft) (domain.Envelope, error) {
	message, err := buildPolicyMessage(d)
	if err != nil {
		return domain.Envelope{}, err
	}
	return s.Relay(ctx, domain.ChatRequest{AgentID: s.coordinatorAgentID, Message: message})
}

func buildPolicyMessage(d domain.PolicyDraft) (string, error) {
	requirements := strings.TrimSpace(d.Requirements)
	if requirements == "" {
		return "", newError(ErrorInvalidInput, "empty_requirements", "Please enter policy requirements", nil)
	}
	if utf8.RuneCountInString(requirements) > maxRequirements {
		return "", newError(ErrorInvalidInput, "requirements_too_long",
			fmt.Sprintf("Requirements must be at most %d characters", maxRequirements), nil)
	}
	laws := jurisdictionLabel(d.Jurisdictions)
	if laws == "" {
		return "", newError(ErrorInvalidInput, "no_jurisdiction", "Select at least one jurisdiction", nil)
	}

	return fmt.Sprintf(
		"Generate a %s policy for %s scope with these requirements: %s. Analyze for compliance with %s labor laws.",
		orDefault(d.PolicyType, defaultPolicyType),
		orDefault(d.Scope, defaultPolicyScope),
		requirements,
		laws,
	), nil
}

func jurisdictionLabel(j domain.Jurisdictions) string {
	switch {
	case j.US && j.India:
		return "US and India"
	case j.US:
		return "US"
	case j.India:
		return "India"
	}
	return ""
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return def
}
