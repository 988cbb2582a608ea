package domain

// ChatRequest is the inbound relay payload and the outbound body sent to the
// agent service.
type ChatRequest struct {
	AgentID string `json:"agent_id"`
	Message string `json:"message"`
}

// Envelope is the normalized reply returned to the dashboard. Success implies
// Response is set; failure implies Error is set.
type Envelope struct {
	Success     bool    `json:"success"`
	Response    *string `json:"response,omitempty"`
	Error       *string `json:"error,omitempty"`
	RawResponse *string `json:"raw_response,omitempty"`
}

// Succeeded builds a success envelope.
func Succeeded(response, raw string) Envelope {
	return Envelope{Success: true, Response: &response, RawResponse: &raw}
}

// Failed builds a failure envelope. An empty raw body is omitted.
func Failed(msg, raw string) Envelope {
	env := Envelope{Success: false, Error: &msg}
	if raw != "" {
		env.RawResponse = &raw
	}
	return env
}
