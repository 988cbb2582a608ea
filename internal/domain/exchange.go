package domain

// Exchange is the audit record of one relayed call. It holds metadata only,
// never the message or the agent's answer.
type Exchange struct {
	PK             string
	SK             string
	ID             string
	CorrelationID  string
	AgentID        string
	Success        bool
	UpstreamStatus int
	AuthScheme     string
	Error          string
	MessageChars   int
	CreatedAt      string
	TTL            int64
}
