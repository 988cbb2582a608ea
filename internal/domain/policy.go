package domain

// Jurisdictions selects which labor-law regimes a drafted policy is checked against.
type Jurisdictions struct {
	US    bool `json:"us"`
	India bool `json:"india"`
}

// PolicyDraft is the Create Policy form submitted by the dashboard.
type PolicyDraft struct {
	PolicyType    string        `json:"policy_type"`
	Scope         string        `json:"scope"`
	Requirements  string        `json:"requirements"`
	Jurisdictions Jurisdictions `json:"jurisdictions"`
}
