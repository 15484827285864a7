package targets

import "time"

// Status represents the lifecycle of a managed target connection.
type Status string

const (
	StatusConnecting       Status = "connecting"
	StatusConnectedRunning Status = "connected_running"
	StatusConnectedStopped Status = "connected_stopped"
	StatusPendingAuth      Status = "pending_auth"
	StatusPendingInput     Status = "pending_input"
	StatusConnectionFailed Status = "connection_failed"
)

// Connected reports whether the status is one of the connected variants.
func (s Status) Connected() bool {
	return s == StatusConnectedRunning || s == StatusConnectedStopped
}

// ToolInfo is the cached shape of one target tool for display purposes.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ToolUsageSnapshot reports accumulated calls for one tool.
type ToolUsageSnapshot struct {
	CallCount    int64      `json:"callCount"`
	LastCalledAt *time.Time `json:"lastCalledAt,omitempty"`
}

// UsageSnapshot reports accumulated calls for one target.
type UsageSnapshot struct {
	CallCount    int64                        `json:"callCount"`
	LastCalledAt *time.Time                   `json:"lastCalledAt,omitempty"`
	Tools        map[string]ToolUsageSnapshot `json:"tools,omitempty"`
}

// Summary aggregates everything the administrative surface needs to display
// for one target. Inactive is an overlay independent of Status.
type Summary struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Inactive    bool          `json:"inactive"`
	LastError   string        `json:"lastError,omitempty"`
	LastErrorAt *time.Time    `json:"lastErrorAt,omitempty"`
	MissingEnv  []string      `json:"missingEnv,omitempty"`
	Tools       []ToolInfo    `json:"tools"`
	Usage       UsageSnapshot `json:"usage"`
}

// AuthPrompt is returned by BeginAuth so the operator can complete a
// device-code login out of band.
type AuthPrompt struct {
	VerificationURI         string    `json:"verificationUri"`
	VerificationURIComplete string    `json:"verificationUriComplete,omitempty"`
	UserCode                string    `json:"userCode"`
	ExpiresAt               time.Time `json:"expiresAt"`
}
