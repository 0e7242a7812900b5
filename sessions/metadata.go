package sessions

import "time"

// CapabilitySet captures the immutable capability surface negotiated at
// session creation.
type CapabilitySet struct {
	Roots            bool `json:"roots,omitempty"`
	RootsListChanged bool `json:"roots_list_changed,omitempty"`
	Sampling         bool `json:"sampling,omitempty"`
	Elicitation      bool `json:"elicitation,omitempty"`
}

// MetadataClientInfo records optional client identity details supplied at
// initialization for observability / logging.
type MetadataClientInfo struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// SessionMetadata is the authoritative persisted representation of an MCP
// session.
//
// Timestamps are wall-clock times in UTC. TTL is a sliding window: the host
// expires a session once LastAccess + TTL < now. If MaxLifetime > 0 the engine
// also refuses the session once CreatedAt + MaxLifetime < now regardless of
// activity.
type SessionMetadata struct {
	MetaVersion     int                `json:"meta_version"`
	SessionID       string             `json:"session_id"`
	ProtocolVersion string             `json:"protocol_version,omitempty"`
	Client          MetadataClientInfo `json:"client,omitempty"`
	Capabilities    CapabilitySet      `json:"capabilities,omitempty"`

	// Initialized flips once the client sends notifications/initialized.
	Initialized bool `json:"initialized"`

	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	LastAccess  time.Time     `json:"last_access"`
	TTL         time.Duration `json:"ttl"`
	MaxLifetime time.Duration `json:"max_lifetime,omitempty"`
}

// Expired reports whether the absolute lifetime horizon has passed at now.
func (m *SessionMetadata) Expired(now time.Time) bool {
	return m.MaxLifetime > 0 && now.After(m.CreatedAt.Add(m.MaxLifetime))
}
