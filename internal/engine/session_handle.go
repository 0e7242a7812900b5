package engine

import (
	"github.com/ggoodman/mcp-ping-server/sessions"
)

var _ sessions.Session = (*SessionHandle)(nil)

// SessionHandle is the request-scoped view of a session. The sampling
// capability is only attached when the client advertised sampling and the
// transport supplied a writer for server-initiated requests.
type SessionHandle struct {
	sessionID       string
	protocolVersion string
	caps            sessions.CapabilitySet

	samplingCap sessions.SamplingCapability
}

func NewSessionHandle(meta *sessions.SessionMetadata, opts ...SessionHandleOption) *SessionHandle {
	s := &SessionHandle{
		sessionID:       meta.SessionID,
		protocolVersion: meta.ProtocolVersion,
		caps:            meta.Capabilities,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

type SessionHandleOption func(*SessionHandle)

func WithSamplingCapability(cap sessions.SamplingCapability) SessionHandleOption {
	return func(s *SessionHandle) {
		s.samplingCap = cap
	}
}

func (s *SessionHandle) SessionID() string {
	return s.sessionID
}

func (s *SessionHandle) ProtocolVersion() string {
	return s.protocolVersion
}

func (s *SessionHandle) Capabilities() sessions.CapabilitySet {
	return s.caps
}

func (s *SessionHandle) GetSamplingCapability() (cap sessions.SamplingCapability, ok bool) {
	if s.samplingCap == nil {
		return nil, false
	}
	return s.samplingCap, true
}
