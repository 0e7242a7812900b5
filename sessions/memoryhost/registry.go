package memoryhost

import (
	"context"

	"github.com/ggoodman/mcp-ping-server/sessions"
)

// HasSeen reports whether sessionID has been marked.
func (h *Host) HasSeen(ctx context.Context, sessionID string) (bool, error) {
	_, ok := h.seen.Load(sessionID)
	return ok, nil
}

// MarkSeen marks sessionID and reports whether this call was the first to do so.
func (h *Host) MarkSeen(ctx context.Context, sessionID string) (bool, error) {
	_, loaded := h.seen.LoadOrStore(sessionID, struct{}{})
	return !loaded, nil
}

// Forget removes sessionID from the seen set.
func (h *Host) Forget(ctx context.Context, sessionID string) error {
	h.seen.Delete(sessionID)
	return nil
}

var _ sessions.Registry = (*Host)(nil)
