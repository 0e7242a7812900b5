package redishost

import (
	"context"

	"github.com/ggoodman/mcp-ping-server/sessions"
)

// HasSeen reports whether a seen marker exists for sessionID.
func (h *Host) HasSeen(ctx context.Context, sessionID string) (bool, error) {
	n, err := h.client.Exists(ctx, h.seenKey(sessionID)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkSeen sets the seen marker with SET NX and reports whether this call
// created it.
func (h *Host) MarkSeen(ctx context.Context, sessionID string) (bool, error) {
	return h.client.SetNX(ctx, h.seenKey(sessionID), "1", h.seenTTL).Result()
}

// Forget deletes the seen marker for sessionID.
func (h *Host) Forget(ctx context.Context, sessionID string) error {
	return h.client.Del(ctx, h.seenKey(sessionID)).Err()
}

var _ sessions.Registry = (*Host)(nil)
