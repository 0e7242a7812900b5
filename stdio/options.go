package stdio

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-ping-server/internal/engine"
	"github.com/ggoodman/mcp-ping-server/sessions"
)

// Option customizes a Handler.
type Option func(*Handler)

// WithIO sets the reader and writer for the handler.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
		if w != nil {
			h.w = w
		}
	}
}

// WithReader overrides the input stream.
func WithReader(r io.Reader) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
	}
}

// WithWriter overrides the output stream.
func WithWriter(w io.Writer) Option {
	return func(h *Handler) {
		if w != nil {
			h.w = w
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.l = l
		}
	}
}

// WithSessionHost stores the implicit session in host instead of a private
// in-memory host.
func WithSessionHost(host sessions.SessionHost) Option {
	return func(h *Handler) {
		if host != nil {
			h.host = host
		}
	}
}

// WithSessionTTL sets the idle TTL applied once the client sends
// notifications/initialized.
func WithSessionTTL(d time.Duration) Option {
	return func(h *Handler) { h.engOpts = append(h.engOpts, engine.WithSessionTTL(d)) }
}

// WithHandshakeTTL sets the TTL of the implicit session until the client
// sends notifications/initialized.
func WithHandshakeTTL(d time.Duration) Option {
	return func(h *Handler) { h.engOpts = append(h.engOpts, engine.WithHandshakeTTL(d)) }
}

// WithSessionDeletedHook registers fn to run when the implicit session is
// torn down at the end of Serve.
func WithSessionDeletedHook(fn func(ctx context.Context, sessionID string)) Option {
	return func(h *Handler) {
		if fn != nil {
			h.engOpts = append(h.engOpts, engine.WithSessionDeletedHook(fn))
		}
	}
}
