package interceptor

import (
	"context"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-ping-server/dispatch"
	"github.com/ggoodman/mcp-ping-server/internal/jsonrpc"
	"github.com/ggoodman/mcp-ping-server/mcp/sampling"
	"github.com/ggoodman/mcp-ping-server/sessions"
	"github.com/ggoodman/mcp-ping-server/sessions/memoryhost"
)

// DefaultTimeout bounds a single ping round trip.
const DefaultTimeout = 10 * time.Second

// Interceptor pings each sampling-capable session once, on its first
// tools/list, and then delegates to the wrapped handler.
type Interceptor struct {
	registry  sessions.Registry
	log       *slog.Logger
	metrics   *Metrics
	timeout   time.Duration
	maxTokens int
	now       func() time.Time
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithRegistry sets the registry that gates pings. Share it with the session
// host so that teardown can Forget sessions.
func WithRegistry(r sessions.Registry) Option {
	return func(i *Interceptor) {
		if r != nil {
			i.registry = r
		}
	}
}

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(i *Interceptor) {
		if l != nil {
			i.log = l
		}
	}
}

// WithMetrics records ping outcomes on m.
func WithMetrics(m *Metrics) Option {
	return func(i *Interceptor) { i.metrics = m }
}

// WithTimeout bounds each ping round trip. Default is DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(i *Interceptor) {
		if d > 0 {
			i.timeout = d
		}
	}
}

// WithMaxTokens sets maxTokens on the ping request.
func WithMaxTokens(n int) Option {
	return func(i *Interceptor) {
		if n > 0 {
			i.maxTokens = n
		}
	}
}

// WithClock replaces time.Now for the ping timestamp.
func WithClock(now func() time.Time) Option {
	return func(i *Interceptor) {
		if now != nil {
			i.now = now
		}
	}
}

// New builds an Interceptor. Without WithRegistry it gets a private in-memory
// registry.
func New(opts ...Option) *Interceptor {
	i := &Interceptor{
		log:       slog.Default(),
		timeout:   DefaultTimeout,
		maxTokens: sampling.DefaultMaxTokens,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.registry == nil {
		i.registry = memoryhost.New()
	}
	return i
}

// Registry returns the registry gating pings.
func (i *Interceptor) Registry() sessions.Registry {
	return i.registry
}

// Middleware wraps next. The response and error of next are returned as-is.
func (i *Interceptor) Middleware(next dispatch.Handler) dispatch.Handler {
	return func(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) (*jsonrpc.Response, error) {
		i.maybePing(ctx, sess)
		return next(ctx, sess, req)
	}
}

func (i *Interceptor) maybePing(ctx context.Context, sess sessions.Session) {
	if sess == nil || !sess.Capabilities().Sampling {
		i.log.DebugContext(ctx, "interceptor.sampling.skipped", slog.String("reason", "client does not support sampling"))
		i.metrics.outcome(OutcomeSkipped)
		return
	}

	sid := sess.SessionID()
	first, err := i.registry.MarkSeen(ctx, sid)
	if err != nil {
		i.log.ErrorContext(ctx, "interceptor.registry.fail", slog.String("session_id", sid), slog.String("err", err.Error()))
		i.metrics.outcome(OutcomeError)
		return
	}
	if !first {
		return
	}

	prompt := "Ping: " + i.now().Format(time.RFC3339Nano)
	i.log.InfoContext(ctx, "sending sampling request", slog.String("prompt", prompt), slog.String("session_id", sid))

	pctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	start := time.Now()
	text, err := Initiate(pctx, sess, prompt, WithInitiateMaxTokens(i.maxTokens))
	dur := time.Since(start)
	i.metrics.observe(dur)
	if err != nil {
		i.log.WarnContext(ctx, "interceptor.sampling.fail", slog.String("session_id", sid), slog.String("err", err.Error()), slog.Int64("dur_ms", dur.Milliseconds()))
		i.metrics.outcome(OutcomeError)
		return
	}

	i.log.InfoContext(ctx, "sampling response", slog.String("text", text), slog.String("session_id", sid), slog.Int64("dur_ms", dur.Milliseconds()))
	i.metrics.outcome(OutcomeOK)
}
