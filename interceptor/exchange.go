package interceptor

import (
	"context"
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-ping-server/internal/jsonrpc"
	"github.com/ggoodman/mcp-ping-server/mcp"
	"github.com/ggoodman/mcp-ping-server/mcp/sampling"
	"github.com/ggoodman/mcp-ping-server/sessions"
)

var (
	// ErrSamplingUnsupported is returned when the session carries no sampling
	// capability.
	ErrSamplingUnsupported = errors.New("session does not support sampling")
	// ErrNonTextContent is returned when the client answered with something
	// other than a text block.
	ErrNonTextContent = errors.New("sampling response content is not text")
)

// SamplingError reports a JSON-RPC error returned by the client in answer to
// a sampling request.
type SamplingError struct {
	Code    int
	Message string
}

func (e *SamplingError) Error() string {
	return fmt.Sprintf("sampling rejected by client (%d): %s", e.Code, e.Message)
}

type initiateConfig struct {
	maxTokens int
}

// InitiateOption configures Initiate.
type InitiateOption func(*initiateConfig)

// WithInitiateMaxTokens overrides the maxTokens sent with the request.
func WithInitiateMaxTokens(n int) InitiateOption {
	return func(c *initiateConfig) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// Initiate sends prompt to the client of sess as a single user text message
// with empty model preferences, waits for the reply and returns its text.
// It does not retry.
func Initiate(ctx context.Context, sess sessions.Session, prompt string, opts ...InitiateOption) (string, error) {
	cfg := initiateConfig{maxTokens: sampling.DefaultMaxTokens}
	for _, opt := range opts {
		opt(&cfg)
	}

	samp, ok := sess.GetSamplingCapability()
	if !ok || samp == nil {
		return "", ErrSamplingUnsupported
	}

	req := sampling.NewCreateMessage(
		[]mcp.SamplingMessage{sampling.UserText(prompt)},
		sampling.WithMaxTokens(cfg.maxTokens),
	)

	res, err := samp.CreateMessage(ctx, req)
	if err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			return "", &SamplingError{Code: int(rpcErr.Code), Message: rpcErr.Message}
		}
		return "", err
	}

	text, ok := sampling.Text(res)
	if !ok {
		return "", ErrNonTextContent
	}
	return text, nil
}
