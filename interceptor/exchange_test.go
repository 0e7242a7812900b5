package interceptor

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ggoodman/mcp-ping-server/internal/jsonrpc"
	"github.com/ggoodman/mcp-ping-server/mcp"
	"github.com/ggoodman/mcp-ping-server/sessions"
)

func TestInitiate(t *testing.T) {
	ctx := context.Background()

	t.Run("builds one user text message with empty preferences", func(t *testing.T) {
		s := &fakeSampler{}
		text, err := Initiate(ctx, samplingSession("S1", s), "Ping: now", WithInitiateMaxTokens(42))
		if err != nil {
			t.Fatalf("Initiate: %v", err)
		}
		if want, got := "Pong", text; want != got {
			t.Fatalf("want text %q, got %q", want, got)
		}
		if want, got := 1, s.calls(); want != got {
			t.Fatalf("want %d request, got %d", want, got)
		}
		req := s.reqs[0]
		if len(req.Messages) != 1 {
			t.Fatalf("want 1 message, got %d", len(req.Messages))
		}
		msg := req.Messages[0]
		if msg.Role != mcp.RoleUser || msg.Content.Type != mcp.ContentTypeText || msg.Content.Text != "Ping: now" {
			t.Fatalf("unexpected message: %+v", msg)
		}
		if req.ModelPreferences == nil {
			t.Fatalf("expected non-nil model preferences")
		}
		if want, got := 42, req.MaxTokens; want != got {
			t.Fatalf("want maxTokens %d, got %d", want, got)
		}
	})

	t.Run("session without sampling", func(t *testing.T) {
		sess := &fakeSession{id: "S2", caps: sessions.CapabilitySet{}}
		if _, err := Initiate(ctx, sess, "Ping"); !errors.Is(err, ErrSamplingUnsupported) {
			t.Fatalf("want ErrSamplingUnsupported, got %v", err)
		}
	})

	t.Run("non text reply", func(t *testing.T) {
		s := &fakeSampler{reply: func(ctx context.Context, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
			return &mcp.CreateMessageResult{
				Role:    mcp.RoleAssistant,
				Content: mcp.ContentBlock{Type: mcp.ContentTypeImage, Data: "AAAA", MimeType: "image/png"},
			}, nil
		}}
		if _, err := Initiate(ctx, samplingSession("S3", s), "Ping"); !errors.Is(err, ErrNonTextContent) {
			t.Fatalf("want ErrNonTextContent, got %v", err)
		}
	})

	t.Run("client error", func(t *testing.T) {
		s := &fakeSampler{reply: func(ctx context.Context, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
			return nil, fmt.Errorf("sampling: %w", &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidRequest, Message: "user rejected"})
		}}
		_, err := Initiate(ctx, samplingSession("S4", s), "Ping")
		var sErr *SamplingError
		if !errors.As(err, &sErr) {
			t.Fatalf("want *SamplingError, got %v", err)
		}
		if sErr.Code != int(jsonrpc.ErrorCodeInvalidRequest) || sErr.Message != "user rejected" {
			t.Fatalf("unexpected sampling error: %+v", sErr)
		}
	})

	t.Run("canceled context", func(t *testing.T) {
		s := &fakeSampler{reply: func(ctx context.Context, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := Initiate(cctx, samplingSession("S5", s), "Ping"); !errors.Is(err, context.Canceled) {
			t.Fatalf("want context.Canceled, got %v", err)
		}
	})
}
