package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-ping-server/internal/jsonrpc"
	"github.com/ggoodman/mcp-ping-server/mcp"
	"github.com/ggoodman/mcp-ping-server/mcp/sampling"
	"github.com/ggoodman/mcp-ping-server/sessions"
	"github.com/google/uuid"
)

var _ sessions.SamplingCapability = (*samplingCapability)(nil)

type samplingCapability struct {
	eng                 *Engine
	log                 *slog.Logger
	sessID              string
	requestScopedWriter MessageWriter
}

// CreateMessage implements sessions.SamplingCapability. The rendezvous is
// registered with the host before the request is written so that a fast
// client cannot answer before anyone is listening. A JSON-RPC error from the
// client is returned as *jsonrpc.Error.
func (s *samplingCapability) CreateMessage(ctx context.Context, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
	if err := sampling.ValidateCreateMessage(req); err != nil {
		return nil, fmt.Errorf("sampling: %w", err)
	}

	reqID := uuid.NewString()
	clientReq, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(reqID), string(mcp.SamplingCreateMessageMethod), req)
	if err != nil {
		s.log.ErrorContext(ctx, "sampling.create_message.err", slog.String("err", err.Error()))
		return nil, ErrInternal
	}
	bytes, err := json.Marshal(clientReq)
	if err != nil {
		s.log.ErrorContext(ctx, "sampling.create_message.err", slog.String("err", err.Error()))
		return nil, ErrInternal
	}

	ttl := s.eng.awaitTTL
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 && d < ttl {
			ttl = d
		}
	}
	awaiter, err := s.eng.host.BeginAwait(ctx, s.sessID, reqID, ttl)
	if err != nil {
		s.log.ErrorContext(ctx, "sampling.create_message.await.fail", slog.String("err", err.Error()))
		return nil, fmt.Errorf("begin await: %w", err)
	}
	defer func() { _ = awaiter.Cancel(context.WithoutCancel(ctx)) }()

	if err := s.requestScopedWriter.WriteMessage(ctx, bytes); err != nil {
		s.log.ErrorContext(ctx, "sampling.create_message.write.fail", slog.String("err", err.Error()))
		return nil, fmt.Errorf("write sampling request: %w", err)
	}

	msg, err := awaiter.Recv(ctx)
	if err != nil {
		s.log.InfoContext(ctx, "sampling.create_message.recv.fail", slog.String("err", err.Error()))
		return nil, err
	}

	var resp jsonrpc.Response
	if err := json.Unmarshal(msg, &resp); err != nil {
		s.log.ErrorContext(ctx, "sampling.create_message.unmarshal_response.fail", slog.String("err", err.Error()))
		return nil, ErrInternal
	}
	if resp.Error != nil {
		s.log.InfoContext(ctx, "sampling.create_message.error", slog.Int("code", int(resp.Error.Code)), slog.String("message", resp.Error.Message))
		return nil, resp.Error
	}

	var res mcp.CreateMessageResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		s.log.ErrorContext(ctx, "sampling.create_message.result.unmarshal.fail", slog.String("err", err.Error()))
		return nil, ErrInternal
	}
	return &res, nil
}
