package redishost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-ping-server/sessions"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// DefaultSeenTTL bounds how long a seen marker survives without an explicit
// Forget.
const DefaultSeenTTL = 24 * time.Hour

// Config for Redis-backed SessionHost. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mcp:sessions:"`
}

// Option configures a Host.
type Option func(*Host)

// WithSeenTTL sets the expiry applied to seen markers.
func WithSeenTTL(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.seenTTL = d
		}
	}
}

// WithKeyPrefix overrides the key prefix from Config.
func WithKeyPrefix(prefix string) Option {
	return func(h *Host) {
		if prefix != "" {
			h.keyPrefix = prefix
		}
	}
}

type Host struct {
	client    *redis.Client
	keyPrefix string
	seenTTL   time.Duration
}

// New connects to Redis and verifies reachability with PING.
func New(cfg Config, opts ...Option) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewFromClient(cl, append([]Option{WithKeyPrefix(cfg.KeyPrefix)}, opts...)...), nil
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv(opts ...Option) (*Host, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	return New(cfg, opts...)
}

// NewFromClient wraps an existing client. The Host takes ownership and closes
// it in Close.
func NewFromClient(cl *redis.Client, opts ...Option) *Host {
	h := &Host{client: cl, keyPrefix: "mcp:sessions:", seenTTL: DefaultSeenTTL}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Close closes the Redis client.
func (h *Host) Close() error { return h.client.Close() }

// --- Key helpers ---

func (h *Host) metaKey(sessionID string) string   { return h.keyPrefix + "meta:" + sessionID }
func (h *Host) streamKey(sessionID string) string { return h.keyPrefix + "stream:" + sessionID }
func (h *Host) seenKey(sessionID string) string   { return h.keyPrefix + "seen:" + sessionID }
func (h *Host) awaitKey(sessionID, corr string) string {
	return h.keyPrefix + "await:" + sessionID + ":" + corr
}
func (h *Host) replyKey(sessionID, corr string) string {
	return h.keyPrefix + "reply:" + sessionID + ":" + corr
}

// --- Metadata ---

func (h *Host) CreateSession(ctx context.Context, meta *sessions.SessionMetadata) error {
	if meta == nil || meta.SessionID == "" {
		return fmt.Errorf("redishost: session metadata requires an id")
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	ok, err := h.client.SetNX(ctx, h.metaKey(meta.SessionID), b, meta.TTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return sessions.ErrSessionExists
	}
	return nil
}

func (h *Host) GetSession(ctx context.Context, sessionID string) (*sessions.SessionMetadata, error) {
	b, err := h.client.Get(ctx, h.metaKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, sessions.ErrSessionNotFound
		}
		return nil, err
	}
	var meta sessions.SessionMetadata
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, fmt.Errorf("decode session metadata: %w", err)
	}
	return &meta, nil
}

func (h *Host) UpdateSession(ctx context.Context, meta *sessions.SessionMetadata) error {
	if meta == nil {
		return fmt.Errorf("redishost: nil session metadata")
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	ok, err := h.client.SetXX(ctx, h.metaKey(meta.SessionID), b, meta.TTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return sessions.ErrSessionNotFound
	}
	return nil
}

func (h *Host) TouchSession(ctx context.Context, sessionID string) error {
	meta, err := h.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if meta.TTL <= 0 {
		return nil
	}
	ok, err := h.client.Expire(ctx, h.metaKey(sessionID), meta.TTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return sessions.ErrSessionNotFound
	}
	return nil
}

func (h *Host) DeleteSession(ctx context.Context, sessionID string) error {
	c := context.WithoutCancel(ctx)
	if err := h.client.Del(c, h.metaKey(sessionID), h.streamKey(sessionID)).Err(); err != nil {
		return err
	}
	// Pending awaits and replies are cleaned up best-effort.
	_ = h.deleteByPattern(c, h.keyPrefix+"await:"+sessionID+":*")
	_ = h.deleteByPattern(c, h.keyPrefix+"reply:"+sessionID+":*")
	return nil
}

// --- Messaging via Redis Streams ---

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	id, err := h.client.XAdd(ctx, &redis.XAddArgs{Stream: h.streamKey(sessionID), Values: map[string]any{"d": data}}).Result()
	if err != nil {
		return "", err
	}
	return id, nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	key := h.streamKey(sessionID)
	start := lastEventID
	if start == "" {
		// Resolve "now" once so that messages published between reads are not skipped.
		start = "0-0"
		last, err := h.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if len(last) > 0 {
			start = last[0].ID
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := h.client.XRead(ctx, &redis.XReadArgs{Streams: []string{key, start}, Count: 16, Block: 500 * time.Millisecond}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctxErr := settledErr(ctx); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		for _, stream := range res {
			for _, m := range stream.Messages {
				start = m.ID
				var payload []byte
				switch v := m.Values["d"].(type) {
				case string:
					payload = []byte(v)
				case []byte:
					payload = v
				default:
					payload = []byte(fmt.Sprintf("%v", v))
				}
				if err := handler(ctx, m.ID, payload); err != nil {
					return err
				}
			}
		}
	}
}

// --- Helpers ---

// settledErr returns ctx.Err(), first waiting for ctx to settle when its
// deadline has already passed. Network timeouts derived from the deadline can
// surface slightly before the context itself reports expiry.
func settledErr(ctx context.Context) error {
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) <= 0 {
		<-ctx.Done()
	}
	return ctx.Err()
}

func (h *Host) deleteByPattern(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, cur, err := h.client.Scan(ctx, cursor, pattern, 50).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			_, _ = h.client.Del(ctx, keys...).Result()
		}
		if cur == 0 {
			return nil
		}
		cursor = cur
	}
}

// --- Await/Fulfill using SETNX/BLPOP and Lua for atomicity ---

type redisAwaiter struct {
	h           *Host
	sessionID   string
	correlation string
}

func (a *redisAwaiter) Recv(ctx context.Context) ([]byte, error) {
	list := a.h.replyKey(a.sessionID, a.correlation)
	for {
		res, err := a.h.client.BLPop(ctx, time.Second, list).Result()
		if err != nil {
			if ctxErr := settledErr(ctx); ctxErr != nil {
				_ = a.Cancel(context.WithoutCancel(ctx))
				return nil, ctxErr
			}
			if errors.Is(err, redis.Nil) {
				// The marker is removed atomically with the push, so once it is
				// gone the reply list is final.
				n, exErr := a.h.client.Exists(ctx, a.h.awaitKey(a.sessionID, a.correlation)).Result()
				if exErr != nil || n == 1 {
					continue
				}
				data, popErr := a.h.client.LPop(ctx, list).Bytes()
				if popErr == nil {
					return data, nil
				}
				return nil, sessions.ErrAwaitCanceled
			}
			return nil, err
		}
		if len(res) == 2 {
			return []byte(res[1]), nil
		}
	}
}

func (a *redisAwaiter) Cancel(ctx context.Context) error {
	key := a.h.awaitKey(a.sessionID, a.correlation)
	list := a.h.replyKey(a.sessionID, a.correlation)
	return a.h.client.Del(ctx, key, list).Err()
}

func (h *Host) BeginAwait(ctx context.Context, sessionID, correlationID string, ttl time.Duration) (sessions.Awaiter, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	ok, err := h.client.SetNX(ctx, h.awaitKey(sessionID, correlationID), "1", ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, sessions.ErrAwaitExists
	}
	return &redisAwaiter{h: h, sessionID: sessionID, correlation: correlationID}, nil
}

var fulfillScript = redis.NewScript(`
local await = KEYS[1]
local list = KEYS[2]
local payload = ARGV[1]
if redis.call('EXISTS', await) == 1 then
  redis.call('RPUSH', list, payload)
  redis.call('DEL', await)
  redis.call('EXPIRE', list, 60)
  return 1
end
return 0
`)

func (h *Host) Fulfill(ctx context.Context, sessionID, correlationID string, data []byte) (bool, error) {
	keys := []string{h.awaitKey(sessionID, correlationID), h.replyKey(sessionID, correlationID)}
	res, err := fulfillScript.Run(ctx, h.client, keys, data).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

var _ sessions.SessionHost = (*Host)(nil)
