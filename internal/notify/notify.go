package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"pancakes/internal/market"
)

const DefaultChannel = "pancakes.ticks"

// TickEvent is published once per completed tick.
type TickEvent struct {
	Type        string                      `json:"type"`
	TickID      int64                       `json:"tick_id"`
	RunID       string                      `json:"run_id"`
	Seed        int64                       `json:"seed"`
	CompletedAt time.Time                   `json:"completed_at"`
	Stats       []market.ProducerRoundStats `json:"stats"`
	Degraded    int                         `json:"degraded_calls"`
}

type Publisher interface {
	PublishTick(ctx context.Context, ev TickEvent) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) PublishTick(context.Context, TickEvent) error { return nil }
func (Nop) Close() error                                 { return nil }

type Redis struct {
	rdb     *goredis.Client
	channel string
	log     *slog.Logger
}

// NewRedis connects to addr and pings it. An empty channel uses DefaultChannel.
func NewRedis(ctx context.Context, addr, channel string, logger *slog.Logger) (*Redis, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("missing redis addr")
	}
	if strings.TrimSpace(channel) == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{rdb: rdb, channel: channel, log: logger}, nil
}

func (r *Redis) PublishTick(ctx context.Context, ev TickEvent) error {
	if ev.Type == "" {
		ev.Type = "tick.completed"
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, r.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", r.channel, err)
	}
	r.log.Debug("tick event published", "channel", r.channel, "tick_id", ev.TickID)
	return nil
}

func (r *Redis) Close() error { return r.rdb.Close() }

// Subscribe streams tick events from channel until ctx is done.
func (r *Redis) Subscribe(ctx context.Context, fn func(TickEvent)) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev TickEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.log.Warn("bad tick event", "err", err)
				continue
			}
			fn(ev)
		}
	}
}
