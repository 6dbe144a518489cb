package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/orderfeed/ingest/internal/bus"
	"github.com/orderfeed/ingest/internal/repository"
	"github.com/orderfeed/ingest/pkg/health"
	"github.com/orderfeed/ingest/pkg/logger"
	"github.com/orderfeed/ingest/pkg/redis"
)

// Envelope 流消息信封：与总线事件同构，payload 延迟解码以便按 kind 分发
type Envelope struct {
	ID        string          `json:"id"`
	Kind      bus.Kind        `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	EmittedAt string          `json:"emittedAt"`
}

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Group            string
	Consumer         string
	ValidOrderStream string
	ErrorOrderStream string
	Options          *redis.ConsumerOptions
}

// Consumer 消费出站流并写回仓储。
// 面向进件与持久化分进程部署的场景：HTTP 侧只发流，本进程落库。
type Consumer struct {
	orders repository.OrderStore
	errs   repository.ErrorStore

	group   string
	streams []string
	inner   *redis.Consumer
	loop    *health.LoopMonitor

	log *logger.Logger
}

// NewConsumer 创建消费者。errs 为 nil 时只消费订单流。
func NewConsumer(client *redis.StreamClient, orders repository.OrderStore, errs repository.ErrorStore, cfg ConsumerConfig, log *logger.Logger) *Consumer {
	if cfg.Group == "" {
		cfg.Group = "feed-persist"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "feed-persist-1"
	}
	if cfg.ValidOrderStream == "" {
		cfg.ValidOrderStream = DefaultValidOrderStream
	}
	if cfg.ErrorOrderStream == "" {
		cfg.ErrorOrderStream = DefaultErrorOrderStream
	}
	if log == nil {
		log = logger.New("stream", io.Discard)
	}

	c := &Consumer{
		orders: orders,
		errs:   errs,
		group:  cfg.Group,
		loop:   &health.LoopMonitor{},
		log:    log,
	}

	c.streams = []string{cfg.ValidOrderStream}
	if errs != nil {
		c.streams = append(c.streams, cfg.ErrorOrderStream)
	}

	opts := redis.DefaultConsumerOptions
	if cfg.Options != nil {
		opts = *cfg.Options
	}
	opts.OnPoll = c.loop.Tick

	c.inner = redis.NewConsumer(client, cfg.Group, cfg.Consumer, c.streams, c.handle, &opts)
	return c
}

// Monitor 暴露消费循环健康状态
func (c *Consumer) Monitor() *health.LoopMonitor { return c.loop }

// Start 阻塞消费直到 ctx 取消
func (c *Consumer) Start(ctx context.Context) error {
	c.log.Infof("stream consumer starting", map[string]interface{}{
		"group":   c.group,
		"streams": c.streams,
	})
	c.loop.Tick()
	return c.inner.Start(ctx)
}

// handle 解信封并按事件类型落库，未知类型确认后丢弃
func (c *Consumer) handle(ctx context.Context, msg *redis.Message) error {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Kind {
	case bus.EventValidOrder:
		return c.storeOrder(ctx, &env)
	case bus.EventErrorOrder:
		if c.errs == nil {
			return nil
		}
		return c.storeError(ctx, &env)
	default:
		return nil
	}
}

func (c *Consumer) storeOrder(ctx context.Context, env *Envelope) error {
	var payload bus.ValidOrderPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal valid order: %w", err)
	}
	if payload.Order.ID == "" {
		return fmt.Errorf("valid order event %s has no order id", env.ID)
	}
	return c.orders.Save(ctx, &payload.Order)
}

func (c *Consumer) storeError(ctx context.Context, env *Envelope) error {
	var payload bus.ErrorOrderPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal error order: %w", err)
	}
	// 记录主键取事件 ID，重复投递落为同一条
	return c.errs.Save(ctx, payload.Record(env.ID))
}
