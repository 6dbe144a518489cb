// Package stream Redis Streams 桥接：总线事件出站、远端消费落库
package stream

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/orderfeed/ingest/internal/bus"
	"github.com/orderfeed/ingest/internal/metrics"
	"github.com/orderfeed/ingest/pkg/logger"
	"github.com/orderfeed/ingest/pkg/redis"
)

const (
	// DefaultValidOrderStream 规范化订单出站流
	DefaultValidOrderStream = "feed:valid-orders"
	// DefaultErrorOrderStream 错误事件出站流
	DefaultErrorOrderStream = "feed:error-orders"

	publishQueueSize = 1024
	publishTimeout   = 5 * time.Second
)

// Publisher 把总线事件异步转发到 Redis Streams。
// 入队非阻塞：队列满或 Redis 不可用时丢弃并计数，进件路径不受影响。
type Publisher struct {
	client      *redis.StreamClient
	validStream string
	errorStream string

	queue chan outbound
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	log *logger.Logger
	m   *metrics.Metrics
}

type outbound struct {
	stream string
	event  bus.Event
}

// NewPublisher 创建并启动发布器，流名为空时取默认值
func NewPublisher(client *redis.StreamClient, validStream, errorStream string, log *logger.Logger, m *metrics.Metrics) *Publisher {
	if validStream == "" {
		validStream = DefaultValidOrderStream
	}
	if errorStream == "" {
		errorStream = DefaultErrorOrderStream
	}
	if log == nil {
		log = logger.New("stream", io.Discard)
	}

	p := &Publisher{
		client:      client,
		validStream: validStream,
		errorStream: errorStream,
		queue:       make(chan outbound, publishQueueSize),
		done:        make(chan struct{}),
		log:         log,
		m:           m,
	}

	p.wg.Add(1)
	go p.run()
	return p
}

// Attach 订阅两类事件
func (p *Publisher) Attach(b *bus.EventBus) {
	b.Subscribe(bus.EventValidOrder, func(evt bus.Event) error {
		p.enqueue(p.validStream, evt)
		return nil
	})
	b.Subscribe(bus.EventErrorOrder, func(evt bus.Event) error {
		p.enqueue(p.errorStream, evt)
		return nil
	})
}

func (p *Publisher) enqueue(stream string, evt bus.Event) {
	select {
	case p.queue <- outbound{stream: stream, event: evt}:
	default:
		p.m.IncStreamPublishError(stream)
		p.log.Warnf("stream queue full, event dropped", map[string]interface{}{
			"stream":  stream,
			"eventId": evt.ID,
		})
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for {
		select {
		case out := <-p.queue:
			p.publish(out.stream, out.event)
		case <-p.done:
			// 退出前清空已入队事件
			for {
				select {
				case out := <-p.queue:
					p.publish(out.stream, out.event)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) publish(stream string, evt bus.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if _, err := p.client.Publish(ctx, stream, evt); err != nil {
		p.m.IncStreamPublishError(stream)
		p.log.WithError(err).Errorf("stream publish failed", map[string]interface{}{
			"stream":  stream,
			"eventId": evt.ID,
			"kind":    string(evt.Kind),
		})
		return
	}
	p.m.IncStreamPublished(stream)
}

// Close 排空队列后停止后台发布
func (p *Publisher) Close() {
	p.once.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
}
