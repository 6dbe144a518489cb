// Package ws WebSocket 实时推送
package ws

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orderfeed/ingest/internal/repository"
	"github.com/orderfeed/ingest/pkg/logger"
)

// 订阅频道：全量订单、全量错误、按合作方订单
const (
	ChannelOrders = "feed.orders"
	ChannelErrors = "feed.errors"
)

// PartnerChannel 指定合作方的订单频道名
func PartnerChannel(p repository.PartnerID) string {
	return "feed." + p.String() + ".orders"
}

type Config struct {
	AllowedOrigins          []string
	MaxSubscriptionsPerConn int
}

// Server WebSocket 服务器
type Server struct {
	mu      sync.RWMutex
	clients map[*Client]bool

	upgrader websocket.Upgrader
	cfg      Config
	log      *logger.Logger
}

// Client 单个 WebSocket 连接
type Client struct {
	conn          *websocket.Conn
	server        *Server
	subscriptions map[string]struct{}
	send          chan []byte
	mu            sync.Mutex
	closed        chan struct{}
	closeOnce     sync.Once
}

// NewServer 创建 WebSocket 服务器，log 可为 nil
func NewServer(log *logger.Logger, cfg *Config) *Server {
	if log == nil {
		log = logger.New("ws", io.Discard)
	}
	c := Config{
		AllowedOrigins:          nil,
		MaxSubscriptionsPerConn: 16,
	}
	if cfg != nil {
		if cfg.AllowedOrigins != nil {
			c.AllowedOrigins = cfg.AllowedOrigins
		}
		if cfg.MaxSubscriptionsPerConn > 0 {
			c.MaxSubscriptionsPerConn = cfg.MaxSubscriptionsPerConn
		}
	}

	s := &Server{
		clients: make(map[*Client]bool),
		cfg:     c,
		log:     log,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return allowOrigin(r, s.cfg.AllowedOrigins)
		},
	}
	return s
}

// HandleWS 处理 WebSocket 升级
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := &Client{
		conn:          conn,
		server:        s,
		subscriptions: make(map[string]struct{}),
		send:          make(chan []byte, 256),
		closed:        make(chan struct{}),
	}

	s.mu.Lock()
	s.clients[client] = true
	s.mu.Unlock()

	go client.writePump()
	go client.readPump()
}

// WsRequest 客户端请求
type WsRequest struct {
	Op      string `json:"op"`
	Channel string `json:"channel"`
}

// WsResponse 服务端消息
type WsResponse struct {
	Op      string      `json:"op,omitempty"`
	Channel string      `json:"channel,omitempty"`
	Success bool        `json:"success,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func (c *Client) readPump() {
	defer func() {
		c.close()
		c.server.removeClient(c)
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.log.WithError(err).Debug("websocket read failed")
			}
			break
		}

		var req WsRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.sendError("invalid request")
			continue
		}

		c.handleRequest(&req)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleRequest(req *WsRequest) {
	switch req.Op {
	case "subscribe":
		c.subscribe(req.Channel)
	case "unsubscribe":
		c.unsubscribe(req.Channel)
	case "ping":
		c.sendResponse(&WsResponse{Op: "pong"})
	default:
		c.sendError("unknown op")
	}
}

func (c *Client) subscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if channel == "" {
		c.sendError("channel required")
		return
	}
	if len(channel) > 128 {
		c.sendError("channel too long")
		return
	}
	normalized, err := validateChannel(channel)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	if _, exists := c.subscriptions[normalized]; exists {
		c.sendResponse(&WsResponse{Op: "subscribe", Channel: normalized, Success: true})
		return
	}
	if max := c.server.cfg.MaxSubscriptionsPerConn; max > 0 && len(c.subscriptions) >= max {
		c.sendError("too many subscriptions")
		return
	}

	c.subscriptions[normalized] = struct{}{}
	c.sendResponse(&WsResponse{Op: "subscribe", Channel: normalized, Success: true})
}

func (c *Client) unsubscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	normalized, err := validateChannel(channel)
	if err != nil {
		normalized = channel
	}
	delete(c.subscriptions, normalized)
	c.sendResponse(&WsResponse{Op: "unsubscribe", Channel: normalized, Success: true})
}

func (c *Client) subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[channel]
	return ok
}

func (c *Client) sendResponse(resp *WsResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *Client) sendError(msg string) {
	c.sendResponse(&WsResponse{Error: msg})
}

// trySend 慢客户端丢弃消息，不阻塞广播方
func (c *Client) trySend(data []byte) {
	select {
	case <-c.closed:
		return
	default:
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

func (s *Server) removeClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		c.close()
	}
}

// BroadcastOrder 推送进件成功的订单：全量频道 + 按合作方频道
func (s *Server) BroadcastOrder(o repository.OrderEvent) {
	s.deliver(ChannelOrders, o)
	s.deliver(PartnerChannel(o.PartnerID), o)
}

// BroadcastError 推送被拒事件
func (s *Server) BroadcastError(data any) {
	s.deliver(ChannelErrors, data)
}

func (s *Server) deliver(channel string, data any) {
	msg, err := json.Marshal(&WsResponse{Channel: channel, Data: data})
	if err != nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for client := range s.clients {
		if client.subscribed(channel) {
			client.trySend(msg)
		}
	}
}

// ClientCount 在线连接数
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// CloseAll 关闭所有连接
func (s *Server) CloseAll() {
	s.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c.conn)
	}
	s.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

func allowOrigin(r *http.Request, allowed []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients usually don't send Origin.
		return true
	}
	for _, o := range allowed {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// validateChannel 校验并归一频道名。
// 形态：feed.orders | feed.errors | feed.<PARTNER_ID>.orders
func validateChannel(channel string) (string, error) {
	switch channel {
	case ChannelOrders, ChannelErrors:
		return channel, nil
	}
	parts := strings.Split(channel, ".")
	if len(parts) != 3 || parts[0] != "feed" || parts[2] != "orders" {
		return "", fmt.Errorf("invalid channel")
	}
	partner, ok := repository.ParsePartnerID(parts[1])
	if !ok {
		return "", fmt.Errorf("invalid partner")
	}
	return PartnerChannel(partner), nil
}
