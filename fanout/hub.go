// Package fanout 实时推送订单状态给订阅连接。尽力而为、无缓冲回放：
// 推送只是活性辅助，权威状态永远以订单存储为准。
package fanout

import (
	"context"
	"sync"
	"time"

	"order-router-go/infrastructure/logger"
	"order-router-go/metrics"
	"order-router-go/order"
)

// Update 广播给订阅者的状态更新。
type Update struct {
	OrderID   string                 `json:"orderId"`
	Status    order.Status           `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// UpdateMessage 线上格式。
type UpdateMessage struct {
	Type      string                 `json:"type"` // "status_update"
	OrderID   string                 `json:"orderId"`
	Status    order.Status           `json:"status"`
	Timestamp string                 `json:"timestamp"` // ISO8601
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ConnectedMessage 连接确认。
type ConnectedMessage struct {
	Type         string  `json:"type"` // "connected"
	ClientID     string  `json:"clientId"`
	SubscribedTo *string `json:"subscribedTo"`
}

// ControlMessage 客户端发来的订阅控制。
type ControlMessage struct {
	Action  string `json:"action"` // "subscribe" / "unsubscribe"
	OrderID string `json:"orderId"`
}

// session 一个已连接客户端在 Hub 里的样子。发送必须非阻塞。
type session interface {
	ID() string
	// Wants 是否订阅了该订单；无任何订阅视为全量订阅。
	Wants(orderID string) bool
	// TrySend 非阻塞投递，缓冲满返回 false。
	TrySend(msg UpdateMessage) bool
	// Shutdown 关闭发送侧，连接随之收尾。
	Shutdown()
}

// Hub 显式构造的进程级推送服务：注册表 + 广播。随容器启停，
// 不做包级全局状态。
type Hub struct {
	mu      sync.RWMutex
	clients map[string]session
	closed  bool

	logger  *logger.Logger
	metrics *metrics.Collector
}

// NewHub 创建推送中心。
func NewHub(log *logger.Logger, m *metrics.Collector) *Hub {
	if log == nil {
		log = logger.NewNop()
	}
	return &Hub{
		clients: make(map[string]session),
		logger:  log,
		metrics: m,
	}
}

// Start 目前无后台任务，留作生命周期对称。
func (h *Hub) Start(ctx context.Context) error { return nil }

// Stop 断开所有客户端。
func (h *Hub) Stop() error {
	h.mu.Lock()
	h.closed = true
	clients := make([]session, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]session)
	h.mu.Unlock()

	for _, c := range clients {
		c.Shutdown()
	}
	h.metrics.SetWSClients(0)
	return nil
}

func (h *Hub) add(c session) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[c.ID()] = c
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetWSClients(n)
	h.logger.Sugar().Debugw("client connected", "client_id", c.ID(), "clients", n)
	return true
}

// remove 断连或写失败时移除注册表项；没有服务端重连/回放。
func (h *Hub) remove(id string) {
	h.mu.Lock()
	_, ok := h.clients[id]
	delete(h.clients, id)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.metrics.SetWSClients(n)
	}
}

// Broadcast 投递到所有当前打开且订阅了该订单的连接。非阻塞：
// 客户端缓冲满直接丢，由其同步读兜底。
func (h *Hub) Broadcast(orderID string, upd Update) {
	msg := UpdateMessage{
		Type:      "status_update",
		OrderID:   orderID,
		Status:    upd.Status,
		Timestamp: upd.Timestamp.UTC().Format(time.RFC3339Nano),
		Metadata:  upd.Metadata,
	}

	h.mu.RLock()
	targets := make([]session, 0, len(h.clients))
	for _, c := range h.clients {
		if c.Wants(orderID) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	dropped := 0
	for _, c := range targets {
		if !c.TrySend(msg) {
			dropped++
		}
	}
	h.metrics.RecordBroadcast(dropped)
}

// ClientCount 当前连接数。
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
