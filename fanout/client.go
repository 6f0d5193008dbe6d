package fanout

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 16
)

// Client 一条 websocket 连接。订阅集合为空表示接收全部订单的更新。
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn

	mu   sync.RWMutex
	subs map[string]bool

	send chan UpdateMessage
	done chan struct{}
	once sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn, initialOrderID string) *Client {
	c := &Client{
		id:   uuid.NewString(),
		hub:  hub,
		conn: conn,
		subs: make(map[string]bool),
		send: make(chan UpdateMessage, sendBuffer),
		done: make(chan struct{}),
	}
	if initialOrderID != "" {
		c.subs[initialOrderID] = true
	}
	return c
}

func (c *Client) ID() string { return c.id }

func (c *Client) Wants(orderID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.subs) == 0 {
		return true
	}
	return c.subs[orderID]
}

// TrySend 非阻塞投递。send 永远不关闭，客户端下线用 done 信号，
// 避免广播快照里残留的会话往已关闭的 channel 发送。
func (c *Client) TrySend(msg UpdateMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) Shutdown() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) subscribe(orderID string) {
	c.mu.Lock()
	c.subs[orderID] = true
	c.mu.Unlock()
}

func (c *Client) unsubscribe(orderID string) {
	c.mu.Lock()
	delete(c.subs, orderID)
	c.mu.Unlock()
}

// writePump 串行写连接；写失败即退出，由 readPump 收尾注销。
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 处理订阅控制消息与 pong，连接错误时注销客户端。
func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c.id)
		c.Shutdown()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		var ctl ControlMessage
		if err := c.conn.ReadJSON(&ctl); err != nil {
			return
		}
		if ctl.OrderID == "" {
			continue
		}
		switch ctl.Action {
		case "subscribe":
			c.subscribe(ctl.OrderID)
		case "unsubscribe":
			c.unsubscribe(ctl.OrderID)
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 推送端点本身不做跨域限制，外层请求层负责鉴权
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler websocket 升级入口。?orderId=xxx 在连接时绑定订阅。
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.LogError(err, map[string]interface{}{"action": "ws_upgrade"})
			return
		}

		orderID := r.URL.Query().Get("orderId")
		client := newClient(h, conn, orderID)
		if !h.add(client) {
			conn.Close()
			return
		}

		var subscribedTo *string
		if orderID != "" {
			subscribedTo = &orderID
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ConnectedMessage{
			Type:         "connected",
			ClientID:     client.id,
			SubscribedTo: subscribedTo,
		}); err != nil {
			h.remove(client.id)
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}
