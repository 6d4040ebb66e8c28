package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/shadoworders/keeper/internal/orders"
	"github.com/shadoworders/keeper/pkg/logger"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	sendBuffer   = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 跨域由 CORS 中间件处理
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsMessage 推送给前端的消息
type wsMessage struct {
	Type   string      `json:"type"`
	Order  interface{} `json:"order,omitempty"`
	Orders interface{} `json:"orders,omitempty"`
}

// Hub 订单事件的 websocket 广播
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*wsClient]struct{})}
}

// Run 把状态机事件转发给所有连接，直到 ctx 结束或事件通道关闭
func (h *Hub) Run(ctx context.Context, events <-chan orders.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			msg := wsMessage{Type: string(ev.Type)}
			if ev.Order != nil {
				msg.Order = viewOf(ev.Order)
			}
			h.Broadcast(msg)
		}
	}
}

// Broadcast 慢连接（发送缓冲已满）会被断开
func (h *Hub) Broadcast(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Warnf("[ws] 序列化失败: %v", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			close(c.send)
			logger.Warnf("[ws] 客户端 %s 发送缓冲已满，断开", c.id)
		}
	}
}

// Len 当前连接数
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close 断开全部连接
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// ServeWS 升级连接，首条消息为当前订单快照
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, snapshot interface{}) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnf("[ws] upgrade 失败: %v", err)
		return
	}
	c := &wsClient{id: uuid.NewString(), conn: conn, send: make(chan []byte, sendBuffer)}
	if data, err := json.Marshal(wsMessage{Type: "snapshot", Orders: snapshot}); err == nil {
		c.send <- data
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	logger.Debugf("[ws] 客户端已连接: %s (共 %d)", c.id, total)

	go c.writePump()
	go c.readPump(h)
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		logger.Debugf("[ws] 客户端已断开: %s (剩余 %d)", c.id, len(h.clients))
	}
}

// readPump 只处理 pong 和关闭，客户端消息一律忽略
func (c *wsClient) readPump(h *Hub) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
	}()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debugf("[ws] 读取错误: %v", err)
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
