package interfaces

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"nexus-shipping/internal/pkg/logger"
	"nexus-shipping/internal/service/shipping/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool { // 简化处理，允许所有跨域
		return true
	},
}

// EventHub 维护所有订阅中的 websocket 连接，按聚合ID分组广播 shipping 事件。
// 它实现了 port.EventPublisher。
type EventHub struct {
	clients map[string]map[string]*wsClient // aggregateID -> clientID -> client
	lock    sync.RWMutex
}

func NewEventHub() *EventHub {
	return &EventHub{clients: make(map[string]map[string]*wsClient)}
}

// wsClient 是一个 WebSocket 连接的代表
type wsClient struct {
	id          string
	aggregateID string
	hub         *EventHub
	conn        *websocket.Conn
	send        chan []byte
	closeOnce   sync.Once
}

// Publish 把事件推送给订阅了该聚合的所有连接。慢连接的缓冲区满时丢弃该事件。
func (h *EventHub) Publish(ctx context.Context, event domain.ShippingEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	h.lock.RLock()
	defer h.lock.RUnlock()
	for _, c := range h.clients[event.AggregateID] {
		select {
		case c.send <- payload:
		default:
			logger.Ctx(ctx).Warn().Str("client_id", c.id).Str("aggregate_id", event.AggregateID).Msg("Websocket client too slow, event dropped")
		}
	}
	return nil
}

// Subscribers 返回某个聚合当前的订阅数
func (h *EventHub) Subscribers(aggregateID string) int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.clients[aggregateID])
}

func (h *EventHub) register(c *wsClient) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.clients[c.aggregateID] == nil {
		h.clients[c.aggregateID] = make(map[string]*wsClient)
	}
	h.clients[c.aggregateID][c.id] = c
}

func (h *EventHub) unregister(c *wsClient) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if group, ok := h.clients[c.aggregateID]; ok {
		if _, ok := group[c.id]; ok {
			delete(group, c.id)
			c.closeOnce.Do(func() { close(c.send) })
		}
		if len(group) == 0 {
			delete(h.clients, c.aggregateID)
		}
	}
}

// ServeWs 把 HTTP 连接升级为 websocket 并订阅 {aggregate} 的事件
func (h *EventHub) ServeWs(w http.ResponseWriter, r *http.Request) {
	aggregateID := mux.Vars(r)["aggregate"]
	if aggregateID == "" {
		http.Error(w, "aggregate is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Ctx(r.Context()).Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	client := &wsClient{
		id:          uuid.NewString(),
		aggregateID: aggregateID,
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
	}
	h.register(client)
	logger.Ctx(r.Context()).Info().Str("client_id", client.id).Str("aggregate_id", aggregateID).Msg("Websocket client subscribed")

	go client.writePump()
	go client.readPump()
}

// writePump 把 send 中的消息写入连接，并定期发送 ping
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
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
				c.hub.unregister(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.unregister(c)
				return
			}
		}
	}
}

// readPump 只处理心跳；连接断开时注销客户端
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
