package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"genflow/internal/apiserver/auth"
	"genflow/internal/apiserver/run"
	"genflow/internal/shared/eventbus"
	"genflow/internal/shared/metrics"
	"genflow/internal/shared/model"
	"genflow/internal/shared/storage"
)

// upgrader WebSocket 升级器配置（放行所有来源）
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	defaultStreamPage   = 100
	defaultPollInterval = 500 * time.Millisecond
	defaultPingInterval = 30 * time.Second
	readTimeout         = 60 * time.Second
	writeTimeout        = 10 * time.Second
)

// StreamSource 按游标读取事件页，语义与增量轮询一致
type StreamSource interface {
	Stream(ctx context.Context, owner, id string, cursor int64, limit int) (*run.PollResult, error)
}

// wsMessage 推送给客户端的消息
//
//	事件消息：{"type": "event", "data": {...}}
//	状态消息：{"type": "status", "data": {"status": "done", "done": true, "next_cursor": 12}}
type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// wsStatus Run 结束时的最后一条消息
type wsStatus struct {
	Status     string `json:"status"`
	Done       bool   `json:"done"`
	NextCursor int64  `json:"next_cursor"`
}

// wsClient 单个连接；gorilla/websocket 不允许并发写，写操作统一加锁
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *wsClient) writeControl(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, data)
}

// EventGateway WebSocket 事件网关
//
// 与增量轮询读取同一份事件日志：
//   - 从客户端给出的 cursor 开始回放
//   - 事件总线只作为唤醒信号，收到通知后重新按游标读日志，保证顺序且无缺口
//   - 没有总线通知时按固定间隔轮询日志
//   - 推送终止事件后发送 status 消息并正常关闭连接
type EventGateway struct {
	source  StreamSource
	bus     eventbus.RunEventBus
	metrics *metrics.Metrics

	pageSize     int
	pollInterval time.Duration
	pingInterval time.Duration

	clients map[string]map[*wsClient]bool // 按 RunID 索引的客户端连接
	mu      sync.RWMutex
}

// NewEventGateway 创建事件网关；bus 为空时仅轮询
func NewEventGateway(source StreamSource, bus eventbus.RunEventBus, m *metrics.Metrics) *EventGateway {
	if m == nil {
		m = metrics.NewNop()
	}
	return &EventGateway{
		source:       source,
		bus:          bus,
		metrics:      m,
		pageSize:     defaultStreamPage,
		pollInterval: defaultPollInterval,
		pingInterval: defaultPingInterval,
		clients:      make(map[string]map[*wsClient]bool),
	}
}

// HandleWebSocket 处理 WebSocket 连接请求
//
// 路由: GET /ws/runs/{id}/events?cursor=
//
// 客户端消息：
//
//	心跳：{"type": "ping"} -> 响应 {"type": "pong"}
func (g *EventGateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	owner, err := auth.OwnerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	cursor, err := parseCursor(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// 升级前先读第一页：不存在或不属于本人的 Run 直接返回 404
	page, err := g.source.Stream(r.Context(), owner, runID, cursor, g.pageSize)
	if err != nil {
		var verr *run.ValidationError
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "run not found")
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, verr.Error())
		default:
			log.Printf("[ws.stream.error] run_id=%s error=%v", runID, err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws.upgrade.error] run_id=%s error=%v", runID, err)
		return
	}
	defer conn.Close()

	c := &wsClient{conn: conn}
	g.addClient(runID, c)
	defer g.removeClient(runID, c)
	g.metrics.WSConnectionOpened()
	defer g.metrics.WSConnectionClosed()

	log.Printf("[ws.connected] run_id=%s owner=%s cursor=%d", runID, owner, cursor)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go g.readPump(c, cancel)
	g.writePump(ctx, c, owner, runID, page)
}

// parseCursor 读取 cursor 查询参数（兼容 from_seq）
func parseCursor(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("cursor")
	if raw == "" {
		raw = r.URL.Query().Get("from_seq")
	}
	if raw == "" {
		return 0, nil
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || cursor < 0 {
		return 0, errors.New("cursor must be a non-negative integer")
	}
	return cursor, nil
}

func (g *EventGateway) addClient(runID string, c *wsClient) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.clients[runID] == nil {
		g.clients[runID] = make(map[*wsClient]bool)
	}
	g.clients[runID][c] = true
}

func (g *EventGateway) removeClient(runID string, c *wsClient) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if clients, ok := g.clients[runID]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(g.clients, runID)
		}
	}
}

// ClientCount 返回指定 Run 当前的连接数
func (g *EventGateway) ClientCount(runID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients[runID])
}

// CloseAll 向所有连接发送关闭帧（http.Server.Shutdown 不会关闭已劫持的连接）
func (g *EventGateway) CloseAll() {
	g.mu.RLock()
	var all []*wsClient
	for _, clients := range g.clients {
		for c := range clients {
			all = append(all, c)
		}
	}
	g.mu.RUnlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range all {
		c.writeControl(websocket.CloseMessage, msg)
		c.conn.Close()
	}
}

// readPump 读取客户端消息；连接断开时取消写循环
func (g *EventGateway) readPump(c *wsClient, cancel context.CancelFunc) {
	defer cancel()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[ws.read.error] error=%v", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))

		var req wsMessage
		if json.Unmarshal(msg, &req) != nil {
			continue
		}
		if req.Type != "ping" {
			g.metrics.RecordWSMessage("in", "other")
			continue
		}
		g.metrics.RecordWSMessage("in", "ping")
		if err := c.writeJSON(wsMessage{Type: "pong"}); err != nil {
			return
		}
		g.metrics.RecordWSMessage("out", "pong")
	}
}

// writePump 推送事件直到 Run 结束或连接断开
func (g *EventGateway) writePump(ctx context.Context, c *wsClient, owner, runID string, page *run.PollResult) {
	var wake <-chan struct{}
	if g.bus != nil {
		events, err := g.bus.SubscribeRunEvents(ctx, runID)
		if err != nil {
			log.Printf("[ws.subscribe.error] run_id=%s error=%v, falling back to polling", runID, err)
		} else {
			wake = drain(events)
		}
	}

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()
	pingTicker := time.NewTicker(g.pingInterval)
	defer pingTicker.Stop()

	var cursor int64
	for {
		if err := g.send(c, page); err != nil {
			log.Printf("[ws.write.error] run_id=%s error=%v", runID, err)
			return
		}
		if page.Done {
			c.writeControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
			log.Printf("[ws.finished] run_id=%s status=%s next_cursor=%d", runID, page.Status, page.NextCursor)
			return
		}
		cursor = page.NextCursor

		// 满页说明还有积压，直接读下一页
		if len(page.Items) < g.pageSize {
			if !g.wait(ctx, c, wake, ticker.C, pingTicker.C) {
				return
			}
		}

		next, err := g.source.Stream(ctx, owner, runID, cursor, g.pageSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, storage.ErrNotFound) {
				log.Printf("[ws.run.deleted] run_id=%s", runID)
				return
			}
			log.Printf("[ws.stream.error] run_id=%s cursor=%d error=%v", runID, cursor, err)
			next = &run.PollResult{RunID: runID, NextCursor: cursor}
		}
		page = next
	}
}

// wait 阻塞到收到唤醒、轮询间隔到期或连接结束；返回 false 表示应退出
func (g *EventGateway) wait(ctx context.Context, c *wsClient, wake <-chan struct{}, tick, ping <-chan time.Time) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ping:
			if err := c.writeControl(websocket.PingMessage, nil); err != nil {
				return false
			}
		case <-wake:
			return true
		case <-tick:
			return true
		}
	}
}

// send 推送一页事件；Run 已结束时追加 status 消息
func (g *EventGateway) send(c *wsClient, page *run.PollResult) error {
	for _, event := range page.Items {
		if err := c.writeJSON(wsMessage{Type: "event", Data: event}); err != nil {
			return err
		}
		g.metrics.RecordWSMessage("out", "event")
	}
	if !page.Done {
		return nil
	}
	err := c.writeJSON(wsMessage{Type: "status", Data: wsStatus{
		Status:     string(page.Status),
		Done:       true,
		NextCursor: page.NextCursor,
	}})
	if err == nil {
		g.metrics.RecordWSMessage("out", "status")
	}
	return err
}

// drain 把总线事件折叠成唤醒信号，总线积压时不阻塞发布方
func drain(events <-chan *model.Event) <-chan struct{} {
	wake := make(chan struct{}, 1)
	go func() {
		for range events {
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}()
	return wake
}
