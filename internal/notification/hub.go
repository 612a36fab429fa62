package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nao1215/sitealert/pkg/logger"
	"github.com/nao1215/sitealert/pkg/middleware"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 16
)

// Hub はこのインスタンスに接続しているWebSocketクライアントを管理する。
// 1ユーザーが複数の端末から接続している場合はすべてに配信する。
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*wsClient]struct{}
	upgrader websocket.Upgrader
	gauge    prometheus.Gauge

	// onConnect は接続登録時に呼ばれる。Redisのプレゼンス更新に使う。
	onConnect func(userID string)
}

// wsClient はWebSocket接続1本。書き込みはwritePumpのみが行う。
type wsClient struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
	once   sync.Once
}

// NewHub はHubを生成する。gaugeには接続数を記録する（nil可）。
// allowedOrigins はWebSocketのアップグレードを許可するOriginで、"*" は全オリジンを許可する。
// 省略した場合は同一ホストからの接続のみ受け付ける。
func NewHub(gauge prometheus.Gauge, allowedOrigins ...string) *Hub {
	return &Hub{
		clients: make(map[string]map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		gauge: gauge,
	}
}

// originChecker はアップグレード要求のOriginヘッダーを検証する関数を返す。
// アップグレードはCORSのプリフライトを経ないため、CORSミドルウェアとは別にここで検証する。
// Originを送らないクライアント（ブラウザ以外）は許可する。
func originChecker(allowedOrigins []string) func(*http.Request) bool {
	if len(allowedOrigins) == 0 {
		return nil
	}
	allowed := middleware.OriginMatcher(allowedOrigins)
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed(origin)
	}
}

// Serve はHTTP接続をWebSocketにアップグレードし、userIDの接続として登録する。
// 接続が閉じるまでブロックしない。
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("WebSocketへのアップグレードに失敗: %w", err)
	}

	c := &wsClient{userID: userID, conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(c)

	go h.writePump(c)
	go h.readPump(c)
	return nil
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*wsClient]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
	onConnect := h.onConnect
	h.mu.Unlock()

	if h.gauge != nil {
		h.gauge.Inc()
	}
	if onConnect != nil {
		onConnect(c.userID)
	}
	slog.Debug("WebSocket接続を登録しました", slog.String("user_id", c.userID))
}

func (h *Hub) unregister(c *wsClient) {
	c.once.Do(func() {
		h.mu.Lock()
		if set, ok := h.clients[c.userID]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.clients, c.userID)
			}
		}
		h.mu.Unlock()

		close(c.send)
		if h.gauge != nil {
			h.gauge.Dec()
		}
	})
}

// readPump はクライアントからの受信を読み捨て、pongで生存確認を行う。
func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
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

// writePump は送信キューの内容と定期的なpingを書き込む。
func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
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

// PushToUser はpayloadをJSONにしてユーザーのローカル接続すべてへ送る。
// 接続が無い場合はErrNoConnectionを返す。
func (h *Hub) PushToUser(ctx context.Context, userID string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("プッシュペイロードのシリアライズに失敗: %w", err)
	}
	if h.Deliver(ctx, userID, b) == 0 {
		return ErrNoConnection
	}
	return nil
}

// Deliver はシリアライズ済みのメッセージをユーザーのローカル接続へ送り、送信できた接続数を返す。
// 送信キューが詰まっている接続はスキップする。
func (h *Hub) Deliver(ctx context.Context, userID string, msg []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for c := range h.clients[userID] {
		select {
		case c.send <- msg:
			sent++
		default:
			logger.From(ctx).Warn("送信キューが満杯のためプッシュをスキップしました", slog.String("user_id", userID))
		}
	}
	return sent
}

// Connected はユーザーのローカル接続数を返す。
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Users はローカル接続を持つユーザーIDの一覧を返す。
func (h *Hub) Users() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.clients))
	for id := range h.clients {
		out = append(out, id)
	}
	return out
}

// Close はすべての接続を閉じる。
func (h *Hub) Close() {
	h.mu.RLock()
	var all []*wsClient
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		h.unregister(c)
	}
}
