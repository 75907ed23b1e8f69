package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hitoshi/safetrack/internal/model"
)

const (
	// defaultSendBuffer はコネクションごとの送信キューの長さのデフォルト値。
	defaultSendBuffer = 64
	// maxMessageSize は受信メッセージの最大サイズ。
	maxMessageSize = 64 * 1024
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
)

// ErrSendBufferFull は送信キューが満杯でイベントを破棄したことを示す。
var ErrSendBufferFull = errors.New("send buffer full")

// ErrConnectionClosed は切断済みのコネクションへの送信を示す。
var ErrConnectionClosed = errors.New("connection closed")

// wsConnection はWebSocketコネクションをpresence.Connectionとして扱うアダプタ。
// Sendはキューへの投入のみを行い、書き込みはwritePumpが担う。
type wsConnection struct {
	id   string
	conn *websocket.Conn
	send chan model.Event

	closeOnce sync.Once
	done      chan struct{}
}

func newWSConnection(conn *websocket.Conn, buffer int) *wsConnection {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &wsConnection{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan model.Event, buffer),
		done: make(chan struct{}),
	}
}

// ID はコネクションの識別子を返す。
func (c *wsConnection) ID() string { return c.id }

// Send はイベントを送信キューに投入する。キューが満杯の場合はブロックせずに破棄する。
func (c *wsConnection) Send(ctx context.Context, event model.Event) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- event:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

func (c *wsConnection) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// writePump は送信キューのイベントを順にコネクションへ書き込む。
// 書き込みに失敗した場合、またはcloseが呼ばれた場合はコネクションを閉じる。
func (c *wsConnection) writePump(logger *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case event := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(event); err != nil {
				logger.Debug("WebSocketへの書き込みに失敗しました",
					slog.String("connection_id", c.id),
					slog.String("error", err.Error()),
				)
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

// WebSocketHandler はGET /wsでWebSocketへアップグレードし、受信イベントをDispatcherへ渡す。
type WebSocketHandler struct {
	dispatcher *Dispatcher
	upgrader   websocket.Upgrader
	sendBuffer int
	logger     *slog.Logger
}

// NewWebSocketHandler はWebSocketHandlerを生成する。
// allowedOriginが空の場合はOriginヘッダーを検証しない。
func NewWebSocketHandler(dispatcher *Dispatcher, allowedOrigin string, sendBuffer int, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowedOrigin == "" || origin == "" || origin == allowedOrigin
			},
		},
		sendBuffer: sendBuffer,
		logger:     logger,
	}
}

// ServeHTTP はコネクションが切断されるまで受信ループを実行する。
// 同一コネクションのイベントは受信順に1件ずつ処理する。
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocketへのアップグレードに失敗しました", slog.String("error", err.Error()))
		return
	}

	conn := newWSConnection(ws, h.sendBuffer)
	client := NewClient(conn)
	go conn.writePump(h.logger)

	h.logger.Info("WebSocketクライアントが接続しました", slog.String("connection_id", conn.id))

	defer func() {
		h.dispatcher.Disconnect(client)
		conn.close()
		h.logger.Info("WebSocketクライアントが切断しました",
			slog.String("connection_id", conn.id),
			slog.String("user", client.User()),
		)
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx := r.Context()
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("WebSocketの読み込みを終了しました",
					slog.String("connection_id", conn.id),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		h.dispatcher.Dispatch(ctx, client, msg)
	}
}
