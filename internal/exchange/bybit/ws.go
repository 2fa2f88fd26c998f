package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/halcyontrade/perpexec/internal/domain"
)

const (
	// wsWriteWait is the time allowed to write a message to the peer.
	wsWriteWait = 10 * time.Second

	// wsReadWait is the read deadline; the venue answers pings well within it.
	wsReadWait = 60 * time.Second

	// wsPingPeriod sends protocol-level pings at this interval.
	wsPingPeriod = 20 * time.Second

	// wsReconnectDelay is the base delay before attempting to reconnect.
	wsReconnectDelay = time.Second

	// wsMaxReconnectDelay caps the exponential backoff for reconnection.
	wsMaxReconnectDelay = 60 * time.Second

	// wsAuthWindow is how far in the future the auth expires timestamp sits.
	wsAuthWindow = 10 * time.Second
)

// TopicHandler receives the raw data array of one private topic message.
type TopicHandler func(topic string, data json.RawMessage, tsMs int64)

// ConnHandler is notified on connect and disconnect transitions.
type ConnHandler func(connected bool)

// PrivateWS is the authenticated Bybit WebSocket: order, execution,
// position, and wallet updates.
type PrivateWS struct {
	wsURL     string
	apiKey    string
	apiSecret string
	logger    *slog.Logger

	mu     sync.RWMutex
	conn   *websocket.Conn
	closed bool
	topics []string

	handlerMu    sync.RWMutex
	handlers     []TopicHandler
	connHandlers []ConnHandler

	done chan struct{}
}

// NewPrivateWS creates a private WebSocket client. Topics are subscribed on
// Connect and restored after every reconnect.
func NewPrivateWS(wsURL, apiKey, apiSecret string, topics []string, logger *slog.Logger) *PrivateWS {
	return &PrivateWS{
		wsURL:     wsURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		topics:    topics,
		logger:    logger.With(slog.String("component", "bybit_ws")),
		done:      make(chan struct{}),
	}
}

// OnTopic registers a handler for every private topic message.
func (w *PrivateWS) OnTopic(h TopicHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.handlers = append(w.handlers, h)
}

// OnConnChange registers a handler for connect and disconnect transitions.
func (w *PrivateWS) OnConnChange(h ConnHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.connHandlers = append(w.connHandlers, h)
}

// Connect dials, authenticates, and subscribes. Read and ping loops run in
// their own goroutines until disconnect or Close.
func (w *PrivateWS) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("bybit/ws: %w", domain.ErrWSDisconnect)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("bybit/ws: connect: %w", err)
	}
	w.conn = conn

	conn.SetReadDeadline(time.Now().Add(wsReadWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadWait))
		return nil
	})

	if err := w.authenticate(conn); err != nil {
		conn.Close()
		w.conn = nil
		return err
	}
	if err := w.subscribe(conn); err != nil {
		conn.Close()
		w.conn = nil
		return err
	}

	go w.readLoop(conn)
	go w.pingLoop(conn)

	w.notifyConn(true)
	return nil
}

// Close shuts the connection down permanently.
func (w *PrivateWS) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)

	if w.conn != nil {
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}
	return nil
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

func (w *PrivateWS) authenticate(conn *websocket.Conn) error {
	expires := time.Now().Add(wsAuthWindow).UnixMilli()
	cmd := map[string]any{
		"op":   "auth",
		"args": []any{w.apiKey, expires, wsSignature(w.apiSecret, expires)},
	}
	if err := writeJSON(conn, cmd); err != nil {
		return fmt.Errorf("bybit/ws: auth: %w", err)
	}
	return nil
}

func (w *PrivateWS) subscribe(conn *websocket.Conn) error {
	if len(w.topics) == 0 {
		return nil
	}
	args := make([]any, len(w.topics))
	for i, t := range w.topics {
		args[i] = t
	}
	cmd := map[string]any{"op": "subscribe", "args": args}
	if err := writeJSON(conn, cmd); err != nil {
		return fmt.Errorf("bybit/ws: subscribe: %w", err)
	}
	return nil
}

func (w *PrivateWS) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		select {
		case <-w.done:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				return
			default:
			}
			w.logger.Warn("read failed, reconnecting", slog.Any("error", err))
			w.notifyConn(false)
			w.reconnect()
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsReadWait))
		w.handleMessage(message)
	}
}

func (w *PrivateWS) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			// The venue expects an op-level ping, not a control frame.
			if err := writeJSON(conn, map[string]any{"op": "ping"}); err != nil {
				return
			}
		}
	}
}

func (w *PrivateWS) handleMessage(raw []byte) {
	var envelope struct {
		Op      string          `json:"op"`
		Success *bool           `json:"success"`
		RetMsg  string          `json:"ret_msg"`
		Topic   string          `json:"topic"`
		TsMs    int64           `json:"creationTime"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return
	}

	if envelope.Op != "" {
		if envelope.Success != nil && !*envelope.Success {
			w.logger.Warn("command rejected",
				slog.String("op", envelope.Op),
				slog.String("ret_msg", envelope.RetMsg),
			)
		}
		return
	}
	if envelope.Topic == "" {
		return
	}

	w.handlerMu.RLock()
	handlers := w.handlers
	w.handlerMu.RUnlock()

	for _, h := range handlers {
		h(envelope.Topic, envelope.Data, envelope.TsMs)
	}
}

// reconnect blocks until a new connection is up or the client is closed.
// Backoff doubles from one second up to a minute, with jitter.
func (w *PrivateWS) reconnect() {
	delay := wsReconnectDelay

	for {
		select {
		case <-w.done:
			return
		default:
		}

		jittered := time.Duration(float64(delay) * (0.9 + 0.2*rand.Float64()))
		time.Sleep(jittered)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := w.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		w.logger.Warn("reconnect failed", slog.Any("error", err))

		delay *= 2
		if delay > wsMaxReconnectDelay {
			delay = wsMaxReconnectDelay
		}
	}
}

func (w *PrivateWS) notifyConn(connected bool) {
	w.handlerMu.RLock()
	handlers := w.connHandlers
	w.handlerMu.RUnlock()
	for _, h := range handlers {
		h(connected)
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
