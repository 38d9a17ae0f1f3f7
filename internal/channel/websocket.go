package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"chat-sync/internal/models"
	"chat-sync/internal/types"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

type WebSocketOption func(*WebSocketChannel)

func WithDialer(d *websocket.Dialer) WebSocketOption {
	return func(w *WebSocketChannel) { w.dialer = d }
}

// WithToken sends the token as a bearer Authorization header on the handshake.
func WithToken(token string) WebSocketOption {
	return func(w *WebSocketChannel) { w.token = token }
}

// WebSocketChannel carries {sender, text, timestamp} envelopes over
// ws(s)://host/ws/chat/{room}/?user={id}.
type WebSocketChannel struct {
	baseURL string
	token   string
	dialer  *websocket.Dialer
	log     zerolog.Logger

	mu     sync.RWMutex
	state  State
	gen    uint64
	roomID string
	conn   *conn
}

// conn is one established transport. Its pumps exit when done is closed.
type conn struct {
	ws      *websocket.Conn
	roomID  string
	handler Handler
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func NewWebSocketChannel(baseURL string, log zerolog.Logger, opts ...WebSocketOption) *WebSocketChannel {
	w := &WebSocketChannel{
		baseURL: strings.TrimRight(baseURL, "/"),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		log: log.With().Str("component", "live-channel").Logger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *WebSocketChannel) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *WebSocketChannel) Connect(ctx context.Context, roomID, userID string, handler Handler) error {
	w.mu.Lock()
	if w.state != Disconnected {
		bound := w.roomID
		w.mu.Unlock()
		if bound == roomID {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrAlreadyConnected, bound)
	}
	w.state = Connecting
	w.roomID = roomID
	w.gen++
	gen := w.gen
	w.mu.Unlock()

	endpoint := w.endpoint(roomID, userID)
	w.log.Debug().Str("room", roomID).Str("url", endpoint).Msg("dialing")

	ws, resp, err := w.dialer.DialContext(ctx, endpoint, w.header())
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		w.mu.Lock()
		if w.gen == gen {
			w.state = Disconnected
		}
		w.mu.Unlock()
		if resp != nil {
			return fmt.Errorf("dial room %s: %w (status %d)", roomID, err, resp.StatusCode)
		}
		return fmt.Errorf("dial room %s: %w", roomID, err)
	}

	c := &conn{
		ws:      ws,
		roomID:  roomID,
		handler: handler,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}

	w.mu.Lock()
	if w.gen != gen || w.state != Connecting {
		w.mu.Unlock()
		_ = ws.Close()
		return fmt.Errorf("%w: disconnected while dialing", ErrChannelNotReady)
	}
	w.conn = c
	w.state = Connected
	c.wg.Add(2)
	w.mu.Unlock()

	go w.readPump(c)
	go w.writePump(c)

	w.log.Info().Str("room", roomID).Str("user", userID).Msg("connected")
	return nil
}

// Send queues the envelope for the write pump. It never holds the channel
// lock while blocked, so Disconnect cannot be held up by a slow send.
func (w *WebSocketChannel) Send(ctx context.Context, msg models.Message) error {
	w.mu.RLock()
	c := w.conn
	ready := w.state == Connected && c != nil
	w.mu.RUnlock()
	if !ready {
		return ErrChannelNotReady
	}

	payload, err := json.Marshal(types.FromMessage(msg))
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrChannelNotReady
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WebSocketChannel) Disconnect() error {
	w.mu.Lock()
	c := w.conn
	w.conn = nil
	w.state = Disconnected
	w.gen++
	w.mu.Unlock()

	if c == nil {
		return nil
	}
	c.close()
	c.wg.Wait()
	w.log.Info().Str("room", c.roomID).Msg("disconnected")
	return nil
}

func (w *WebSocketChannel) endpoint(roomID, userID string) string {
	q := url.Values{"user": {userID}}
	return w.baseURL + "/ws/chat/" + url.PathEscape(roomID) + "/?" + q.Encode()
}

func (w *WebSocketChannel) header() http.Header {
	h := http.Header{}
	if w.token != "" {
		h.Set("Authorization", "Bearer "+w.token)
	}
	return h
}

// drop marks c as gone after a transport failure. Disconnect already detached
// c when the failure is of its own making, and no callback fires then.
func (w *WebSocketChannel) drop(c *conn, err error) {
	c.close()

	w.mu.Lock()
	current := w.conn == c
	if current {
		w.conn = nil
		w.state = Disconnected
	}
	w.mu.Unlock()
	if !current {
		return
	}

	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		w.log.Warn().Err(err).Str("room", c.roomID).Msg("unexpected close")
	} else {
		w.log.Info().Err(err).Str("room", c.roomID).Msg("connection closed")
	}
	c.handler.OnStateChange(Disconnected, err)
}

func (w *WebSocketChannel) readPump(c *conn) {
	defer c.wg.Done()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			w.drop(c, err)
			return
		}

		// The server batches queued envelopes into one frame, newline separated.
		for _, line := range bytes.Split(frame, []byte{'\n'}) {
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			var env types.Envelope
			if err := json.Unmarshal(line, &env); err != nil {
				w.log.Warn().Err(err).Str("room", c.roomID).Msg("invalid envelope")
				continue
			}
			select {
			case <-c.done:
				return
			default:
			}
			if env.IsSystem() {
				w.log.Info().Str("room", c.roomID).Str("text", env.Text).Msg("system notice")
				c.handler.OnNotice(env.Text)
				continue
			}
			c.handler.OnMessage(env.ToMessage(c.roomID))
		}
	}
}

func (w *WebSocketChannel) writePump(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.wg.Done()
	}()

	for {
		select {
		case <-c.done:
			return

		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				w.log.Warn().Err(err).Str("room", c.roomID).Msg("write failed")
				c.close()
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
