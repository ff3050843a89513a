package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/logging"
)

const (
	writeWait         = 5 * time.Second
	defaultPingWindow = 45 * time.Second
)

var (
	ErrNotConnected       = errors.New("messaging channel not connected")
	ErrQueueFull          = errors.New("messaging channel write queue full")
	ErrConnectRefused     = errors.New("namespace connect refused")
	ErrServerDisconnect   = errors.New("disconnected by server")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	errUnexpectedPacket   = errors.New("unexpected packet during handshake")
)

// Handler receives channel lifecycle and server events. Calls are made
// sequentially from the reading goroutine, in delivery order.
type Handler interface {
	OnConnect(id string)
	OnDisconnect(reason string)
	OnConnectError(err error)
	OnEvent(name string, payload json.RawMessage)
}

// Options configures the Socket.IO client.
type Options struct {
	URL               string
	Namespace         string
	HandshakeTimeout  time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	WriteQueue        int
}

// Client is a Socket.IO v5 client over a websocket transport.
type Client struct {
	opts   Options
	dialer *websocket.Dialer
	logger *zap.Logger

	mu   sync.RWMutex
	conn *connection
}

// NewClient constructs a client. Nothing is dialed until Run.
func NewClient(opts Options, logger *zap.Logger) *Client {
	if opts.Namespace == "" {
		opts.Namespace = defaultNamespace
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.ReconnectMaxDelay < opts.ReconnectDelay {
		opts.ReconnectMaxDelay = opts.ReconnectDelay
	}
	if opts.WriteQueue <= 0 {
		opts.WriteQueue = 64
	}
	return &Client{
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		logger: logger.Named("channel"),
	}
}

// ID returns the current connection id, empty while disconnected.
func (c *Client) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return ""
	}
	return c.conn.id
}

// Connected reports whether a namespace connection is up.
func (c *Client) Connected() bool {
	return c.ID() != ""
}

// Emit queues an event for the write pump without blocking.
func (c *Client) Emit(event string, payload any) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	frame, err := EncodeEvent(c.opts.Namespace, event, payload)
	if err != nil {
		return err
	}

	select {
	case <-conn.done:
		return ErrNotConnected
	default:
	}

	select {
	case conn.send <- frame:
		return nil
	case <-conn.done:
		return ErrNotConnected
	default:
		return ErrQueueFull
	}
}

// Run keeps the channel connected until ctx is cancelled, the server
// disconnects the namespace, or the reconnect budget is spent.
func (c *Client) Run(ctx context.Context, h Handler) error {
	backoff := c.opts.ReconnectDelay
	attempt := 0
	for {
		connected, err := c.session(ctx, h)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrServerDisconnect) {
			return err
		}
		if connected {
			attempt = 0
			backoff = c.opts.ReconnectDelay
		}

		attempt++
		if attempt > c.opts.ReconnectAttempts {
			return logging.NewOperationError("channel.reconnect", "", fmt.Errorf("%w: %v", ErrReconnectExhausted, err))
		}

		c.logger.Warn("messaging channel lost, reconnecting",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if next := backoff * 2; next <= c.opts.ReconnectMaxDelay {
			backoff = next
		} else {
			backoff = c.opts.ReconnectMaxDelay
		}
	}
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// session runs one transport connection. connected reports whether the
// namespace handshake completed, which resets the reconnect budget.
func (c *Client) session(ctx context.Context, h Handler) (bool, error) {
	endpoint, err := c.endpoint()
	if err != nil {
		wrapped := logging.NewOperationError("channel.endpoint", "", err)
		h.OnConnectError(wrapped)
		return false, wrapped
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	ws, _, err := c.dialer.DialContext(dialCtx, endpoint, nil)
	cancel()
	if err != nil {
		wrapped := logging.NewOperationError("channel.dial", "", err)
		c.logger.Error("messaging channel dial failed", append(logging.ErrorFields(wrapped), zap.String("url", c.opts.URL))...)
		h.OnConnectError(wrapped)
		return false, wrapped
	}

	conn := &connection{
		ws:   ws,
		send: make(chan []byte, c.opts.WriteQueue),
		done: make(chan struct{}),
	}
	handshook := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.write(EncodeDisconnect(c.opts.Namespace))
			conn.close()
		case <-handshook:
		case <-conn.done:
		}
	}()

	open, id, err := c.handshake(conn)
	close(handshook)
	if err != nil {
		conn.close()
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		wrapped := logging.NewOperationError("channel.handshake", "", err)
		c.logger.Error("messaging channel handshake failed", logging.ErrorFields(wrapped)...)
		h.OnConnectError(wrapped)
		return false, wrapped
	}

	conn.id = id
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go conn.writePump(ctx, c.opts.Namespace)
	c.logger.Info("messaging channel connected", zap.String("connection_id", id))
	h.OnConnect(id)

	reason, err := c.readLoop(ctx, conn, open, h)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.close()

	c.logger.Info("messaging channel disconnected", zap.String("connection_id", id), zap.String("reason", reason))
	h.OnDisconnect(reason)
	return true, err
}

func (c *Client) handshake(conn *connection) (OpenPayload, string, error) {
	var open OpenPayload
	_ = conn.ws.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout))

	pkt, err := conn.read()
	if err != nil {
		return open, "", err
	}
	if pkt.Type != EngineOpen {
		return open, "", fmt.Errorf("%w: expected open, got %q", errUnexpectedPacket, pkt.Type)
	}
	if err := json.Unmarshal(pkt.Data, &open); err != nil {
		return open, "", fmt.Errorf("decode open payload: %w", err)
	}

	if err := conn.write(EncodeConnect(c.opts.Namespace)); err != nil {
		return open, "", err
	}

	for {
		pkt, err := conn.read()
		if err != nil {
			return open, "", err
		}
		switch {
		case pkt.Type == EnginePing:
			if err := conn.write(EncodePong()); err != nil {
				return open, "", err
			}
		case pkt.Type == EngineClose:
			return open, "", fmt.Errorf("%w: engine closed", errUnexpectedPacket)
		case pkt.Type != EngineMessage || pkt.Namespace != c.opts.Namespace:
			continue
		case pkt.Message == MessageConnect:
			var payload ConnectPayload
			if err := json.Unmarshal(pkt.Data, &payload); err != nil || payload.SID == "" {
				return open, "", fmt.Errorf("%w: connect without sid", errUnexpectedPacket)
			}
			return open, payload.SID, nil
		case pkt.Message == MessageConnectError:
			return open, "", fmt.Errorf("%w: %s", ErrConnectRefused, connectErrorMessage(pkt.Data))
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *connection, open OpenPayload, h Handler) (string, error) {
	window := time.Duration(open.PingInterval+open.PingTimeout) * time.Millisecond
	if window <= 0 {
		window = defaultPingWindow
	}

	for {
		_ = conn.ws.SetReadDeadline(time.Now().Add(window))
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ReasonClientDisconnect, nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return ReasonPingTimeout, err
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ReasonTransportClose, err
			}
			return ReasonTransportError, err
		}

		pkt, err := Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed packet", zap.Error(err))
			continue
		}

		switch pkt.Type {
		case EnginePing:
			if err := conn.write(EncodePong()); err != nil {
				return ReasonTransportError, err
			}
		case EngineClose:
			return ReasonTransportClose, errors.New("engine closed by server")
		case EngineMessage:
			if pkt.Namespace != c.opts.Namespace {
				continue
			}
			switch pkt.Message {
			case MessageEvent:
				h.OnEvent(pkt.Event, pkt.Payload())
			case MessageDisconnect:
				return ReasonServerDisconnect, ErrServerDisconnect
			}
		}
	}
}

func connectErrorMessage(data json.RawMessage) string {
	var structured struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &structured); err == nil && structured.Message != "" {
		return structured.Message
	}
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil && plain != "" {
		return plain
	}
	return string(data)
}

type connection struct {
	ws        *websocket.Conn
	id        string
	send      chan []byte
	done      chan struct{}
	wmu       sync.Mutex
	closeOnce sync.Once
}

func (c *connection) read() (Packet, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return Packet{}, err
	}
	return Decode(data)
}

func (c *connection) write(frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// writePump owns the connection once the namespace is joined. When ctx ends
// it writes whatever is still queued, then leaves the namespace and closes.
func (c *connection) writePump(ctx context.Context, namespace string) {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				c.close()
				return
			}
		case <-ctx.Done():
			c.flush()
			_ = c.write(EncodeDisconnect(namespace))
			c.close()
			return
		}
	}
}

func (c *connection) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
