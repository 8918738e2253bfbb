package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const outboundBacklog = 64

// DialBus connects to a windowmesh bus and joins the given channel. The
// returned transport reconnects with exponential backoff when the bus
// drops the connection; frames sent while disconnected are discarded, the
// periodic heartbeat repairs the peer's presence once the link is back.
func DialBus(busURL, channel string, logger *zap.Logger) (Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	endpoint := fmt.Sprintf("%s/channels/%s", busURL, channel)
	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial bus at %s", endpoint)
	}
	c := &busClient{
		endpoint: endpoint,
		logger:   logger.With(zap.String("bus_channel", channel)),
		conn:     conn,
		outbound: make(chan []byte, outboundBacklog),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

type busClient struct {
	endpoint string
	logger   *zap.Logger
	outbound chan []byte
	done     chan struct{}

	mtx      sync.Mutex
	conn     *websocket.Conn
	handlers []*wsHandler
	closed   bool
}

type wsHandler struct {
	fn      Handler
	removed bool
}

func (c *busClient) Broadcast(msg Message) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	c.mtx.Lock()
	closed := c.closed
	c.mtx.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case c.outbound <- payload:
		return nil
	default:
		c.logger.Warn("outbound backlog full, dropping frame",
			zap.String("message_type", string(msg.Type)))
		return nil
	}
}

func (c *busClient) OnMessage(handler Handler) func() {
	h := &wsHandler{fn: handler}
	c.mtx.Lock()
	c.handlers = append(c.handlers, h)
	c.mtx.Unlock()
	return func() {
		c.mtx.Lock()
		h.removed = true
		c.mtx.Unlock()
	}
}

func (c *busClient) Close() error {
	c.mtx.Lock()
	if c.closed {
		c.mtx.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mtx.Unlock()
	close(c.done)
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
	return nil
}

func (c *busClient) currentConn() *websocket.Conn {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.conn
}

func (c *busClient) readLoop() {
	for {
		conn := c.currentConn()
		if conn == nil {
			if !c.reconnect() {
				return
			}
			continue
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.logger.Warn("bus connection lost", zap.Error(err))
			conn.Close()
			c.mtx.Lock()
			c.conn = nil
			c.mtx.Unlock()
			continue
		}
		msg, err := Decode(payload)
		if err != nil {
			continue
		}
		c.dispatch(msg)
	}
}

func (c *busClient) reconnect() bool {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0
	for {
		wait := policy.NextBackOff()
		select {
		case <-c.done:
			return false
		case <-time.After(wait):
		}
		conn, _, err := websocket.DefaultDialer.Dial(c.endpoint, nil)
		if err != nil {
			c.logger.Warn("bus reconnection failed", zap.Error(err))
			continue
		}
		c.mtx.Lock()
		if c.closed {
			c.mtx.Unlock()
			conn.Close()
			return false
		}
		c.conn = conn
		c.mtx.Unlock()
		c.logger.Info("bus connection restored")
		return true
	}
}

func (c *busClient) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.outbound:
			conn := c.currentConn()
			if conn == nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Warn("failed to write to bus", zap.Error(err))
			}
		}
	}
}

func (c *busClient) dispatch(msg Message) {
	c.mtx.Lock()
	handlers := make([]*wsHandler, 0, len(c.handlers))
	for _, h := range c.handlers {
		if !h.removed {
			handlers = append(handlers, h)
		}
	}
	c.mtx.Unlock()
	for _, h := range handlers {
		c.invoke(h.fn, msg)
	}
}

func (c *busClient) invoke(handler Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("message handler panicked", zap.Any("panic_log", r))
		}
	}()
	handler(msg)
}
