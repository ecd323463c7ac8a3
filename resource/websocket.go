package resource

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-resilience/types"
	"github.com/saiset-co/sai-resilience/utils"
)

const (
	writeWait = 10 * time.Second
	closeWait = time.Second
)

type MessageHandler func(messageType int, data []byte)

type WebSocketConfig struct {
	Handler          MessageHandler
	Header           http.Header
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
}

// WebSocketConnection is a shared client connection. Incoming messages go to
// the current handler, which may be swapped while the connection is live.
type WebSocketConnection struct {
	id      string
	url     string
	conn    *websocket.Conn
	logger  types.Logger
	handler atomic.Pointer[MessageHandler]

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	lost      atomic.Bool
}

// DialWebSocket returns a Factory that treats the key as a ws:// or wss://
// URL. config may be nil, a *WebSocketConfig or a MessageHandler; zero
// timeouts come from defaults.
func DialWebSocket(logger types.Logger, defaults *types.ResourcesConfig) Factory {
	return func(ctx context.Context, key string, config interface{}) (Resource, error) {
		wsConfig, err := toWebSocketConfig(config)
		if err != nil {
			return nil, err
		}

		if defaults != nil {
			if wsConfig.HandshakeTimeout <= 0 {
				wsConfig.HandshakeTimeout = defaults.HandshakeTimeout
			}
			if wsConfig.PingInterval <= 0 {
				wsConfig.PingInterval = defaults.PingInterval
			}
		}

		dialer := &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: wsConfig.HandshakeTimeout,
		}

		conn, _, err := dialer.DialContext(ctx, key, wsConfig.Header)
		if err != nil {
			return nil, types.WrapError(err, "failed to dial WebSocket server")
		}

		c := &WebSocketConnection{
			id:     uuid.New().String(),
			url:    key,
			conn:   conn,
			logger: logger,
			done:   make(chan struct{}),
		}
		c.setHandler(wsConfig.Handler)

		go c.readLoop()
		if wsConfig.PingInterval > 0 {
			go c.pingLoop(wsConfig.PingInterval)
		}

		logger.Info("WebSocket connection established",
			zap.String("url", key),
			zap.String("connection_id", c.id))

		return c, nil
	}
}

func toWebSocketConfig(config interface{}) (*WebSocketConfig, error) {
	switch typed := config.(type) {
	case nil:
		return &WebSocketConfig{}, nil
	case *WebSocketConfig:
		copied := *typed
		return &copied, nil
	case MessageHandler:
		return &WebSocketConfig{Handler: typed}, nil
	case func(int, []byte):
		return &WebSocketConfig{Handler: typed}, nil
	default:
		return nil, types.Errorf(types.ErrUnexpectedType, "websocket config %T", config)
	}
}

func (c *WebSocketConnection) ID() string {
	return c.id
}

func (c *WebSocketConnection) URL() string {
	return c.url
}

func (c *WebSocketConnection) Connected() bool {
	select {
	case <-c.done:
		return false
	default:
		return !c.lost.Load()
	}
}

// Reconfigure swaps the message handler. A config without a handler keeps
// the current one.
func (c *WebSocketConnection) Reconfigure(config interface{}) error {
	wsConfig, err := toWebSocketConfig(config)
	if err != nil {
		return err
	}

	if wsConfig.Handler != nil {
		c.setHandler(wsConfig.Handler)
		c.logger.Debug("WebSocket handler replaced", zap.String("connection_id", c.id))
	}

	return nil
}

func (c *WebSocketConnection) Send(messageType int, data []byte) error {
	if !c.Connected() {
		return types.ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		return types.WrapError(err, "failed to write WebSocket message")
	}

	return nil
}

func (c *WebSocketConnection) SendJSON(v interface{}) error {
	data, err := utils.Marshal(v)
	if err != nil {
		return types.WrapError(err, "failed to marshal WebSocket message")
	}
	return c.Send(websocket.TextMessage, data)
}

// Disconnect sends a close frame and closes the socket. Only the first call
// does anything.
func (c *WebSocketConnection) Disconnect() error {
	var err error

	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWait))
		c.writeMu.Unlock()

		err = c.conn.Close()

		c.logger.Info("WebSocket connection closed",
			zap.String("url", c.url),
			zap.String("connection_id", c.id))
	})

	return err
}

func (c *WebSocketConnection) setHandler(handler MessageHandler) {
	if handler == nil {
		handler = func(int, []byte) {}
	}
	c.handler.Store(&handler)
}

func (c *WebSocketConnection) readLoop() {
	defer c.logger.Debug("WebSocket read loop stopped", zap.String("connection_id", c.id))

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.lost.Store(true)
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Warn("WebSocket connection lost",
						zap.String("url", c.url),
						zap.String("connection_id", c.id),
						zap.Error(err))
				}
			}
			return
		}

		(*c.handler.Load())(messageType, data)
	}
}

func (c *WebSocketConnection) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if c.lost.Load() {
				return
			}

			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()

			if err != nil {
				c.logger.Debug("WebSocket ping failed",
					zap.String("connection_id", c.id),
					zap.Error(err))
			}
		}
	}
}
