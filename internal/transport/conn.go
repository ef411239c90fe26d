package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrConnClosed 连接已关闭
	ErrConnClosed = errors.New("connection closed")
	// ErrSendBufferFull 发送缓冲区已满（慢消费者）
	ErrSendBufferFull = errors.New("send buffer full")
)

const (
	sendBufferSize = 64
	maxMessageSize = 64 * 1024
)

// Conn 单个充电桩的 WebSocket 连接
// 所有写操作都在 writePump 中串行执行
type Conn struct {
	ws           *websocket.Conn
	logger       *zap.Logger
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	pingInterval time.Duration
	writeTimeout time.Duration
}

func newConn(ws *websocket.Conn, logger *zap.Logger, pingInterval, writeTimeout time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Conn{
		ws:           ws,
		logger:       logger,
		send:         make(chan []byte, sendBufferSize),
		done:         make(chan struct{}),
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
	}
}

// Send 排队发送一帧
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

// Close 关闭连接，可重复调用
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

// RemoteAddr 对端地址
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// Subprotocol 协商出的子协议
func (c *Conn) Subprotocol() string {
	return c.ws.Subprotocol()
}

// readPump 读取文本帧交给 handle，连接出错时返回
func (c *Conn) readPump(handle func([]byte)) {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			c.logger.Debug("Ignoring non-text frame", zap.Int("type", msgType))
			continue
		}
		handle(data)
	}
}

// writePump 发送排队的帧并定期 ping
func (c *Conn) writePump() {
	var ping <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer c.ws.Close()

	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("WebSocket write error", zap.Error(err))
				c.Close()
				return
			}

		case <-ping:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("WebSocket ping error", zap.Error(err))
				c.Close()
				return
			}

		case <-c.done:
			// 尽量把已排队的响应发出去
			c.flush()
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Conn) flush() {
	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
