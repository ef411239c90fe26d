package transport

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Subprotocol OCPP 1.6 JSON 子协议
const Subprotocol = "ocpp1.6"

// MaxChargePointIDLength 与 charge_points.id 列宽一致
const MaxChargePointIDLength = 64

// Endpoint 接收入站帧的一方（会话）
type Endpoint interface {
	Receive(data []byte)
}

// SessionFactory 为新连接创建会话，连接断开时得到通知
type SessionFactory interface {
	Open(chargePointID string, conn *Conn) (Endpoint, error)
	Closed(ep Endpoint)
}

// Config 传输层配置
type Config struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// Server 接受充电桩 WebSocket 连接
// 充电桩标识取自路径最后一段：ws://host:port/<任意前缀>/<chargePointId>
type Server struct {
	upgrader websocket.Upgrader
	factory  SessionFactory
	cfg      Config
	logger   *zap.Logger
}

// NewServer 创建服务
func NewServer(factory SessionFactory, cfg Config, logger *zap.Logger) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{Subprotocol},
			CheckOrigin: func(r *http.Request) bool {
				return true // 充电桩不是浏览器
			},
		},
		factory: factory,
		cfg:     cfg,
		logger:  logger,
	}
}

// ChargePointID 从路径中提取充电桩标识
func ChargePointID(path string) string {
	path = strings.TrimRight(path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		path = path[i+1:]
	}
	return strings.TrimSpace(path)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := ChargePointID(r.URL.Path)
	if id == "" {
		http.Error(w, "missing charge point id", http.StatusBadRequest)
		return
	}
	if len(id) > MaxChargePointIDLength {
		s.logger.Warn("Rejected charge point id", zap.Int("length", len(id)))
		http.Error(w, "charge point id too long", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.String("charge_point_id", id), zap.Error(err))
		return
	}

	logger := s.logger.With(zap.String("charge_point_id", id))
	if ws.Subprotocol() != Subprotocol {
		logger.Warn("Charge point did not negotiate subprotocol",
			zap.Strings("offered", websocket.Subprotocols(r)))
	}

	conn := newConn(ws, logger, s.cfg.PingInterval, s.cfg.WriteTimeout)
	go conn.writePump()

	ep, err := s.factory.Open(id, conn)
	if err != nil {
		logger.Warn("Rejected connection", zap.Error(err))
		conn.Close()
		return
	}

	logger.Info("Charge point connected", zap.String("remote_addr", conn.RemoteAddr()))
	conn.readPump(ep.Receive)
	logger.Info("Charge point disconnected")
	s.factory.Closed(ep)
}
