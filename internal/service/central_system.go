package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/langchou/csms/internal/auth"
	"github.com/langchou/csms/internal/liveness"
	"github.com/langchou/csms/internal/metrics"
	"github.com/langchou/csms/internal/repository"
	"github.com/langchou/csms/internal/session"
	"github.com/langchou/csms/internal/transport"
)

// ErrNotConnected 充电桩没有活跃会话
var ErrNotConnected = errors.New("charge point not connected")

// 推送的事件类型
const EventSessionOpened = "session_opened"

// Config 中心系统配置
type Config struct {
	HeartbeatInterval time.Duration
	LivenessTolerance int
	CallTimeout       time.Duration
	StoreTimeout      time.Duration
	CloseGrace        time.Duration
	Clock             clock.Clock
}

// CentralSystem 为每个连接创建会话并交给存活监控管理
type CentralSystem struct {
	cfg        Config
	store      repository.Store
	authorizer auth.Authorizer
	notifier   session.Notifier
	monitor    *liveness.Monitor
	logger     *zap.Logger

	// 按充电桩标识串行化 connected 标志的写入
	connLocks sync.Map
}

// NewCentralSystem 创建中心系统
func NewCentralSystem(cfg Config, store repository.Store, authorizer auth.Authorizer, notifier session.Notifier, logger *zap.Logger) *CentralSystem {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	return &CentralSystem{
		cfg:        cfg,
		store:      store,
		authorizer: authorizer,
		notifier:   notifier,
		monitor:    liveness.NewMonitor(cfg.Clock, cfg.HeartbeatInterval, cfg.LivenessTolerance, logger),
		logger:     logger,
	}
}

// Open 为新连接创建会话
func (cs *CentralSystem) Open(chargePointID string, conn *transport.Conn) (transport.Endpoint, error) {
	sess, err := cs.open(chargePointID, conn)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (cs *CentralSystem) open(chargePointID string, conn session.Conn) (*session.Session, error) {
	var sess *session.Session
	sess = session.New(chargePointID, conn, cs.store, session.Config{
		HeartbeatInterval: cs.cfg.HeartbeatInterval,
		CallTimeout:       cs.cfg.CallTimeout,
		StoreTimeout:      cs.cfg.StoreTimeout,
		CloseGrace:        cs.cfg.CloseGrace,
		Clock:             cs.cfg.Clock,
		Authorizer:        cs.authorizer,
		Notifier:          cs.notifier,
		Logger:            cs.logger,
		OnActivity: func() {
			cs.monitor.Touch(sess)
		},
		MarkDisconnected: func(ctx context.Context) error {
			return cs.markDisconnected(ctx, sess)
		},
	})

	if err := cs.monitor.Register(sess); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cs.cfg.StoreTimeout)
	defer cancel()
	mu := cs.connLock(chargePointID)
	mu.Lock()
	err := cs.store.SetConnected(ctx, chargePointID, true)
	mu.Unlock()
	if err != nil {
		metrics.IncPersistenceError("set_connected")
		cs.logger.Error("Failed to mark charge point connected",
			zap.String("charge_point_id", chargePointID),
			zap.Error(err))
	}

	if cs.notifier != nil {
		cs.notifier.BroadcastMessage(EventSessionOpened, map[string]interface{}{
			"charge_point_id": chargePointID,
		})
	}
	return sess, nil
}

func (cs *CentralSystem) connLock(chargePointID string) *sync.Mutex {
	mu, _ := cs.connLocks.LoadOrStore(chargePointID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// markDisconnected 同一标识下没有更新的会话时才写 connected=false
// 旧会话关闭可能晚于重连，不能覆盖新会话写入的在线状态
func (cs *CentralSystem) markDisconnected(ctx context.Context, sess *session.Session) error {
	mu := cs.connLock(sess.ID())
	mu.Lock()
	defer mu.Unlock()

	if cur, ok := cs.monitor.Get(sess.ID()); ok && cur != liveness.Session(sess) {
		cs.logger.Debug("Newer session registered, keeping charge point connected",
			zap.String("charge_point_id", sess.ID()))
		return nil
	}
	return cs.store.SetConnected(ctx, sess.ID(), false)
}

// Closed 传输层断开
func (cs *CentralSystem) Closed(ep transport.Endpoint) {
	sess, ok := ep.(*session.Session)
	if !ok {
		return
	}
	cs.monitor.Disconnected(sess)
}

// Session 获取充电桩当前会话
func (cs *CentralSystem) Session(chargePointID string) (*session.Session, bool) {
	s, ok := cs.monitor.Get(chargePointID)
	if !ok {
		return nil, false
	}
	sess, ok := s.(*session.Session)
	return sess, ok
}

// Sessions 所有活跃会话的快照
func (cs *CentralSystem) Sessions() []session.Info {
	list := cs.monitor.Sessions()
	out := make([]session.Info, 0, len(list))
	for _, s := range list {
		if sess, ok := s.(*session.Session); ok {
			out = append(out, sess.Info())
		}
	}
	return out
}

// Call 向充电桩发起调用
func (cs *CentralSystem) Call(ctx context.Context, chargePointID, action string, payload interface{}) (json.RawMessage, error) {
	sess, ok := cs.Session(chargePointID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, chargePointID)
	}
	return sess.Call(ctx, action, payload)
}

// Shutdown 关闭所有会话
func (cs *CentralSystem) Shutdown(ctx context.Context) error {
	return cs.monitor.CloseAll(ctx)
}
