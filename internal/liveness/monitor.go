package liveness

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/langchou/csms/internal/metrics"
	"github.com/langchou/csms/internal/session"
)

// ErrShuttingDown 监控已停止，不再接受新会话
var ErrShuttingDown = errors.New("liveness monitor is shutting down")

// Session 被监控的会话
type Session interface {
	ID() string
	Close(reason session.CloseReason)
}

type entry struct {
	sess  Session
	timer clock.Timer
	gen   uint64
}

// Monitor 按充电桩标识登记活跃会话，超过期限未收到任何帧即关闭会话
// 会话只能由 Monitor 关闭
type Monitor struct {
	mu       sync.Mutex
	clock    clock.Clock
	window   time.Duration
	logger   *zap.Logger
	entries  map[string]*entry
	stopping bool
}

// NewMonitor 创建监控，期限 = 心跳间隔 × 容忍次数
func NewMonitor(clk clock.Clock, heartbeatInterval time.Duration, tolerance int, logger *zap.Logger) *Monitor {
	if clk == nil {
		clk = clock.WallClock
	}
	if tolerance <= 0 {
		tolerance = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		clock:   clk,
		window:  heartbeatInterval * time.Duration(tolerance),
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// Window 存活期限
func (m *Monitor) Window() time.Duration {
	return m.window
}

// Register 登记新会话，同一标识的旧会话被取代并关闭
func (m *Monitor) Register(s Session) error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		s.Close(session.ReasonShutdown)
		return ErrShuttingDown
	}
	old := m.entries[s.ID()]
	e := &entry{sess: s}
	m.arm(e)
	m.entries[s.ID()] = e
	m.mu.Unlock()

	if old != nil {
		old.timer.Stop()
		m.logger.Info("Session superseded by new connection", zap.String("charge_point_id", s.ID()))
		old.sess.Close(session.ReasonSuperseded)
	}
	return nil
}

// 调用方需持有锁
func (m *Monitor) arm(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen
	sess := e.sess
	e.timer = m.clock.AfterFunc(m.window, func() {
		m.expire(sess, gen)
	})
}

// Touch 收到任意帧时刷新期限
func (m *Monitor) Touch(s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[s.ID()]
	if !ok || e.sess != s {
		return
	}
	m.arm(e)
}

func (m *Monitor) expire(s Session, gen uint64) {
	m.mu.Lock()
	e, ok := m.entries[s.ID()]
	if !ok || e.sess != s || e.gen != gen {
		m.mu.Unlock()
		return
	}
	delete(m.entries, s.ID())
	m.mu.Unlock()

	metrics.IncLivenessTimeout()
	m.logger.Warn("Liveness deadline exceeded, closing session",
		zap.String("charge_point_id", s.ID()),
		zap.Duration("window", m.window))
	s.Close(session.ReasonTimeout)
}

// Disconnected 传输层断开，立即关闭会话
func (m *Monitor) Disconnected(s Session) {
	m.mu.Lock()
	if e, ok := m.entries[s.ID()]; ok && e.sess == s {
		e.timer.Stop()
		delete(m.entries, s.ID())
	}
	m.mu.Unlock()

	s.Close(session.ReasonTransportClosed)
}

// Get 获取充电桩当前会话
func (m *Monitor) Get(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	return e.sess, true
}

// Sessions 按标识排序的活跃会话
func (m *Monitor) Sessions() []Session {
	m.mu.Lock()
	out := make([]Session, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.sess)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len 活跃会话数
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// CloseAll 停止接受新会话并并发关闭所有会话
func (m *Monitor) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	m.stopping = true
	entries := m.entries
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	var g errgroup.Group
	for _, e := range entries {
		e := e
		e.timer.Stop()
		g.Go(func() error {
			e.sess.Close(session.ReasonShutdown)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("All sessions closed", zap.Int("count", len(entries)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
