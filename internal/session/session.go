package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/langchou/csms/internal/auth"
	"github.com/langchou/csms/internal/metrics"
	"github.com/langchou/csms/internal/models"
	"github.com/langchou/csms/internal/ocpp"
	"github.com/langchou/csms/internal/state"
	"github.com/langchou/csms/internal/transport"
)

// Store 会话使用的持久化操作
type Store interface {
	UpsertChargePoint(ctx context.Context, cp *models.ChargePoint) error
	TouchHeartbeat(ctx context.Context, id string, at time.Time) error
	SetConnected(ctx context.Context, id string, connected bool) error
	UpsertConnectorStatus(ctx context.Context, c *models.Connector) error
	OpenTransaction(ctx context.Context, tx *models.Transaction) (int64, error)
	CloseTransaction(ctx context.Context, stop *models.TransactionStop) (*models.Transaction, error)
}

// Conn 底层连接
type Conn interface {
	Send(data []byte) error
	Close() error
}

// Notifier 推送会话事件（仪表盘）
type Notifier interface {
	BroadcastMessage(msgType string, data interface{})
}

// 推送的事件类型
const (
	EventBoot               = "boot"
	EventConnectorStatus    = "connector_status"
	EventTransactionStarted = "transaction_started"
	EventTransactionStopped = "transaction_stopped"
	EventSessionClosed      = "session_closed"
)

const queueSize = 64

// Config 会话配置
type Config struct {
	HeartbeatInterval time.Duration
	CallTimeout       time.Duration
	StoreTimeout      time.Duration
	CloseGrace        time.Duration
	Clock             clock.Clock
	Authorizer        auth.Authorizer
	Notifier          Notifier
	Logger            *zap.Logger
	// 每收到一帧调用一次，用于刷新存活期限
	OnActivity func()
	// 会话关闭时标记充电桩离线，为空时直接写 store
	MarkDisconnected func(ctx context.Context) error
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Authorizer == nil {
		c.Authorizer = auth.AcceptAll{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Info 会话快照
type Info struct {
	ChargePointID        string    `json:"charge_point_id"`
	State                string    `json:"state"`
	StateSince           time.Time `json:"state_since"`
	ConnectedAt          time.Time `json:"connected_at"`
	LastActivity         time.Time `json:"last_activity"`
	CurrentTransactionID *int64    `json:"current_transaction_id,omitempty"`
	CurrentConnectorID   int       `json:"current_connector_id,omitempty"`
	PendingCalls         int       `json:"pending_calls"`
}

type callResult struct {
	payload json.RawMessage
	err     error
}

type pendingCall struct {
	action string
	sent   time.Time
	done   chan callResult
}

type openTransaction struct {
	id          int64
	connectorID int
}

// Session 一个连接对应一个会话，重连时创建新会话
type Session struct {
	id      string
	conn    Conn
	store   Store
	cfg     Config
	logger  *zap.Logger
	router  *ocpp.Router
	machine *state.Machine

	ctx    context.Context
	cancel context.CancelFunc

	queue      chan *ocpp.Call
	done       chan struct{}
	workerDone chan struct{}
	closeOnce  sync.Once

	mu           sync.Mutex
	closed       bool
	inflight     map[string]struct{}
	pending      map[string]*pendingCall
	current      *openTransaction
	connectedAt  time.Time
	lastActivity time.Time
}

// New 创建会话并启动分发协程
func New(id string, conn Conn, store Store, cfg Config) *Session {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	now := cfg.Clock.Now()

	s := &Session{
		id:           id,
		conn:         conn,
		store:        store,
		cfg:          cfg,
		logger:       cfg.Logger.With(zap.String("charge_point_id", id)),
		router:       ocpp.NewRouter(),
		ctx:          ctx,
		cancel:       cancel,
		queue:        make(chan *ocpp.Call, queueSize),
		done:         make(chan struct{}),
		workerDone:   make(chan struct{}),
		inflight:     make(map[string]struct{}),
		pending:      make(map[string]*pendingCall),
		connectedAt:  now,
		lastActivity: now,
	}
	s.machine = state.NewMachine(id, cfg.Clock, func(cpID, from, to string) {
		s.logger.Debug("Session state changed", zap.String("from", from), zap.String("to", to))
	})
	if s.cfg.MarkDisconnected == nil {
		s.cfg.MarkDisconnected = func(ctx context.Context) error {
			return s.store.SetConnected(ctx, s.id, false)
		}
	}
	s.registerHandlers()
	metrics.SessionOpened()

	go s.run()
	return s
}

// ID 充电桩标识
func (s *Session) ID() string {
	return s.id
}

// State 当前状态
func (s *Session) State() string {
	return s.machine.CurrentState()
}

// Done 会话关闭后关闭
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Info 获取会话快照
func (s *Session) Info() Info {
	snap := s.machine.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ChargePointID: s.id,
		State:         snap.State,
		StateSince:    snap.Since,
		ConnectedAt:   s.connectedAt,
		LastActivity:  s.lastActivity,
		PendingCalls:  len(s.pending),
	}
	if s.current != nil {
		id := s.current.id
		info.CurrentTransactionID = &id
		info.CurrentConnectorID = s.current.connectorID
	}
	return info
}

// Receive 处理一帧入站数据，由读协程调用
func (s *Session) Receive(data []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.lastActivity = s.cfg.Clock.Now()
	s.mu.Unlock()

	if s.cfg.OnActivity != nil {
		s.cfg.OnActivity()
	}

	msg, err := ocpp.Decode(data)
	if err != nil {
		s.handleMalformed(data, err)
		return
	}

	switch m := msg.(type) {
	case *ocpp.Call:
		s.enqueue(m)
	case *ocpp.CallResult:
		s.resolve(m.UniqueID, callResult{payload: m.Payload})
	case *ocpp.CallError:
		s.resolve(m.UniqueID, callResult{err: m.Err()})
	}
}

func (s *Session) handleMalformed(data []byte, err error) {
	metrics.IncMalformedFrame()

	var fe *ocpp.FrameError
	if !errors.As(err, &fe) {
		s.logger.Warn("Failed to decode frame", zap.Error(err))
		return
	}
	if !fe.Answerable() {
		s.logger.Warn("Dropping malformed response frame",
			zap.String("unique_id", fe.UniqueID),
			zap.Error(err))
		return
	}

	id := fe.UniqueID
	if id == "" {
		id = "-1"
	}
	s.logger.Warn("Malformed frame",
		zap.String("unique_id", id),
		zap.ByteString("frame", truncate(data, 256)),
		zap.Error(err))
	s.send(ocpp.NewCallError(id, fe.AsError()))
}

func (s *Session) enqueue(call *ocpp.Call) {
	s.mu.Lock()
	if _, dup := s.inflight[call.UniqueID]; dup {
		s.mu.Unlock()
		metrics.IncCoalescedCall()
		s.logger.Debug("Dropping duplicate call still in flight",
			zap.String("action", call.Action),
			zap.String("unique_id", call.UniqueID))
		return
	}
	s.inflight[call.UniqueID] = struct{}{}
	s.mu.Unlock()

	select {
	case s.queue <- call:
	case <-s.done:
	}
}

func (s *Session) run() {
	defer close(s.workerDone)
	for {
		select {
		case <-s.done:
			return
		case call := <-s.queue:
			// 关闭后丢弃排队的调用
			select {
			case <-s.done:
				return
			default:
			}
			s.dispatch(call)
		}
	}
}

func (s *Session) dispatch(call *ocpp.Call) {
	start := s.cfg.Clock.Now()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, call.UniqueID)
		s.mu.Unlock()
	}()

	conf, err := s.router.Dispatch(s.ctx, call)
	elapsed := s.cfg.Clock.Now().Sub(start)

	if err != nil {
		metrics.ObserveInboundCall(call.Action, metrics.ResultError, elapsed)
		var ocppErr *ocpp.Error
		if errors.As(err, &ocppErr) {
			s.logger.Info("Rejected call",
				zap.String("action", call.Action),
				zap.String("unique_id", call.UniqueID),
				zap.String("code", string(ocppErr.Code)),
				zap.String("description", ocppErr.Description))
		} else {
			s.logger.Error("Handler failed",
				zap.String("action", call.Action),
				zap.String("unique_id", call.UniqueID),
				zap.Error(err))
		}
		s.send(ocpp.NewCallError(call.UniqueID, err))
		return
	}

	metrics.ObserveInboundCall(call.Action, outcome(conf), elapsed)
	result, err := ocpp.NewCallResult(call.UniqueID, conf)
	if err != nil {
		s.logger.Error("Failed to encode confirmation", zap.String("action", call.Action), zap.Error(err))
		s.send(ocpp.NewCallError(call.UniqueID, err))
		return
	}
	s.send(result)
}

func (s *Session) send(msg ocpp.Message) {
	data, err := ocpp.Encode(msg)
	if err != nil {
		s.logger.Error("Failed to encode frame", zap.Error(err))
		return
	}
	err = s.conn.Send(data)
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrSendBufferFull):
		// 慢消费者，响应丢失，充电桩会按自己的超时重发
		metrics.IncDroppedFrame("send_buffer_full")
		s.logger.Warn("Dropped frame, send buffer full",
			zap.String("unique_id", msg.ID()),
			zap.Int("type", int(msg.MessageType())))
	default:
		s.logger.Debug("Failed to send frame", zap.String("unique_id", msg.ID()), zap.Error(err))
	}
}

// Call 向充电桩发起调用并等待响应
// CallError 以 *ocpp.Error 返回
func (s *Session) Call(ctx context.Context, action string, payload interface{}) (json.RawMessage, error) {
	raw, err := ocpp.MarshalPayload(payload)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	p := &pendingCall{
		action: action,
		sent:   s.cfg.Clock.Now(),
		done:   make(chan callResult, 1),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.pending[id] = p
	s.mu.Unlock()

	data, err := ocpp.Encode(&ocpp.Call{UniqueID: id, Action: action, Payload: raw})
	if err == nil {
		err = s.conn.Send(data)
	}
	if err != nil {
		s.removePending(id)
		return nil, err
	}

	timeout := s.cfg.Clock.After(s.cfg.CallTimeout)
	select {
	case res := <-p.done:
		return res.payload, res.err
	case <-timeout:
		s.removePending(id)
		metrics.ObserveOutboundCall(action, metrics.OutboundTimeout, s.cfg.CallTimeout)
		return nil, ErrCallTimeout
	case <-ctx.Done():
		s.removePending(id)
		return nil, ctx.Err()
	}
}

func (s *Session) removePending(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Session) resolve(id string, res callResult) {
	s.mu.Lock()
	p, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("Response for unknown call", zap.String("unique_id", id))
		return
	}

	result := metrics.OutboundSuccess
	if res.err != nil {
		result = metrics.OutboundError
	}
	metrics.ObserveOutboundCall(p.action, result, s.cfg.Clock.Now().Sub(p.sent))
	p.done <- res
}

// Close 关闭会话，可重复调用
// 只应由存活监控调用
func (s *Session) Close(reason CloseReason) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		pending := s.pending
		s.pending = make(map[string]*pendingCall)
		s.mu.Unlock()

		for _, p := range pending {
			metrics.ObserveOutboundCall(p.action, metrics.OutboundClosed, 0)
			p.done <- callResult{err: ErrSessionClosed}
		}

		close(s.done)
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("Failed to close connection", zap.Error(err))
		}

		// 等待正在执行的 handler 完成
		select {
		case <-s.workerDone:
		case <-s.cfg.Clock.After(s.cfg.CloseGrace):
			s.logger.Warn("Handler still running after close grace, cancelling")
		}
		s.cancel()

		if _, err := s.machine.Fire(state.EventDisconnect); err != nil {
			s.logger.Warn("Failed to transition session", zap.Error(err))
		}

		// 被新连接取代时不能把桩标记为离线
		if reason != ReasonSuperseded {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
			if err := s.cfg.MarkDisconnected(ctx); err != nil {
				metrics.IncPersistenceError("set_connected")
				s.logger.Error("Failed to mark charge point disconnected", zap.Error(err))
			}
			cancel()
		}

		metrics.SessionClosed(string(reason))
		s.notify(EventSessionClosed, map[string]interface{}{
			"charge_point_id": s.id,
			"reason":          reason,
		})
		s.logger.Info("Session closed", zap.String("reason", string(reason)))
	})
}

func (s *Session) notify(msgType string, data interface{}) {
	if s.cfg.Notifier != nil {
		s.cfg.Notifier.BroadcastMessage(msgType, data)
	}
}

func (s *Session) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, s.cfg.StoreTimeout)
}

func (s *Session) setCurrent(tx *openTransaction) {
	s.mu.Lock()
	s.current = tx
	s.mu.Unlock()
}

// clearCurrent 结束的交易是当前交易时清空，返回是否清空
func (s *Session) clearCurrent(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.id != id {
		return false
	}
	s.current = nil
	return true
}

func outcome(conf interface{}) string {
	switch c := conf.(type) {
	case *ocpp.BootNotificationConfirmation:
		if c.Status != ocpp.RegistrationAccepted {
			return metrics.ResultRejected
		}
	case *ocpp.AuthorizeConfirmation:
		if c.IdTagInfo.Status != ocpp.AuthorizationAccepted {
			return metrics.ResultRejected
		}
	case *ocpp.StartTransactionConfirmation:
		if c.TransactionId == 0 || c.IdTagInfo.Status != ocpp.AuthorizationAccepted {
			return metrics.ResultRejected
		}
	case *ocpp.StopTransactionConfirmation:
		if c.IdTagInfo != nil && c.IdTagInfo.Status != ocpp.AuthorizationAccepted {
			return metrics.ResultRejected
		}
	}
	return metrics.ResultAccepted
}

func truncate(data []byte, n int) []byte {
	if len(data) <= n {
		return data
	}
	return data[:n]
}
