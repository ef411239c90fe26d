package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/looplab/fsm"
)

// 会话状态常量
const (
	StateConnecting   = "connecting"
	StateRegistered   = "registered"
	StateActive       = "active"
	StateDisconnected = "disconnected"
)

// 事件常量
const (
	EventBoot             = "boot"
	EventStartTransaction = "start_transaction"
	EventStopTransaction  = "stop_transaction"
	EventDisconnect       = "disconnect"
)

// Snapshot 状态快照
type Snapshot struct {
	ChargePointID string    `json:"charge_point_id"`
	State         string    `json:"state"`
	Since         time.Time `json:"since"`
}

// Machine 充电桩会话状态机
type Machine struct {
	mu            sync.RWMutex
	chargePointID string
	clock         clock.Clock
	fsm           *fsm.FSM
	since         time.Time
	onStateChange func(chargePointID string, from, to string)
}

// NewMachine 创建状态机，初始状态为 connecting
func NewMachine(chargePointID string, clk clock.Clock, onStateChange func(chargePointID string, from, to string)) *Machine {
	if clk == nil {
		clk = clock.WallClock
	}

	m := &Machine{
		chargePointID: chargePointID,
		clock:         clk,
		since:         clk.Now(),
		onStateChange: onStateChange,
	}

	m.fsm = fsm.NewFSM(
		StateConnecting,
		fsm.Events{
			{Name: EventBoot, Src: []string{StateConnecting}, Dst: StateRegistered},
			{Name: EventStartTransaction, Src: []string{StateRegistered}, Dst: StateActive},
			{Name: EventStopTransaction, Src: []string{StateActive}, Dst: StateRegistered},
			{Name: EventDisconnect, Src: []string{StateConnecting, StateRegistered, StateActive}, Dst: StateDisconnected},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if m.onStateChange != nil && e.Src != e.Dst {
					m.onStateChange(m.chargePointID, e.Src, e.Dst)
				}
			},
		},
	)

	return m
}

// CurrentState 获取当前状态
func (m *Machine) CurrentState() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Current()
}

// Snapshot 获取状态快照
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		ChargePointID: m.chargePointID,
		State:         m.fsm.Current(),
		Since:         m.since,
	}
}

// Fire 仅在允许时触发事件，返回是否发生了转换
// 未 Boot 就上报的消息照常处理，状态不变
func (m *Machine) Fire(event string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.fsm.Can(event) {
		return false, nil
	}
	if err := m.fsm.Event(context.Background(), event); err != nil {
		return false, fmt.Errorf("trigger event %s: %w", event, err)
	}
	m.since = m.clock.Now()
	return true, nil
}
