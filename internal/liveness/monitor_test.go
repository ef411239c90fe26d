package liveness

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"go.uber.org/goleak"

	"github.com/langchou/csms/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSession struct {
	id     string
	mu     sync.Mutex
	reason []session.CloseReason
	closed chan struct{}
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id, closed: make(chan struct{})}
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Close(reason session.CloseReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reason) == 0 {
		close(s.closed)
	}
	s.reason = append(s.reason, reason)
}

func (s *fakeSession) reasons() []session.CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]session.CloseReason(nil), s.reason...)
}

func (s *fakeSession) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-s.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("session %s not closed", s.id)
	}
}

func (s *fakeSession) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func newTestMonitor() (*Monitor, *testclock.Clock) {
	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewMonitor(clk, 30*time.Second, 3, nil), clk
}

func TestMonitorDeadlineBoundary(t *testing.T) {
	m, clk := newTestMonitor()
	if m.Window() != 90*time.Second {
		t.Fatalf("window = %v", m.Window())
	}

	s := newFakeSession("CP_1")
	if err := m.Register(s); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := clk.WaitAdvance(90*time.Second-time.Millisecond, time.Second, 1); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if s.isClosed() {
		t.Fatal("closed before deadline")
	}

	clk.Advance(time.Millisecond)
	s.waitClosed(t)
	if r := s.reasons(); len(r) != 1 || r[0] != session.ReasonTimeout {
		t.Fatalf("reasons = %v", r)
	}
	if m.Len() != 0 {
		t.Fatal("expired session still registered")
	}
}

func TestMonitorTouchExtendsDeadline(t *testing.T) {
	m, clk := newTestMonitor()
	s := newFakeSession("CP_1")
	_ = m.Register(s)

	clk.Advance(60 * time.Second)
	m.Touch(s)
	clk.Advance(60 * time.Second)
	if s.isClosed() {
		t.Fatal("touched session closed early")
	}
	clk.Advance(30 * time.Second)
	s.waitClosed(t)
}

func TestMonitorSupersede(t *testing.T) {
	m, clk := newTestMonitor()
	first := newFakeSession("CP_1")
	second := newFakeSession("CP_1")
	_ = m.Register(first)
	_ = m.Register(second)

	first.waitClosed(t)
	if r := first.reasons(); r[0] != session.ReasonSuperseded {
		t.Fatalf("first closed with %v", r)
	}
	if got, _ := m.Get("CP_1"); got != second {
		t.Fatal("second session should be registered")
	}

	// 旧会话的迟到事件不影响新会话
	m.Touch(first)
	m.Disconnected(first)
	if got, ok := m.Get("CP_1"); !ok || got != second {
		t.Fatal("stale disconnect removed the new session")
	}

	clk.Advance(90 * time.Second)
	second.waitClosed(t)
}

func TestMonitorDisconnected(t *testing.T) {
	m, clk := newTestMonitor()
	s := newFakeSession("CP_1")
	_ = m.Register(s)

	m.Disconnected(s)
	s.waitClosed(t)
	if m.Len() != 0 {
		t.Fatal("session still registered")
	}

	// 定时器已停止，不会再次关闭
	clk.Advance(2 * time.Minute)
	if r := s.reasons(); len(r) != 1 || r[0] != session.ReasonTransportClosed {
		t.Fatalf("reasons = %v", r)
	}
}

func TestMonitorCloseAll(t *testing.T) {
	m, _ := newTestMonitor()
	a, b := newFakeSession("A"), newFakeSession("B")
	_ = m.Register(b)
	_ = m.Register(a)

	sessions := m.Sessions()
	if len(sessions) != 2 || sessions[0].ID() != "A" {
		t.Fatalf("unexpected sessions %v", sessions)
	}

	if err := m.CloseAll(context.Background()); err != nil {
		t.Fatalf("close all: %v", err)
	}
	for _, s := range []*fakeSession{a, b} {
		if r := s.reasons(); len(r) != 1 || r[0] != session.ReasonShutdown {
			t.Fatalf("%s reasons = %v", s.id, r)
		}
	}

	late := newFakeSession("C")
	if err := m.Register(late); err != ErrShuttingDown {
		t.Fatalf("register after shutdown: %v", err)
	}
	if !late.isClosed() {
		t.Fatal("late session should be closed")
	}
}
