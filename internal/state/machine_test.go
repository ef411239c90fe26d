package state

import (
	"testing"
	"time"

	"github.com/juju/clock/testclock"
)

type transition struct{ from, to string }

func TestMachineLifecycle(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	var seen []transition
	m := NewMachine("CP_1", clk, func(id, from, to string) {
		if id != "CP_1" {
			t.Errorf("unexpected id %s", id)
		}
		seen = append(seen, transition{from, to})
	})

	if m.CurrentState() != StateConnecting {
		t.Fatalf("initial state = %s", m.CurrentState())
	}

	steps := []struct {
		event string
		want  string
	}{
		{EventBoot, StateRegistered},
		{EventStartTransaction, StateActive},
		{EventStopTransaction, StateRegistered},
		{EventStartTransaction, StateActive},
		{EventDisconnect, StateDisconnected},
	}
	for _, s := range steps {
		clk.Advance(time.Second)
		moved, err := m.Fire(s.event)
		if err != nil || !moved {
			t.Fatalf("fire %s: moved=%v err=%v", s.event, moved, err)
		}
		if m.CurrentState() != s.want {
			t.Fatalf("after %s state = %s, want %s", s.event, m.CurrentState(), s.want)
		}
	}
	if len(seen) != len(steps) {
		t.Fatalf("callbacks = %d, want %d", len(seen), len(steps))
	}
	snap := m.Snapshot()
	if !snap.Since.Equal(clk.Now()) {
		t.Fatalf("since = %v, want %v", snap.Since, clk.Now())
	}
}

func TestMachineFireIsLenient(t *testing.T) {
	m := NewMachine("CP_2", nil, nil)

	// 未 Boot 时开始交易：不转换也不报错
	moved, err := m.Fire(EventStartTransaction)
	if err != nil || moved {
		t.Fatalf("fire before boot: moved=%v err=%v", moved, err)
	}
	if m.CurrentState() != StateConnecting {
		t.Fatalf("state = %s", m.CurrentState())
	}

	if moved, err := m.Fire(EventStopTransaction); err != nil || moved {
		t.Fatalf("stop without transaction: moved=%v err=%v", moved, err)
	}

	if moved, _ := m.Fire(EventBoot); !moved {
		t.Fatal("boot should transition")
	}
	if moved, _ := m.Fire(EventBoot); moved {
		t.Fatal("second boot should be a no-op")
	}

	if moved, _ := m.Fire(EventDisconnect); !moved {
		t.Fatal("disconnect should transition")
	}
	for _, ev := range []string{EventBoot, EventStartTransaction, EventDisconnect} {
		if moved, _ := m.Fire(ev); moved {
			t.Fatalf("disconnected must be terminal, %s moved", ev)
		}
		if m.CurrentState() != StateDisconnected {
			t.Fatalf("state = %s after %s", m.CurrentState(), ev)
		}
	}
}
