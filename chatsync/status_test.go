package chatsync

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestReconnectorDelayEscalatesAndCaps(t *testing.T) {
	r := newReconnector(100*time.Millisecond, time.Second, 0)

	prev := time.Duration(0)
	for i := 0; i < 4; i++ {
		d := r.nextDelay()
		if d < prev {
			t.Fatalf("delay %v shrank below previous %v at attempt %d", d, prev, i)
		}
		// Base 100ms doubling with at most 50ms jitter.
		min := 100 * time.Millisecond << i
		if d < min {
			t.Fatalf("attempt %d delay %v below floor %v", i, d, min)
		}
		prev = d
	}
	for i := 0; i < 10; i++ {
		if d := r.nextDelay(); d > time.Second {
			t.Fatalf("delay %v exceeded cap", d)
		}
	}
}

func TestReconnectorResetsAfterStableConnection(t *testing.T) {
	r := newReconnector(100*time.Millisecond, time.Second, 0)
	for i := 0; i < 5; i++ {
		r.nextDelay()
	}
	r.markConnected()
	r.connectedAt = time.Now().Add(-2 * time.Minute)
	if d := r.nextDelay(); d > 200*time.Millisecond {
		t.Fatalf("delay %v after stable minute, want attempt counter reset", d)
	}
}

func TestReconnectorBoundedAttempts(t *testing.T) {
	r := newReconnector(time.Millisecond, time.Millisecond, 3)
	for i := 0; i < 3; i++ {
		if !r.shouldReconnect() {
			t.Fatalf("attempt %d rejected early", i)
		}
		r.nextDelay()
	}
	if r.shouldReconnect() {
		t.Fatalf("attempts not bounded")
	}
	r.reset()
	if !r.shouldReconnect() {
		t.Fatalf("reset did not restore attempts")
	}
}

func TestReconnectorSafeForConcurrentUse(t *testing.T) {
	r := newReconnector(time.Millisecond, 10*time.Millisecond, 0)

	// markConnected arrives from the status callback while the retry loop
	// is mid-backoff; run both sides at once under the race detector.
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.markConnected()
				r.shouldReconnect()
				if d := r.nextDelay(); d > 10*time.Millisecond {
					t.Errorf("delay %v exceeded cap", d)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestStatusMonitorConnectsAndReports(t *testing.T) {
	reg, dialer := newTestRegistry(t, 10*time.Millisecond)
	m := NewStatusMonitor(reg, "ws://a", time.Millisecond, 10*time.Millisecond, 0)

	var mu sync.Mutex
	var history []Status
	m.OnChange(func(s Status) {
		mu.Lock()
		history = append(history, s)
		mu.Unlock()
	})

	m.Start(context.Background())
	defer m.Stop()

	if m.Status() != StatusConnected {
		t.Fatalf("status = %s, want connected", m.Status())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(history) < 2 || history[0] != StatusConnecting || history[len(history)-1] != StatusConnected {
		t.Fatalf("status history = %v", history)
	}
	if dialer.count() != 1 {
		t.Fatalf("dialled %d conns, want 1", dialer.count())
	}
}

func TestStatusMonitorRetriesWithBackoff(t *testing.T) {
	reg, dialer := newTestRegistry(t, 10*time.Millisecond)
	m := NewStatusMonitor(reg, "ws://a", time.Millisecond, 5*time.Millisecond, 0)

	reached := make(chan Status, 16)
	m.OnChange(func(s Status) { reached <- s })

	m.Start(context.Background())
	defer m.Stop()
	conn := dialer.last()
	drain(reached)

	// Transport failure: connect starts failing, then recovers.
	conn.setConnectErr(NewError(ErrorTransport, "refused"))
	conn.drop()

	sawReconnecting := false
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-reached:
			if s == StatusReconnecting {
				sawReconnecting = true
				conn.setConnectErr(nil)
			}
			if s == StatusConnected && sawReconnecting {
				if conn.connectCalls.Load() < 2 {
					t.Fatalf("connect calls = %d, want a retry", conn.connectCalls.Load())
				}
				return
			}
		case <-deadline:
			t.Fatalf("monitor never recovered (sawReconnecting=%v)", sawReconnecting)
		}
	}
}

func drain(ch chan Status) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
