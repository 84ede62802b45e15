package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/beepmux/internal/testutil/testlog"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func waitPool(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("wait pool: %v", err)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	testlog.Start(t)

	p := NewPool(2, zerolog.Nop())
	var running, peak atomic.Int32
	release := make(chan struct{})
	for i := 0; i < 6; i++ {
		if err := p.Go(func() {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			running.Add(-1)
		}); err != nil {
			t.Fatalf("go: %v", err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	waitPool(t, p)
	p.Close()
	if got := peak.Load(); got != 2 {
		t.Fatalf("expected peak concurrency 2, got %d", got)
	}
}

func TestPoolRecoversPanicAndRejectsAfterClose(t *testing.T) {
	testlog.Start(t)

	p := NewPool(1, zerolog.Nop())
	var ran atomic.Bool
	_ = p.Go(func() { panic("boom") })
	_ = p.Go(func() { ran.Store(true) })
	waitPool(t, p)
	if !ran.Load() {
		t.Fatalf("expected work after a panic to run")
	}
	p.Close()
	if err := p.Go(func() {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSerialPreservesOrder(t *testing.T) {
	testlog.Start(t)

	p := NewPool(4, zerolog.Nop())
	s := NewSerial(p, zerolog.Nop())
	var (
		mu  sync.Mutex
		got []int
	)
	for i := 0; i < 100; i++ {
		i := i
		if !s.Submit(func() {
			if i == 10 {
				panic("isolated")
			}
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}) {
			t.Fatalf("submit %d rejected", i)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 99 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out with %d callbacks run", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	waitPool(t, p)
	p.Close()
	for i, prev := 1, got[0]; i < len(got); i++ {
		if got[i] <= prev {
			t.Fatalf("out of order at %d: %v", i, got)
		}
		prev = got[i]
	}
}

func TestSerialCloseDropsQueued(t *testing.T) {
	testlog.Start(t)

	p := NewPool(1, zerolog.Nop())
	s := NewSerial(p, zerolog.Nop())
	gate := make(chan struct{})
	var ran atomic.Int32
	s.Submit(func() { <-gate; ran.Add(1) })
	s.Submit(func() { ran.Add(1) })
	s.Submit(func() { ran.Add(1) })
	s.Close()
	close(gate)
	waitPool(t, p)
	p.Close()
	if got := ran.Load(); got > 1 {
		t.Fatalf("expected queued callbacks to be dropped, %d ran", got)
	}
	if s.Submit(func() {}) {
		t.Fatalf("expected submit after close to be rejected")
	}
}
