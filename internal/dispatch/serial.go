package dispatch

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Serial runs submitted callbacks one at a time in submission order on an
// underlying Executor. At most one drain task is outstanding at once.
type Serial struct {
	exec Executor
	log  zerolog.Logger

	mu      sync.Mutex
	queue   []func()
	running bool
	closed  bool
}

func NewSerial(exec Executor, logger zerolog.Logger) *Serial {
	return &Serial{exec: exec, log: logger}
}

// Submit queues fn. It reports false when the queue has been closed or the
// executor refused the drain task.
func (s *Serial) Submit(fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, fn)
	if s.running {
		s.mu.Unlock()
		return true
	}
	s.running = true
	s.mu.Unlock()

	if err := s.exec.Go(s.drain); err != nil {
		s.mu.Lock()
		s.running = false
		s.queue = nil
		s.closed = true
		s.mu.Unlock()
		return false
	}
	return true
}

func (s *Serial) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.closed {
			s.queue = nil
			s.running = false
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.call(fn)
	}
}

// call isolates a panicking callback so later ones still run.
func (s *Serial) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("panic", fmt.Sprint(r)).Msg("dispatch: serial callback panicked")
		}
	}()
	fn()
}

// Close drops queued callbacks. The one currently running finishes.
func (s *Serial) Close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
}

// Pending reports how many callbacks are waiting.
func (s *Serial) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
