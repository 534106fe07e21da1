package device

import (
	"sync"

	"github.com/joshuapare/devmem/internal/logger"
)

// Stream executes submitted work in FIFO order on its own goroutine.
// Submission never blocks. Work items run one at a time, so a host
// function queued after a copy observes the copy's result.
type Stream struct {
	name string

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	paused bool
	closed bool

	exited chan struct{}
}

// NewStream starts a stream worker.
func NewStream(name string) *Stream {
	s := &Stream{name: name, exited: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *Stream) run() {
	defer close(s.exited)

	s.mu.Lock()
	for {
		for !s.closed && (s.paused || len(s.queue) == 0) {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		fn()

		s.mu.Lock()
	}
}

// Launch queues fn behind all previously submitted work.
func (s *Stream) Launch(fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	s.queue = append(s.queue, fn)
	s.cond.Signal()
	return nil
}

// Record returns an event that completes once all work submitted before
// it has run.
func (s *Stream) Record() (*Event, error) {
	ev := NewEvent()
	if err := s.Launch(func() { ev.Complete(nil) }); err != nil {
		return nil, err
	}
	return ev, nil
}

// Synchronize blocks until all submitted work has run.
func (s *Stream) Synchronize() error {
	ev, err := s.Record()
	if err != nil {
		return err
	}
	return ev.Wait()
}

// Pause holds queued work until Resume. Work already running finishes.
func (s *Stream) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume releases work held by Pause.
func (s *Stream) Resume() {
	s.mu.Lock()
	s.paused = false
	s.cond.Signal()
	s.mu.Unlock()
}

// Pending returns the number of queued work items.
func (s *Stream) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close runs the remaining queue, then stops the worker. Further
// submissions fail with ErrStreamClosed.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.exited
		return
	}
	s.closed = true
	s.paused = false
	n := len(s.queue)
	s.cond.Signal()
	s.mu.Unlock()

	if n > 0 {
		logger.L.Debug("draining stream", "stream", s.name, "pending", n)
	}
	<-s.exited
}
