package device

import "sync"

// Event completes once, optionally with an error. Waiters block on a
// channel that is closed on completion.
type Event struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewEvent returns a pending event.
func NewEvent() *Event {
	return &Event{done: make(chan struct{})}
}

// Complete resolves the event. Only the first call has an effect.
func (e *Event) Complete(err error) {
	e.once.Do(func() {
		e.err = err
		close(e.done)
	})
}

// Wait blocks until the event completes and returns its error.
func (e *Event) Wait() error {
	<-e.done
	return e.err
}

// Done reports whether the event has completed.
func (e *Event) Done() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// C returns a channel closed on completion.
func (e *Event) C() <-chan struct{} { return e.done }
