package events

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"sessionpilot/internal/logger"
)

// ErrRecorderClosed is returned by Append after Close.
var ErrRecorderClosed = errors.New("event recorder is closed")

const listenerBuffer = 1024

// Listener observes committed events in log order. Errors are logged and
// never reach the caller of Append.
type Listener interface {
	Name() string
	OnEvent(evt Event) error
}

type listenerFunc struct {
	name string
	fn   func(Event) error
}

func (l listenerFunc) Name() string            { return l.name }
func (l listenerFunc) OnEvent(evt Event) error { return l.fn(evt) }

// ListenerFunc adapts a function into a named Listener.
func ListenerFunc(name string, fn func(Event) error) Listener {
	return listenerFunc{name: name, fn: fn}
}

// Recorder is the session's append-only event log. The in-memory slice is
// the source of truth; Store mirrors it to disk and listeners are fed from a
// single dispatch goroutine so they see events in Append order.
type Recorder struct {
	mu      sync.Mutex
	store   Store
	log     []Event
	seq     int64
	summary Summary
	nowFn   func() time.Time
	closed  bool
	dropped int

	listeners  []Listener
	dispatchCh chan Event
	wg         sync.WaitGroup
}

func NewRecorder(store Store, listeners ...Listener) *Recorder {
	r := &Recorder{
		store: store,
		nowFn: time.Now,
	}
	for _, l := range listeners {
		if l != nil {
			r.listeners = append(r.listeners, l)
		}
	}
	if len(r.listeners) > 0 {
		r.dispatchCh = make(chan Event, listenerBuffer)
		r.wg.Add(1)
		go r.dispatchLoop()
	}
	return r
}

// Append commits evt to the log. The store is written first; when it fails
// nothing is committed and the error is unrecoverable for the session.
// Listener delivery never blocks: a full queue drops the event for listeners.
func (r *Recorder) Append(evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRecorderClosed
	}
	evt = evt.clone()
	evt.Seq = r.seq + 1
	now := r.nowFn().UTC()
	if evt.Timestamp.IsZero() {
		evt.Timestamp = now
	}
	if n := len(r.log); n > 0 && evt.Timestamp.Before(r.log[n-1].Timestamp) {
		evt.Timestamp = r.log[n-1].Timestamp
	}
	if r.store != nil {
		if err := r.store.Append(evt); err != nil {
			return fmt.Errorf("event recorder: append %s: %w", evt.Type, err)
		}
	}
	r.seq = evt.Seq
	r.log = append(r.log, evt)
	r.summary.fold(evt)

	if r.dispatchCh != nil {
		select {
		case r.dispatchCh <- evt:
		default:
			r.dropped++
			logger.Warnf("event listeners lagging, dropped %s #%d (total dropped %d)", evt.Type, evt.Seq, r.dropped)
		}
	}
	return nil
}

// Dropped counts events listeners never saw because their queue was full.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Snapshot returns the derived summary. It never touches the log.
func (r *Recorder) Snapshot() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary.clone()
}

// Events returns a copy of the log in Append order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.log))
	for i, evt := range r.log {
		out[i] = evt.clone()
	}
	return out
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.log)
}

// Close drains pending listener deliveries and closes the store.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	if r.dispatchCh != nil {
		close(r.dispatchCh)
	}
	r.mu.Unlock()

	r.wg.Wait()
	if r.store != nil {
		return r.store.Close()
	}
	return nil
}

func (r *Recorder) dispatchLoop() {
	defer r.wg.Done()
	for evt := range r.dispatchCh {
		for _, l := range r.listeners {
			r.deliver(l, evt)
		}
	}
}

func (r *Recorder) deliver(l Listener, evt Event) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("event listener %s panic on %s: %v\n%s", l.Name(), evt.Type, rec, debug.Stack())
		}
	}()
	if err := l.OnEvent(evt); err != nil {
		logger.Warnf("event listener %s failed on %s #%d: %v", l.Name(), evt.Type, evt.Seq, err)
	}
}
