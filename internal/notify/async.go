package notify

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrQueueFull = errors.New("notification queue is full")
	ErrClosed    = errors.New("notifier is closed")
)

const defaultQueueSize = 16

type queuedNote struct {
	title   string
	body    string
	urgency Urgency
}

// Async hands notifications to a background worker so a slow notifier
// (an external command) never blocks the fetch path. Notifications are
// delivered in order; when the queue is full they are dropped.
type Async struct {
	next Notifier
	log  *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan queuedNote
	done   chan struct{}
}

func NewAsync(next Notifier, size int, log *zap.Logger) *Async {
	if size <= 0 {
		size = defaultQueueSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	a := &Async{
		next:  next,
		log:   log,
		queue: make(chan queuedNote, size),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

// Show enqueues the notification and returns at once. The caller's context
// is not carried over; delivery outlives the fetch that raised it.
func (a *Async) Show(_ context.Context, title, body string, urgency Urgency) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- queuedNote{title: title, body: body, urgency: urgency}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting notifications and waits for queued ones to finish.
func (a *Async) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
	return nil
}

func (a *Async) run() {
	defer close(a.done)
	for n := range a.queue {
		if err := a.next.Show(context.Background(), n.title, n.body, n.urgency); err != nil {
			a.log.Warn("notification delivery failed", zap.String("title", n.title), zap.Error(err))
		}
	}
}
