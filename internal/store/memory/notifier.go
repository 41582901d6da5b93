package memory

import (
	"context"
	"sync"

	"github.com/ramiqadoumi/go-task-dispatch/internal/scheduler"
)

var _ scheduler.Notifier = (*Notifier)(nil)

// Notifier records notifications instead of delivering them.
type Notifier struct {
	mu   sync.Mutex
	sent []scheduler.Notification
	fail error
}

// NewNotifier returns an empty Notifier.
func NewNotifier() *Notifier {
	return &Notifier{}
}

func (n *Notifier) Notify(_ context.Context, msg scheduler.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return n.fail
	}
	n.sent = append(n.sent, msg)
	return nil
}

// FailWith makes every following Notify return err, until called with nil.
func (n *Notifier) FailWith(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fail = err
}

// Sent returns the notifications delivered so far.
func (n *Notifier) Sent() []scheduler.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]scheduler.Notification(nil), n.sent...)
}
