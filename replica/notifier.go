package replica

import (
	"context"
	"sync"

	"github.com/did-method-plc/go-oplogsync/oplog"
)

// Notifier records how far the applier has got. It has its own lock so that
// apply progress is never held up by the producer's bookkeeping.
type Notifier struct {
	mu         sync.Mutex
	lastGTID   oplog.GTID
	lastOpTime oplog.OpTime
	changed    chan struct{}
	closed     chan struct{}
	closeOnce  sync.Once
}

func NewNotifier() *Notifier {
	return &Notifier{
		changed: make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

// NotifyApplied records that the entry at gtid, stamped ts, has been applied.
// Positions never move backwards.
func (n *Notifier) NotifyApplied(gtid oplog.GTID, ts oplog.OpTime) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.lastGTID.Less(gtid) {
		n.lastGTID = gtid
	}
	if n.lastOpTime.Before(ts) {
		n.lastOpTime = ts
	}
	close(n.changed)
	n.changed = make(chan struct{})
}

func (n *Notifier) LastAppliedGTID() oplog.GTID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastGTID
}

func (n *Notifier) LastApplied() oplog.OpTime {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastOpTime
}

// WaitApplied blocks until an entry at or after ts has been applied.
func (n *Notifier) WaitApplied(ctx context.Context, ts oplog.OpTime) error {
	for {
		n.mu.Lock()
		reached := !n.lastOpTime.Before(ts)
		changed := n.changed
		n.mu.Unlock()
		if reached {
			return nil
		}

		select {
		case <-changed:
		case <-n.closed:
			return ErrShutdown
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close releases every WaitApplied caller with ErrShutdown.
func (n *Notifier) Close() {
	n.closeOnce.Do(func() { close(n.closed) })
}
