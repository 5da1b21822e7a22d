package replica

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/did-method-plc/go-oplogsync/oplog"
)

// OplogWriter is where the applier writes entries.
type OplogWriter interface {
	Append(ctx context.Context, entries ...*oplog.Entry) error
}

// Applier drains a SyncSource into the local oplog, one entry at a time, and
// reports progress to the Notifier.
type Applier struct {
	src        SyncSource
	store      OplogWriter
	applied    *Notifier
	slaveDelay time.Duration
	recovering atomic.Bool
	logger     *slog.Logger
}

func NewApplier(src SyncSource, store OplogWriter, applied *Notifier, settings *Settings, logger *slog.Logger) *Applier {
	a := &Applier{
		src:        src,
		store:      store,
		applied:    applied,
		slaveDelay: settings.SlaveDelay,
		logger:     logger.With("component", "applier"),
	}
	a.recovering.Store(settings.StartInRecovery)
	return a
}

// SetRecovering holds (true) or releases (false) the applier. Fetched entries
// keep accumulating in the buffer while it is held.
func (a *Applier) SetRecovering(recovering bool) {
	a.recovering.Store(recovering)
	a.logger.Info("recovery mode changed", "recovering", recovering)
}

func (a *Applier) Recovering() bool {
	return a.recovering.Load()
}

// Run applies entries until ctx is done.
func (a *Applier) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if a.recovering.Load() {
			if !sleepCtx(ctx, waitForMoreTimeout) {
				return nil
			}
			continue
		}
		if !a.src.WaitForMore(ctx) {
			if a.sourceDone() {
				a.logger.Info("sync source shut down, applier exiting")
				return nil
			}
			continue
		}
		entry, ok := a.src.Peek()
		if !ok {
			continue
		}
		if !a.applyOne(ctx, entry) {
			return nil
		}
	}
}

// sourceDone reports whether the source has shut down with nothing left to
// apply.
func (a *Applier) sourceDone() bool {
	d, ok := a.src.(interface{ Done() <-chan struct{} })
	if !ok {
		return false
	}
	select {
	case <-d.Done():
		_, more := a.src.Peek()
		return !more
	default:
		return false
	}
}

// applyOne writes entry, then consumes it. Returns false if ctx ended first.
func (a *Applier) applyOne(ctx context.Context, entry *oplog.Entry) bool {
	if !a.applied.LastAppliedGTID().Less(entry.GTID) {
		a.logger.Debug("skipping already applied entry", "gtid", entry.GTID)
		a.src.Consume()
		return true
	}

	if a.slaveDelay > 0 {
		if wait := time.Until(entry.WallTime.Add(a.slaveDelay)); wait > 0 {
			if !sleepCtx(ctx, wait) {
				return false
			}
		}
	}

	for {
		err := a.store.Append(ctx, entry)
		if err == nil {
			break
		}
		// Most likely a transient db issue; all we can do is wait for it.
		a.logger.Error("failed to apply entry, retrying", "gtid", entry.GTID, "error", err)
		if !sleepCtx(ctx, 1*time.Second) {
			return false
		}
	}

	a.src.Consume()
	a.applied.NotifyApplied(entry.GTID, entry.TS)
	AppliedOpsCounter.Add(ctx, 1)
	LastAppliedOpTsGauge.Record(ctx, entry.WallTime.Unix())
	return true
}
