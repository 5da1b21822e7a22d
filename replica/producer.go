package replica

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// statsInterval is how often queue metrics are recorded.
const statsInterval = 1 * time.Second

// Run is the producer loop. It selects a sync target, validates it, and
// streams entries into the buffer until the target fails or changes, then
// selects again. Each cycle runs inside a recover boundary, so a panic is
// logged and selection restarts. Run returns when ctx is done or Shutdown is
// called. Only one Run may be active per instance; a second concurrent call
// returns ErrAlreadyRunning.
func (bs *BackgroundSync) Run(ctx context.Context) error {
	if err := bs.claimRun(); err != nil {
		bs.logger.Error("refusing to start a second producer", "error", err)
		return err
	}
	defer bs.releaseRun()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-bs.shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()
	go bs.recordStats(ctx)

	defer bs.setState(StateStopped)

	b := bs.newBackoff()
	for {
		if !bs.waitActive(ctx) {
			return nil
		}

		err := bs.safeCycle(ctx, b)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			continue
		}

		reason := "error"
		var verr *ValidationError
		var cerr *ConnectionError
		switch {
		case errors.As(err, &verr):
			reason = verr.Kind
			bs.logger.Warn("sync target rejected", "target", verr.Target, "error", err)
		case errors.Is(err, ErrNoSyncTarget):
			reason = "no_target"
			bs.logger.Debug("no sync target available")
		case errors.As(err, &cerr):
			reason = "connection"
			bs.logger.Warn("sync target connection failed", "target", cerr.Target, "error", err)
		default:
			bs.logger.Error("sync cycle failed", "error", err)
		}
		ReselectCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))

		delay := b.NextBackOff()
		bs.logger.Debug("backing off before selecting sync target", "delay", delay)
		if !sleepCtx(ctx, delay) {
			return nil
		}
	}
}

func (bs *BackgroundSync) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = bs.settings.BackoffInitial
	b.MaxInterval = bs.settings.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0 // never give up
	b.Reset()
	return b
}

// safeCycle runs one cycle, turning a panic into an error.
func (bs *BackgroundSync) safeCycle(ctx context.Context, b backoff.BackOff) (err error) {
	defer func() {
		if r := recover(); r != nil {
			bs.logger.Error("panic in sync cycle", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic in sync cycle: %v", r)
		}
	}()
	return bs.cycle(ctx, b)
}

// cycle is one pass through Selecting and, if the target validates, Fetching.
func (bs *BackgroundSync) cycle(ctx context.Context, b backoff.BackOff) error {
	bs.setState(StateSelecting)

	session, ok := bs.newSession(ctx)
	if !ok {
		return nil
	}
	defer bs.endSession()

	id, ok := bs.topology.SyncTarget()
	if !ok {
		bs.setTarget("")
		return ErrNoSyncTarget
	}
	member, ok := bs.topology.Member(id)
	if !ok {
		bs.setTarget("")
		return ErrNoSyncTarget
	}
	bs.setTarget(id)

	r, err := bs.connect(session, member)
	if err != nil {
		if session.Err() != nil {
			return nil
		}
		return err
	}
	defer r.Close()

	bs.setState(StateFetching)
	return bs.fetch(session, id, r, b)
}

// connect opens a reader on member and validates it.
func (bs *BackgroundSync) connect(ctx context.Context, member Member) (Reader, error) {
	ctx, span := tracer.Start(ctx, "bgsync.connect", trace.WithAttributes(
		attribute.String("target", member.ID),
		attribute.String("after", bs.LastFetched().String()),
	))
	defer span.End()

	r, err := bs.dialer.Connect(ctx, member, bs.LastFetched())
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, &ConnectionError{Target: member.ID, Err: err}
	}

	if err := bs.validateTarget(ctx, member.ID, r); err != nil {
		r.Close()
		span.SetStatus(codes.Error, err.Error())
		var verr *ValidationError
		if errors.As(err, &verr) {
			bs.reportConflict(ctx, verr)
		}
		return nil, err
	}

	bs.logger.Info("syncing from target", "target", member.ID, "addr", member.Addr, "after", bs.LastFetched())
	return r, nil
}

// fetch streams batches from r into the buffer. It returns nil when the
// session ends or the topology assigns a different target.
func (bs *BackgroundSync) fetch(ctx context.Context, id string, r Reader, b backoff.BackOff) error {
	for {
		batch, err := r.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrOutdatedCursor) {
				verr := &ValidationError{Kind: ConflictStale, Target: id, Local: bs.LastFetched()}
				bs.reportConflict(ctx, verr)
				return verr
			}
			return &ConnectionError{Target: id, Err: err}
		}

		for _, op := range batch {
			if err := op.Verify(); err != nil {
				return &ConnectionError{Target: id, Err: err}
			}
			if !bs.LastFetched().Less(op.GTID) {
				bs.logger.Debug("skipping already fetched entry", "gtid", op.GTID)
				continue
			}
			if err := bs.buffer.Push(ctx, op); err != nil {
				if errors.Is(err, ErrShutdown) || ctx.Err() != nil {
					return nil
				}
				return err
			}
			bs.advanceFetched(op.GTID)
			FetchedOpsCounter.Add(ctx, 1)
		}
		if len(batch) > 0 {
			LastFetchedSeqGauge.Record(ctx, int64(bs.LastFetched().Seq))
			b.Reset()
		}

		if cur, ok := bs.topology.SyncTarget(); !ok || cur != id {
			bs.logger.Info("sync target changed", "from", id, "to", cur)
			return nil
		}
	}
}

// reportConflict records a validation failure, vetoes the target and tells
// the conflict handler. Must not be called with bs.mu held.
func (bs *BackgroundSync) reportConflict(ctx context.Context, verr *ValidationError) {
	bs.mu.Lock()
	bs.lastConflict = verr
	bs.mu.Unlock()

	ConflictCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", verr.Kind)))
	bs.topology.Veto(verr.Target, vetoDuration)

	if bs.conflicts == nil {
		return
	}
	switch verr.Kind {
	case ConflictRollback:
		bs.conflicts.RollbackRequired(verr.Target, verr.Local, verr.Span)
	case ConflictStale:
		bs.conflicts.ResyncRequired(verr.Target, verr.Local, verr.Span.Oldest)
	}
}

// recordStats periodically records buffer and producer metrics.
func (bs *BackgroundSync) recordStats(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := bs.Stats()
			BufferQueueGauge.Record(ctx, int64(stats.QueueSize))
			BufferWaitGauge.Record(ctx, int64(stats.WaitTimeMicros))
			state := bs.State()
			for _, s := range []ProducerState{StateStopped, StateSelecting, StateFetching, StatePaused} {
				var v int64
				if s == state {
					v = 1
				}
				ProducerStateGauge.Record(ctx, v, metric.WithAttributes(attribute.String("state", s.String())))
			}
		}
	}
}

// sleepCtx sleeps for the given duration or until the context is cancelled.
// Returns true if the sleep completed, false if the context was cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
