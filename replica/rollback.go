package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/did-method-plc/go-oplogsync/oplog"
)

// Span is the range of entries a sync target currently retains.
type Span struct {
	Oldest *oplog.Entry `json:"oldest"`
	Newest *oplog.Entry `json:"newest"`
}

func (s Span) IsEmpty() bool {
	return s.Oldest == nil || s.Newest == nil
}

func (s Span) String() string {
	if s.IsEmpty() {
		return "[]"
	}
	return fmt.Sprintf("[%s..%s]", s.Oldest.GTID, s.Newest.GTID)
}

// Contains reports whether g lies within the span, inclusive.
func (s Span) Contains(g oplog.GTID) bool {
	if s.IsEmpty() {
		return false
	}
	return s.Oldest.GTID.Compare(g) <= 0 && g.Compare(s.Newest.GTID) <= 0
}

// RollbackRequired reports whether a node that has applied up to lastApplied
// would diverge by syncing from a target retaining span: the applied
// position must lie inside the target's log. A node that has applied
// nothing never needs a rollback.
func RollbackRequired(lastApplied oplog.GTID, span Span) bool {
	if lastApplied.IsZero() {
		return false
	}
	return !span.Contains(lastApplied)
}

// IsStale reports whether the target has rotated past the point needed to
// continue from lastFetched. A node that has fetched nothing starts from the
// oldest retained entry and is never stale.
func IsStale(lastFetched, oldest oplog.GTID) bool {
	if lastFetched.IsZero() {
		return false
	}
	return lastFetched.Less(oldest)
}

// ConnectionError means the sync target could not be reached or the stream
// broke. The producer reselects after a backoff.
type ConnectionError struct {
	Target string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("sync target %s: %v", e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Conflict kinds carried by ValidationError.
const (
	ConflictRollback = "rollback"
	ConflictStale    = "stale"
)

// ValidationError means a target failed the rollback or staleness check.
// It is never retried against the same target.
type ValidationError struct {
	Kind   string
	Target string
	Local  oplog.GTID
	Span   Span
}

func (e *ValidationError) Error() string {
	switch e.Kind {
	case ConflictRollback:
		return fmt.Sprintf("rollback required: last applied %s outside %s span %s", e.Local, e.Target, e.Span)
	case ConflictStale:
		if e.Span.Oldest == nil {
			return fmt.Sprintf("too stale to sync from %s: last fetched %s no longer retained", e.Target, e.Local)
		}
		return fmt.Sprintf("too stale to sync from %s: last fetched %s, oldest retained %s", e.Target, e.Local, e.Span.Oldest.GTID)
	}
	return fmt.Sprintf("sync target %s failed validation", e.Target)
}

// ErrOutdatedCursor is returned by a Reader when the target discarded the
// entries following the stream cursor.
var ErrOutdatedCursor = errors.New("outdated cursor")

// ErrNoSyncTarget means the topology currently assigns no sync target.
var ErrNoSyncTarget = errors.New("no sync target assigned")

// isRollbackRequired checks the local applied position against r's span.
func (bs *BackgroundSync) isRollbackRequired(ctx context.Context, r Reader) (bool, Span, error) {
	span, err := r.Span(ctx)
	if err != nil {
		return false, Span{}, err
	}
	return RollbackRequired(bs.applied.LastAppliedGTID(), span), span, nil
}

// isStale checks the furthest fetched position against r's oldest retained
// entry, which it returns for the caller's diagnostics.
func (bs *BackgroundSync) isStale(ctx context.Context, r Reader) (bool, *oplog.Entry, error) {
	span, err := r.Span(ctx)
	if err != nil {
		return false, nil, err
	}
	if span.IsEmpty() {
		return false, nil, nil
	}
	return IsStale(bs.LastFetched(), span.Oldest.GTID), span.Oldest, nil
}

// validateTarget runs the rollback check, then the staleness check.
func (bs *BackgroundSync) validateTarget(ctx context.Context, target string, r Reader) error {
	rollback, span, err := bs.isRollbackRequired(ctx, r)
	if err != nil {
		return &ConnectionError{Target: target, Err: err}
	}
	if rollback {
		return &ValidationError{Kind: ConflictRollback, Target: target, Local: bs.applied.LastAppliedGTID(), Span: span}
	}

	stale, oldest, err := bs.isStale(ctx, r)
	if err != nil {
		return &ConnectionError{Target: target, Err: err}
	}
	if stale {
		return &ValidationError{Kind: ConflictStale, Target: target, Local: bs.LastFetched(), Span: Span{Oldest: oldest, Newest: span.Newest}}
	}
	return nil
}

// LogConflicts is a ConflictHandler that only logs. Rolling back or resyncing
// is left to an operator.
type LogConflicts struct {
	logger *slog.Logger
}

func NewLogConflicts(logger *slog.Logger) *LogConflicts {
	return &LogConflicts{logger: logger.With("component", "conflicts")}
}

func (c *LogConflicts) RollbackRequired(target string, lastApplied oplog.GTID, span Span) {
	c.logger.Error("rollback required: local oplog diverges from sync target",
		"target", target, "lastApplied", lastApplied, "targetSpan", span.String())
}

func (c *LogConflicts) ResyncRequired(target string, lastFetched oplog.GTID, oldest *oplog.Entry) {
	var oldestGTID oplog.GTID
	if oldest != nil {
		oldestGTID = oldest.GTID
	}
	c.logger.Error("resync required: sync target has rotated past local position",
		"target", target, "lastFetched", lastFetched, "oldest", oldestGTID)
}

var _ ConflictHandler = (*LogConflicts)(nil)
