package replica

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/did-method-plc/go-oplogsync/oplog"
)

// ErrAlreadyRunning is returned by Run when another producer loop is already
// running on the same instance.
var ErrAlreadyRunning = errors.New("background sync producer already running")

// SyncSource is everything the applier may use. It must not reach into the
// producer any other way.
type SyncSource interface {
	// Peek returns the next entry to apply without removing it.
	Peek() (*oplog.Entry, bool)
	// Consume removes the entry returned by Peek, once it has been applied.
	Consume()
	// SyncTarget returns the member currently being synced from.
	SyncTarget() (string, bool)
	// WaitForMore waits up to a second for an entry to become available.
	WaitForMore(ctx context.Context) bool
	Stats() Stats
}

type ProducerState int

const (
	StateStopped ProducerState = iota
	StateSelecting
	StateFetching
	StatePaused
)

func (s ProducerState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateSelecting:
		return "selecting"
	case StateFetching:
		return "fetching"
	case StatePaused:
		return "paused"
	}
	return "unknown"
}

// ConflictHandler is told when a sync target fails validation. Neither
// condition is retried against the same target; acting on it (rollback or
// full resync) is up to the handler.
type ConflictHandler interface {
	RollbackRequired(target string, lastApplied oplog.GTID, span Span)
	ResyncRequired(target string, lastFetched oplog.GTID, oldest *oplog.Entry)
}

/*

BackgroundSync pulls entries from the assigned sync target into a Buffer for
the applier.

Lock order, outermost first:

1. the replica set lock (owned by the caller)
2. the Topology's lock
3. BackgroundSync.mu

mu is never held while calling the Topology, the Dialer, a Reader or the
ConflictHandler. Apply progress is tracked by the Notifier under its own lock.

*/

type BackgroundSync struct {
	buffer    *Buffer
	topology  Topology
	dialer    Dialer
	applied   *Notifier
	settings  *Settings
	conflicts ConflictHandler
	logger    *slog.Logger

	mu            sync.Mutex
	state         ProducerState
	running       bool
	paused        bool
	resume        chan struct{} // closed when paused flips back to false
	cancelSession context.CancelFunc
	currentTarget string
	lastFetched   oplog.GTID
	lastConflict  error

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewBackgroundSync creates the sync engine. The fetch position starts at the
// notifier's last applied GTID.
func NewBackgroundSync(topology Topology, dialer Dialer, applied *Notifier, settings *Settings, logger *slog.Logger) *BackgroundSync {
	if settings == nil {
		settings = NewSettings()
	}
	return &BackgroundSync{
		buffer:      NewBuffer(settings.BufferSize),
		topology:    topology,
		dialer:      dialer,
		applied:     applied,
		settings:    settings,
		logger:      logger.With("component", "bgsync"),
		state:       StateStopped,
		resume:      make(chan struct{}),
		lastFetched: applied.LastAppliedGTID(),
		shutdown:    make(chan struct{}),
	}
}

// OnConflict sets the handler told about rollback and resync conditions.
// Must be called before Run.
func (bs *BackgroundSync) OnConflict(h ConflictHandler) {
	bs.conflicts = h
}

func (bs *BackgroundSync) Peek() (*oplog.Entry, bool) {
	return bs.buffer.Peek()
}

func (bs *BackgroundSync) Consume() {
	bs.buffer.Consume()
}

func (bs *BackgroundSync) WaitForMore(ctx context.Context) bool {
	return bs.buffer.WaitForMore(ctx, waitForMoreTimeout)
}

func (bs *BackgroundSync) Stats() Stats {
	return bs.buffer.Stats()
}

func (bs *BackgroundSync) SyncTarget() (string, bool) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.currentTarget, bs.currentTarget != ""
}

func (bs *BackgroundSync) State() ProducerState {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.state
}

// LastFetched is the furthest position pushed into the buffer.
func (bs *BackgroundSync) LastFetched() oplog.GTID {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.lastFetched
}

// LastConflict returns the most recent validation failure, or nil.
func (bs *BackgroundSync) LastConflict() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.lastConflict
}

func (bs *BackgroundSync) Paused() bool {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.paused
}

// Stop pauses fetching; called when this node becomes primary. Once Stop
// returns nothing more is pushed into the buffer, but buffered entries can
// still be drained.
func (bs *BackgroundSync) Stop() {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.paused {
		return
	}
	bs.paused = true
	if bs.cancelSession != nil {
		bs.cancelSession()
		bs.cancelSession = nil
	}
	if bs.state != StateStopped {
		bs.state = StatePaused
	}
	bs.currentTarget = ""
	bs.logger.Info("sync paused")
}

// Start resumes fetching after Stop; called when this node goes back to
// being a secondary. Fetching restarts from the applied position if entries
// were written locally while stopped.
func (bs *BackgroundSync) Start() {
	applied := bs.applied.LastAppliedGTID()

	bs.mu.Lock()
	defer bs.mu.Unlock()
	if !bs.paused {
		return
	}
	if bs.lastFetched.Less(applied) {
		bs.logger.Info("fetch position moved to applied position", "from", bs.lastFetched, "to", applied)
		bs.lastFetched = applied
	}
	bs.paused = false
	close(bs.resume)
	bs.resume = make(chan struct{})
	bs.logger.Info("sync resumed")
}

// Shutdown stops the producer and wakes everything blocked in the buffer or
// waiting on the notifier.
func (bs *BackgroundSync) Shutdown() {
	bs.shutdownOnce.Do(func() {
		close(bs.shutdown)
		bs.buffer.Close()
		bs.applied.Close()
		bs.logger.Info("sync shut down")
	})
}

// Done is closed by Shutdown.
func (bs *BackgroundSync) Done() <-chan struct{} {
	return bs.shutdown
}

func (bs *BackgroundSync) setState(s ProducerState) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.setStateLocked(s)
}

// setStateLocked changes state. While paused only Paused and Stopped stick,
// so a cycle racing with Stop can't report itself as active.
func (bs *BackgroundSync) setStateLocked(s ProducerState) {
	if bs.state == s {
		return
	}
	if bs.paused && s != StatePaused && s != StateStopped {
		return
	}
	bs.logger.Debug("producer state change", "from", bs.state, "to", s)
	bs.state = s
}

// setTarget records the target being synced from. It is a no-op while
// paused, since Stop already cleared it.
func (bs *BackgroundSync) setTarget(id string) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.paused {
		return
	}
	bs.currentTarget = id
}

// advanceFetched moves the fetch position forward; it never moves back.
func (bs *BackgroundSync) advanceFetched(g oplog.GTID) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.lastFetched.Less(g) {
		bs.lastFetched = g
	}
}

// claimRun marks the producer loop as running. It fails if it already is.
func (bs *BackgroundSync) claimRun() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.running {
		return ErrAlreadyRunning
	}
	bs.running = true
	return nil
}

func (bs *BackgroundSync) releaseRun() {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.running = false
}

// newSession returns a context that Stop cancels, or false if paused.
func (bs *BackgroundSync) newSession(ctx context.Context) (context.Context, bool) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.paused {
		return nil, false
	}
	sctx, cancel := context.WithCancel(ctx)
	bs.cancelSession = cancel
	return sctx, true
}

func (bs *BackgroundSync) endSession() {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.cancelSession != nil {
		bs.cancelSession()
		bs.cancelSession = nil
	}
}

// waitActive blocks while paused. It returns false once ctx is done.
func (bs *BackgroundSync) waitActive(ctx context.Context) bool {
	for {
		bs.mu.Lock()
		paused := bs.paused
		resume := bs.resume
		if paused {
			bs.setStateLocked(StatePaused)
		}
		bs.mu.Unlock()

		if !paused {
			return ctx.Err() == nil
		}
		select {
		case <-resume:
		case <-ctx.Done():
			return false
		}
	}
}

// Provider hands out the single BackgroundSync of a process, building it on
// first use. Its lock only guards construction and is separate from the
// instance's own lock, so the constructor may use the instance freely.
type Provider struct {
	mu    sync.Mutex
	inst  *BackgroundSync
	build func() *BackgroundSync
}

func NewProvider(build func() *BackgroundSync) *Provider {
	return &Provider{build: build}
}

func (p *Provider) Get() *BackgroundSync {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inst == nil {
		p.inst = p.build()
		if p.inst == nil {
			panic("replica: Provider build returned nil BackgroundSync")
		}
	}
	return p.inst
}

// Shutdown shuts down the instance if one was built.
func (p *Provider) Shutdown() {
	p.mu.Lock()
	inst := p.inst
	p.mu.Unlock()
	if inst != nil {
		inst.Shutdown()
	}
}

var _ SyncSource = (*BackgroundSync)(nil)
