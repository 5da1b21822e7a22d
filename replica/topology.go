package replica

import (
	"context"
	"sync"
	"time"

	"github.com/did-method-plc/go-oplogsync/oplog"
)

type MemberRole int

const (
	RoleSecondary MemberRole = iota
	RolePrimary
)

func (r MemberRole) String() string {
	if r == RolePrimary {
		return "primary"
	}
	return "secondary"
}

// Member is a node in the replica set, identified by ID.
type Member struct {
	ID   string
	Addr string
}

// Topology is the replica set view owned outside the sync engine. The engine
// only reads the role and the assigned target, and vetoes targets that fail
// validation. Implementations may hold their own lock while calling into the
// engine; the engine never calls a Topology while holding its own lock.
type Topology interface {
	Role() MemberRole
	// SyncTarget returns the ID of the member to sync from, if any.
	SyncTarget() (string, bool)
	Member(id string) (Member, bool)
	// Veto asks for a different target for at least d.
	Veto(id string, d time.Duration)
}

// Reader streams entries from a sync target.
type Reader interface {
	// Span returns the entries retained by the target when the reader
	// connected.
	Span(ctx context.Context) (Span, error)
	// Next blocks until entries after the cursor are available. An empty
	// batch is a keepalive. It returns ErrOutdatedCursor if the target
	// discarded the cursor.
	Next(ctx context.Context) ([]*oplog.Entry, error)
	Close() error
}

// Dialer opens a Reader on a member, positioned strictly after the given
// GTID. A zero GTID starts from the member's oldest retained entry.
type Dialer interface {
	Connect(ctx context.Context, m Member, after oplog.GTID) (Reader, error)
}

// StaticTopology assigns sync targets from a fixed member list in order,
// skipping vetoed members and this node itself.
type StaticTopology struct {
	mu        sync.RWMutex
	self      string
	role      MemberRole
	members   []Member
	vetoed    map[string]time.Time
	listeners []func(MemberRole)
}

func NewStaticTopology(self string, role MemberRole, members []Member) *StaticTopology {
	return &StaticTopology{
		self:    self,
		role:    role,
		members: members,
		vetoed:  make(map[string]time.Time),
	}
}

// MembersFromSeeds turns seed addresses into members keyed by address.
func MembersFromSeeds(seeds []string) []Member {
	members := make([]Member, 0, len(seeds))
	for _, s := range seeds {
		members = append(members, Member{ID: s, Addr: s})
	}
	return members
}

func (t *StaticTopology) Role() MemberRole {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.role
}

// OnRoleChange registers fn to be called after every role change.
func (t *StaticTopology) OnRoleChange(fn func(MemberRole)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// SetRole changes the node role and notifies listeners if it changed.
func (t *StaticTopology) SetRole(role MemberRole) {
	t.mu.Lock()
	changed := t.role != role
	t.role = role
	listeners := append([]func(MemberRole){}, t.listeners...)
	t.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range listeners {
		fn(role)
	}
}

func (t *StaticTopology) AddMember(m Member) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, existing := range t.members {
		if existing.ID == m.ID {
			return
		}
	}
	t.members = append(t.members, m)
}

// SyncTarget returns the first member that isn't this node and isn't vetoed.
// A primary has no sync target.
func (t *StaticTopology) SyncTarget() (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.role == RolePrimary {
		return "", false
	}
	now := time.Now()
	for _, m := range t.members {
		if m.ID == t.self {
			continue
		}
		if until, ok := t.vetoed[m.ID]; ok && now.Before(until) {
			continue
		}
		return m.ID, true
	}
	return "", false
}

func (t *StaticTopology) Member(id string) (Member, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, m := range t.members {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

func (t *StaticTopology) Veto(id string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.vetoed[id] = time.Now().Add(d)
}

// FollowRole pauses bs while t reports this node as primary and resumes it
// when the node goes back to being a secondary.
func FollowRole(t *StaticTopology, bs *BackgroundSync) {
	if t.Role() == RolePrimary {
		bs.Stop()
	}
	t.OnRoleChange(func(role MemberRole) {
		if role == RolePrimary {
			bs.Stop()
		} else {
			bs.Start()
		}
	})
}
