package replica

import (
	"context"
	"sync"
	"time"

	"github.com/did-method-plc/go-oplogsync/oplog"
)

// StubSource is an in-memory SyncSource for exercising an applier without a
// running producer.
type StubSource struct {
	mu       sync.Mutex
	entries  []*oplog.Entry
	target   string
	produced uint64
}

func NewStubSource(target string, entries ...*oplog.Entry) *StubSource {
	s := &StubSource{target: target}
	s.Add(entries...)
	return s
}

// Add appends entries as if the producer had fetched them.
func (s *StubSource) Add(entries ...*oplog.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	s.produced += uint64(len(entries))
}

func (s *StubSource) Peek() (*oplog.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return nil, false
	}
	return s.entries[0], true
}

func (s *StubSource) Consume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) > 0 {
		s.entries = s.entries[1:]
	}
}

func (s *StubSource) SyncTarget() (string, bool) {
	return s.target, s.target != ""
}

// WaitForMore waits briefly when empty rather than for a full second.
func (s *StubSource) WaitForMore(ctx context.Context) bool {
	if s.Len() > 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(10 * time.Millisecond):
	}
	return s.Len() > 0
}

func (s *StubSource) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *StubSource) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{QueueSize: len(s.entries), ElementsProduced: s.produced}
}

var _ SyncSource = (*StubSource)(nil)
