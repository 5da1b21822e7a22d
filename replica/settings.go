package replica

import (
	"encoding/json"
	"slices"
	"sync"
	"time"
)

const (
	// DefaultBufferSize is the number of fetched entries held for the applier.
	DefaultBufferSize = 10000

	// waitForMoreTimeout bounds how long consumers block in WaitForMore.
	waitForMoreTimeout = 1 * time.Second

	// vetoDuration is how long a rejected sync target is skipped.
	vetoDuration = 10 * time.Second
)

// Settings is the process-wide replication configuration. Fields other than
// the seed set are written once at startup or on reconfiguration.
type Settings struct {
	FastSync        bool
	StartInRecovery bool
	AutoResync      bool
	SlaveDelay      time.Duration
	BufferSize      int

	// Backoff applied between failed sync attempts.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// Reconfig is the most recent reconfiguration document, if any.
	Reconfig json.RawMessage

	seedsMu sync.Mutex
	seeds   []string
}

func NewSettings() *Settings {
	return &Settings{
		BufferSize:     DefaultBufferSize,
		BackoffInitial: 200 * time.Millisecond,
		BackoffMax:     30 * time.Second,
	}
}

// AddSeed records a discovered seed address. Duplicates are ignored.
func (s *Settings) AddSeed(addr string) {
	s.seedsMu.Lock()
	defer s.seedsMu.Unlock()
	if slices.Contains(s.seeds, addr) {
		return
	}
	s.seeds = append(s.seeds, addr)
}

// Seeds returns a copy of the discovered seed set in discovery order.
func (s *Settings) Seeds() []string {
	s.seedsMu.Lock()
	defer s.seedsMu.Unlock()
	return slices.Clone(s.seeds)
}
