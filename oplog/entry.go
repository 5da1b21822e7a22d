package oplog

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Operation kinds, matching the single-letter codes used on the wire.
const (
	OpInsert = "i"
	OpUpdate = "u"
	OpDelete = "d"
	OpNoop   = "n"
)

// ErrHashMismatch is returned by Verify when an entry's content doesn't match
// its recorded hash.
var ErrHashMismatch = errors.New("oplog entry hash mismatch")

// Entry is a single oplog record. Entries are immutable once written.
type Entry struct {
	GTID     GTID            `json:"gtid"`
	TS       OpTime          `json:"ts"`
	Hash     string          `json:"h"`
	Op       string          `json:"op"`
	NS       string          `json:"ns,omitempty"`
	Payload  json.RawMessage `json:"o,omitempty"`
	WallTime time.Time       `json:"wall"`
}

// NewEntry builds an entry and fills in its content hash.
func NewEntry(gtid GTID, ts OpTime, op, ns string, payload json.RawMessage, wall time.Time) (*Entry, error) {
	e := &Entry{
		GTID:     gtid,
		TS:       ts,
		Op:       op,
		NS:       ns,
		Payload:  payload,
		WallTime: wall.UTC(),
	}
	h, err := e.computeHash()
	if err != nil {
		return nil, err
	}
	e.Hash = h
	return e, nil
}

// hashedFields is the part of an entry covered by the hash. Two nodes holding
// different content at the same GTID will disagree on the hash.
type hashedFields struct {
	GTID    GTID            `json:"gtid"`
	Op      string          `json:"op"`
	NS      string          `json:"ns"`
	Payload json.RawMessage `json:"o"`
}

// computeHash returns a CIDv1 (raw codec, sha2-256) over the entry's content.
func (e *Entry) computeHash() (string, error) {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	b, err := json.Marshal(hashedFields{GTID: e.GTID, Op: e.Op, NS: e.NS, Payload: payload})
	if err != nil {
		return "", fmt.Errorf("encoding entry %s for hashing: %w", e.GTID, err)
	}
	c, err := cid.NewPrefixV1(cid.Raw, multihash.SHA2_256).Sum(b)
	if err != nil {
		return "", err
	}
	return c.String(), nil
}

// Verify checks the entry is well formed and its hash matches its content.
func (e *Entry) Verify() error {
	if e.GTID.IsZero() {
		return fmt.Errorf("oplog entry has no GTID")
	}
	switch e.Op {
	case OpInsert, OpUpdate, OpDelete, OpNoop:
	default:
		return fmt.Errorf("oplog entry %s has unknown op %q", e.GTID, e.Op)
	}
	h, err := e.computeHash()
	if err != nil {
		return err
	}
	if h != e.Hash {
		return fmt.Errorf("%w at %s", ErrHashMismatch, e.GTID)
	}
	return nil
}
