package oplog

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// GTID is the position key of an oplog entry. Entries are totally ordered by
// (Term, Seq); Term changes whenever a new primary starts writing.
//
// The zero GTID means "no position" and sorts before every real entry.
type GTID struct {
	Term uint64 `json:"term"`
	Seq  uint64 `json:"seq"`
}

func (g GTID) IsZero() bool {
	return g.Term == 0 && g.Seq == 0
}

// Compare returns -1, 0 or 1 depending on whether g sorts before, equal to,
// or after o.
func (g GTID) Compare(o GTID) int {
	switch {
	case g.Term < o.Term:
		return -1
	case g.Term > o.Term:
		return 1
	case g.Seq < o.Seq:
		return -1
	case g.Seq > o.Seq:
		return 1
	}
	return 0
}

func (g GTID) Less(o GTID) bool {
	return g.Compare(o) < 0
}

// Next returns the GTID that follows g within the same term.
func (g GTID) Next() GTID {
	return GTID{Term: g.Term, Seq: g.Seq + 1}
}

// String formats the GTID as "term:seq", the form accepted by ParseGTID and
// used in query strings.
func (g GTID) String() string {
	return fmt.Sprintf("%d:%d", g.Term, g.Seq)
}

func ParseGTID(s string) (GTID, error) {
	if s == "" {
		return GTID{}, nil
	}
	term, seq, ok := strings.Cut(s, ":")
	if !ok {
		return GTID{}, fmt.Errorf("invalid GTID %q: expected term:seq", s)
	}
	t, err := strconv.ParseUint(term, 10, 64)
	if err != nil {
		return GTID{}, fmt.Errorf("invalid GTID term %q: %w", term, err)
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return GTID{}, fmt.Errorf("invalid GTID seq %q: %w", seq, err)
	}
	return GTID{Term: t, Seq: n}, nil
}

// OpTime orders the "operation applied" notifications. It is kept apart from
// GTID so that apply progress can be reported without touching fetch state.
type OpTime struct {
	Secs uint32 `json:"t"`
	Inc  uint32 `json:"i"`
}

// OpTimeFromTime builds an OpTime for t with the given increment.
func OpTimeFromTime(t time.Time, inc uint32) OpTime {
	return OpTime{Secs: uint32(t.Unix()), Inc: inc}
}

func (o OpTime) IsZero() bool {
	return o.Secs == 0 && o.Inc == 0
}

func (o OpTime) Compare(other OpTime) int {
	switch {
	case o.Secs < other.Secs:
		return -1
	case o.Secs > other.Secs:
		return 1
	case o.Inc < other.Inc:
		return -1
	case o.Inc > other.Inc:
		return 1
	}
	return 0
}

func (o OpTime) Before(other OpTime) bool {
	return o.Compare(other) < 0
}

func (o OpTime) Time() time.Time {
	return time.Unix(int64(o.Secs), 0).UTC()
}

func (o OpTime) String() string {
	return fmt.Sprintf("%d.%d", o.Secs, o.Inc)
}

func ParseOpTime(s string) (OpTime, error) {
	if s == "" {
		return OpTime{}, nil
	}
	secs, inc, _ := strings.Cut(s, ".")
	t, err := strconv.ParseUint(secs, 10, 32)
	if err != nil {
		return OpTime{}, fmt.Errorf("invalid optime %q: %w", s, err)
	}
	var i uint64
	if inc != "" {
		i, err = strconv.ParseUint(inc, 10, 32)
		if err != nil {
			return OpTime{}, fmt.Errorf("invalid optime %q: %w", s, err)
		}
	}
	return OpTime{Secs: uint32(t), Inc: uint32(i)}, nil
}
