package extentlist

import (
	"github.com/kuncao/akumuli/blockstore"
	"github.com/kuncao/akumuli/ingest"
)

// FakeTree is a scriptable ExtentList test double, used by the ingest
// package's tests to exercise exact outcome sequences — late writes,
// flush signaling — without depending on the real flush/threshold
// mechanics.
type FakeTree struct {
	// Outcomes, if non-empty, is consumed in order: each call to
	// Append that LateBelow does not reject pops the front outcome.
	// Once exhausted, such calls return AppendOK.
	Outcomes []ingest.AppendOutcome

	// LateBelow rejects any Append with ts < LateBelow as
	// AppendFailLateWrite. Zero disables the check.
	LateBelow int64

	// Roots is returned by GetRoots.
	Roots []blockstore.Addr

	// Appended records every accepted (ts, v) pair in order.
	Appended []AppendedSample
}

// AppendedSample records one accepted sample for test assertions.
type AppendedSample struct {
	Ts int64
	V  float64
}

var _ ingest.ExtentList = (*FakeTree)(nil)

func (f *FakeTree) Append(ts int64, v float64) (ingest.AppendOutcome, error) {
	if f.LateBelow != 0 && ts < f.LateBelow {
		return ingest.AppendFailLateWrite, nil
	}

	outcome := ingest.AppendOK
	if len(f.Outcomes) > 0 {
		outcome = f.Outcomes[0]
		f.Outcomes = f.Outcomes[1:]
	}

	if outcome != ingest.AppendFailLateWrite && outcome != ingest.AppendFailBadId {
		f.Appended = append(f.Appended, AppendedSample{Ts: ts, V: v})
	}
	return outcome, nil
}

func (f *FakeTree) GetRoots() []blockstore.Addr {
	out := make([]blockstore.Addr, len(f.Roots))
	copy(out, f.Roots)
	return out
}
