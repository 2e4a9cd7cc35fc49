// Package extentlist implements the per-series persistent append
// structure referred to in the core's specification as the "extent
// list": an append-only (timestamp, value) structure that periodically
// flushes its buffered pages to a content-addressed block store and
// can report the current set of root block addresses sufficient to
// recover it ("rescue points").
//
// A Tree is not safe for concurrent use. The ingestion registry's
// single-writer discipline is the only synchronization: a tree is
// manipulated without internal locking once exclusively owned by a
// session.
package extentlist

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/urso/sderr"

	"github.com/kuncao/akumuli/blockstore"
	"github.com/kuncao/akumuli/ingest"
)

// ErrCorruptBlock is returned by Recover when a root block's length is
// not a multiple of the fixed (timestamp, value) record size.
var ErrCorruptBlock = errors.New("extentlist: corrupt block")

// DefaultFlushThreshold is the number of buffered samples after which
// a page is flushed to the block store.
const DefaultFlushThreshold = 1024

type sample struct {
	ts int64
	v  float64
}

// Tree is the default ExtentList implementation.
type Tree struct {
	id    ingest.Id
	store blockstore.Store

	threshold int
	page      []sample
	lastTs    int64
	hasLastTs bool

	roots []blockstore.Addr
}

var _ ingest.ExtentList = (*Tree)(nil)

// New creates an empty extent list for id, backed by store. threshold
// <= 0 selects DefaultFlushThreshold.
func New(id ingest.Id, store blockstore.Store, threshold int) *Tree {
	if threshold <= 0 {
		threshold = DefaultFlushThreshold
	}
	return &Tree{id: id, store: store, threshold: threshold}
}

// Recover rebuilds a Tree from a previously persisted set of root
// addresses, re-establishing the last accepted timestamp so that
// monotonicity is still enforced across a restart.
func Recover(id ingest.Id, store blockstore.Store, roots []blockstore.Addr, threshold int) (*Tree, error) {
	t := New(id, store, threshold)
	t.roots = append([]blockstore.Addr(nil), roots...)

	for _, addr := range roots {
		block, err := store.Read(addr)
		if err != nil {
			return nil, sderr.Wrap(err, "failed to recover extent list %d: root %v unreadable", id, addr)
		}
		last, ok, err := lastTimestampInBlock(block)
		if err != nil {
			return nil, sderr.Wrap(err, "failed to recover extent list %d", id)
		}
		if ok && (!t.hasLastTs || last > t.lastTs) {
			t.lastTs = last
			t.hasLastTs = true
		}
	}
	return t, nil
}

// Append appends one (timestamp, value) sample. Timestamps must
// strictly increase over the lifetime of the tree; a non-increasing
// timestamp is rejected with AppendFailLateWrite and not stored.
func (t *Tree) Append(ts int64, v float64) (ingest.AppendOutcome, error) {
	if t.hasLastTs && ts <= t.lastTs {
		return ingest.AppendFailLateWrite, nil
	}

	t.page = append(t.page, sample{ts: ts, v: v})
	t.lastTs = ts
	t.hasLastTs = true

	if len(t.page) < t.threshold {
		return ingest.AppendOK, nil
	}

	if err := t.flush(); err != nil {
		return ingest.AppendOK, sderr.Wrap(err, "failed to flush extent list %d", t.id)
	}
	return ingest.AppendOKFlushNeeded, nil
}

// GetRoots returns the current set of root block addresses sufficient
// to recover this extent list. Empty until the first flush.
func (t *Tree) GetRoots() []blockstore.Addr {
	out := make([]blockstore.Addr, len(t.roots))
	copy(out, t.roots)
	return out
}

func (t *Tree) flush() error {
	block := encodePage(t.page)
	addr, err := t.store.Append(block)
	if err != nil {
		return err
	}
	t.roots = append(t.roots, addr)
	t.page = t.page[:0]
	return nil
}

// encodePage serializes a page of samples as a flat sequence of
// (int64 ts, float64 bits) pairs. The wire layout is deliberately
// simple: compaction and compression are not implemented.
func encodePage(page []sample) []byte {
	buf := make([]byte, 16*len(page))
	for i, s := range page {
		binary.BigEndian.PutUint64(buf[i*16:], uint64(s.ts))
		binary.BigEndian.PutUint64(buf[i*16+8:], math.Float64bits(s.v))
	}
	return buf
}

func lastTimestampInBlock(block []byte) (int64, bool, error) {
	if len(block) == 0 {
		return 0, false, nil
	}
	if len(block)%16 != 0 {
		return 0, false, ErrCorruptBlock
	}
	last := len(block) - 16
	ts := int64(binary.BigEndian.Uint64(block[last:]))
	return ts, true, nil
}
