package ingest

import (
	"runtime"
	"sync"

	"github.com/kuncao/akumuli/blockstore"
	"github.com/kuncao/akumuli/internal/logp"
	"github.com/kuncao/akumuli/nameparse"
)

// broadcastLockAttempts bounds how many times receiveBroadcast retries
// a non-blocking attempt to take the target session's own lock before
// giving up and reporting itself unable to handle the sample. A
// blocking Lock here could deadlock against a peer session that is
// itself concurrently broadcasting back; since a session's own lock
// only ever guards bounded in-memory work, a brief retry converges in
// practice.
const broadcastLockAttempts = 64

// Session is a per-connection ingestion context: a local name↔id
// cache, a local id→extent-list cache of series currently owned by
// this session, and the write API exposed to the front end.
//
// State machine for one series, from this session's perspective:
//
//	UNKNOWN -> (InitSeriesId) -> KNOWN_NOT_OWNED
//	KNOWN_NOT_OWNED -> (Write, TryAcquire=OK) -> OWNED
//	KNOWN_NOT_OWNED -> (Write, TryAcquire=Busy) -> KNOWN_NOT_OWNED (routes via broadcast)
//	OWNED -> (Close) -> released
type Session struct {
	registry *TreeRegistry
	id       uint64
	log      *logp.Logger

	sessionLock   sync.Mutex
	localNames    map[string]Id
	localNamesRev map[Id]string
	ownedEntries  map[Id]*RegistryEntry

	closeOnce sync.Once
	closed    bool
}

var _ LocalMatcher = (*Session)(nil)

// mirror implements LocalMatcher: it folds a (name, id) resolution
// the registry just performed into this session's local cache. Names
// are immutable once registered, so entries are never invalidated.
func (s *Session) mirror(name string, id Id) {
	s.sessionLock.Lock()
	defer s.sessionLock.Unlock()
	s.localNames[name] = id
	s.localNamesRev[id] = name
}

// InitSeriesId normalizes raw and resolves it to a stable Id,
// consulting the local cache before asking the registry.
func (s *Session) InitSeriesId(raw []byte) (Status, Id) {
	var scratch [nameparse.MaxNameLength]byte
	n, err := nameparse.Normalize(raw, scratch[:])
	if err != nil {
		return BadArg, NoId
	}
	canonical := scratch[:n]

	s.sessionLock.Lock()
	if id, ok := s.localNames[string(canonical)]; ok {
		s.sessionLock.Unlock()
		return OK, id
	}
	s.sessionLock.Unlock()

	return s.registry.InitSeriesId(canonical, s)
}

// GetSeriesName copies id's canonical name into buf. Return
// convention: positive = bytes written, zero = unknown id, negative =
// required buffer size.
func (s *Session) GetSeriesName(id Id, buf []byte) int32 {
	s.sessionLock.Lock()
	name, ok := s.localNamesRev[id]
	s.sessionLock.Unlock()

	if ok {
		if len(name) > len(buf) {
			return -int32(len(name))
		}
		return int32(copy(buf, name))
	}

	if s.registry.isClosed() {
		s.log.Error("get_series_name called after registry shutdown")
		return 0
	}
	return s.registry.GetSeriesName(id, buf, s)
}

// Write appends sample, acquiring or broadcasting to the owning
// session as needed.
func (s *Session) Write(sample Sample) Status {
	if sample.Payload.Kind != Float {
		return BadArg
	}

	s.sessionLock.Lock()
	defer s.sessionLock.Unlock()

	if s.closed {
		return Closed
	}

	if s.registry.isClosed() {
		return Closed
	}

	if entry, ok := s.ownedEntries[sample.Id]; ok {
		outcome, err := entry.handle.Append(sample.Timestamp, sample.Payload.Value)
		if err != nil {
			s.log.Errorf("append failed for series %d: %v", sample.Id, err)
		}
		return s.finishAppend(sample.Id, entry, outcome)
	}

	entry, ok := s.registry.lookupEntry(sample.Id)
	if !ok {
		return NotFound
	}

	status, handle := entry.TryAcquire(s)
	switch status {
	case OK:
		s.ownedEntries[sample.Id] = entry
		outcome, err := handle.Append(sample.Timestamp, sample.Payload.Value)
		if err != nil {
			s.log.Errorf("append failed for series %d: %v", sample.Id, err)
		}
		return s.finishAppend(sample.Id, entry, outcome)

	case Busy:
		outcome := s.registry.BroadcastSample(sample, s)
		return s.interpretOutcome(sample.Id, outcome)

	default:
		return status
	}
}

// interpretOutcome maps an AppendOutcome to the Status returned from
// Write.
func (s *Session) interpretOutcome(id Id, outcome AppendOutcome) Status {
	switch outcome {
	case AppendOK:
		return OK
	case AppendFailLateWrite:
		return LateWrite
	case AppendFailBadId:
		return NotFound
	default:
		return OK
	}
}

// finishAppend handles the OK_FLUSH_NEEDED side effect (publishing
// rescue points) in addition to interpreting the outcome.
func (s *Session) finishAppend(id Id, entry *RegistryEntry, outcome AppendOutcome) Status {
	if outcome == AppendOKFlushNeeded {
		roots := entry.handle.GetRoots()
		s.registry.UpdateRescuePoints(id, roots)
		return OK
	}
	return s.interpretOutcome(id, outcome)
}

// receiveBroadcast is the registry's fallback delivery path: if this
// session currently owns sample.Id, append it here and report the
// outcome. Never calls back into the registry — the caller
// (TreeRegistry.BroadcastSample) is responsible for publishing any
// returned rescue-point roots once it has released metadataLock.
func (s *Session) receiveBroadcast(sample Sample) (handled bool, outcome AppendOutcome, roots []blockstore.Addr) {
	if !s.tryLockBounded() {
		return false, AppendOK, nil
	}
	defer s.sessionLock.Unlock()

	entry, ok := s.ownedEntries[sample.Id]
	if !ok {
		return false, AppendOK, nil
	}

	outcome, err := entry.handle.Append(sample.Timestamp, sample.Payload.Value)
	if err != nil {
		s.log.Errorf("broadcast append failed for series %d: %v", sample.Id, err)
	}
	if outcome == AppendOKFlushNeeded {
		roots = entry.handle.GetRoots()
	}
	return true, outcome, roots
}

// tryLockBounded attempts to take sessionLock without blocking
// indefinitely, retrying briefly before giving up.
func (s *Session) tryLockBounded() bool {
	if s.sessionLock.TryLock() {
		return true
	}
	for i := 0; i < broadcastLockAttempts; i++ {
		runtime.Gosched()
		if s.sessionLock.TryLock() {
			return true
		}
	}
	return false
}

// Close releases every series this session owns and removes it from
// the registry's active session set.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.sessionLock.Lock()
		s.closed = true
		for id, entry := range s.ownedEntries {
			entry.release(s)
			delete(s.ownedEntries, id)
		}
		s.sessionLock.Unlock()

		s.registry.removeSession(s)
	})
}
