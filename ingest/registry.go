package ingest

import (
	"sync"
	"time"

	"github.com/urso/sderr"

	"github.com/kuncao/akumuli/blockstore"
	"github.com/kuncao/akumuli/internal/logp"
)

// NameID pairs a canonical series name with its assigned identifier,
// as handed to the metadata store's InsertNewNames.
type NameID struct {
	Name string
	Id   Id
}

// MetadataStore is the external durable catalog of names and rescue
// points. The registry touches it only from SyncWithMetadataStorage,
// under metadataLock.
type MetadataStore interface {
	InsertNewNames(entries []NameID) error
	UpsertRescuePoints(points map[Id][]blockstore.Addr) error
}

// LocalMatcher is the per-session name↔id cache the registry mirrors
// into on every lookup or creation, so a session never has to re-ask
// the registry for a name it has already resolved. Session implements
// this; the registry never needs to know anything else about a
// session to mirror into it.
type LocalMatcher interface {
	mirror(name string, id Id)
}

// TreeRegistry is the process-wide ingestion registry: the
// name↔id catalog, the id→entry table, the set of live sessions, the
// rescue-point buffer, and the sync waiter's signal.
//
// Lock order is metadataLock -> tableLock -> a RegistryEntry's own
// mutex, never reversed.
type TreeRegistry struct {
	log *logp.Logger

	metaStore     MetadataStore
	newExtentList func(Id) ExtentList

	metadataLock sync.Mutex
	nameToId     map[string]Id
	idToName     map[Id]string
	unsynced     []NameID
	rescuePoints map[Id][]blockstore.Addr
	activeSess   map[uint64]*Session
	sessionSeq   uint64
	nextId       Id

	// syncSignal is the sync waiter's broadcast condition. Closing it
	// wakes every current waiter; a fresh channel is installed right after,
	// so the next waiter blocks again until the next signal. This is
	// the idiomatic Go substitute for a condition variable when
	// waiters also need a timeout, which sync.Cond cannot express
	// without risking a double-unlock of the guarding mutex.
	syncSignal chan struct{}

	tableLock  sync.Mutex
	entryTable map[Id]*RegistryEntry

	closed    bool
	closeOnce sync.Once
}

// NewTreeRegistry creates an empty registry. newExtentList is the
// factory used to create a fresh, empty ExtentList handle for a
// newly-registered series; it is called under metadataLock, before
// tableLock is taken.
func NewTreeRegistry(log *logp.Logger, metaStore MetadataStore, newExtentList func(Id) ExtentList) *TreeRegistry {
	return &TreeRegistry{
		log:           log,
		metaStore:     metaStore,
		newExtentList: newExtentList,
		nameToId:      map[string]Id{},
		idToName:      map[Id]string{},
		rescuePoints:  map[Id][]blockstore.Addr{},
		activeSess:    map[uint64]*Session{},
		entryTable:    map[Id]*RegistryEntry{},
		syncSignal:    make(chan struct{}),
	}
}

// Seed re-populates the name catalog and rescue-point buffer from a
// previously persisted snapshot, e.g. metastore.FileStore.Load's
// result at process startup. It must be called before any session is
// created. It does not signal the sync waiter (the data is already
// durable). For every seeded name it calls newExtentList and installs
// the resulting handle in the entry table, so seeded ids can be
// written without a further InitSeriesId call.
func (r *TreeRegistry) Seed(names []NameID, points map[Id][]blockstore.Addr) {
	r.metadataLock.Lock()
	defer r.metadataLock.Unlock()

	for _, n := range names {
		r.nameToId[n.Name] = n.Id
		r.idToName[n.Id] = n.Name
		if n.Id > r.nextId {
			r.nextId = n.Id
		}

		handle := r.newExtentList(n.Id)
		entry := newRegistryEntry(handle)
		r.tableLock.Lock()
		r.entryTable[n.Id] = entry
		r.tableLock.Unlock()
	}
	for id, addrs := range points {
		r.rescuePoints[id] = addrs
	}
}

// signalSyncLocked wakes every current WaitForSyncRequest waiter. The
// caller must hold metadataLock.
func (r *TreeRegistry) signalSyncLocked() {
	close(r.syncSignal)
	r.syncSignal = make(chan struct{})
}

// InitSeriesId resolves name to a stable Id, creating one (and its
// backing extent list and registry entry) if this is the first time
// name has been seen. The resolution is mirrored into matcher.
func (r *TreeRegistry) InitSeriesId(name []byte, matcher LocalMatcher) (Status, Id) {
	key := string(name)

	r.metadataLock.Lock()
	defer r.metadataLock.Unlock()

	if id, ok := r.nameToId[key]; ok {
		matcher.mirror(key, id)
		return OK, id
	}

	r.nextId++
	id := r.nextId
	r.nameToId[key] = id
	r.idToName[id] = key
	r.unsynced = append(r.unsynced, NameID{Name: key, Id: id})

	handle := r.newExtentList(id)
	entry := newRegistryEntry(handle)
	r.tableLock.Lock()
	r.entryTable[id] = entry
	r.tableLock.Unlock()

	r.rescuePoints[id] = nil
	r.signalSyncLocked()

	matcher.mirror(key, id)
	return OK, id
}

// GetSeriesName copies id's canonical name into buf, mirroring the
// lookup into matcher. Return convention: positive = bytes written,
// zero = unknown id, negative = required buffer size.
func (r *TreeRegistry) GetSeriesName(id Id, buf []byte, matcher LocalMatcher) int32 {
	r.metadataLock.Lock()
	name, ok := r.idToName[id]
	r.metadataLock.Unlock()

	if !ok {
		return 0
	}

	matcher.mirror(name, id)

	if len(name) > len(buf) {
		return -int32(len(name))
	}
	n := copy(buf, name)
	return int32(n)
}

// TryAcquire looks id up in the entry table and delegates to its
// entry's TryAcquire.
func (r *TreeRegistry) TryAcquire(id Id, owner *Session) (Status, ExtentList) {
	entry, ok := r.lookupEntry(id)
	if !ok {
		return NotFound, nil
	}
	return entry.TryAcquire(owner)
}

// lookupEntry returns id's RegistryEntry, if any.
func (r *TreeRegistry) lookupEntry(id Id) (*RegistryEntry, bool) {
	r.tableLock.Lock()
	defer r.tableLock.Unlock()
	entry, ok := r.entryTable[id]
	return entry, ok
}

// releaseEntry returns id's entry to the available state if owner
// currently holds it. Called by Session.Close for every series it
// owns.
func (r *TreeRegistry) releaseEntry(id Id, owner *Session) {
	r.tableLock.Lock()
	entry, ok := r.entryTable[id]
	r.tableLock.Unlock()
	if ok {
		entry.release(owner)
	}
}

// BroadcastSample offers sample to every live session other than
// source, in arbitrary order, stopping at the first one that reports
// it handled the sample. Held under metadataLock: broadcast callees
// only ever take their own session lock and never call back into the
// registry, so this cannot deadlock.
func (r *TreeRegistry) BroadcastSample(sample Sample, source *Session) AppendOutcome {
	r.metadataLock.Lock()
	var (
		handled bool
		outcome AppendOutcome
		roots   []blockstore.Addr
	)
	for _, sess := range r.activeSess {
		if sess == source {
			continue
		}
		if h, o, rs := sess.receiveBroadcast(sample); h {
			handled, outcome, roots = true, o, rs
			break
		}
	}
	r.metadataLock.Unlock()

	if !handled {
		return AppendFailBadId
	}
	if outcome == AppendOKFlushNeeded {
		r.UpdateRescuePoints(sample.Id, roots)
	}
	return outcome
}

// UpdateRescuePoints overwrites the buffered rescue points for id with
// addrs (replace, not merge: callers always supply the full current
// root set) and wakes any sync waiter.
func (r *TreeRegistry) UpdateRescuePoints(id Id, addrs []blockstore.Addr) {
	r.metadataLock.Lock()
	defer r.metadataLock.Unlock()
	r.rescuePoints[id] = addrs
	r.signalSyncLocked()
}

// WaitForSyncRequest blocks until the sync signal fires or timeout
// elapses. It returns OK immediately if rescue points are already
// pending, Retry on a wakeup that turns out to be spurious (no
// pending rescue points after all), and Timeout if the deadline
// passed first.
func (r *TreeRegistry) WaitForSyncRequest(timeout time.Duration) Status {
	r.metadataLock.Lock()
	if len(r.rescuePoints) > 0 {
		r.metadataLock.Unlock()
		return OK
	}
	ch := r.syncSignal
	r.metadataLock.Unlock()

	select {
	case <-ch:
		r.metadataLock.Lock()
		empty := len(r.rescuePoints) == 0
		r.metadataLock.Unlock()
		if empty {
			return Retry
		}
		return OK
	case <-time.After(timeout):
		return Timeout
	}
}

// SyncWithMetadataStorage drains newly registered names and the
// rescue-point buffer and hands them to the metadata store as one
// atomic-under-metadataLock snapshot. On success the in-memory
// rescue-point buffer is emptied; on failure it is left untouched so
// a later sync can retry.
func (r *TreeRegistry) SyncWithMetadataStorage() error {
	r.metadataLock.Lock()
	defer r.metadataLock.Unlock()

	names := r.unsynced
	points := make(map[Id][]blockstore.Addr, len(r.rescuePoints))
	for id, addrs := range r.rescuePoints {
		points[id] = addrs
	}

	if len(names) > 0 {
		if err := r.metaStore.InsertNewNames(names); err != nil {
			return sderr.Wrap(err, "failed to sync %d new series names", len(names))
		}
	}
	if len(points) > 0 {
		if err := r.metaStore.UpsertRescuePoints(points); err != nil {
			return sderr.Wrap(err, "failed to sync rescue points for %d series", len(points))
		}
	}

	r.unsynced = r.unsynced[len(names):]
	for id := range points {
		delete(r.rescuePoints, id)
	}
	return nil
}

// CreateSession constructs a new session, registers it in
// activeSessions, and returns it. The session is created inside the
// registry (rather than by the caller) so a stable self-identity
// exists before it is published to other sessions via broadcast.
func (r *TreeRegistry) CreateSession() *Session {
	r.metadataLock.Lock()
	defer r.metadataLock.Unlock()

	r.sessionSeq++
	s := &Session{
		registry:      r,
		id:            r.sessionSeq,
		log:           r.log.With("session", r.sessionSeq),
		localNames:    map[string]Id{},
		localNamesRev: map[Id]string{},
		ownedEntries:  map[Id]*RegistryEntry{},
	}
	r.activeSess[s.id] = s
	return s
}

// removeSession drops s from activeSessions. Called once, from
// Session.Close.
func (r *TreeRegistry) removeSession(s *Session) {
	r.metadataLock.Lock()
	defer r.metadataLock.Unlock()
	delete(r.activeSess, s.id)
}

// isClosed reports whether the registry has been torn down.
func (r *TreeRegistry) isClosed() bool {
	r.metadataLock.Lock()
	defer r.metadataLock.Unlock()
	return r.closed
}

// Close tears the registry down: subsequent writes from any session
// observe Closed. Idempotent.
func (r *TreeRegistry) Close() {
	r.closeOnce.Do(func() {
		r.metadataLock.Lock()
		r.closed = true
		r.signalSyncLocked()
		r.metadataLock.Unlock()
	})
}
