package ingest

import "github.com/elastic/go-concert/unison"

// RegistryEntry is the per-series single-writer token: exactly one
// session may hold its handle for writing at any instant. Ownership is
// tracked with an explicit owner field checked under the entry's own
// mutex, rather than a reference count, so a release from a stale or
// non-owning session is a safe no-op instead of an under/over-count.
type RegistryEntry struct {
	mu     unison.Mutex
	handle ExtentList
	owner  *Session
}

func newRegistryEntry(handle ExtentList) *RegistryEntry {
	return &RegistryEntry{mu: unison.MakeMutex(), handle: handle}
}

// IsAvailable reports whether the entry's handle is not currently
// held by any session.
func (e *RegistryEntry) IsAvailable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.owner == nil
}

// TryAcquire never blocks. If the entry is available it is granted to
// owner and (OK, handle) is returned; otherwise (Busy, nil).
func (e *RegistryEntry) TryAcquire(owner *Session) (Status, ExtentList) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.owner != nil {
		return Busy, nil
	}
	e.owner = owner
	return OK, e.handle
}

// release returns the entry to the available state if it is currently
// held by owner. Releasing from a non-owner is a silent no-op: it can
// legitimately happen if a session is evicted after already having
// lost the race to close.
func (e *RegistryEntry) release(owner *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.owner == owner {
		e.owner = nil
	}
}
