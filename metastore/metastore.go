// Package metastore is a workable default implementation of the
// ingestion core's external metadata store: the durable catalog of
// series names and their current rescue points. It is not a
// general-purpose transactional store — just enough durability for a
// single-process registry to recover its name catalog and rescue
// points after a restart.
package metastore

import (
	"bytes"
	"encoding/json"
	"os"
	"sync"

	"github.com/natefinch/atomic"
	"github.com/urso/diag"
	"github.com/urso/sderr"

	"github.com/kuncao/akumuli/blockstore"
	"github.com/kuncao/akumuli/ingest"
	"github.com/kuncao/akumuli/internal/logp"
)

// Store is the durable catalog the registry syncs to. It has the same
// method set as ingest.MetadataStore, so any Store, FileStore
// included, can be passed wherever an ingest.MetadataStore is
// expected.
type Store interface {
	InsertNewNames(entries []ingest.NameID) error
	UpsertRescuePoints(points map[ingest.Id][]blockstore.Addr) error
}

// snapshot is the on-disk representation of the full catalog.
type snapshot struct {
	Names  []ingest.NameID                   `json:"names"`
	Points map[ingest.Id][]blockstore.Addr `json:"rescue_points"`
}

// FileStore persists the catalog as a single JSON snapshot, rewritten
// atomically on every sync. Adequate for the ingestion core's own
// recovery needs; callers with a real metadata service should
// implement ingest.MetadataStore directly instead.
type FileStore struct {
	path string
	log  *logp.Logger

	mu       sync.Mutex
	snapshot snapshot
}

// OpenFileStore loads path if it exists, or starts from an empty
// catalog if it does not. A malformed existing file is reported as a
// LoadError carrying diag.Context fields identifying the offending
// path.
func OpenFileStore(path string, log *logp.Logger) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		log:  log,
		snapshot: snapshot{
			Points: map[ingest.Id][]blockstore.Addr{},
		},
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fs, nil
	}
	if err != nil {
		return nil, &LoadError{
			Path:        path,
			Reason:      err,
			Diagnostics: diag.NewContext(nil, diag.String("path", path)),
		}
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, &LoadError{
			Path:        path,
			Reason:      err,
			Diagnostics: diag.NewContext(nil, diag.String("path", path)),
		}
	}
	if snap.Points == nil {
		snap.Points = map[ingest.Id][]blockstore.Addr{}
	}
	fs.snapshot = snap
	return fs, nil
}

// Load returns a copy of the current catalog (what was loaded at open
// time plus every insert and upsert since), for the registry's own
// startup recovery (re-seeding nameToId/idToName/rescuePoints).
func (fs *FileStore) Load() ([]ingest.NameID, map[ingest.Id][]blockstore.Addr, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	names := make([]ingest.NameID, len(fs.snapshot.Names))
	copy(names, fs.snapshot.Names)

	points := make(map[ingest.Id][]blockstore.Addr, len(fs.snapshot.Points))
	for id, addrs := range fs.snapshot.Points {
		points[id] = append([]blockstore.Addr(nil), addrs...)
	}
	return names, points, nil
}

// InsertNewNames appends entries to the durable name catalog and
// rewrites the snapshot.
func (fs *FileStore) InsertNewNames(entries []ingest.NameID) error {
	if len(entries) == 0 {
		return nil
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.snapshot.Names = append(fs.snapshot.Names, entries...)
	return fs.persistLocked()
}

// UpsertRescuePoints replaces the rescue points for every id in points
// and rewrites the snapshot.
func (fs *FileStore) UpsertRescuePoints(points map[ingest.Id][]blockstore.Addr) error {
	if len(points) == 0 {
		return nil
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for id, addrs := range points {
		fs.snapshot.Points[id] = addrs
	}
	return fs.persistLocked()
}

// persistLocked rewrites the whole snapshot atomically. Called with
// mu held.
func (fs *FileStore) persistLocked() error {
	data, err := json.MarshalIndent(fs.snapshot, "", "  ")
	if err != nil {
		return sderr.Wrap(err, "failed to encode metastore snapshot")
	}
	if err := atomic.WriteFile(fs.path, bytes.NewReader(data)); err != nil {
		return sderr.Wrap(err, "failed to write metastore snapshot to %v", fs.path)
	}
	fs.log.Debugf("wrote metastore snapshot (%d names, %d series)", len(fs.snapshot.Names), len(fs.snapshot.Points))
	return nil
}

// LoadError is returned by OpenFileStore when the on-disk snapshot
// cannot be read or parsed.
type LoadError struct {
	Path        string
	Reason      error
	Diagnostics *diag.Context
}

func (e *LoadError) Error() string {
	return "metastore: failed to load snapshot at " + e.Path + ": " + e.Reason.Error()
}

func (e *LoadError) Unwrap() error { return e.Reason }

// Context returns the load error's structured diagnostic fields.
func (e *LoadError) Context() *diag.Context { return e.Diagnostics }
