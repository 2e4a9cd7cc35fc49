// Package blockstore implements the content-addressed block store that
// backs every series' extent list. It is an external collaborator from
// the ingestion core's point of view: the core only ever calls
// Append/Read through the Store interface.
package blockstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	"github.com/urso/sderr"

	"github.com/kuncao/akumuli/internal/logp"
)

// Addr is the content address of a block: the SHA-256 digest of its
// payload. Two identical blocks always resolve to the same Addr.
type Addr [sha256.Size]byte

var errWrongAddrLength = errors.New("blockstore: decoded address has the wrong length")

// String renders the address as a hex string, for logging.
func (a Addr) String() string { return hex.EncodeToString(a[:]) }

// MarshalJSON renders the address as a hex string rather than the
// default JSON array-of-numbers encoding for a fixed-size byte array,
// so metastore snapshots stay human-readable.
func (a Addr) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON parses the hex string produced by MarshalJSON.
func (a *Addr) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return sderr.Wrap(err, "invalid block address %q", s)
	}
	if len(decoded) != len(a) {
		return sderr.Wrap(errWrongAddrLength, "invalid block address %q", s)
	}
	copy(a[:], decoded)
	return nil
}

// Store is the block store interface consumed by extentlist.Tree.
type Store interface {
	Append(block []byte) (Addr, error)
	Read(addr Addr) ([]byte, error)
}

// FileStore persists one file per block under its root directory, named by the
// block's hex-encoded content address. Writes are atomic: a block is
// never visible under its final name until it is fully written, so a
// crash mid-write cannot leave a truncated block readable.
type FileStore struct {
	root string
	log  *logp.Logger
}

// NewFileStore opens (creating if necessary) a block store rooted at
// dir.
func NewFileStore(dir string, log *logp.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, sderr.Wrap(err, "failed to create block store root %v", dir)
	}
	return &FileStore{root: dir, log: log}, nil
}

// Append writes block to the store and returns its content address.
// Writing the same bytes twice is a no-op the second time (the file
// already exists under that address) and is not treated as an error.
func (s *FileStore) Append(block []byte) (Addr, error) {
	addr := Addr(sha256.Sum256(block))
	path := s.blockPath(addr)

	if _, err := os.Stat(path); err == nil {
		return addr, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Addr{}, sderr.Wrap(err, "failed to create shard directory for block %v", addr)
	}

	if err := atomic.WriteFile(path, bytes.NewReader(block)); err != nil {
		return Addr{}, sderr.Wrap(err, "failed to write block %v", addr)
	}
	s.log.Debugf("wrote block %v (%d bytes)", addr, len(block))
	return addr, nil
}

// Read returns the bytes of a previously appended block.
func (s *FileStore) Read(addr Addr) ([]byte, error) {
	data, err := os.ReadFile(s.blockPath(addr))
	if err != nil {
		return nil, sderr.Wrap(err, "failed to read block %v", addr)
	}
	return data, nil
}

func (s *FileStore) blockPath(addr Addr) string {
	hexAddr := addr.String()
	// Shard by the first two hex characters to keep any one directory
	// from accumulating an unbounded number of entries.
	return filepath.Join(s.root, hexAddr[:2], hexAddr)
}
