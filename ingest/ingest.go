// Package ingest is the ingestion registry and session layer: the
// process-wide structure that maps series names to stable numeric
// identifiers, owns the per-series extent-list handles, arbitrates
// exclusive write access among concurrent ingestion sessions, and
// coordinates durability metadata with the metadata store.
package ingest

import (
	"fmt"

	"github.com/kuncao/akumuli/blockstore"
)

// Id is a series identifier: a nonzero, process-lifetime-stable,
// never-reused 64-bit integer. Zero means "no match".
type Id uint64

// NoId is the reserved "no match" identifier.
const NoId Id = 0

// Status is one of the stable status codes shared across the API
// boundary. Values are never reordered or removed once published.
type Status uint8

const (
	OK Status = iota
	Busy
	NotFound
	Timeout
	Retry
	Closed
	BadArg
	LateWrite
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case Busy:
		return "BUSY"
	case NotFound:
		return "NOT_FOUND"
	case Timeout:
		return "TIMEOUT"
	case Retry:
		return "RETRY"
	case Closed:
		return "CLOSED"
	case BadArg:
		return "BAD_ARG"
	case LateWrite:
		return "LATE_WRITE"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// PayloadKind discriminates the sample payload. The core accepts only
// Float payloads; everything else is rejected with BadArg.
type PayloadKind uint8

const (
	Float PayloadKind = iota
	reservedNonFloat
)

// Payload is the value carried by a Sample.
type Payload struct {
	Kind  PayloadKind
	Value float64
}

// Sample is one incoming measurement.
type Sample struct {
	Id        Id
	Timestamp int64
	Payload   Payload
}

// AppendOutcome is the result of appending a sample to an extent-list
// handle.
type AppendOutcome uint8

const (
	AppendOK AppendOutcome = iota
	AppendOKFlushNeeded
	AppendFailLateWrite
	AppendFailBadId
)

// ExtentList is the persistent, single-writer, append-only structure
// backing one series. It is not safe for concurrent use: single-writer
// discipline is enforced by the registry, never by the handle itself.
// The core never interprets the bytes of a blockstore.Addr; it only
// threads them from GetRoots through to the metadata store.
type ExtentList interface {
	Append(ts int64, v float64) (AppendOutcome, error)
	GetRoots() []blockstore.Addr
}
