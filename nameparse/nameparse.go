// Package nameparse implements the canonical series-name normalizer
// referred to in the ingestion core's specification as
// normalize(in_begin, in_end, out_begin, out_end). A series name is a
// metric name followed by zero or more whitespace-separated tag=value
// pairs, e.g. "cpu host=a env=prod". Canonical form lower-cases tag
// keys and sorts tag pairs by key so that tag order never affects
// series identity.
//
// The parser is a single-pass, explicit-state byte scanner in the
// style of intuitivelabs/sipsp's line parsers: no backtracking, no
// allocation beyond the final sorted-tag assembly.
package nameparse

import (
	"bytes"
	"errors"
	"sort"

	"github.com/intuitivelabs/bytescase"
)

// MaxNameLength bounds the canonical form of a series name. Sessions
// size their normalization scratch buffer to this length.
const MaxNameLength = 4096

// ErrMalformedName is returned for input that is not a valid
// "metric tag=value ..." series name.
var ErrMalformedName = errors.New("nameparse: malformed series name")

// ErrNameTooLong is returned when out is too small to hold the
// canonical form, or the canonical form would exceed MaxNameLength.
var ErrNameTooLong = errors.New("nameparse: name too long")

type parseState uint8

const (
	stInit parseState = iota
	stMetric
	stSkipSpace
	stTagKey
	stTagValue
)

type tag struct {
	key, val []byte
}

// Normalize parses raw and writes its canonical form into out,
// returning the number of bytes written. It never writes more than
// len(out) bytes; if the canonical form does not fit, it returns
// ErrNameTooLong and out is left untouched.
func Normalize(raw []byte, out []byte) (int, error) {
	metric, tags, err := parse(raw)
	if err != nil {
		return 0, err
	}

	canon := canonicalize(metric, tags)
	if len(canon) > MaxNameLength {
		return 0, ErrNameTooLong
	}
	if len(canon) > len(out) {
		return 0, ErrNameTooLong
	}
	n := copy(out, canon)
	return n, nil
}

func parse(raw []byte) (metric []byte, tags []tag, err error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil, ErrMalformedName
	}

	state := stMetric
	start := 0
	var curKey []byte

	flushTag := func(end int) error {
		if curKey == nil {
			return ErrMalformedName
		}
		if end == start {
			return ErrMalformedName
		}
		tags = append(tags, tag{key: curKey, val: raw[start:end]})
		curKey = nil
		return nil
	}

	i := 0
	for i < len(raw) {
		c := raw[i]
		switch state {
		case stMetric:
			switch c {
			case ' ':
				if i == start {
					return nil, nil, ErrMalformedName
				}
				metric = raw[start:i]
				state = stSkipSpace
			case '=':
				return nil, nil, ErrMalformedName
			}
		case stSkipSpace:
			if c != ' ' {
				start = i
				state = stTagKey
				continue
			}
		case stTagKey:
			switch c {
			case '=':
				if i == start {
					return nil, nil, ErrMalformedName
				}
				curKey = raw[start:i]
				start = i + 1
				state = stTagValue
			case ' ':
				return nil, nil, ErrMalformedName
			}
		case stTagValue:
			if c == ' ' {
				if err := flushTag(i); err != nil {
					return nil, nil, err
				}
				state = stSkipSpace
			}
		}
		i++
	}

	switch state {
	case stMetric:
		if i == start {
			return nil, nil, ErrMalformedName
		}
		metric = raw[start:i]
	case stTagValue:
		if err := flushTag(i); err != nil {
			return nil, nil, err
		}
	case stTagKey:
		return nil, nil, ErrMalformedName
	case stSkipSpace:
		// trailing whitespace after the last tag; nothing pending.
	}

	if len(metric) == 0 {
		return nil, nil, ErrMalformedName
	}
	return metric, tags, nil
}

func canonicalize(metric []byte, tags []tag) []byte {
	lowered := make([]tag, len(tags))
	for i, t := range tags {
		key := make([]byte, len(t.key))
		for j := range t.key {
			key[j] = bytescase.ByteToLower(t.key[j])
		}
		lowered[i] = tag{key: key, val: t.val}
	}

	sort.Slice(lowered, func(i, j int) bool {
		return bytes.Compare(lowered[i].key, lowered[j].key) < 0
	})

	var buf bytes.Buffer
	buf.Write(metric)
	for _, t := range lowered {
		buf.WriteByte(' ')
		buf.Write(t.key)
		buf.WriteByte('=')
		buf.Write(t.val)
	}
	return buf.Bytes()
}
