//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2023 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package logentry

import (
	"github.com/weaviate/chunklog/adapters/repos/chunklog/versions"
	enterrors "github.com/weaviate/chunklog/entities/errors"
)

// Entry is one decoded entry of a byte region.
type Entry struct {
	Header
	// Offset of the entry within the iterated region
	Offset int
	// Size of header plus payload
	Size    int
	Payload []byte
}

// NewPrimary encodes a primary entry. The checksum is computed if
// withChecksum is set.
func NewPrimary(h Header, payload []byte, withChecksum bool) []byte {
	h.Length = uint32(len(payload))
	h.HasChecksum = withChecksum
	if withChecksum {
		h.Checksum = Checksum(payload)
	}
	buf := make([]byte, h.PrimarySize()+len(payload))
	n := PutPrimary(buf, h)
	copy(buf[n:], payload)
	return buf
}

// NewTombstone encodes the primary entry of a deletion.
func NewTombstone(creator uint16, localID uint64, epoch uint16) []byte {
	return NewPrimary(Header{
		Creator: creator,
		LocalID: localID,
		Version: versions.Version{Epoch: epoch, Number: versions.TombstoneNumber},
	}, nil, false)
}

// SecondaryIterator walks the secondary entries of a segment.
type SecondaryIterator struct {
	buf     []byte
	pos     int
	creator uint16
	err     error
}

func NewSecondaryIterator(buf []byte, creator uint16) *SecondaryIterator {
	return &SecondaryIterator{buf: buf, creator: creator}
}

// Next returns the next entry. It returns false at the end of the region,
// at a zero type byte, or when the data is corrupt; Err tells them apart.
func (it *SecondaryIterator) Next() (Entry, bool) {
	if it.err != nil || it.pos >= len(it.buf) || it.buf[it.pos] == 0 {
		return Entry{}, false
	}

	h, size, err := DecodeSecondary(it.buf[it.pos:], it.creator)
	if err != nil {
		it.err = err
		return Entry{}, false
	}
	end := it.pos + size + int(h.Length)
	if end > len(it.buf) || end < it.pos {
		it.err = enterrors.NewCorruptHeader("entry at %d claims %d payload bytes, %d left",
			it.pos, h.Length, len(it.buf)-it.pos-size)
		return Entry{}, false
	}

	e := Entry{
		Header:  h,
		Offset:  it.pos,
		Size:    size + int(h.Length),
		Payload: it.buf[it.pos+size : end],
	}
	it.pos = end
	return e, true
}

// Pos is the offset after the last returned entry.
func (it *SecondaryIterator) Pos() int {
	return it.pos
}

func (it *SecondaryIterator) Err() error {
	return it.err
}

// PrimaryHeaders decodes the headers of the primary entries in buf and
// checks that every payload ends within buf.
func PrimaryHeaders(buf []byte) ([]Header, error) {
	var out []Header
	for pos := 0; pos < len(buf); {
		h, size, err := DecodePrimary(buf[pos:])
		if err != nil {
			return nil, err
		}
		end := pos + size + int(h.Length)
		if end > len(buf) {
			return nil, enterrors.NewCorruptHeader("entry at %d needs %d bytes, %d left",
				pos, size+int(h.Length), len(buf)-pos)
		}
		out = append(out, h)
		pos = end
	}
	return out, nil
}

// FitEntries returns the length of the longest prefix of the secondary
// entries in buf that fits into limit bytes without splitting an entry.
func FitEntries(buf []byte, limit int) (int, error) {
	pos := 0
	for pos < len(buf) {
		if buf[pos]&flagValid == 0 {
			return pos, enterrors.NewCorruptHeader("invalid type byte at %d", pos)
		}
		size := SecondaryHeaderSize(buf[pos])
		if pos+size > len(buf) {
			return pos, enterrors.NewCorruptHeader("truncated header at %d", pos)
		}
		h, _, err := DecodeSecondary(buf[pos:], 0)
		if err != nil {
			return pos, err
		}
		next := pos + size + int(h.Length)
		if next > limit {
			break
		}
		pos = next
	}
	return pos, nil
}
