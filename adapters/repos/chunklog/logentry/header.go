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

// Package logentry encodes the headers preceding every chunk update in the
// primary and secondary logs.
//
// Primary header (all little endian):
//
//	type 1 | [range id 1, migrations only] | creator 2 | local id 6 |
//	length 4 | epoch 2 | version 4 | [checksum 8]
//
// Secondary headers drop the range id, and drop the creator unless the
// entry belongs to a migration range. The creator of other entries is
// implied by the secondary log holding them.
package logentry

import (
	"github.com/cespare/xxhash/v2"
	"github.com/weaviate/chunklog/adapters/repos/chunklog/versions"
	enterrors "github.com/weaviate/chunklog/entities/errors"
	"github.com/weaviate/chunklog/usecases/byte_operations"
)

const (
	// type byte flags. A zero type byte terminates the data of a segment.
	flagValid     byte = 0x80
	flagMigration byte = 0x01
	flagChecksum  byte = 0x02

	LocalIDBits        = 48
	LocalIDMask uint64 = 1<<LocalIDBits - 1
	// InvalidLocalID overwrites the local id of entries invalidated in place.
	InvalidLocalID = LocalIDMask

	typeSize     = 1
	rangeIDSize  = 1
	creatorSize  = 2
	localIDSize  = 6
	lengthSize   = 4
	epochSize    = 2
	versionSize  = 4
	checksumSize = 8

	baseSize = typeSize + localIDSize + lengthSize + epochSize + versionSize

	// MaxHeaderSize is the largest primary header.
	MaxHeaderSize = baseSize + rangeIDSize + creatorSize + checksumSize
)

func ChunkID(creator uint16, localID uint64) uint64 {
	return uint64(creator)<<LocalIDBits | localID&LocalIDMask
}

func CreatorOf(chunkID uint64) uint16 {
	return uint16(chunkID >> LocalIDBits)
}

func LocalIDOf(chunkID uint64) uint64 {
	return chunkID & LocalIDMask
}

type Header struct {
	Migration   bool
	RangeID     uint8
	Creator     uint16
	LocalID     uint64
	Length      uint32
	Version     versions.Version
	HasChecksum bool
	Checksum    uint64
}

func (h Header) ChunkID() uint64 {
	return ChunkID(h.Creator, h.LocalID)
}

func (h Header) IsTombstone() bool {
	return h.Length == 0 && h.Version.IsTombstone()
}

func (h Header) IsInvalid() bool {
	return h.LocalID == InvalidLocalID
}

func (h Header) typeByte() byte {
	t := flagValid
	if h.Migration {
		t |= flagMigration
	}
	if h.HasChecksum {
		t |= flagChecksum
	}
	return t
}

func (h Header) PrimarySize() int {
	return PrimaryHeaderSize(h.typeByte())
}

func (h Header) SecondarySize() int {
	return SecondaryHeaderSize(h.typeByte())
}

// PrimaryHeaderSize derives the header size from the type byte.
func PrimaryHeaderSize(typ byte) int {
	size := baseSize + creatorSize
	if typ&flagMigration != 0 {
		size += rangeIDSize
	}
	if typ&flagChecksum != 0 {
		size += checksumSize
	}
	return size
}

func SecondaryHeaderSize(typ byte) int {
	size := baseSize
	if typ&flagMigration != 0 {
		size += creatorSize
	}
	if typ&flagChecksum != 0 {
		size += checksumSize
	}
	return size
}

func IsMigration(typ byte) bool {
	return typ&flagMigration != 0
}

// Checksum of a payload. It is a pure function and safe for concurrent use.
func Checksum(payload []byte) uint64 {
	return xxhash.Sum64(payload)
}

// Verify compares the payload against the stored checksum, if any.
func (h Header) Verify(payload []byte) error {
	if !h.HasChecksum {
		return nil
	}
	if sum := Checksum(payload); sum != h.Checksum {
		return enterrors.NewChecksumMismatch("chunk %x version %s: stored %x, computed %x",
			h.ChunkID(), h.Version, h.Checksum, sum)
	}
	return nil
}

// PutPrimary writes the primary header into buf and returns its size.
func PutPrimary(buf []byte, h Header) int {
	rw := byte_operations.ByteOperations{Buffer: buf}
	rw.WriteByte(h.typeByte())
	if h.Migration {
		rw.WriteByte(h.RangeID)
	}
	rw.WriteUint16(h.Creator)
	putCommon(&rw, h)
	return int(rw.Position)
}

// PutSecondary writes the secondary header into buf and returns its size.
func PutSecondary(buf []byte, h Header) int {
	rw := byte_operations.ByteOperations{Buffer: buf}
	rw.WriteByte(h.typeByte())
	if h.Migration {
		rw.WriteUint16(h.Creator)
	}
	putCommon(&rw, h)
	return int(rw.Position)
}

func putCommon(rw *byte_operations.ByteOperations, h Header) {
	rw.WriteUint48(h.LocalID)
	rw.WriteUint32(h.Length)
	rw.WriteUint16(h.Version.Epoch)
	rw.WriteUint32(h.Version.Number)
	if h.HasChecksum {
		rw.WriteUint64(h.Checksum)
	}
}

// DecodePrimary reads a primary header from the start of buf.
func DecodePrimary(buf []byte) (Header, int, error) {
	if len(buf) < typeSize || buf[0]&flagValid == 0 {
		return Header{}, 0, enterrors.NewCorruptHeader("invalid primary type byte")
	}
	size := PrimaryHeaderSize(buf[0])
	if len(buf) < size {
		return Header{}, 0, enterrors.NewCorruptHeader("primary header needs %d bytes, got %d", size, len(buf))
	}

	rw := byte_operations.ByteOperations{Buffer: buf}
	typ := rw.ReadUint8()
	h := Header{Migration: typ&flagMigration != 0, HasChecksum: typ&flagChecksum != 0}
	if h.Migration {
		h.RangeID = rw.ReadUint8()
	}
	h.Creator = rw.ReadUint16()
	readCommon(&rw, &h)
	return h, size, nil
}

// DecodeSecondary reads a secondary header from the start of buf. creator
// is used for entries that do not carry their own.
func DecodeSecondary(buf []byte, creator uint16) (Header, int, error) {
	if len(buf) < typeSize || buf[0]&flagValid == 0 {
		return Header{}, 0, enterrors.NewCorruptHeader("invalid secondary type byte")
	}
	size := SecondaryHeaderSize(buf[0])
	if len(buf) < size {
		return Header{}, 0, enterrors.NewCorruptHeader("secondary header needs %d bytes, got %d", size, len(buf))
	}

	rw := byte_operations.ByteOperations{Buffer: buf}
	typ := rw.ReadUint8()
	h := Header{Migration: typ&flagMigration != 0, HasChecksum: typ&flagChecksum != 0, Creator: creator}
	if h.Migration {
		h.Creator = rw.ReadUint16()
	}
	readCommon(&rw, &h)
	return h, size, nil
}

func readCommon(rw *byte_operations.ByteOperations, h *Header) {
	h.LocalID = rw.ReadUint48()
	h.Length = rw.ReadUint32()
	h.Version.Epoch = rw.ReadUint16()
	h.Version.Number = rw.ReadUint32()
	if h.HasChecksum {
		h.Checksum = rw.ReadUint64()
	}
}

// ToSecondary converts the primary entry at the start of src into its
// secondary form in dst and returns the bytes written and consumed.
// dst must hold at least the entry's size.
func ToSecondary(dst, src []byte) (written, consumed int, err error) {
	h, size, err := DecodePrimary(src)
	if err != nil {
		return 0, 0, err
	}
	if len(src) < size+int(h.Length) {
		return 0, 0, enterrors.NewCorruptHeader("entry of chunk %x needs %d payload bytes, got %d",
			h.ChunkID(), h.Length, len(src)-size)
	}
	n := PutSecondary(dst, h)
	rw := byte_operations.ByteOperations{Buffer: src, Position: uint64(size)}
	if _, err := rw.CopyBytesFromBuffer(uint64(h.Length), dst[n:]); err != nil {
		return 0, 0, err
	}
	return n + int(h.Length), size + int(h.Length), nil
}

// InvalidateSecondary overwrites the local id of the secondary entry at the
// start of entry with InvalidLocalID. It reports false if the entry was
// invalid already.
func InvalidateSecondary(entry []byte) bool {
	offset := typeSize
	if IsMigration(entry[0]) {
		offset += creatorSize
	}
	rw := byte_operations.ByteOperations{Buffer: entry, Position: uint64(offset)}
	if rw.ReadUint48() == InvalidLocalID {
		return false
	}
	rw.MoveBufferToAbsolutePosition(uint64(offset))
	rw.WriteUint48(InvalidLocalID)
	return true
}

// Restamp overwrites the version of the secondary entry at the start of
// entry.
func Restamp(entry []byte, v versions.Version) {
	rw := byte_operations.ByteOperations{Buffer: entry}
	if IsMigration(rw.ReadUint8()) {
		rw.MoveBufferPositionForward(creatorSize)
	}
	rw.MoveBufferPositionForward(localIDSize + lengthSize)
	rw.WriteUint16(v.Epoch)
	rw.WriteUint32(v.Number)
}
