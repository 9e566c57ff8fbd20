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

// Package byte_operations provides a little endian cursor used to (un-)
// marshal log headers, segment metadata and version records.
package byte_operations

import (
	"encoding/binary"
	"errors"
)

const (
	uint16Len = 2
	uint24Len = 3
	uint32Len = 4
	uint48Len = 6
	uint64Len = 8

	MaxUint24 = 1<<24 - 1
	MaxUint48 = 1<<48 - 1
)

type ByteOperations struct {
	Position uint64
	Buffer   []byte
}

func (bo *ByteOperations) ReadUint64() uint64 {
	bo.Position += uint64Len
	return binary.LittleEndian.Uint64(bo.Buffer[bo.Position-uint64Len : bo.Position])
}

// ReadUint48 reads the six byte little endian encoding used for chunk local ids.
func (bo *ByteOperations) ReadUint48() uint64 {
	bo.Position += uint48Len
	b := bo.Buffer[bo.Position-uint48Len : bo.Position]
	return uint64(binary.LittleEndian.Uint32(b[:4])) | uint64(binary.LittleEndian.Uint16(b[4:]))<<32
}

func (bo *ByteOperations) ReadUint32() uint32 {
	bo.Position += uint32Len
	return binary.LittleEndian.Uint32(bo.Buffer[bo.Position-uint32Len : bo.Position])
}

func (bo *ByteOperations) ReadUint24() uint32 {
	bo.Position += uint24Len
	b := bo.Buffer[bo.Position-uint24Len : bo.Position]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

func (bo *ByteOperations) ReadUint16() uint16 {
	bo.Position += uint16Len
	return binary.LittleEndian.Uint16(bo.Buffer[bo.Position-uint16Len : bo.Position])
}

func (bo *ByteOperations) ReadUint8() byte {
	bo.Position += 1
	return bo.Buffer[bo.Position-1]
}

func (bo *ByteOperations) CopyBytesFromBuffer(length uint64, out []byte) ([]byte, error) {
	if out == nil {
		out = make([]byte, length)
	}
	bo.Position += length
	numCopiedBytes := copy(out, bo.Buffer[bo.Position-length:bo.Position])
	if numCopiedBytes != int(length) {
		return nil, errors.New("could not copy data from buffer")
	}
	return out, nil
}

func (bo *ByteOperations) ReadBytesFromBuffer(length uint64) []byte {
	subslice := bo.Buffer[bo.Position : bo.Position+length]
	bo.Position += length
	return subslice
}

func (bo *ByteOperations) WriteUint64(value uint64) {
	bo.Position += uint64Len
	binary.LittleEndian.PutUint64(bo.Buffer[bo.Position-uint64Len:bo.Position], value)
}

// WriteUint48 writes the lower 48 bits of value.
func (bo *ByteOperations) WriteUint48(value uint64) {
	bo.Position += uint48Len
	b := bo.Buffer[bo.Position-uint48Len : bo.Position]
	binary.LittleEndian.PutUint32(b[:4], uint32(value))
	binary.LittleEndian.PutUint16(b[4:], uint16(value>>32))
}

func (bo *ByteOperations) WriteUint32(value uint32) {
	bo.Position += uint32Len
	binary.LittleEndian.PutUint32(bo.Buffer[bo.Position-uint32Len:bo.Position], value)
}

// WriteUint24 writes the lower 24 bits of value.
func (bo *ByteOperations) WriteUint24(value uint32) {
	bo.Position += uint24Len
	b := bo.Buffer[bo.Position-uint24Len : bo.Position]
	b[0] = byte(value)
	b[1] = byte(value >> 8)
	b[2] = byte(value >> 16)
}

func (bo *ByteOperations) WriteUint16(value uint16) {
	bo.Position += uint16Len
	binary.LittleEndian.PutUint16(bo.Buffer[bo.Position-uint16Len:bo.Position], value)
}

func (bo *ByteOperations) CopyBytesToBuffer(copyBytes []byte) error {
	lenCopyBytes := uint64(len(copyBytes))
	bo.Position += lenCopyBytes
	numCopiedBytes := copy(bo.Buffer[bo.Position-lenCopyBytes:bo.Position], copyBytes)
	if numCopiedBytes != int(lenCopyBytes) {
		return errors.New("could not copy data into buffer")
	}
	return nil
}

func (bo *ByteOperations) MoveBufferPositionForward(length uint64) {
	bo.Position += length
}

func (bo *ByteOperations) MoveBufferToAbsolutePosition(pos uint64) {
	bo.Position = pos
}

func (bo *ByteOperations) WriteByte(b byte) {
	bo.Buffer[bo.Position] = b
	bo.Position += 1
}
