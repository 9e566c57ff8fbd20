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

package byte_operations

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteOperations_RoundTrip(t *testing.T) {
	buf := make([]byte, 1+2+3+4+6+8+5)
	w := ByteOperations{Buffer: buf}
	w.WriteByte(0x81)
	w.WriteUint16(0xBEEF)
	w.WriteUint24(0xABCDEF)
	w.WriteUint32(0xDEADBEEF)
	w.WriteUint48(0xFFFF_1234_5678_9ABC)
	w.WriteUint64(1<<63 | 42)
	require.Nil(t, w.CopyBytesToBuffer([]byte("hello")))
	assert.Equal(t, uint64(len(buf)), w.Position)

	r := ByteOperations{Buffer: buf}
	assert.Equal(t, byte(0x81), r.ReadUint8())
	assert.Equal(t, uint16(0xBEEF), r.ReadUint16())
	assert.Equal(t, uint32(0xABCDEF), r.ReadUint24())
	assert.Equal(t, uint32(0xDEADBEEF), r.ReadUint32())
	assert.Equal(t, uint64(0x1234_5678_9ABC), r.ReadUint48(), "upper bits are cut")
	assert.Equal(t, uint64(1<<63|42), r.ReadUint64())
	out, err := r.CopyBytesFromBuffer(5, nil)
	require.Nil(t, err)
	assert.Equal(t, []byte("hello"), out)
}

func TestByteOperations_MaxValues(t *testing.T) {
	buf := make([]byte, 9)
	w := ByteOperations{Buffer: buf}
	w.WriteUint24(MaxUint24)
	w.WriteUint48(MaxUint48)

	r := ByteOperations{Buffer: buf}
	assert.Equal(t, uint32(MaxUint24), r.ReadUint24())
	assert.Equal(t, uint64(MaxUint48), r.ReadUint48())

	r.MoveBufferToAbsolutePosition(3)
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, r.ReadBytesFromBuffer(6))
}
