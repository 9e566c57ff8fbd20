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

package versions

import (
	"encoding/binary"

	"github.com/spaolacci/murmur3"
)

// Table is an open addressing hash map from chunk ids to versions, using
// linear probing. Keys are stored as chunk id + 1, so a zero key marks an
// empty slot. Table is not safe for concurrent use.
type Table struct {
	keys       []uint64
	values     []Version
	count      int
	loadFactor float64
	threshold  int
}

const minCapacity = 16

func NewTable(capacity int, loadFactor float64) *Table {
	if loadFactor <= 0 || loadFactor >= 1 {
		loadFactor = 0.9
	}
	size := minCapacity
	for size < capacity {
		size <<= 1
	}

	t := &Table{loadFactor: loadFactor}
	t.allocate(size)
	return t
}

func (t *Table) allocate(size int) {
	t.keys = make([]uint64, size)
	t.values = make([]Version, size)
	t.count = 0
	t.threshold = int(float64(size) * t.loadFactor)
}

func (t *Table) Len() int {
	return t.count
}

func (t *Table) slot(key uint64) int {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], key)
	return int(murmur3.Sum64(buf[:]) & uint64(len(t.keys)-1))
}

func (t *Table) find(key uint64) (int, bool) {
	mask := len(t.keys) - 1
	for i := t.slot(key); ; i = (i + 1) & mask {
		switch t.keys[i] {
		case key:
			return i, true
		case 0:
			return i, false
		}
	}
}

func (t *Table) Get(chunkID uint64) (Version, bool) {
	i, ok := t.find(chunkID + 1)
	if !ok {
		return Version{}, false
	}
	return t.values[i], true
}

func (t *Table) Put(chunkID uint64, v Version) {
	key := chunkID + 1
	i, ok := t.find(key)
	if ok {
		t.values[i] = v
		return
	}

	if t.count+1 > t.threshold {
		t.grow()
		i, _ = t.find(key)
	}
	t.keys[i] = key
	t.values[i] = v
	t.count++
}

// PutMax stores v unless a newer version is already present, and returns
// the version stored afterwards.
func (t *Table) PutMax(chunkID uint64, v Version, currentEon uint8) Version {
	if cur, ok := t.Get(chunkID); ok && Compare(cur, v, currentEon) >= 0 {
		return cur
	}
	t.Put(chunkID, v)
	return v
}

func (t *Table) grow() {
	keys, values := t.keys, t.values
	t.allocate(len(keys) * 2)
	for i, key := range keys {
		if key == 0 {
			continue
		}
		j, _ := t.find(key)
		t.keys[j] = key
		t.values[j] = values[i]
		t.count++
	}
}

// Range calls fn for every entry until fn returns false.
func (t *Table) Range(fn func(chunkID uint64, v Version) bool) {
	for i, key := range t.keys {
		if key == 0 {
			continue
		}
		if !fn(key-1, t.values[i]) {
			return
		}
	}
}

// Clear removes all entries but keeps the allocated capacity.
func (t *Table) Clear() {
	for i := range t.keys {
		t.keys[i] = 0
		t.values[i] = Version{}
	}
	t.count = 0
}
