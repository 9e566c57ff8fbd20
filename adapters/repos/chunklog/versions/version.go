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

// Package versions keeps track of chunk versions. A Version is a 15 bit
// epoch plus a one bit eon and a per epoch version number. The epoch grows
// with every flush of a Buffer; the eon flips when it wraps.
package versions

import "fmt"

const (
	EpochBits        = 15
	MaxEpoch  uint16 = 1<<EpochBits - 1
	EonBit    uint16 = 1 << EpochBits

	// VersionMask is the part of the version number persisted in version
	// logs and used for comparisons.
	VersionMask uint32 = 1<<24 - 1
	// MaxNumber is the largest number GetNext assigns. VersionMask itself
	// is what a tombstone reads back as from the version log.
	MaxNumber = VersionMask - 1
	// TombstoneNumber marks a deletion. Masked it is the largest version of
	// its epoch.
	TombstoneNumber uint32 = 0xFFFFFFFF
)

type Version struct {
	// Epoch holds the epoch counter in the lower 15 bits and the eon in
	// the highest bit.
	Epoch  uint16
	Number uint32
}

func NewVersion(eon uint8, epoch uint16, number uint32) Version {
	v := Version{Epoch: epoch & MaxEpoch, Number: number}
	if eon != 0 {
		v.Epoch |= EonBit
	}
	return v
}

func (v Version) Eon() uint8 {
	return uint8(v.Epoch >> EpochBits)
}

func (v Version) EpochCounter() uint16 {
	return v.Epoch & MaxEpoch
}

func (v Version) IsTombstone() bool {
	return v.Number == TombstoneNumber
}

func (v Version) String() string {
	if v.IsTombstone() {
		return fmt.Sprintf("%d.%d/deleted", v.Eon(), v.EpochCounter())
	}
	return fmt.Sprintf("%d.%d/%d", v.Eon(), v.EpochCounter(), v.Number)
}

// Compare orders a and b. Within one eon, versions are ordered by epoch,
// then by version number. Versions of different eons are ordered by which
// of them carries currentEon, which is always the newer one.
func Compare(a, b Version, currentEon uint8) int {
	if a.Eon() != b.Eon() {
		if a.Eon() == currentEon {
			return 1
		}
		return -1
	}

	switch ea, eb := a.EpochCounter(), b.EpochCounter(); {
	case ea < eb:
		return -1
	case ea > eb:
		return 1
	}

	switch na, nb := a.Number&VersionMask, b.Number&VersionMask; {
	case na < nb:
		return -1
	case na > nb:
		return 1
	default:
		return 0
	}
}
