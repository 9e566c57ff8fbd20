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

package ringlog

import (
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

// Mapping is a read-only memory map of a ring log's usable region.
type Mapping struct {
	file   *os.File
	mapped mmap.MMap
	usable []byte
}

// Map maps the log file read-only. It uses its own file handle, so the log
// may keep being written, but writes after mapping may or may not be
// visible. Callers map logs only while appends to them are paused.
func (r *RingLog) Map() (*Mapping, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, errors.Wrapf(err, "open ring log %q for mapping", r.path)
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "map ring log %q", r.path)
	}

	return &Mapping{
		file:   f,
		mapped: m,
		usable: m[r.headerSize : r.headerSize+r.usable],
	}, nil
}

// Bytes of the usable region. Invalid after Unmap.
func (m *Mapping) Bytes() []byte {
	return m.usable
}

func (m *Mapping) Unmap() error {
	err := m.mapped.Unmap()
	if cerr := m.file.Close(); err == nil {
		err = cerr
	}
	return err
}
