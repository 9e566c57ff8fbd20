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

package chunklog

import (
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/weaviate/chunklog/adapters/repos/chunklog/logentry"
	"github.com/weaviate/chunklog/adapters/repos/chunklog/ringlog"
	enterrors "github.com/weaviate/chunklog/entities/errors"
)

const logKindPrimary = "primary"

// PrimaryLog receives the staged entries of the write buffer and sorts
// them by range. Ranges with less than a flash page of data are collected
// in their secondary log buffers and copied to the primary log, a scratch
// ring making them durable until the buffers are written. Larger ranges
// go to their secondary log directly.
type PrimaryLog struct {
	sync.Mutex

	ring          *ringlog.RingLog
	catalog       *LogCatalog
	flashPageSize int
	shared        []byte
	logger        logrus.FieldLogger
	metrics       *Metrics
}

// OpenPrimaryLog opens the scratch ring at path. Whatever it held is
// discarded, the secondary logs are the source of truth.
func OpenPrimaryLog(path string, size int64, flashPageSize int, catalog *LogCatalog,
	logger logrus.FieldLogger, metrics *Metrics,
) (*PrimaryLog, error) {
	ring, err := ringlog.OpenOrCreate(path, size, ringlog.PrimaryMagic, false)
	if err != nil {
		return nil, errors.Wrap(err, "open primary log")
	}
	if err := ring.ResetPointers(); err != nil {
		ring.Close()
		return nil, err
	}

	return &PrimaryLog{
		ring:          ring,
		catalog:       catalog,
		flashPageSize: flashPageSize,
		logger:        logger,
		metrics:       metrics,
	}, nil
}

type rangeWrite struct {
	logs *RangeLogs
	data []byte
}

// AppendData demultiplexes a snapshot of primary entries. Entries of
// unknown ranges are dropped with a warning. A corrupt entry ends the
// walk, the entries before it are still written. Every range is written
// even if another one fails, the failures are returned combined.
func (p *PrimaryLog) AppendData(snap Snapshot) error {
	p.Lock()
	defer p.Unlock()

	var result *multierror.Error
	writes, err := p.demux(snap)
	if err != nil {
		result = multierror.Append(result, err)
	}

	var small, large []*rangeWrite
	for _, w := range writes {
		if len(w.data) < p.flashPageSize {
			small = append(small, w)
		} else {
			large = append(large, w)
		}
	}

	if len(small) > 0 {
		shared := p.shared[:0]
		for _, w := range small {
			shared = append(shared, w.data...)
		}
		p.shared = shared

		truncated, err := p.appendSharedLocked(shared)
		if err != nil {
			result = multierror.Append(result, err)
		}
		for _, w := range small {
			if err := w.logs.Buffer.BufferData(w.data); err != nil {
				result = multierror.Append(result, errors.Wrapf(err, "buffer range %s", w.logs.Key))
			}
			p.metrics.RangeWrite("buffered")
		}
		if truncated {
			// the scratch copy is incomplete, make the buffers durable now
			if err := p.drainLocked(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	for _, w := range large {
		if _, err := w.logs.Buffer.FlushAllDataToSecLog(w.data); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "write range %s", w.logs.Key))
		}
		p.metrics.RangeWrite("direct")
	}
	return result.ErrorOrNil()
}

// demux groups the entries of the snapshot by range, in range key order.
// On a corrupt entry it returns the groups collected before it along with
// the error.
func (p *PrimaryLog) demux(snap Snapshot) ([]*rangeWrite, error) {
	byKey := make(map[RangeKey]*rangeWrite, len(snap.Lengths))
	var scratch [logentry.MaxHeaderSize]byte
	var err error
	total := snap.Len()

	for pos := 0; pos < total; {
		size := logentry.PrimaryHeaderSize(snap.byteAt(pos))
		if pos+size > total {
			err = enterrors.NewCorruptHeader("truncated primary header at %d of %d staged bytes", pos, total)
			break
		}
		h, _, decodeErr := logentry.DecodePrimary(snap.view(pos, size, scratch[:]))
		if decodeErr != nil {
			err = errors.Wrapf(decodeErr, "decode staged entry at %d", pos)
			break
		}
		size += int(h.Length)
		if pos+size > total {
			err = enterrors.NewCorruptHeader("staged entry at %d overruns the %d staged bytes by %d",
				pos, total, pos+size-total)
			break
		}

		logs, ok := p.catalog.Resolve(h.ChunkID(), h.Migration, h.RangeID)
		if !ok {
			p.logger.WithField("action", "chunklog_primary_log_demux").
				WithField("chunk", h.ChunkID()).
				Warn("dropping entry of an unknown range")
			pos += size
			continue
		}

		w := byKey[logs.Key]
		if w == nil {
			w = &rangeWrite{logs: logs, data: make([]byte, 0, snap.Lengths[logs.Key])}
			byKey[logs.Key] = w
		}
		w.data = snap.appendRange(w.data, pos, size)
		pos += size
	}
	if err != nil {
		p.metrics.RecoveryError("corrupt_staged_entry")
		p.logger.WithField("action", "chunklog_primary_log_demux").
			WithError(err).
			Error("dropping the rest of a staged snapshot")
	}

	out := make([]*rangeWrite, 0, len(byKey))
	for _, w := range byKey {
		out = append(out, w)
	}
	sort.Slice(out, func(a, b int) bool {
		ka, kb := out[a].logs.Key, out[b].logs.Key
		if ka.Migration != kb.Migration {
			return !ka.Migration
		}
		return ka.ID < kb.ID
	})
	return out, err
}

// appendSharedLocked copies data to the ring, draining it first if it
// lacks room. It reports whether data had to be truncated.
func (p *PrimaryLog) appendSharedLocked(data []byte) (bool, error) {
	if int64(len(data)) > p.ring.WritableSpace() {
		if err := p.drainLocked(); err != nil {
			return false, err
		}
	}

	n, err := p.ring.AppendTruncated(data)
	p.metrics.Appended(logKindPrimary, n)
	p.metrics.Occupied(logKindPrimary, p.ring.OccupiedSpace())
	if err != nil {
		return false, err
	}
	return n < len(data), nil
}

// FlushAllBuffers writes every secondary log buffer and empties the ring.
func (p *PrimaryLog) FlushAllBuffers() error {
	p.Lock()
	defer p.Unlock()
	return p.drainLocked()
}

func (p *PrimaryLog) drainLocked() error {
	var result *multierror.Error
	for _, logs := range p.catalog.GetAllLogs() {
		if err := logs.Buffer.Flush(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "flush buffer of range %s", logs.Key))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		// the ring still holds the only durable copy of what failed
		return err
	}

	if err := p.ring.ResetPointers(); err != nil {
		return err
	}
	p.metrics.Occupied(logKindPrimary, 0)
	return nil
}

func (p *PrimaryLog) OccupiedSpace() int64 {
	return p.ring.OccupiedSpace()
}

func (p *PrimaryLog) Close() error {
	p.Lock()
	defer p.Unlock()
	return p.ring.Close()
}
