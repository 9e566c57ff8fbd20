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
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/weaviate/chunklog/adapters/repos/chunklog/logentry"
)

// RangeKey identifies a backup range. Creator ranges are keyed by their
// first chunk id and hold the chunks of one creator from that local id on.
// Migration ranges are keyed by their range id.
type RangeKey struct {
	Migration bool
	ID        uint64
}

func CreatorRange(creator uint16, firstLocalID uint64) RangeKey {
	return RangeKey{ID: logentry.ChunkID(creator, firstLocalID)}
}

func MigrationRange(rangeID uint8) RangeKey {
	return RangeKey{Migration: true, ID: uint64(rangeID)}
}

// Creator of the chunks in a creator range. Entries of migration ranges
// carry their own.
func (k RangeKey) Creator() uint16 {
	if k.Migration {
		return 0
	}
	return logentry.CreatorOf(k.ID)
}

func (k RangeKey) String() string {
	if k.Migration {
		return fmt.Sprintf("migration-%d", k.ID)
	}
	return fmt.Sprintf("creator-%d-%x", logentry.CreatorOf(k.ID), logentry.LocalIDOf(k.ID))
}

// RangeLogs bundles the logs serving one range.
type RangeLogs struct {
	Key    RangeKey
	Log    *SecondaryLog
	Buffer *SecondaryLogBuffer
}

type rangeItem struct {
	start uint64
	logs  *RangeLogs
}

func (i rangeItem) Less(than btree.Item) bool {
	return i.start < than.(rangeItem).start
}

// LogCatalog maps chunk ids to the logs of their range. Creator ranges
// live in an ordered tree, a chunk belongs to the range with the greatest
// start not above its id and the same creator.
type LogCatalog struct {
	sync.RWMutex
	creatorRanges *btree.BTree
	migrations    map[uint8]*RangeLogs
}

func NewLogCatalog() *LogCatalog {
	return &LogCatalog{
		creatorRanges: btree.New(32),
		migrations:    map[uint8]*RangeLogs{},
	}
}

func (c *LogCatalog) InsertRange(logs *RangeLogs) error {
	c.Lock()
	defer c.Unlock()

	if logs.Key.Migration {
		id := uint8(logs.Key.ID)
		if _, ok := c.migrations[id]; ok {
			return errors.Errorf("range %s registered twice", logs.Key)
		}
		c.migrations[id] = logs
		return nil
	}

	item := rangeItem{start: logs.Key.ID, logs: logs}
	if c.creatorRanges.Has(item) {
		return errors.Errorf("range %s registered twice", logs.Key)
	}
	c.creatorRanges.ReplaceOrInsert(item)
	return nil
}

// Get returns the logs of a registered range.
func (c *LogCatalog) Get(key RangeKey) (*RangeLogs, bool) {
	c.RLock()
	defer c.RUnlock()

	if key.Migration {
		logs, ok := c.migrations[uint8(key.ID)]
		return logs, ok
	}
	item := c.creatorRanges.Get(rangeItem{start: key.ID})
	if item == nil {
		return nil, false
	}
	return item.(rangeItem).logs, true
}

// Resolve finds the range of a chunk. Migration entries resolve by their
// range id.
func (c *LogCatalog) Resolve(chunkID uint64, migration bool, rangeID uint8) (*RangeLogs, bool) {
	if migration {
		return c.Get(MigrationRange(rangeID))
	}

	c.RLock()
	defer c.RUnlock()

	var found *RangeLogs
	c.creatorRanges.DescendLessOrEqual(rangeItem{start: chunkID}, func(i btree.Item) bool {
		item := i.(rangeItem)
		if logentry.CreatorOf(item.start) == logentry.CreatorOf(chunkID) {
			found = item.logs
		}
		return false
	})
	return found, found != nil
}

// GetLog returns the secondary log of a chunk's range.
func (c *LogCatalog) GetLog(chunkID uint64, migration bool, rangeID uint8) (*SecondaryLog, bool) {
	logs, ok := c.Resolve(chunkID, migration, rangeID)
	if !ok {
		return nil, false
	}
	return logs.Log, true
}

func (c *LogCatalog) GetBuffer(chunkID uint64, migration bool, rangeID uint8) (*SecondaryLogBuffer, bool) {
	logs, ok := c.Resolve(chunkID, migration, rangeID)
	if !ok {
		return nil, false
	}
	return logs.Buffer, true
}

func (c *LogCatalog) RemoveRange(key RangeKey) (*RangeLogs, bool) {
	c.Lock()
	defer c.Unlock()

	if key.Migration {
		logs, ok := c.migrations[uint8(key.ID)]
		delete(c.migrations, uint8(key.ID))
		return logs, ok
	}
	item := c.creatorRanges.Delete(rangeItem{start: key.ID})
	if item == nil {
		return nil, false
	}
	return item.(rangeItem).logs, true
}

// GetAllLogs returns the creator ranges in key order, then the migration
// ranges.
func (c *LogCatalog) GetAllLogs() []*RangeLogs {
	c.RLock()
	defer c.RUnlock()

	out := make([]*RangeLogs, 0, c.creatorRanges.Len()+len(c.migrations))
	c.creatorRanges.Ascend(func(i btree.Item) bool {
		out = append(out, i.(rangeItem).logs)
		return true
	})
	for id := 0; id < 256; id++ {
		if logs, ok := c.migrations[uint8(id)]; ok {
			out = append(out, logs)
		}
	}
	return out
}

// Count returns the number of creator and migration ranges.
func (c *LogCatalog) Count() (creator, migration int) {
	c.RLock()
	defer c.RUnlock()
	return c.creatorRanges.Len(), len(c.migrations)
}

// CloseAll flushes the buffers and closes the logs of every range. It
// continues past failures and returns them combined.
func (c *LogCatalog) CloseAll() error {
	var result *multierror.Error
	for _, logs := range c.GetAllLogs() {
		if logs.Buffer != nil {
			if err := logs.Buffer.Flush(); err != nil {
				result = multierror.Append(result, errors.Wrapf(err, "flush buffer of range %s", logs.Key))
			}
		}
		if err := logs.Log.Close(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "close range %s", logs.Key))
		}
	}
	return result.ErrorOrNil()
}
