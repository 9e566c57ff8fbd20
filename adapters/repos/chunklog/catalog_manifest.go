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
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

var manifestBucket = []byte("ranges")

// manifestRecord is the persisted registration of a range, so a reopened
// store finds its logs again.
type manifestRecord struct {
	Migration    bool      `msgpack:"m"`
	ID           uint64    `msgpack:"id"`
	LogFile      string    `msgpack:"log"`
	VersionsFile string    `msgpack:"versions"`
	CreatedAt    time.Time `msgpack:"created"`
}

func (r manifestRecord) key() RangeKey {
	return RangeKey{Migration: r.Migration, ID: r.ID}
}

func manifestKey(key RangeKey) []byte {
	out := make([]byte, 9)
	if key.Migration {
		out[0] = 1
	}
	binary.BigEndian.PutUint64(out[1:], key.ID)
	return out
}

type manifest struct {
	db *bolt.DB
}

func openManifest(path string) (*manifest, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open manifest %q", path)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(manifestBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "init manifest %q", path)
	}
	return &manifest{db: db}, nil
}

func (m *manifest) put(rec manifestRecord) error {
	value, err := msgpack.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode manifest record")
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(manifestBucket).Put(manifestKey(rec.key()), value)
	})
}

func (m *manifest) delete(key RangeKey) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(manifestBucket).Delete(manifestKey(key))
	})
}

// all returns the records in key order.
func (m *manifest) all() ([]manifestRecord, error) {
	var out []manifestRecord
	err := m.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(manifestBucket).ForEach(func(k, v []byte) error {
			var rec manifestRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return errors.Wrapf(err, "decode manifest record %x", k)
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func (m *manifest) close() error {
	return m.db.Close()
}
