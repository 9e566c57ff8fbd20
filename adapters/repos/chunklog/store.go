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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/weaviate/chunklog/adapters/repos/chunklog/logentry"
	"github.com/weaviate/chunklog/adapters/repos/chunklog/versions"
	"github.com/weaviate/chunklog/entities/cyclemanager"
	"github.com/weaviate/chunklog/entities/diskio"
	enterrors "github.com/weaviate/chunklog/entities/errors"
	"github.com/weaviate/chunklog/usecases/config"
)

const (
	manifestFile   = "manifest.db"
	primaryLogFile = "primary.log"

	// an idle reorganization cycle backs off to this many times the
	// configured interval, in reorgIdleSteps steps
	reorgIdleIntervalFactor = 10
	reorgIdleSteps          = 5

	flushRetries = 5
)

// Store persists the chunk updates of one node. Updates are staged in a
// write buffer, sorted by range through the primary log and written to the
// secondary log of their range, which is reorganized in the background.
type Store struct {
	dir     string
	cfg     config.Config
	logger  logrus.FieldLogger
	metrics *Metrics

	catalog     *LogCatalog
	manifest    *manifest
	primaryLog  *PrimaryLog
	writeBuffer *WriteBuffer

	reorgCallbacks cyclemanager.CycleCallbacks
	// only set if the store schedules its own reorganization
	reorgCycle cyclemanager.CycleManager

	// guards creation and removal of ranges
	rangesMu   sync.Mutex
	reorgCtrls map[RangeKey]cyclemanager.CycleCallbackCtrl

	closed atomic.Bool
}

// NewStore opens the store in dir and every range registered there. If
// reorgCallbacks is nil, the store runs its own reorganization cycle.
func NewStore(ctx context.Context, dir string, logger logrus.FieldLogger, metrics *Metrics,
	reorgCallbacks cyclemanager.CycleCallbacks, opts ...StoreOption,
) (*Store, error) {
	s := &Store{
		dir:        dir,
		cfg:        config.Defaults(),
		logger:     logger,
		metrics:    metrics,
		catalog:    NewLogCatalog(),
		reorgCtrls: map[RangeKey]cyclemanager.CycleCallbackCtrl{},
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "create store dir %q", dir)
	}

	m, err := openManifest(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, err
	}
	s.manifest = m

	s.primaryLog, err = OpenPrimaryLog(filepath.Join(dir, primaryLogFile), s.cfg.PrimaryLog.Size,
		s.cfg.FlashPageSize, s.catalog, logger, metrics)
	if err != nil {
		m.close()
		return nil, err
	}

	if reorgCallbacks == nil {
		reorgCallbacks = cyclemanager.NewCycleCallbacks("chunklog_reorganization", logger, s.cfg.Reorg.RoutinesLimit)
		s.reorgCycle = cyclemanager.NewManager(cyclemanager.NewLinearTicker(s.cfg.Reorg.Interval,
			reorgIdleIntervalFactor*s.cfg.Reorg.Interval, reorgIdleSteps),
			reorgCallbacks.CycleCallback, logger)
	}
	s.reorgCallbacks = reorgCallbacks

	if err := s.openRanges(ctx); err != nil {
		s.catalog.CloseAll()
		s.primaryLog.Close()
		m.close()
		return nil, err
	}

	s.writeBuffer = NewWriteBuffer(WriteBufferConfig{
		Size:          s.cfg.WriteBuffer.Size,
		SignalBytes:   int64(s.cfg.WriteBuffer.SignalBytes),
		MaxBytes:      int64(s.cfg.WriteBuffer.MaxBytes),
		WriterTimeout: s.cfg.WriteBuffer.WriterTimeout,
	}, s.primaryLog.AppendData, logger, metrics)

	if s.reorgCycle != nil {
		s.reorgCycle.Start()
	}
	return s, nil
}

func (s *Store) openRanges(ctx context.Context) error {
	records, err := s.manifest.all()
	if err != nil {
		return err
	}

	start := time.Now()
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return enterrors.NewInterrupted(err)
		}
		if err := s.openRange(rec); err != nil {
			return err
		}
	}

	if len(records) > 0 {
		s.logger.WithField("action", "chunklog_store_open").
			WithField("path", s.dir).
			WithField("ranges", len(records)).
			WithField("took", time.Since(start)).
			Info("reopened ranges")
	}
	return nil
}

func (s *Store) openRange(rec manifestRecord) error {
	key := rec.key()
	logPath, err := diskio.SanitizeFilePathJoin(s.dir, rec.LogFile)
	if err != nil {
		return errors.Wrapf(err, "log file of range %s", key)
	}
	versionsPath, err := diskio.SanitizeFilePathJoin(s.dir, rec.VersionsFile)
	if err != nil {
		return errors.Wrapf(err, "versions file of range %s", key)
	}

	logger := s.logger.WithField("range", key.String())
	vb, err := versions.OpenBuffer(versionsPath, s.cfg.Versions.InitialCapacity, s.cfg.Versions.LoadFactor,
		s.cfg.Versions.FlushThreshold, logger, versions.Observer{
			Flushed:  s.metrics.VersionFlushed,
			Replayed: s.metrics.TrackVersionReplayDiskIO,
		})
	if err != nil {
		return errors.Wrapf(err, "open versions of range %s", key)
	}

	log, err := OpenSecondaryLog(logPath, key, SecondaryLogConfig{
		Size:                 s.cfg.SecondaryLog.Size,
		SegmentSize:          s.cfg.SecondaryLog.SegmentSize,
		UtilizationThreshold: s.cfg.Reorg.UtilizationThreshold,
		InlineRetries:        int(s.cfg.Reorg.InlineRetries),
	}, vb, logger, s.metrics)
	if err != nil {
		vb.Close()
		return err
	}

	logs := &RangeLogs{
		Key:    key,
		Log:    log,
		Buffer: NewSecondaryLogBuffer(log, s.cfg.SecondaryLog.BufferSize),
	}
	if err := s.catalog.InsertRange(logs); err != nil {
		log.Close()
		return err
	}
	log.SetThresholdHook(s.triggerReorganization)
	s.reorgCtrls[key] = s.reorgCallbacks.Register("chunklog_reorganize_"+key.String(), true,
		s.reorganizeCallback(logs))
	s.metrics.CatalogRanges(s.catalog.Count())
	return nil
}

func rangeFiles(key RangeKey) (logFile, versionsFile string) {
	base := fmt.Sprintf("range_%04x_%012x", logentry.CreatorOf(key.ID), logentry.LocalIDOf(key.ID))
	if key.Migration {
		base = fmt.Sprintf("migration_%03d", key.ID)
	}
	return base + ".log", base + ".versions"
}

// CreateRange registers a range and creates its logs. Registering an
// existing range is a no-op.
func (s *Store) CreateRange(key RangeKey) error {
	if s.closed.Load() {
		return enterrors.ErrClosed
	}
	if key.Migration && key.ID > 255 {
		return errors.Errorf("migration range id %d out of range", key.ID)
	}

	s.rangesMu.Lock()
	defer s.rangesMu.Unlock()

	if _, ok := s.catalog.Get(key); ok {
		return nil
	}

	logFile, versionsFile := rangeFiles(key)
	rec := manifestRecord{
		Migration:    key.Migration,
		ID:           key.ID,
		LogFile:      logFile,
		VersionsFile: versionsFile,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.openRange(rec); err != nil {
		return err
	}
	return s.manifest.put(rec)
}

// RemoveRange stops reorganizing a range and deletes its files. Staged
// entries of the range are dropped.
func (s *Store) RemoveRange(ctx context.Context, key RangeKey) error {
	s.rangesMu.Lock()
	defer s.rangesMu.Unlock()

	if ctrl, ok := s.reorgCtrls[key]; ok {
		if err := ctrl.Unregister(ctx); err != nil {
			return errors.Wrapf(err, "stop reorganization of range %s", key)
		}
		delete(s.reorgCtrls, key)
	}

	// no snapshot may be demultiplexed into the range meanwhile
	s.primaryLog.Lock()
	logs, ok := s.catalog.RemoveRange(key)
	s.primaryLog.Unlock()
	if !ok {
		return errors.Errorf("range %s not registered", key)
	}
	s.metrics.CatalogRanges(s.catalog.Count())

	if err := logs.Log.Remove(); err != nil {
		return errors.Wrapf(err, "remove range %s", key)
	}
	return s.manifest.delete(key)
}

// Append stages primary entries, as encoded by logentry.NewPrimary, for
// the given range. The range is created if needed. A buffer that does not
// decode into whole entries is rejected before anything is staged. The
// versions of the entries are recorded like those of PutVersion.
func (s *Store) Append(key RangeKey, buf []byte) error {
	if s.closed.Load() {
		return enterrors.ErrClosed
	}
	headers, err := logentry.PrimaryHeaders(buf)
	if err != nil {
		return errors.Wrapf(err, "append to range %s", key)
	}
	if len(headers) == 0 {
		return nil
	}
	if _, ok := s.catalog.Get(key); !ok {
		if err := s.CreateRange(key); err != nil {
			return err
		}
	}
	for _, h := range headers {
		// entries of unknown ranges are dropped by the writer
		if logs, ok := s.catalog.Resolve(h.ChunkID(), h.Migration, h.RangeID); ok {
			logs.Log.versions.PutMax(h.ChunkID(), h.Version)
			logs.Log.MarkSuperseded()
		}
	}
	return s.writeBuffer.Append(key, buf, nil)
}

func (s *Store) resolve(chunkID uint64) (*RangeLogs, error) {
	if s.closed.Load() {
		return nil, enterrors.ErrClosed
	}
	logs, ok := s.catalog.Resolve(chunkID, false, 0)
	if !ok {
		return nil, errors.Errorf("no range registered for chunk %x", chunkID)
	}
	return logs, nil
}

// Put stages a new version of a chunk and returns the version assigned.
func (s *Store) Put(chunkID uint64, payload []byte) (versions.Version, error) {
	if !s.cfg.Versions.AssignVersions {
		return versions.Version{}, errors.New("versions are assigned by the caller, use PutVersion")
	}
	logs, err := s.resolve(chunkID)
	if err != nil {
		return versions.Version{}, err
	}

	vb := logs.Log.versions
	v, ok := vb.GetNext(chunkID)
	if !ok {
		// deleted in this epoch or out of numbers, the next epoch sorts above
		if _, err := logs.Log.FlushVersions(); err != nil {
			return versions.Version{}, err
		}
		if v, ok = vb.GetNext(chunkID); !ok {
			return versions.Version{}, errors.Errorf("no version left for chunk %x", chunkID)
		}
		logs.Log.MarkSuperseded()
	} else if v.Number > 1 {
		logs.Log.MarkSuperseded()
	}
	return v, s.stage(logs.Key, chunkID, v, payload)
}

// PutVersion stages a chunk update carrying a version assigned by the
// caller.
func (s *Store) PutVersion(chunkID uint64, v versions.Version, payload []byte) error {
	logs, err := s.resolve(chunkID)
	if err != nil {
		return err
	}
	logs.Log.versions.PutMax(chunkID, v)
	logs.Log.MarkSuperseded()
	return s.stage(logs.Key, chunkID, v, payload)
}

// Delete stages a tombstone for the chunk.
func (s *Store) Delete(chunkID uint64) (versions.Version, error) {
	logs, err := s.resolve(chunkID)
	if err != nil {
		return versions.Version{}, err
	}

	v := logs.Log.versions.MarkDeleted(chunkID)
	logs.Log.MarkSuperseded()
	return v, s.stage(logs.Key, chunkID, v, nil)
}

// PutMigrated stages a chunk update received for a migration range.
func (s *Store) PutMigrated(rangeID uint8, chunkID uint64, v versions.Version, payload []byte) error {
	if s.closed.Load() {
		return enterrors.ErrClosed
	}
	key := MigrationRange(rangeID)
	logs, ok := s.catalog.Get(key)
	if !ok {
		return errors.Errorf("migration range %d not registered", rangeID)
	}
	logs.Log.versions.PutMax(chunkID, v)
	logs.Log.MarkSuperseded()

	h := logentry.Header{
		Migration: true,
		RangeID:   rangeID,
		Creator:   logentry.CreatorOf(chunkID),
		LocalID:   logentry.LocalIDOf(chunkID),
		Version:   v,
	}
	return s.stageHeader(key, h, payload)
}

func (s *Store) stage(key RangeKey, chunkID uint64, v versions.Version, payload []byte) error {
	return s.stageHeader(key, logentry.Header{
		Creator: logentry.CreatorOf(chunkID),
		LocalID: logentry.LocalIDOf(chunkID),
		Version: v,
	}, payload)
}

func (s *Store) stageHeader(key RangeKey, h logentry.Header, payload []byte) error {
	h.Length = uint32(len(payload))
	h.HasChecksum = s.cfg.UseChecksums && len(payload) > 0
	if h.HasChecksum {
		h.Checksum = logentry.Checksum(payload)
	}
	header := make([]byte, h.PrimarySize())
	logentry.PutPrimary(header, h)
	return s.writeBuffer.Append(key, header, payload)
}

// Flush writes everything staged to the secondary logs, syncs them and
// persists their version buffers.
func (s *Store) Flush(ctx context.Context) error {
	if err := s.writeBuffer.SignalFlushAndWait(ctx); err != nil {
		return errors.Wrap(err, "flush write buffer")
	}
	return s.flushLogs(ctx)
}

func (s *Store) flushLogs(ctx context.Context) error {
	if err := s.flushBuffers(ctx); err != nil {
		return errors.Wrap(err, "flush secondary log buffers")
	}

	eg := enterrors.NewErrorGroupWrapper(s.logger)
	for _, logs := range s.catalog.GetAllLogs() {
		logs := logs
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return enterrors.NewInterrupted(err)
			}
			if err := logs.Log.Sync(); err != nil {
				return errors.Wrapf(err, "sync range %s", logs.Key)
			}
			_, err := logs.Log.FlushVersions()
			return err
		}, logs.Key)
	}
	return eg.Wait()
}

// flushBuffers retries while secondary logs are short of segments or
// their segments are being reorganized. Buffers keep what was not written.
func (s *Store) flushBuffers(ctx context.Context) error {
	op := func() error {
		err := s.primaryLog.FlushAllBuffers()
		if err != nil && !enterrors.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithMaxRetries(newReclaimBackOff(), flushRetries)
	return backoff.RetryNotify(op, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		s.logger.WithField("action", "chunklog_flush_buffers").
			WithField("wait", wait).
			WithError(err).
			Debug("retrying flush of secondary log buffers")
	})
}

// pauseReorganization deactivates the reorganization callback of the range
// and returns the function resuming it.
func (s *Store) pauseReorganization(ctx context.Context, key RangeKey) (func(), error) {
	s.rangesMu.Lock()
	ctrl, ok := s.reorgCtrls[key]
	s.rangesMu.Unlock()
	if !ok || !ctrl.IsActive() {
		return func() {}, nil
	}
	if err := ctrl.Deactivate(ctx); err != nil {
		return nil, errors.Wrapf(err, "pause reorganization of range %s", key)
	}
	return func() {
		// fails if the range was removed meanwhile
		if err := ctrl.Activate(); err != nil {
			s.logger.WithField("action", "chunklog_recover_range").
				WithField("range", key.String()).
				WithError(err).
				Debug("reorganization not resumed")
		}
	}, nil
}

// RecoverAll flushes the store and returns the newest payload of every
// live chunk of every range.
func (s *Store) RecoverAll(ctx context.Context, verifyChecksums bool) (map[uint64][]byte, RecoveryStats, error) {
	var stats RecoveryStats
	if err := s.Flush(ctx); err != nil {
		return nil, stats, err
	}

	all := s.catalog.GetAllLogs()
	results := make([]map[uint64][]byte, len(all))
	perRange := make([]RecoveryStats, len(all))

	eg := enterrors.NewErrorGroupWrapper(s.logger)
	for i, logs := range all {
		i, logs := i, logs
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return enterrors.NewInterrupted(err)
			}
			resume, err := s.pauseReorganization(ctx, logs.Key)
			if err != nil {
				return err
			}
			defer resume()
			out, st, err := logs.Log.RecoverRange(0, logentry.LocalIDMask-1, verifyChecksums)
			if err != nil {
				return errors.Wrapf(err, "recover range %s", logs.Key)
			}
			results[i], perRange[i] = out, st
			return nil
		}, logs.Key)
	}
	if err := eg.Wait(); err != nil {
		return nil, stats, err
	}

	merged := make(map[uint64][]byte)
	for i, out := range results {
		stats.add(perRange[i])
		for id, payload := range out {
			merged[id] = payload
		}
	}
	return merged, stats, nil
}

// RecoverRange flushes the store and returns the live chunks of one range
// with local ids within [low, high].
func (s *Store) RecoverRange(ctx context.Context, key RangeKey, low, high uint64,
	verifyChecksums bool,
) (map[uint64][]byte, RecoveryStats, error) {
	logs, ok := s.catalog.Get(key)
	if !ok {
		return nil, RecoveryStats{}, errors.Errorf("range %s not registered", key)
	}
	if err := s.Flush(ctx); err != nil {
		return nil, RecoveryStats{}, err
	}
	// a reorganization cycle would only queue behind the scan
	resume, err := s.pauseReorganization(ctx, key)
	if err != nil {
		return nil, RecoveryStats{}, err
	}
	defer resume()
	return logs.Log.RecoverRange(low, high, verifyChecksums)
}

type SpaceReport struct {
	WriteBuffer int64
	PrimaryLog  int64
	Ranges      map[RangeKey]int64
}

func (r SpaceReport) Total() int64 {
	total := r.WriteBuffer + r.PrimaryLog
	for _, n := range r.Ranges {
		total += n
	}
	return total
}

func (r SpaceReport) String() string {
	keys := make([]RangeKey, 0, len(r.Ranges))
	for key := range r.Ranges {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(a, b int) bool { return keys[a].String() < keys[b].String() })

	var sb strings.Builder
	fmt.Fprintf(&sb, "write buffer %s, primary log %s", humanize.IBytes(uint64(r.WriteBuffer)),
		humanize.IBytes(uint64(r.PrimaryLog)))
	for _, key := range keys {
		fmt.Fprintf(&sb, ", %s %s", key, humanize.IBytes(uint64(r.Ranges[key])))
	}
	return sb.String()
}

func (s *Store) OccupiedSpace() SpaceReport {
	report := SpaceReport{
		WriteBuffer: s.writeBuffer.Occupancy(),
		PrimaryLog:  s.primaryLog.OccupiedSpace(),
		Ranges:      map[RangeKey]int64{},
	}
	for _, logs := range s.catalog.GetAllLogs() {
		report.Ranges[logs.Key] = logs.Log.OccupiedSpace()
	}
	return report
}

// SegmentUtilizationReport renders the segment distribution of every
// range.
func (s *Store) SegmentUtilizationReport() string {
	var sb strings.Builder
	for i, logs := range s.catalog.GetAllLogs() {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "%s: %s", logs.Key, logs.Log.SegmentDistribution())
	}
	return sb.String()
}

// Shutdown rejects new updates, lets running reorganizations finish,
// writes everything staged and closes all files.
func (s *Store) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return enterrors.ErrClosed
	}

	s.rangesMu.Lock()
	defer s.rangesMu.Unlock()

	for key, ctrl := range s.reorgCtrls {
		if err := ctrl.Unregister(ctx); err != nil {
			return errors.Wrapf(err, "stop reorganization of range %s", key)
		}
	}
	if s.reorgCycle != nil {
		if err := s.reorgCycle.StopAndWait(ctx); err != nil {
			return errors.Wrap(err, "stop reorganization cycle")
		}
	}

	if err := s.writeBuffer.Close(ctx); err != nil {
		return errors.Wrap(err, "close write buffer")
	}
	if err := s.flushLogs(ctx); err != nil {
		return err
	}

	if err := s.catalog.CloseAll(); err != nil {
		return err
	}
	if err := s.primaryLog.Close(); err != nil {
		return err
	}
	return s.manifest.close()
}
