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

package cyclemanager

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// CycleCallbacks groups many callbacks behind a single CycleCallback, so one
// CycleManager can drive all of them. Callbacks run in parallel, bounded by
// the routines limit.
type CycleCallbacks interface {
	Register(id string, active bool, cycleCallback CycleCallback) CycleCallbackCtrl
	CycleCallback(shouldAbort ShouldAbortCallback) bool
	Len() int
}

type cycleCallbacks struct {
	sync.Mutex

	logger        logrus.FieldLogger
	customId      string
	routinesLimit int
	nextId        uint32
	callbackIds   []uint32
	callbacks     map[uint32]*cycleCallbackMeta
}

type cycleCallbackMeta struct {
	customId      string
	cycleCallback CycleCallback
	active        bool
	// nil: not started yet, active: running, expired: finished
	runningCtx context.Context
}

func NewCycleCallbacks(id string, logger logrus.FieldLogger, routinesLimit int) CycleCallbacks {
	if routinesLimit < 1 {
		routinesLimit = 1
	}
	return &cycleCallbacks{
		logger:        logger,
		customId:      id,
		routinesLimit: routinesLimit,
		callbackIds:   []uint32{},
		callbacks:     map[uint32]*cycleCallbackMeta{},
	}
}

func (c *cycleCallbacks) Register(id string, active bool, cycleCallback CycleCallback) CycleCallbackCtrl {
	c.Lock()
	defer c.Unlock()

	callbackId := c.nextId
	c.nextId++
	c.callbackIds = append(c.callbackIds, callbackId)
	c.callbacks[callbackId] = &cycleCallbackMeta{
		customId:      id,
		cycleCallback: cycleCallback,
		active:        active,
	}

	return &cycleCallbackCtrl{
		callbackId:       callbackId,
		callbackCustomId: id,

		isActive:   c.isActive,
		activate:   c.activate,
		deactivate: c.deactivate,
		unregister: c.unregister,
	}
}

func (c *cycleCallbacks) Len() int {
	c.Lock()
	defer c.Unlock()
	return len(c.callbacks)
}

func (c *cycleCallbacks) CycleCallback(shouldAbort ShouldAbortCallback) bool {
	eg := &errgroup.Group{}
	eg.SetLimit(c.routinesLimit)

	var executedMu sync.Mutex
	executed := false

	for _, callbackId := range c.snapshotIds() {
		if shouldAbort() {
			break
		}

		callbackId := callbackId
		eg.Go(func() error {
			// conditions may have changed since the goroutine was scheduled
			if shouldAbort() {
				return nil
			}

			meta, cancel := c.markRunning(callbackId)
			if meta == nil {
				return nil
			}
			defer c.recover(meta.customId, cancel)

			if meta.cycleCallback(shouldAbort) {
				executedMu.Lock()
				executed = true
				executedMu.Unlock()
			}
			return nil
		})
	}

	eg.Wait()
	return executed
}

// snapshotIds drops ids of unregistered callbacks and returns a copy of the
// remaining ones. Callbacks registered later are picked up by the next cycle.
func (c *cycleCallbacks) snapshotIds() []uint32 {
	c.Lock()
	defer c.Unlock()

	ids := c.callbackIds[:0]
	for _, id := range c.callbackIds {
		if _, ok := c.callbacks[id]; ok {
			ids = append(ids, id)
		}
	}
	c.callbackIds = ids

	out := make([]uint32, len(ids))
	copy(out, ids)
	return out
}

func (c *cycleCallbacks) markRunning(callbackId uint32) (*cycleCallbackMeta, context.CancelFunc) {
	c.Lock()
	defer c.Unlock()

	meta, ok := c.callbacks[callbackId]
	if !ok || !meta.active {
		return nil, nil
	}
	runningCtx, cancel := context.WithCancel(context.Background())
	meta.runningCtx = runningCtx
	return meta, cancel
}

func (c *cycleCallbacks) recover(callbackCustomId string, cancel context.CancelFunc) {
	if r := recover(); r != nil {
		c.logger.WithFields(logrus.Fields{
			"action":       "cyclemanager",
			"callback_id":  callbackCustomId,
			"callbacks_id": c.customId,
		}).Errorf("callback panic: %v", r)
	}
	cancel()
}

// mutateCallback applies onFound once the callback is not running, waiting
// for a running execution to finish or ctx to expire.
func (c *cycleCallbacks) mutateCallback(ctx context.Context, callbackId uint32,
	onNotFound func() error, onFound func(meta *cycleCallbackMeta),
) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.Lock()
		meta, ok := c.callbacks[callbackId]
		if !ok {
			c.Unlock()
			return onNotFound()
		}
		runningCtx := meta.runningCtx
		if runningCtx == nil || runningCtx.Err() != nil {
			onFound(meta)
			c.Unlock()
			return nil
		}
		c.Unlock()

		select {
		case <-runningCtx.Done():
		case <-ctx.Done():
			// finished execution has priority over expired ctx
			if runningCtx.Err() == nil {
				return ctx.Err()
			}
		}
	}
}

func (c *cycleCallbacks) unregister(ctx context.Context, callbackId uint32, callbackCustomId string) error {
	err := c.mutateCallback(ctx, callbackId,
		func() error { return nil },
		func(meta *cycleCallbackMeta) { delete(c.callbacks, callbackId) },
	)
	return errorUnregisterCallback(callbackCustomId, c.customId, err)
}

func (c *cycleCallbacks) deactivate(ctx context.Context, callbackId uint32, callbackCustomId string) error {
	err := c.mutateCallback(ctx, callbackId,
		func() error { return ErrorCallbackNotFound },
		func(meta *cycleCallbackMeta) { meta.active = false },
	)
	return errorDeactivateCallback(callbackCustomId, c.customId, err)
}

func (c *cycleCallbacks) activate(callbackId uint32, callbackCustomId string) error {
	c.Lock()
	defer c.Unlock()

	meta, ok := c.callbacks[callbackId]
	if !ok {
		return errorActivateCallback(callbackCustomId, c.customId, ErrorCallbackNotFound)
	}
	meta.active = true
	return nil
}

func (c *cycleCallbacks) isActive(callbackId uint32, callbackCustomId string) bool {
	c.Lock()
	defer c.Unlock()

	if meta, ok := c.callbacks[callbackId]; ok {
		return meta.active
	}
	return false
}
