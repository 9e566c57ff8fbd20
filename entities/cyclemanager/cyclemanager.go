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
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	enterrors "github.com/weaviate/chunklog/entities/errors"
)

// CycleManager runs a callback on every tick of its ticker and whenever
// Trigger is called, until stopped.
type CycleManager interface {
	Start()
	Stop(ctx context.Context) chan bool
	StopAndWait(ctx context.Context) error
	Running() bool
	// Trigger requests a cycle without waiting for the next tick. Requests
	// arriving while a cycle is pending are merged.
	Trigger()
}

type cycleManager struct {
	sync.RWMutex

	callback    CycleCallback
	cycleTicker CycleTicker
	logger      logrus.FieldLogger
	running     bool
	stopSignal  chan struct{}
	trigger     chan struct{}

	stopContexts []context.Context
	stopResults  []chan bool
}

func NewManager(cycleTicker CycleTicker, callback CycleCallback, logger logrus.FieldLogger) CycleManager {
	return &cycleManager{
		callback:    callback,
		cycleTicker: cycleTicker,
		logger:      logger,
		stopSignal:  make(chan struct{}, 1),
		trigger:     make(chan struct{}, 1),
	}
}

// Start does not block, and does nothing if the manager already runs.
func (c *cycleManager) Start() {
	c.Lock()
	defer c.Unlock()

	if c.running {
		return
	}

	enterrors.GoWrapper(func() {
		c.cycleTicker.Start()
		defer c.cycleTicker.Stop()

		for {
			if c.isStopRequested() {
				c.Lock()
				if c.shouldStop() {
					c.handleStopRequest(true)
					c.Unlock()
					return
				}
				c.handleStopRequest(false)
				c.Unlock()
				continue
			}
			c.cycleTicker.CycleExecuted(c.callback(c.shouldAbortCycleCallback))
		}
	}, c.logger)

	c.running = true
}

// Stop does not block. The returned channel yields the final stop result.
//
// A stop is cancelled only if all contexts passed to concurrent Stop calls
// are cancelled before the loop handles the request.
func (c *cycleManager) Stop(ctx context.Context) (stopResult chan bool) {
	c.Lock()
	defer c.Unlock()

	stopResult = make(chan bool, 1)
	if !c.running {
		stopResult <- true
		close(stopResult)
		return stopResult
	}

	if len(c.stopContexts) == 0 {
		defer func() {
			c.stopSignal <- struct{}{}
		}()
	}
	c.stopContexts = append(c.stopContexts, ctx)
	c.stopResults = append(c.stopResults, stopResult)

	return stopResult
}

// StopAndWait waits for the stop or for ctx to expire, whatever comes first.
func (c *cycleManager) StopAndWait(ctx context.Context) error {
	stop := c.Stop(ctx)

	select {
	case <-ctx.Done():
		// both may be ready, the stop result wins
		select {
		case stopped := <-stop:
			if !stopped {
				return ctx.Err()
			}
		default:
			return ctx.Err()
		}
	case stopped := <-stop:
		if !stopped {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to stop cycle")
		}
	}
	return nil
}

func (c *cycleManager) Running() bool {
	c.RLock()
	defer c.RUnlock()

	return c.running
}

func (c *cycleManager) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

func (c *cycleManager) shouldStop() bool {
	for _, ctx := range c.stopContexts {
		if ctx.Err() == nil {
			return true
		}
	}
	return false
}

func (c *cycleManager) shouldAbortCycleCallback() bool {
	c.RLock()
	defer c.RUnlock()

	return c.shouldStop()
}

func (c *cycleManager) isStopRequested() bool {
	select {
	case <-c.stopSignal:
		return true
	case <-c.cycleTicker.C():
	case <-c.trigger:
	}
	// stop has priority if both were ready
	select {
	case <-c.stopSignal:
		return true
	default:
		return false
	}
}

func (c *cycleManager) handleStopRequest(stopped bool) {
	for _, stopResult := range c.stopResults {
		stopResult <- stopped
		close(stopResult)
	}
	c.running = !stopped
	c.stopContexts = nil
	c.stopResults = nil
}
