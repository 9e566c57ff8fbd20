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
	"sync"
	"time"
)

// CycleTicker drives the loop of a CycleManager.
type CycleTicker interface {
	Start()
	Stop()
	C() <-chan time.Time
	// CycleExecuted tells the ticker whether the last cycle did any work,
	// adaptive tickers use it to adjust the next interval
	CycleExecuted(executed bool)
}

// intervalTicker forwards the ticks of a time.Ticker. Tickers embedding it
// change the interval through ticker.Reset.
type intervalTicker struct {
	sync.Mutex
	interval time.Duration
	ticker   *time.Ticker
	c        chan time.Time
	done     chan struct{}
}

func (t *intervalTicker) Start() {
	t.Lock()
	defer t.Unlock()

	if t.ticker != nil {
		return
	}
	t.ticker = time.NewTicker(t.interval)
	t.done = make(chan struct{})
	go forward(t.ticker.C, t.c, t.done)
}

func (t *intervalTicker) Stop() {
	t.Lock()
	defer t.Unlock()

	if t.ticker == nil {
		return
	}
	t.ticker.Stop()
	close(t.done)
	t.ticker = nil
}

func (t *intervalTicker) C() <-chan time.Time {
	return t.c
}

type linearTicker struct {
	intervalTicker
	minInterval time.Duration
	maxInterval time.Duration
	step        time.Duration
	current     time.Duration
}

// NewLinearTicker starts at minInterval and grows by (max-min)/steps after
// every idle cycle, up to maxInterval. A cycle that did work resets it.
func NewLinearTicker(minInterval, maxInterval time.Duration, steps uint) CycleTicker {
	if minInterval <= 0 || maxInterval < minInterval {
		return NewNoopTicker()
	}
	if steps == 0 {
		steps = 1
	}
	return &linearTicker{
		intervalTicker: intervalTicker{interval: minInterval, c: make(chan time.Time, 1)},
		minInterval:    minInterval,
		maxInterval:    maxInterval,
		step:           (maxInterval - minInterval) / time.Duration(steps),
		current:        minInterval,
	}
}

func (t *linearTicker) CycleExecuted(executed bool) {
	t.Lock()
	defer t.Unlock()

	next := t.minInterval
	if !executed {
		next = t.current + t.step
		if next > t.maxInterval {
			next = t.maxInterval
		}
	}
	if next == t.current {
		return
	}
	t.current = next
	if t.ticker != nil {
		t.ticker.Reset(next)
	}
}

func (t *linearTicker) Interval() time.Duration {
	t.Lock()
	defer t.Unlock()
	return t.current
}

func forward(src <-chan time.Time, dst chan time.Time, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case tick := <-src:
			select {
			case dst <- tick:
			default:
			}
		}
	}
}

type noopTicker struct {
	c chan time.Time
}

// NewNoopTicker never ticks. A manager using it only runs on Trigger.
func NewNoopTicker() CycleTicker {
	return &noopTicker{c: make(chan time.Time)}
}

func (t *noopTicker) Start()                      {}
func (t *noopTicker) Stop()                       {}
func (t *noopTicker) C() <-chan time.Time         { return t.c }
func (t *noopTicker) CycleExecuted(executed bool) {}
