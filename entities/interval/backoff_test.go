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

package interval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffTimer(t *testing.T) {
	t.Run("fresh timer has elapsed", func(t *testing.T) {
		assert.True(t, NewBackoffTimer().IntervalElapsed())
	})

	t.Run("increase blocks until the interval passed", func(t *testing.T) {
		b := NewBackoffTimer(20*time.Millisecond, 0)
		b.IncreaseInterval()
		// sorted: [0, 20ms], level 1 waits 20ms
		assert.False(t, b.IntervalElapsed())
		assert.Eventually(t, b.IntervalElapsed, time.Second, time.Millisecond)
		assert.Equal(t, 1, b.Level())
	})

	t.Run("level is capped at the last interval", func(t *testing.T) {
		b := NewBackoffTimer(time.Hour)
		for i := 0; i < 5; i++ {
			b.IncreaseInterval()
		}
		assert.False(t, b.IntervalElapsed())
		assert.Equal(t, 1, b.Level())

		b.Reset()
		assert.True(t, b.IntervalElapsed())
		assert.Equal(t, 0, b.Level())
	})
}
