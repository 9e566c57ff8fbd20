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

package errors

import (
	"os"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"
)

// GoWrapper starts f in a new goroutine and recovers from any panic it raises,
// unless recovery was disabled through CHUNKLOG_DISABLE_RECOVERY_ON_PANIC.
func GoWrapper(f func(), logger logrus.FieldLogger) {
	go func() {
		defer func() {
			if !recoveryDisabled() {
				if r := recover(); r != nil {
					logger.WithField("action", "goroutine_panic").
						Errorf("Recovered from panic: %v", r)
					debug.PrintStack()
				}
			}
		}()
		f()
	}()
}

func recoveryDisabled() bool {
	switch strings.ToLower(os.Getenv("CHUNKLOG_DISABLE_RECOVERY_ON_PANIC")) {
	case "true", "on", "enabled", "1":
		return true
	default:
		return false
	}
}
