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
	"errors"
	"fmt"
)

type (
	// indicates whether the manager's stop was requested, long running
	// callbacks check it to return early
	ShouldAbortCallback func() bool
	// return value indicates whether actual work was done in the cycle
	CycleCallback func(shouldAbort ShouldAbortCallback) bool
)

var ErrorCallbackNotFound = errors.New("callback not found")

// CycleCallbackCtrl controls a single callback registered in CycleCallbacks.
type CycleCallbackCtrl interface {
	IsActive() bool
	Activate() error
	// Deactivate and Unregister wait for a running execution to finish
	// or for ctx to expire, whatever comes first
	Deactivate(ctx context.Context) error
	Unregister(ctx context.Context) error
}

type cycleCallbackCtrl struct {
	callbackId       uint32
	callbackCustomId string

	isActive   func(callbackId uint32, callbackCustomId string) bool
	activate   func(callbackId uint32, callbackCustomId string) error
	deactivate func(ctx context.Context, callbackId uint32, callbackCustomId string) error
	unregister func(ctx context.Context, callbackId uint32, callbackCustomId string) error
}

func (c *cycleCallbackCtrl) IsActive() bool {
	return c.isActive(c.callbackId, c.callbackCustomId)
}

func (c *cycleCallbackCtrl) Activate() error {
	return c.activate(c.callbackId, c.callbackCustomId)
}

func (c *cycleCallbackCtrl) Deactivate(ctx context.Context) error {
	return c.deactivate(ctx, c.callbackId, c.callbackCustomId)
}

func (c *cycleCallbackCtrl) Unregister(ctx context.Context) error {
	return c.unregister(ctx, c.callbackId, c.callbackCustomId)
}

func errorUnregisterCallback(callbackCustomId, callbacksCustomId string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("unregistering callback '%s' of '%s' failed: %w", callbackCustomId, callbacksCustomId, err)
}

func errorDeactivateCallback(callbackCustomId, callbacksCustomId string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("deactivating callback '%s' of '%s' failed: %w", callbackCustomId, callbacksCustomId, err)
}

func errorActivateCallback(callbackCustomId, callbacksCustomId string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("activating callback '%s' of '%s' failed: %w", callbackCustomId, callbacksCustomId, err)
}
