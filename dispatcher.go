/************************************************************************************
 *
 * wyvern, a Go SDK core for the Discord gateway and REST rate limiter
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 wyvern contributors
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package wyvern

import (
	"runtime/debug"
	"sync"
)

// Dispatcher registers handlers against raw Discord event names and
// invokes them as events arrive on a Cluster's merged stream. Unlike a
// typed per-event-type surface, handlers are registered by the event's
// string name and receive the opaque Event; decoding Data into a
// concrete type is left to the caller.
type Dispatcher struct {
	logger     Logger
	workerPool WorkerPool

	mu       sync.RWMutex
	handlers map[string][]EventHandler

	stop chan struct{}
	done chan struct{}
}

// NewDispatcher creates a Dispatcher. If pool is nil, a DefaultWorkerPool
// is created so handler panics never take down the consuming goroutine.
func NewDispatcher(logger Logger, pool WorkerPool) *Dispatcher {
	if pool == nil {
		pool = NewDefaultWorkerPool(logger)
	}
	return &Dispatcher{
		logger:     logger,
		workerPool: pool,
		handlers:   make(map[string][]EventHandler, 20),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// On registers handler for events named eventName (the raw Discord
// dispatch type string, e.g. "MESSAGE_CREATE"). Handlers are invoked
// concurrently via the worker pool; registration itself is safe to call
// at any time, though registering before Run starts consuming is
// recommended to avoid missing early events.
func (d *Dispatcher) On(eventName string, handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventName] = append(d.handlers[eventName], handler)
}

// Run consumes events from stream until it closes or Stop is called,
// dispatching each to its registered handlers through the worker pool.
func (d *Dispatcher) Run(stream <-chan Event) {
	defer close(d.done)
	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				return
			}
			d.dispatch(ev)
		case <-d.stop:
			return
		}
	}
}

func (d *Dispatcher) dispatch(ev Event) {
	d.mu.RLock()
	handlers := d.handlers[ev.Name]
	d.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	for _, h := range handlers {
		handler := h
		if !d.workerPool.Submit(func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.WithField("event", ev.Name).
						WithField("shard", ev.ShardID).
						WithField("panic", r).
						WithField("stack", string(debug.Stack())).
						Error("recovered from panic while handling event")
				}
			}()
			handler(ev)
		}) {
			d.logger.WithField("event", ev.Name).
				WithField("queue_depth", d.workerPool.Pending()).
				Warn("dispatcher dropped event due to full queue")
		}
	}
}

// Stop halts Run without shutting down the worker pool, which callers
// may still be draining in-flight handler invocations from.
func (d *Dispatcher) Stop() {
	close(d.stop)
	<-d.done
}
