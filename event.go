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

import "encoding/json"

// Event is one dispatched gateway event, tagged with the shard that
// received it. Decoding Data into a concrete type is the caller's
// responsibility; the core treats event payloads as opaque JSON.
type Event struct {
	ShardID  int
	Name     string
	Sequence int64
	Data     json.RawMessage
}

// EventHandler receives events registered through a Dispatcher.
type EventHandler func(Event)
