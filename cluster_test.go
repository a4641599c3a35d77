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
	"context"
	"errors"
	"testing"
	"time"
)

func TestShardScheme_RangeAndBucket(t *testing.T) {
	r := Range(2, 5, 8)
	if r != (ShardScheme{From: 2, To: 5, Total: 8}) {
		t.Fatalf("unexpected range scheme: %+v", r)
	}

	b := Bucket(0, 1, 4)
	if b != (ShardScheme{From: 0, To: 1, Total: 4}) {
		t.Fatalf("unexpected bucket scheme: %+v", b)
	}
}

func TestCluster_DownResumable_OnlyIncludesReadyShards(t *testing.T) {
	c := NewCluster("token", GatewayIntentGuilds, NewDefaultLogger(nil, LogLevelDebugLevel))
	defer c.identifyQueue.Shutdown()

	ready := NewShardSession(0, 2, "token", GatewayIntentGuilds, NewDefaultLogger(nil, LogLevelDebugLevel), c.identifyQueue)
	ready.mu.Lock()
	ready.sessionID = "sess-0"
	ready.mu.Unlock()
	ready.seq.Store(5)
	c.shards.Set(0, ready)

	neverReady := NewShardSession(1, 2, "token", GatewayIntentGuilds, NewDefaultLogger(nil, LogLevelDebugLevel), c.identifyQueue)
	c.shards.Set(1, neverReady)

	resumes := c.DownResumable()

	if len(resumes) != 1 {
		t.Fatalf("expected exactly one resumable shard, got %d", len(resumes))
	}
	r, ok := resumes[0]
	if !ok || r.SessionID != "sess-0" || r.Sequence != 5 {
		t.Fatalf("unexpected resume entry: %+v", resumes)
	}
	if _, ok := resumes[1]; ok {
		t.Fatal("expected the shard without a session id to be excluded")
	}
}

func TestCluster_Up_ContinuesPastAFailedShardStart(t *testing.T) {
	c := NewCluster("token", GatewayIntentGuilds, NewDefaultLogger(nil, LogLevelDebugLevel))
	defer c.identifyQueue.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	<-ctx.Done() // guarantee the dial attempt below observes an already-expired context

	if err := c.Up(ctx, Range(0, 0, 1), nil); err != nil {
		t.Fatalf("Up must not fail outright when an individual shard fails to start: %v", err)
	}

	session, ok := c.Shard(0)
	if !ok {
		t.Fatal("expected the shard to still be registered even though it failed to connect")
	}
	if session.Stage() != StageDisconnected {
		t.Fatalf("expected the failed shard to be left disconnected, got %s", session.Stage())
	}
}

func TestCluster_Command_ErrorsOnUnknownShard(t *testing.T) {
	c := NewCluster("token", GatewayIntentGuilds, NewDefaultLogger(nil, LogLevelDebugLevel))
	defer c.identifyQueue.Shutdown()

	err := c.Command(9, map[string]any{"op": 1})
	var notFound *ErrShardNonexistent
	if err == nil {
		t.Fatal("expected an error for a shard id that was never registered")
	}
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ErrShardNonexistent, got %v (%T)", err, err)
	}
	if notFound.ShardID != 9 {
		t.Fatalf("expected shard id 9 in the error, got %d", notFound.ShardID)
	}
}
