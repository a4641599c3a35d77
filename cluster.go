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
	"sync"

	"github.com/bytedance/sonic"
)

// ShardScheme describes which shard indices a Cluster brings up and how
// many shards exist in total across the whole bot.
type ShardScheme struct {
	From  int
	To    int
	Total int
}

// Auto consults GET /gateway/bot for a recommended shard count and
// returns the full range {0, N-1, N}.
func Auto(ctx context.Context, pipeline *HttpPipeline) (ShardScheme, error) {
	bot, err := FetchGatewayBot(ctx, pipeline)
	if err != nil {
		return ShardScheme{}, err
	}
	return ShardScheme{From: 0, To: bot.Shards - 1, Total: bot.Shards}, nil
}

// Range returns the scheme as-is, for a caller that already knows its
// shard count (e.g. from a prior Auto call or static configuration).
func Range(from, to, total int) ShardScheme {
	return ShardScheme{From: from, To: to, Total: total}
}

// Bucket returns a contiguous sub-range of a larger shard total, for
// multi-process deployments that split shards across processes.
func Bucket(first, last, total int) ShardScheme {
	return ShardScheme{From: first, To: last, Total: total}
}

// Cluster owns a set of ShardSessions spanning a ShardScheme, fans their
// events into one merged stream, and serializes their startup through a
// shared IdentifyQueue. Shards know only their own id; the cluster is
// the sole owner of the registry, per the one-way ownership the reconnect
// loop relies on.
type Cluster struct {
	token   string
	intents GatewayIntent
	logger  Logger

	identifyQueue *IdentifyQueue
	compress      bool

	shards *ShardMap[int, *ShardSession]

	mu     sync.Mutex
	scheme ShardScheme
	events chan Event
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type clusterOption func(*Cluster)

// WithClusterCompression enables zlib-stream transport compression on
// every shard the cluster brings up.
func WithClusterCompression() clusterOption {
	return func(c *Cluster) { c.compress = true }
}

// WithIdentifyPeriod overrides the default 5-second identify spacing.
func WithIdentifyPeriod(queue *IdentifyQueue) clusterOption {
	return func(c *Cluster) { c.identifyQueue = queue }
}

// NewCluster creates a Cluster for the given token and intents. If no
// IdentifyQueue is supplied via WithIdentifyPeriod, one is created with
// the default 5-second admission period.
func NewCluster(token string, intents GatewayIntent, logger Logger, opts ...clusterOption) *Cluster {
	c := &Cluster{
		token:   token,
		intents: intents,
		logger:  logger,
		shards:  NewIntShardMap[*ShardSession](),
		events:  make(chan Event, 256),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.identifyQueue == nil {
		c.identifyQueue = NewIdentifyQueue(DefaultIdentifyPeriod, logger)
	}
	return c
}

// Events returns the merged, shard-tagged event stream. It closes once
// every shard brought up by the most recent Up() has terminated.
func (c *Cluster) Events() <-chan Event {
	return c.events
}

// Resumes optionally seeds a shard's prior (session_id, sequence) so its
// first connection attempts a Resume across a process restart.
type Resumes map[int]ResumeSession

// Up starts every shard in scheme, fanning Start() calls through the
// shared IdentifyQueue. A failed individual shard does not fail Up();
// the cluster logs and continues, and the shard's own reconnect loop
// keeps retrying.
func (c *Cluster) Up(ctx context.Context, scheme ShardScheme, resumes Resumes) error {
	c.mu.Lock()
	c.scheme = scheme
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	for id := scheme.From; id <= scheme.To; id++ {
		var opts []shardOption
		if c.compress {
			opts = append(opts, WithCompression())
		}
		if r, ok := resumes[id]; ok {
			opts = append(opts, WithResumeSession(r))
		}

		session := NewShardSession(id, scheme.Total, c.token, c.intents, c.logger, c.identifyQueue, opts...)
		c.shards.Set(id, session)

		if err := session.Start(ctx); err != nil {
			c.logger.WithField("shard", id).WithError(err).Warn("shard failed to start, will auto-reconnect")
			go session.reconnectWithBackoff(ctx)
		}

		c.wg.Add(1)
		go c.forward(session)
	}

	return nil
}

// forward relays one shard's events into the cluster's merged channel
// until the shard's own event channel closes.
func (c *Cluster) forward(session *ShardSession) {
	defer c.wg.Done()
	for ev := range session.Events() {
		select {
		case c.events <- ev:
		default:
			c.logger.WithField("shard", ev.ShardID).Warn("cluster event channel full, dropping event")
		}
	}
}

// Down shuts down every shard non-resumably and stops the identify queue.
func (c *Cluster) Down() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	c.shards.Range(func(_ int, session *ShardSession) bool {
		session.Shutdown()
		return true
	})
	c.wg.Wait()
	c.identifyQueue.Shutdown()
}

// DownResumable shuts down every shard, collecting a ResumeSession for
// each one that produced a session id and sequence, so a later process
// can pass the result back into Up() via Resumes.
func (c *Cluster) DownResumable() Resumes {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	out := make(Resumes)
	c.shards.Range(func(id int, session *ShardSession) bool {
		if r, ok := session.ShutdownResumable(); ok {
			out[id] = r
		}
		return true
	})
	c.wg.Wait()
	c.identifyQueue.Shutdown()
	return out
}

// Shard returns the session for id, if it exists.
func (c *Cluster) Shard(id int) (*ShardSession, bool) {
	return c.shards.Get(id)
}

// Shards returns every currently registered shard session.
func (c *Cluster) Shards() []*ShardSession {
	return c.shards.Values()
}

// ShardInfo reports the stage and latency of one registered shard, for
// observability.
type ShardInfo struct {
	Stage   Stage
	Latency int64 // milliseconds, average of recent samples
}

// Info reports the stage and latency of every registered shard, keyed
// by shard id.
func (c *Cluster) Info() map[int]ShardInfo {
	out := make(map[int]ShardInfo)
	c.shards.Range(func(id int, session *ShardSession) bool {
		out[id] = ShardInfo{
			Stage:   session.Stage(),
			Latency: session.Latency().Milliseconds(),
		}
		return true
	})
	return out
}

// Command serializes value as JSON and sends it over shard id. Errors
// with ShardNonexistent if the shard isn't registered, or Sending if
// the underlying write fails.
func (c *Cluster) Command(id int, value any) error {
	session, ok := c.shards.Get(id)
	if !ok {
		return &ErrShardNonexistent{ShardID: id}
	}

	payload, err := sonic.Marshal(value)
	if err != nil {
		return newRequestError(ErrBuildingRequestKind, err)
	}
	if err := session.Send(payload); err != nil {
		return newRequestError(ErrSendingKind, err)
	}
	return nil
}

// Send writes a raw WebSocket frame to shard id, with the same error
// semantics as Command.
func (c *Cluster) Send(id int, raw []byte) error {
	session, ok := c.shards.Get(id)
	if !ok {
		return &ErrShardNonexistent{ShardID: id}
	}
	if err := session.Send(raw); err != nil {
		return newRequestError(ErrSendingKind, err)
	}
	return nil
}
