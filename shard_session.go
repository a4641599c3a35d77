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
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const (
	defaultGatewayURL       = "wss://gateway.discord.gg/?v=10&encoding=json"
	compressedGatewaySuffix = "&compress=zlib-stream"
	largeThreshold          = 250
	heartbeatJitterMin      = 0.9
	heartbeatJitterMax      = 1.0
	latencyRingSize         = 20
)

// Stage is a ShardSession's position in its connection state machine.
type Stage int

const (
	StageDisconnected Stage = iota
	StageConnecting
	StageIdentifying
	StageResuming
	StageConnected
	StageZombie
)

func (s Stage) String() string {
	switch s {
	case StageDisconnected:
		return "disconnected"
	case StageConnecting:
		return "connecting"
	case StageIdentifying:
		return "identifying"
	case StageResuming:
		return "resuming"
	case StageConnected:
		return "connected"
	case StageZombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// ResumeSession is the durable handoff a caller may keep across process
// restarts to resume a session instead of identifying fresh.
type ResumeSession struct {
	SessionID string
	Sequence  int64
}

// latencyRing is a fixed-size ring buffer of recent heartbeat
// round-trip samples, in milliseconds.
type latencyRing struct {
	mu      sync.Mutex
	samples [latencyRingSize]int64
	count   int
	next    int
}

func (r *latencyRing) add(ms int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.next] = ms
	r.next = (r.next + 1) % latencyRingSize
	if r.count < latencyRingSize {
		r.count++
	}
}

func (r *latencyRing) average() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < r.count; i++ {
		sum += r.samples[i]
	}
	return time.Duration(sum/int64(r.count)) * time.Millisecond
}

func (r *latencyRing) recent() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, r.count)
	for i := 0; i < r.count; i++ {
		idx := (r.next - r.count + i + latencyRingSize) % latencyRingSize
		out[i] = r.samples[idx]
	}
	return out
}

// ShardSession owns one resumable WebSocket connection to the Discord
// gateway. Its lifecycle is a strict state machine (Stage); reconnects
// are handled internally and never propagate as a fatal error to the
// owning Cluster.
type ShardSession struct {
	id      int
	total   int
	token   string
	intents GatewayIntent

	logger        Logger
	identifyQueue *IdentifyQueue
	compress      bool

	mu        sync.Mutex
	stage     Stage
	conn      net.Conn
	resumeURL string
	sessionID string

	seq atomic.Int64

	writeMu sync.Mutex

	lastHeartbeatSentAt atomic.Int64
	lastHeartbeatAckAt  atomic.Int64
	heartbeatInterval   atomic.Int64 // nanoseconds

	latency latencyRing

	events chan Event

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type shardOption func(*ShardSession)

// WithCompression enables zlib-stream transport compression.
func WithCompression() shardOption {
	return func(s *ShardSession) { s.compress = true }
}

// WithResumeSession pre-populates the session so the shard's first
// connection attempts a Resume instead of an Identify.
func WithResumeSession(r ResumeSession) shardOption {
	return func(s *ShardSession) {
		s.sessionID = r.SessionID
		s.seq.Store(r.Sequence)
	}
}

// NewShardSession creates a ShardSession for shard id of total, sharing
// queue with every other shard in the same cluster.
func NewShardSession(id, total int, token string, intents GatewayIntent, logger Logger, queue *IdentifyQueue, opts ...shardOption) *ShardSession {
	s := &ShardSession{
		id:            id,
		total:         total,
		token:         normalizeToken(token),
		intents:       intents,
		logger:        logger,
		identifyQueue: queue,
		events:        make(chan Event, 64),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Events returns the channel onto which this session emits dispatched
// events. Closes once the session's read loop has fully exited.
func (s *ShardSession) Events() <-chan Event {
	return s.events
}

// Stage returns the session's current state.
func (s *ShardSession) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

func (s *ShardSession) setStage(stage Stage) {
	s.mu.Lock()
	s.stage = stage
	s.mu.Unlock()
}

// SessionID returns the server-issued session id, or "" if none has
// been observed.
func (s *ShardSession) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Sequence returns the last sequence number observed on a dispatch.
func (s *ShardSession) Sequence() int64 {
	return s.seq.Load()
}

// Latency returns the average of the recorded heartbeat round-trips.
func (s *ShardSession) Latency() time.Duration {
	return s.latency.average()
}

// LatencySamples returns the recent raw round-trip samples, oldest
// first, in milliseconds.
func (s *ShardSession) LatencySamples() []int64 {
	return s.latency.recent()
}

// Start dials the gateway and begins the session's read loop. It
// returns once the initial connection attempt succeeds or fails; the
// Identify/Resume handshake continues asynchronously once a Hello is
// received.
func (s *ShardSession) Start(ctx context.Context) error {
	s.setStage(StageConnecting)

	if err := s.dial(ctx); err != nil {
		s.setStage(StageDisconnected)
		return newRequestError(ErrRequestErrorKind, err)
	}

	go s.readLoop()
	return nil
}

func (s *ShardSession) gatewayURL() string {
	s.mu.Lock()
	resumeURL := s.resumeURL
	s.mu.Unlock()

	url := defaultGatewayURL
	if resumeURL != "" {
		url = resumeURL
	}
	if s.compress {
		url += compressedGatewaySuffix
	}
	return url
}

func (s *ShardSession) dial(ctx context.Context) error {
	dialer := ws.Dialer{}
	conn, _, _, err := dialer.Dial(ctx, s.gatewayURL())
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
	s.mu.Unlock()

	s.lastHeartbeatAckAt.Store(time.Now().UnixNano())
	s.logger.WithField("shard", s.id).Info("shard connected")
	return nil
}

/***********************
 *     Write path       *
 ***********************/

// writeFrame sends a raw WebSocket frame. Writes are serialized with a
// single lock so concurrent Command/Send/heartbeat calls never
// interleave fragments of two frames on one socket.
func (s *ShardSession) writeFrame(op ws.OpCode, payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return newRequestError(ErrSendingKind, net.ErrClosed)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(conn, op, payload); err != nil {
		return newRequestError(ErrSendingKind, err)
	}
	return nil
}

// Command serializes value as JSON and sends it as a text frame.
func (s *ShardSession) Command(value any) error {
	payload, err := sonic.Marshal(value)
	if err != nil {
		return newRequestError(ErrBuildingRequestKind, err)
	}
	return s.writeFrame(ws.OpText, payload)
}

// Send writes raw bytes as a single WebSocket text frame.
func (s *ShardSession) Send(raw []byte) error {
	return s.writeFrame(ws.OpText, raw)
}

/***********************
 *     Identify/Resume  *
 ***********************/

func (s *ShardSession) sendIdentify(ctx context.Context) error {
	select {
	case <-s.identifyQueue.Reserve(ctx):
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stop:
		return nil
	}

	s.setStage(StageIdentifying)
	return s.Command(map[string]any{
		"op": gatewayOpcodeIdentify,
		"d": map[string]any{
			"token": s.token,
			"properties": map[string]string{
				"os":      "linux",
				"browser": libraryName,
				"device":  libraryName,
			},
			"large_threshold": largeThreshold,
			"shard":           [2]int{s.id, s.total},
			"intents":         s.intents,
		},
	})
}

func (s *ShardSession) sendResume() error {
	s.setStage(StageResuming)
	return s.Command(map[string]any{
		"op": gatewayOpcodeResume,
		"d": map[string]any{
			"token":      s.token,
			"session_id": s.SessionID(),
			"seq":        s.seq.Load(),
		},
	})
}

func (s *ShardSession) sendHeartbeat() error {
	var seq any
	if v := s.seq.Load(); v > 0 {
		seq = v
	}
	return s.Command(map[string]any{
		"op": gatewayOpcodeHeartbeat,
		"d":  seq,
	})
}

/***********************
 *     Heartbeat loop   *
 ***********************/

func (s *ShardSession) startHeartbeat(ctx context.Context, interval time.Duration) {
	s.heartbeatInterval.Store(int64(interval))

	jitter := heartbeatJitterMin + rand.Float64()*(heartbeatJitterMax-heartbeatJitterMin)
	first := time.Duration(float64(interval) * jitter)

	timer := time.NewTimer(first)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			sentAt := time.Now()
			ackAt := time.Unix(0, s.lastHeartbeatAckAt.Load())
			if sentAt.Sub(ackAt) > interval+time.Since(time.Unix(0, s.lastHeartbeatSentAt.Load())) && s.lastHeartbeatSentAt.Load() > s.lastHeartbeatAckAt.Load() {
				s.logger.WithField("shard", s.id).Warn("heartbeat ack missing, entering zombie state")
				s.setStage(StageZombie)
				s.forceReconnect()
				return
			}

			s.lastHeartbeatSentAt.Store(sentAt.UnixNano())
			if err := s.sendHeartbeat(); err != nil {
				s.logger.WithField("shard", s.id).WithError(err).Warn("heartbeat send failed")
				s.forceReconnect()
				return
			}
			timer.Reset(interval)

		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

/***********************
 *     Receive pipeline *
 ***********************/

// readFrame reads exactly one application frame off conn, replying to
// pings and absorbing pongs internally so callers only ever see the
// binary/text payloads the gateway actually dispatches. When the server
// closes the connection, wsutil answers the close frame and reports it as
// a wsutil.ClosedError; its status code is returned so the caller can
// decide whether the closure permits a resume.
func (s *ShardSession) readFrame(conn net.Conn) ([]byte, ws.OpCode, GatewayCloseEventCode, error) {
	for {
		msg, op, err := wsutil.ReadServerData(conn)
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				return nil, 0, GatewayCloseEventCode(closed.Code), err
			}
			return nil, 0, 0, err
		}

		switch op {
		case ws.OpBinary, ws.OpText:
			return msg, op, 0, nil
		case ws.OpClose:
			code, _ := ws.ParseCloseFrameData(msg)
			return nil, 0, GatewayCloseEventCode(code), io.EOF
		case ws.OpPing:
			_ = wsutil.WriteClientMessage(conn, ws.OpPong, msg)
		case ws.OpPong:
		}
	}
}

func (s *ShardSession) readLoop() {
	defer close(s.done)

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	var wrapper *zlibReaderWrapper
	if s.compress {
		wrapper = AcquireZlibReader()
		defer func() {
			in, out := wrapper.Stats()
			s.logger.WithField("shard", s.id).WithField("compressed_in_bytes", in).WithField("decompressed_out_bytes", out).Debug("zlib-stream session closed")
			ReleaseZlibReader(wrapper)
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		msg, _, closeCode, err := s.readFrame(conn)
		if err != nil {
			s.logger.WithField("shard", s.id).WithError(err).Warn("gateway read error")
			s.handleDisconnect(ctx, closeCode)
			return
		}

		raw := msg
		if s.compress {
			raw, err = wrapper.Decompress(msg)
			if err != nil {
				s.logger.WithField("shard", s.id).WithError(err).Warn("gateway inflate error")
				s.handleDisconnect(ctx, 0)
				return
			}
			if raw == nil {
				continue // partial message, wait for the rest
			}
		}

		var payload gatewayPayload
		if err := sonic.Unmarshal(raw, &payload); err != nil {
			s.logger.WithField("shard", s.id).Warn("gateway payload decode error")
			continue
		}

		s.handlePayload(ctx, payload)
	}
}

func (s *ShardSession) handlePayload(ctx context.Context, payload gatewayPayload) {
	switch payload.Op {
	case gatewayOpcodeDispatch:
		if payload.S > 0 {
			s.seq.Store(payload.S)
		}

		if payload.T == "READY" {
			var ready struct {
				SessionID string `json:"session_id"`
				ResumeURL string `json:"resume_gateway_url"`
			}
			_ = sonic.Unmarshal(payload.D, &ready)
			s.mu.Lock()
			s.sessionID = ready.SessionID
			s.resumeURL = ready.ResumeURL
			s.mu.Unlock()
			s.setStage(StageConnected)
			s.logger.WithField("shard", s.id).Info("session ready")
		}
		if payload.T == "RESUMED" {
			s.setStage(StageConnected)
			s.logger.WithField("shard", s.id).Info("session resumed")
		}

		s.emit(Event{ShardID: s.id, Name: payload.T, Sequence: payload.S, Data: payload.D})

	case gatewayOpcodeHeartbeat:
		_ = s.sendHeartbeat()

	case gatewayOpcodeReconnect:
		s.logger.WithField("shard", s.id).Info("gateway requested reconnect")
		s.forceReconnect()

	case gatewayOpcodeInvalidSession:
		var resumable bool
		_ = sonic.Unmarshal(payload.D, &resumable)

		if resumable {
			s.logger.WithField("shard", s.id).Info("invalid session, resumable")
			s.setStage(StageResuming)
			go func() { _ = s.sendResume() }()
		} else {
			s.logger.WithField("shard", s.id).Info("invalid session, re-identifying")
			s.mu.Lock()
			s.sessionID = ""
			s.resumeURL = ""
			s.mu.Unlock()
			s.seq.Store(0)
			go func() { _ = s.sendIdentify(ctx) }()
		}

	case gatewayOpcodeHello:
		var hello struct {
			HeartbeatIntervalMS float64 `json:"heartbeat_interval"`
		}
		_ = sonic.Unmarshal(payload.D, &hello)
		interval := time.Duration(hello.HeartbeatIntervalMS) * time.Millisecond

		go s.startHeartbeat(ctx, interval)

		if s.SessionID() != "" && s.seq.Load() > 0 {
			go func() { _ = s.sendResume() }()
		} else {
			go func() { _ = s.sendIdentify(ctx) }()
		}

	case gatewayOpcodeHeartbeatACK:
		s.lastHeartbeatAckAt.Store(time.Now().UnixNano())
		sentAt := time.Unix(0, s.lastHeartbeatSentAt.Load())
		s.latency.add(time.Since(sentAt).Milliseconds())
	}
}

func (s *ShardSession) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.stop:
	}
}

/***********************
 *     Reconnect        *
 ***********************/

// handleDisconnect reacts to a lost connection. closeCode is the code
// carried on the server's close frame, or 0 if the connection dropped
// without one (a network error, say). A non-resumable code forces the
// next connection attempt to re-identify rather than resume: session
// state is dropped here, before reconnectWithBackoff ever dials.
func (s *ShardSession) handleDisconnect(ctx context.Context, closeCode GatewayCloseEventCode) {
	select {
	case <-s.stop:
		return
	default:
	}
	s.setStage(StageDisconnected)

	if closeCode != 0 && !closeCode.isResumable() {
		s.logger.WithField("shard", s.id).WithField("close_code", int(closeCode)).Warn("non-resumable close code, discarding session before reconnect")
		s.mu.Lock()
		s.sessionID = ""
		s.resumeURL = ""
		s.mu.Unlock()
		s.seq.Store(0)
	}

	s.reconnectWithBackoff(ctx)
}

func (s *ShardSession) forceReconnect() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *ShardSession) reconnectWithBackoff(ctx context.Context) {
	backoff := time.Second
	for {
		select {
		case <-s.stop:
			return
		case <-time.After(backoff):
		}

		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.dial(dialCtx)
		cancel()

		if err == nil {
			s.logger.WithField("shard", s.id).Info("reconnected")
			s.setStage(StageConnecting)
			go s.readLoop()
			return
		}

		s.logger.WithField("shard", s.id).WithError(err).Warn("reconnect attempt failed")
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

/***********************
 *     Shutdown         *
 ***********************/

// Shutdown drops session state and closes the socket. The server will
// not be able to resume this session afterward.
func (s *ShardSession) Shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })

	s.mu.Lock()
	conn := s.conn
	s.sessionID = ""
	s.resumeURL = ""
	s.conn = nil
	s.stage = StageDisconnected
	s.mu.Unlock()
	s.seq.Store(0)

	if conn != nil {
		conn.Close()
	}
}

// ShutdownResumable closes the socket without clearing session state,
// and returns the resume token if both a session id and a sequence
// have been observed.
func (s *ShardSession) ShutdownResumable() (ResumeSession, bool) {
	s.stopOnce.Do(func() { close(s.stop) })

	s.mu.Lock()
	conn := s.conn
	sessionID := s.sessionID
	s.conn = nil
	s.stage = StageDisconnected
	s.mu.Unlock()
	seq := s.seq.Load()

	if conn != nil {
		conn.Close()
	}

	if sessionID == "" || seq == 0 {
		return ResumeSession{}, false
	}
	return ResumeSession{SessionID: sessionID, Sequence: seq}, true
}
