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
	"encoding/json"
)

// libraryName identifies this client in the Identify payload's
// connection properties.
const libraryName = "wyvern"

// GatewayIntent represents Discord Gateway Intents.
//
// Intents are bit flags that specify which events a shard receives over
// its WebSocket connection. Combine multiple intents with bitwise OR.
type GatewayIntent uint32

const (
	GatewayIntentGuilds                       GatewayIntent = 1 << 0
	GatewayIntentGuildMembers                 GatewayIntent = 1 << 1
	GatewayIntentGuildModeration               GatewayIntent = 1 << 2
	GatewayIntentGuildExpressions              GatewayIntent = 1 << 3
	GatewayIntentGuildIntegrations             GatewayIntent = 1 << 4
	GatewayIntentGuildWebhooks                 GatewayIntent = 1 << 5
	GatewayIntentGuildInvites                  GatewayIntent = 1 << 6
	GatewayIntentGuildVoiceStates               GatewayIntent = 1 << 7
	GatewayIntentGuildPresences                GatewayIntent = 1 << 8
	GatewayIntentGuildMessages                  GatewayIntent = 1 << 9
	GatewayIntentGuildMessageReactions          GatewayIntent = 1 << 10
	GatewayIntentGuildMessageTyping             GatewayIntent = 1 << 11
	GatewayIntentDirectMessages                 GatewayIntent = 1 << 12
	GatewayIntentDirectMessageReactions         GatewayIntent = 1 << 13
	GatewayIntentDirectMessageTyping            GatewayIntent = 1 << 14
	GatewayIntentMessageContent                 GatewayIntent = 1 << 15
	GatewayIntentGuildScheduledEvents           GatewayIntent = 1 << 16
	GatewayIntentAutoModerationConfiguration    GatewayIntent = 1 << 20
	GatewayIntentAutoModerationExecution        GatewayIntent = 1 << 21
	GatewayIntentGuildMessagePolls               GatewayIntent = 1 << 24
	GatewayIntentDirectMessagePolls               GatewayIntent = 1 << 25
)

// gatewayOpcode is the operation code of a Gateway WebSocket frame.
type gatewayOpcode int

const (
	gatewayOpcodeDispatch             gatewayOpcode = 0
	gatewayOpcodeHeartbeat            gatewayOpcode = 1
	gatewayOpcodeIdentify              gatewayOpcode = 2
	gatewayOpcodePresenceUpdate        gatewayOpcode = 3
	gatewayOpcodeVoiceStateUpdate      gatewayOpcode = 4
	gatewayOpcodeResume                gatewayOpcode = 6
	gatewayOpcodeReconnect             gatewayOpcode = 7
	gatewayOpcodeRequestGuildMembers   gatewayOpcode = 8
	gatewayOpcodeInvalidSession        gatewayOpcode = 9
	gatewayOpcodeHello                 gatewayOpcode = 10
	gatewayOpcodeHeartbeatACK          gatewayOpcode = 11
)

// gatewayPayload is the envelope of every Gateway WebSocket frame.
type gatewayPayload struct {
	Op gatewayOpcode   `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  int64           `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// GatewayCloseEventCode is the close code Discord sends on the
// WebSocket's closing frame.
type GatewayCloseEventCode int

const (
	GatewayCloseEventCodeUnknownError          GatewayCloseEventCode = 4000
	GatewayCloseEventCodeUnknownOpcode         GatewayCloseEventCode = 4001
	GatewayCloseEventCodeDecodeError           GatewayCloseEventCode = 4002
	GatewayCloseEventCodeNotAuthenticated       GatewayCloseEventCode = 4003
	GatewayCloseEventCodeAuthenticationFailed   GatewayCloseEventCode = 4004
	GatewayCloseEventCodeAlreadyAuthenticated   GatewayCloseEventCode = 4005
	GatewayCloseEventCodeInvalidSeq             GatewayCloseEventCode = 4007
	GatewayCloseEventCodeRateLimited            GatewayCloseEventCode = 4008
	GatewayCloseEventCodeSessionTimedOut        GatewayCloseEventCode = 4009
	GatewayCloseEventCodeInvalidShard           GatewayCloseEventCode = 4010
	GatewayCloseEventCodeShardingRequired       GatewayCloseEventCode = 4011
	GatewayCloseEventCodeInvalidAPIVersion      GatewayCloseEventCode = 4012
	GatewayCloseEventCodeInvalidIntents         GatewayCloseEventCode = 4013
	GatewayCloseEventCodeDisallowedIntents      GatewayCloseEventCode = 4014
)

// nonResumableCloseCodes are the close codes after which a shard must
// drop its session and re-identify rather than attempt a resume.
var nonResumableCloseCodes = map[GatewayCloseEventCode]struct{}{
	GatewayCloseEventCodeAuthenticationFailed: {},
	GatewayCloseEventCodeInvalidShard:         {},
	GatewayCloseEventCodeShardingRequired:     {},
	GatewayCloseEventCodeInvalidAPIVersion:    {},
	GatewayCloseEventCodeInvalidIntents:       {},
	GatewayCloseEventCodeDisallowedIntents:    {},
}

// isResumable reports whether a shard closed with this code should
// attempt a resume rather than a fresh identify.
func (c GatewayCloseEventCode) isResumable() bool {
	_, nonResumable := nonResumableCloseCodes[c]
	return !nonResumable
}

// gateway is the response body of GET /gateway.
type gateway struct {
	URL string `json:"url"`
}

// GatewayBot is the response body of GET /gateway/bot.
type GatewayBot struct {
	URL               string `json:"url"`
	Shards            int    `json:"shards"`
	SessionStartLimit struct {
		Total          int `json:"total"`
		Remaining      int `json:"remaining"`
		ResetAfter     int `json:"reset_after"`
		MaxConcurrency int `json:"max_concurrency"`
	} `json:"session_start_limit"`
}
