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

import "context"

// Endpoint is the opaque tuple callers fill in to describe a single REST
// call: the HTTP method, the bucket-path template used for rate-limit
// bucketing, and the concrete path to send the request to. wyvern does
// not model individual Discord routes; callers own the route catalogue
// and hand wyvern only these three values per request.
type Endpoint struct {
	Method     HTTPMethod
	BucketPath string
	Path       string
}

// Request builds an HttpPipeline Request for this endpoint.
func (e Endpoint) Request(body []byte) Request {
	return Request{
		Method:                e.Method,
		BucketPath:            e.BucketPath,
		Path:                  e.Path,
		Body:                  body,
		UseAuthorizationToken: true,
	}
}

// FetchGateway calls GET /gateway, returning the WebSocket URL callers
// should dial to open an unsharded connection.
func FetchGateway(ctx context.Context, pipeline *HttpPipeline) (string, error) {
	resp, err := pipeline.Do(ctx, Request{Method: MethodGet, BucketPath: "/gateway", Path: "/gateway"})
	if err != nil {
		return "", err
	}

	g, err := Decode[gateway](resp)
	if err != nil {
		return "", newRequestError(ErrParsingKind, err)
	}
	return g.URL, nil
}

// FetchGatewayBot calls GET /gateway/bot, returning the recommended
// shard count, session start limits, and WebSocket URL. This is the one
// REST call the Auto shard scheme needs to size a Cluster.
func FetchGatewayBot(ctx context.Context, pipeline *HttpPipeline) (GatewayBot, error) {
	resp, err := pipeline.Do(ctx, Request{Method: MethodGet, BucketPath: "/gateway/bot", Path: "/gateway/bot", UseAuthorizationToken: true})
	if err != nil {
		return GatewayBot{}, err
	}

	bot, err := Decode[GatewayBot](resp)
	if err != nil {
		return GatewayBot{}, newRequestError(ErrParsingKind, err)
	}
	return bot, nil
}
