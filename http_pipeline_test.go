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
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
)

type mockRoundTripper struct {
	fn func(req *http.Request) (*http.Response, error)
}

func (m *mockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return m.fn(req)
}

func newMockResponse(status int, body string, headers map[string]string) *http.Response {
	h := make(http.Header)
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     h,
	}
}

func newTestPipeline(mockFn func(*http.Request) (*http.Response, error)) *HttpPipeline {
	mockClient := &http.Client{Transport: &mockRoundTripper{fn: mockFn}}
	logger := NewDefaultLogger(nil, LogLevelDebugLevel)
	return NewHttpPipeline("testtoken", logger, WithHTTPClient(mockClient))
}

func TestHttpPipeline_Do_Success(t *testing.T) {
	p := newTestPipeline(func(req *http.Request) (*http.Response, error) {
		return newMockResponse(200, `{"ok":true}`, nil), nil
	})

	resp, err := p.Do(context.Background(), Request{Method: MethodGet, BucketPath: "/gateway/bot", Path: "/gateway/bot", UseAuthorizationToken: true})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != 200 {
		t.Fatalf("expected 200 got %d", resp.Status)
	}
}

func TestHttpPipeline_Do_UnauthorizedLatches(t *testing.T) {
	var attempts int32
	p := newTestPipeline(func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&attempts, 1)
		return newMockResponse(401, `{"message":"401: Unauthorized"}`, nil), nil
	})

	_, err := p.Do(context.Background(), Request{Method: MethodGet, Path: "/users/@me", UseAuthorizationToken: true})
	if err == nil {
		t.Fatal("expected error")
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Kind != ErrUnauthorizedKind {
		t.Fatalf("expected Unauthorized kind, got %v", err)
	}
	if !p.TokenInvalid() {
		t.Fatal("expected token to be latched invalid")
	}

	// A second call must not reach the network at all.
	_, err = p.Do(context.Background(), Request{Method: MethodGet, Path: "/users/@me", UseAuthorizationToken: true})
	if err == nil {
		t.Fatal("expected error on latched pipeline")
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Fatalf("expected exactly 1 network attempt, got %d", attempts)
	}
}

func TestHttpPipeline_Do_ServiceUnavailable(t *testing.T) {
	p := newTestPipeline(func(req *http.Request) (*http.Response, error) {
		return newMockResponse(503, "Service Unavailable", nil), nil
	})

	_, err := p.Do(context.Background(), Request{Method: MethodGet, Path: "/gateway", UseAuthorizationToken: true})
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Kind != ErrServiceUnavailableKind {
		t.Fatalf("expected ServiceUnavailable kind, got %v", err)
	}
}

func TestHttpPipeline_Do_ResponseErrorParsesApiError(t *testing.T) {
	p := newTestPipeline(func(req *http.Request) (*http.Response, error) {
		return newMockResponse(404, `{"code":10003,"message":"Unknown Channel"}`, nil), nil
	})

	_, err := p.Do(context.Background(), Request{Method: MethodGet, Path: "/channels/123", UseAuthorizationToken: true})
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Kind != ErrResponseKind {
		t.Fatalf("expected Response kind, got %v", err)
	}
	if reqErr.Response == nil || reqErr.Response.API == nil || reqErr.Response.API.Code != 10003 {
		t.Fatalf("expected parsed ApiError with code 10003, got %+v", reqErr.Response)
	}
}

func TestHttpPipeline_Do_429PassesThroughToCaller(t *testing.T) {
	p := newTestPipeline(func(req *http.Request) (*http.Response, error) {
		return newMockResponse(429, `{"message":"rate limited"}`, map[string]string{"Retry-After": "0.1"}), nil
	})

	resp, err := p.Do(context.Background(), Request{Method: MethodGet, Path: "/channels/123/messages", UseAuthorizationToken: true})
	if err != nil {
		t.Fatalf("429 without a rate limiter attached should pass through: %v", err)
	}
	if resp.Status != 429 {
		t.Fatalf("expected status 429 preserved, got %d", resp.Status)
	}
}

func TestHttpPipeline_Do_429RetriesTransparentlyWithRateLimiter(t *testing.T) {
	var attempts int32
	mockClient := &http.Client{Transport: &mockRoundTripper{fn: func(req *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return newMockResponse(429, `{"message":"rate limited"}`, map[string]string{
				headerLimit:      "1",
				headerRemaining:  "0",
				headerResetAfter: "0.05",
			}), nil
		}
		return newMockResponse(200, `{"ok":true}`, nil), nil
	}}}

	logger := NewDefaultLogger(nil, LogLevelDebugLevel)
	p := NewHttpPipeline("testtoken", logger, WithHTTPClient(mockClient), WithRateLimiter(NewRateLimiter(logger)))

	resp, err := p.Do(context.Background(), Request{Method: MethodGet, BucketPath: "GET:/channels/:id/messages", Path: "/channels/123/messages", UseAuthorizationToken: true})
	if err != nil {
		t.Fatalf("expected the pipeline to retry a 429 transparently, got error: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("expected the retried request to succeed with 200, got %d", resp.Status)
	}
	if atomic.LoadInt32(&attempts) != 2 {
		t.Fatalf("expected exactly 2 network attempts (1 429 + 1 retry), got %d", attempts)
	}
}
