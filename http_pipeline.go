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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
)

const (
	apiVersion        = "10"
	defaultHomeHost   = "discord.com"
	userAgentProduct  = "DiscordBot"
	userAgentHomepage = "https://github.com/go-wyvern/wyvern"
	userAgentVersion  = "0.1.0"

	headerReason = "X-Audit-Log-Reason"
)

// maxRateLimitRetries bounds how many times Do resends a request that
// comes back 429 before giving up, mirroring the teacher's bounded
// retry loop (requester.go's maxRetries) rather than retrying forever.
const maxRateLimitRetries = 5

// HTTPMethod restricts Request.Method to the verbs the pipeline
// understands.
type HTTPMethod string

const (
	MethodGet    HTTPMethod = http.MethodGet
	MethodPost   HTTPMethod = http.MethodPost
	MethodPut    HTTPMethod = http.MethodPut
	MethodPatch  HTTPMethod = http.MethodPatch
	MethodDelete HTTPMethod = http.MethodDelete
)

// MultipartForm is a pre-built multipart body: a JSON "payload_json"
// part plus zero or more file attachments. The pipeline streams it with
// the boundary mime/multipart chose.
type MultipartForm struct {
	PayloadJSON []byte
	Files       []MultipartFile
}

// MultipartFile is a single file field within a MultipartForm.
type MultipartFile struct {
	FieldName string
	FileName  string
	Content   []byte
}

// Request is an opaque (method, route, body, headers) tuple. The core
// never knows what a route means; callers (thin FacadePorts endpoint
// builders) are responsible for filling in BucketPath and Path.
type Request struct {
	Method                HTTPMethod
	BucketPath            string // normalized route template, used for rate-limit bucketing
	Path                   string // concrete path with ids substituted, e.g. "/channels/123/messages"
	Body                  []byte
	Multipart             *MultipartForm
	Headers               map[string]string
	UseAuthorizationToken bool
	Reason                string // audit-log reason header, if any
}

// Response is the non-generic result of a pipeline call. Use Decode[T]
// to parse Body as JSON into a concrete type.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Decode parses resp.Body as JSON into a value of type T.
func Decode[T any](resp *Response) (T, error) {
	var v T
	if len(resp.Body) == 0 {
		return v, nil
	}
	if err := sonic.Unmarshal(resp.Body, &v); err != nil {
		return v, newRequestError(ErrParsingKind, err)
	}
	return v, nil
}

/***********************
 *    HttpPipeline      *
 ***********************/

// HttpPipeline builds and sends requests against the Discord REST API,
// enforcing the token-invalid latch, request timeouts, and (when a
// RateLimiter is attached) per-route admission.
type HttpPipeline struct {
	client *http.Client

	token       string
	userAgent   string
	useHTTP     bool
	proxyHost   string
	timeout     time.Duration

	defaultHeaders         map[string]string
	defaultAllowedMentions json.RawMessage

	tokenInvalid atomic.Bool

	rateLimiter *RateLimiter
	logger      Logger
}

type pipelineOption func(*HttpPipeline)

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(client *http.Client) pipelineOption {
	return func(p *HttpPipeline) { p.client = client }
}

// WithRequestTimeout sets the single send+receive deadline applied to
// every request.
func WithRequestTimeout(d time.Duration) pipelineOption {
	return func(p *HttpPipeline) { p.timeout = d }
}

// WithProxyHost routes requests through host instead of discord.com.
func WithProxyHost(host string) pipelineOption {
	return func(p *HttpPipeline) { p.proxyHost = host }
}

// WithInsecureHTTP sends requests over http:// instead of https://.
// Intended for use against a local proxy during development.
func WithInsecureHTTP() pipelineOption {
	return func(p *HttpPipeline) { p.useHTTP = true }
}

// WithDefaultHeaders sets headers merged into every request; these win
// over any per-request header of the same name (default headers are
// applied last).
func WithDefaultHeaders(headers map[string]string) pipelineOption {
	return func(p *HttpPipeline) { p.defaultHeaders = headers }
}

// WithDefaultAllowedMentions attaches a default allowed_mentions JSON
// fragment; callers merge it into message bodies themselves, since
// constructing the merged body is a data-model concern outside this
// pipeline's scope.
func WithDefaultAllowedMentions(raw json.RawMessage) pipelineOption {
	return func(p *HttpPipeline) { p.defaultAllowedMentions = raw }
}

// WithRateLimiter attaches a RateLimiter; without one, requests are
// sent without per-route admission.
func WithRateLimiter(rl *RateLimiter) pipelineOption {
	return func(p *HttpPipeline) { p.rateLimiter = rl }
}

// NewHttpPipeline creates a pipeline authenticating with token (a bare
// token or one already prefixed "Bot "/"Bearer "). Per spec invariant 7,
// normalizing a token that already carries a recognized prefix is the
// identity.
func NewHttpPipeline(token string, logger Logger, opts ...pipelineOption) *HttpPipeline {
	p := &HttpPipeline{
		token:     normalizeToken(token),
		userAgent: fmt.Sprintf("%s (%s, %s)", userAgentProduct, userAgentHomepage, userAgentVersion),
		timeout:   15 * time.Second,
		logger:    logger,
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.client == nil {
		p.client = &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,

				MaxIdleConns:        500,
				MaxIdleConnsPerHost: 100,
				MaxConnsPerHost:     200,

				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,

				ForceAttemptHTTP2: true,
			},
		}
	}

	return p
}

func normalizeToken(token string) string {
	if strings.HasPrefix(token, "Bot ") || strings.HasPrefix(token, "Bearer ") {
		return token
	}
	return "Bot " + token
}

// TokenInvalid reports whether a 401 has permanently latched this
// pipeline. Once true, Do always fails without contacting the network.
func (p *HttpPipeline) TokenInvalid() bool {
	return p.tokenInvalid.Load()
}

// Shutdown closes idle connections held by the underlying http.Client.
func (p *HttpPipeline) Shutdown() {
	if tr, ok := p.client.Transport.(interface{ CloseIdleConnections() }); ok {
		tr.CloseIdleConnections()
	}
}

func (p *HttpPipeline) buildURL(path string) string {
	scheme := "https"
	if p.useHTTP {
		scheme = "http"
	}
	host := defaultHomeHost
	if p.proxyHost != "" {
		host = p.proxyHost
	}
	return fmt.Sprintf("%s://%s/api/v%s%s", scheme, host, apiVersion, path)
}

// Do sends req through the pipeline, returning the decoded Response or
// a *RequestError describing why it failed. Per spec section 7, rate-limit
// pressure is never surfaced to a caller with a RateLimiter attached: a
// 429 feeds the response headers back into the limiter (tripping the
// bucket's reset and, if global, the GlobalLock) and the request is
// resent once the limiter admits it again, up to maxRateLimitRetries.
func (p *HttpPipeline) Do(ctx context.Context, req Request) (*Response, error) {
	if p.tokenInvalid.Load() {
		return nil, &RequestError{Kind: ErrUnauthorizedKind}
	}

	for attempt := 0; attempt < maxRateLimitRetries; attempt++ {
		resp, retry, err := p.attempt(ctx, req)
		if !retry {
			return resp, err
		}
	}

	return nil, newRequestError(ErrRequestErrorKind, fmt.Errorf("exceeded %d retries against rate-limited route %s", maxRateLimitRetries, req.BucketPath))
}

// attempt sends req once. retry is true only when a RateLimiter is
// attached and the response came back 429, meaning Do should loop and
// acquire a fresh ticket rather than return this attempt's result.
func (p *HttpPipeline) attempt(ctx context.Context, req Request) (resp *Response, retry bool, err error) {
	httpReq, contentType, err := p.buildHTTPRequest(ctx, req)
	if err != nil {
		return nil, false, newRequestError(ErrBuildingRequestKind, err)
	}

	if err := p.applyHeaders(httpReq, req, contentType); err != nil {
		return nil, false, newRequestError(ErrCreatingHeaderKind, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	httpReq = httpReq.WithContext(reqCtx)

	if p.rateLimiter == nil {
		sent, err := p.send(httpReq)
		if err != nil {
			return nil, false, err
		}
		result, err := p.interpret(sent)
		return result, false, err
	}

	ticket, err := p.rateLimiter.Acquire(reqCtx, req.BucketPath)
	if err != nil {
		return nil, false, err
	}

	select {
	case <-ticket.Ready():
	case <-reqCtx.Done():
		ticket.ReportNone()
		return nil, false, newRequestError(ErrRequestTimedOutKind, reqCtx.Err())
	}

	sent, sendErr := p.send(httpReq)
	if sendErr != nil {
		ticket.ReportNone()
		return nil, false, sendErr
	}

	ticket.Report(rateLimitHeaders(sent.Headers))

	if sent.Status == http.StatusTooManyRequests {
		p.logger.WithField("route", req.BucketPath).Warn("wyvern: 429 observed, retrying once the limiter admits again")
		return nil, true, nil
	}

	result, err := p.interpret(sent)
	return result, false, err
}

func (p *HttpPipeline) buildHTTPRequest(ctx context.Context, req Request) (*http.Request, string, error) {
	url := p.buildURL(req.Path)

	if req.Multipart != nil {
		body, contentType, err := encodeMultipart(req.Multipart)
		if err != nil {
			return nil, "", err
		}
		httpReq, err := http.NewRequestWithContext(ctx, string(req.Method), url, bytes.NewReader(body))
		return httpReq, contentType, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, string(req.Method), url, bytes.NewReader(req.Body))
	return httpReq, "application/json", err
}

func encodeMultipart(form *MultipartForm) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if len(form.PayloadJSON) > 0 {
		part, err := w.CreateFormField("payload_json")
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(form.PayloadJSON); err != nil {
			return nil, "", err
		}
	}

	for _, f := range form.Files {
		part, err := w.CreateFormFile(f.FieldName, f.FileName)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(f.Content); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}

	return buf.Bytes(), w.FormDataContentType(), nil
}

func (p *HttpPipeline) applyHeaders(httpReq *http.Request, req Request, contentType string) error {
	if req.UseAuthorizationToken {
		httpReq.Header.Set("Authorization", p.token)
	}
	httpReq.Header.Set("User-Agent", p.userAgent)
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")

	bodyLen := len(req.Body)
	switch req.Method {
	case MethodPost, MethodPut, MethodPatch:
		httpReq.Header.Set("Content-Length", strconv.Itoa(bodyLen))
	}

	if req.Reason != "" {
		httpReq.Header.Set(headerReason, req.Reason)
	}

	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range p.defaultHeaders {
		httpReq.Header.Set(k, v)
	}

	return nil
}

func (p *HttpPipeline) send(httpReq *http.Request) (*Response, error) {
	resp, err := p.client.Do(httpReq)
	if err != nil {
		if httpReq.Context().Err() != nil {
			return nil, newRequestError(ErrRequestTimedOutKind, err)
		}
		return nil, newRequestError(ErrRequestErrorKind, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newRequestError(ErrRequestErrorKind, err)
	}

	return &Response{Status: resp.StatusCode, Headers: resp.Header, Body: body}, nil
}

func rateLimitHeaders(h http.Header) map[string]string {
	out := map[string]string{}
	for _, name := range []string{headerLimit, headerRemaining, headerResetAfter, headerGlobal, headerScope, headerRetryAfter} {
		if v := h.Get(name); v != "" {
			out[name] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// interpret applies the pipeline's status-code policy, per spec section
// 4.3: 2xx passes through; 401 latches the pipeline permanently; 503
// surfaces as ServiceUnavailable; everything else parses the Discord
// error envelope and surfaces a Response error. A 429 is only ever
// interpreted here when no RateLimiter is attached (nothing to retry
// against, so it passes through as-is); with a RateLimiter, attempt
// intercepts 429 before it ever reaches interpret and retries instead.
func (p *HttpPipeline) interpret(resp *Response) (*Response, error) {
	switch {
	case resp.Status >= 200 && resp.Status < 300:
		return resp, nil

	case resp.Status == http.StatusUnauthorized:
		p.tokenInvalid.Store(true)
		p.logger.Error("wyvern: token rejected with 401, latching client")
		return nil, newResponseError(ErrUnauthorizedKind, resp.Status, resp.Body, decodeAPIError(resp.Body))

	case resp.Status == http.StatusServiceUnavailable:
		return nil, newResponseError(ErrServiceUnavailableKind, resp.Status, resp.Body, nil)

	case resp.Status == http.StatusTooManyRequests:
		return resp, nil

	default:
		return nil, newResponseError(ErrResponseKind, resp.Status, resp.Body, decodeAPIError(resp.Body))
	}
}

func decodeAPIError(body []byte) *ApiError {
	if len(body) == 0 {
		return nil
	}
	var api ApiError
	if err := sonic.Unmarshal(body, &api); err != nil {
		return nil
	}
	return &api
}
