// Package exchange holds the per-request state threaded through the routing
// pipeline: the inbound request descriptor, the matched rule, the resolved
// response, and the single-assignment written flag that guarantees exactly one
// terminal response per logical request.
package exchange

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/routeway/gateway/internal/rule"
)

// Request describes the inbound request being forwarded. The body is held
// only until the first dispatch completes; ReleaseBody frees it.
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	ClientIP string
	ID       string
	Start    time.Time

	mu   sync.Mutex
	body []byte
}

// NewRequest builds a request descriptor with the start timestamp set to now.
func NewRequest(method, path, rawQuery string, header http.Header, clientIP, id string, body []byte) *Request {
	return &Request{
		Method:   method,
		Path:     path,
		RawQuery: rawQuery,
		Header:   header,
		ClientIP: clientIP,
		ID:       id,
		Start:    time.Now(),
		body:     body,
	}
}

// Body returns the buffered request body, or nil after release.
func (r *Request) Body() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body
}

// ReleaseBody drops the buffered body. Idempotent.
func (r *Request) ReleaseBody() {
	r.mu.Lock()
	r.body = nil
	r.mu.Unlock()
}

// Elapsed returns the time since the request entered the pipeline.
func (r *Request) Elapsed() time.Duration {
	return time.Since(r.Start)
}

// Response is a fully materialized upstream or gateway-generated response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// NewResponse builds a response with a copy of nothing — callers own the
// header and body they pass in.
func NewResponse(status int, header http.Header, body []byte) *Response {
	if header == nil {
		header = make(http.Header)
	}
	return &Response{StatusCode: status, Header: header, Body: body}
}

// FromUpstream converts a raw upstream response plus its drained body into a
// pipeline response. Status and headers pass through unchanged.
func FromUpstream(resp *http.Response, body []byte) *Response {
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}
}

// ClientWriter is the connection-side collaborator that flushes a resolved
// response to the client. Implemented by the inbound server; called exactly
// once per logical request by the terminal write step.
type ClientWriter interface {
	WriteResponse(*Response)
}

// Context carries one logical request through the pipeline, across all of its
// retry attempts. It is owned by the pipeline from dispatch until the terminal
// write.
type Context struct {
	Rule    *rule.Rule
	Request *Request

	client ClientWriter

	mu       sync.Mutex
	response *Response
	failure  error
	retries  int

	written atomic.Bool
}

// New creates a context for one logical request.
func New(r *rule.Rule, req *Request, client ClientWriter) *Context {
	return &Context{Rule: r, Request: req, client: client}
}

// Client returns the connection-side writer for this request.
func (c *Context) Client() ClientWriter { return c.client }

// Complete attempts the terminal false→true transition of the written flag
// and, on success, attaches the response. Exactly one caller wins, no matter
// how many completions race; losers must discard their response and must not
// write or log.
func (c *Context) Complete(resp *Response) bool {
	if !c.written.CompareAndSwap(false, true) {
		return false
	}
	c.mu.Lock()
	c.response = resp
	c.mu.Unlock()
	return true
}

// Written reports whether the terminal transition has happened.
func (c *Context) Written() bool { return c.written.Load() }

// Response returns the attached response, or nil before completion.
func (c *Context) Response() *Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.response
}

// SetFailure records the most recent classified failure for diagnostics.
func (c *Context) SetFailure(err error) {
	c.mu.Lock()
	c.failure = err
	c.mu.Unlock()
}

// Failure returns the last recorded failure, if any.
func (c *Context) Failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// Retries returns the current retry count. Attempts for one logical request
// are strictly sequential, but completions may race with the breaker adapter,
// so access is still synchronized.
func (c *Context) Retries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

// IncRetries increments the retry count and returns the new value.
func (c *Context) IncRetries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retries++
	return c.retries
}
