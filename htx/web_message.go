// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// HTTP requests, responses, and their builders.

package htx

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/net/http/httpguts"
)

// Listener receives a response. The response and its body are borrowed for the duration of the call only.
// Use Response.Clone to keep anything beyond that.
type Listener func(resp *Response)

// Extension carries what the transport knows about a message, such as the negotiated TLS session.
type Extension struct {
	Session *SessionInfo // nil if the message didn't travel over TLS
	SNIHost string       // server name requested by the client, if any
}

func (e *Extension) Secure() bool { return e.Session != nil }

// Request is an immutable HTTP request. Build one with NewRequest.
type Request struct {
	method    string
	url       *url.URL
	version   Version
	header    Header
	body      []byte
	parts     []Part
	cookies   []*Cookie
	params    url.Values
	listener  Listener
	attempt   int // 0 for the first attempt
	redirects int // number of continuations that led to this request
	// Server side
	streamID   uint32 // HTTP/2 stream id, 0 for HTTP/1
	localAddr  net.Addr
	remoteAddr net.Addr
	ext        Extension
}

func (r *Request) Method() string          { return r.method }
func (r *Request) URL() *url.URL           { return r.url }
func (r *Request) Version() Version        { return r.version }
func (r *Request) Header() Header          { return r.header }
func (r *Request) Body() []byte            { return r.body }
func (r *Request) Parts() []Part           { return r.parts }
func (r *Request) Cookies() []*Cookie      { return r.cookies }
func (r *Request) Params() url.Values      { return r.params }
func (r *Request) Listener() Listener      { return r.listener }
func (r *Request) Attempt() int            { return r.attempt }
func (r *Request) Redirects() int          { return r.redirects }
func (r *Request) StreamID() uint32        { return r.streamID }
func (r *Request) LocalAddr() net.Addr     { return r.localAddr }
func (r *Request) RemoteAddr() net.Addr    { return r.remoteAddr }
func (r *Request) Extension() *Extension   { return &r.ext }
func (r *Request) IsMultipart() bool       { return len(r.parts) > 0 && r.body == nil }
func (r *Request) HasCookie(name string) bool { return findCookie(r.cookies, name) != nil }

// Host is the host the request is meant for, taken from the URL or the Host header.
func (r *Request) Host() string {
	if r.url != nil && r.url.Host != "" {
		return r.url.Host
	}
	return r.header.Get("Host")
}

// Target renders the request-target. Origin-form (path and query) is used unless absolute is true.
func (r *Request) Target(absolute bool) string {
	u := r.url
	if u == nil {
		return "/"
	}
	if r.method == "OPTIONS" && (u.Opaque == "*" || u.Path == "*") {
		return "*"
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	if absolute && u.Host != "" {
		return u.Scheme + "://" + u.Host + path
	}
	return path
}

// Derive starts a builder for a follow-up request, such as a retry, that carries everything this request does.
func (r *Request) Derive() *RequestBuilder {
	b := &RequestBuilder{
		method:    r.method,
		version:   r.version,
		header:    r.header.Clone(),
		body:      r.body,
		parts:     r.parts,
		cookies:   append([]*Cookie(nil), r.cookies...),
		params:    r.params,
		listener:  r.listener,
		attempt:   r.attempt + 1,
		redirects: r.redirects,
	}
	if r.url != nil {
		u := *r.url
		b.url = &u
	}
	b.derived = true
	return b
}

// RequestBuilder builds requests.
type RequestBuilder struct {
	method    string
	url       *url.URL
	rawURL    string
	version   Version
	header    Header
	body      []byte
	parts     []Part
	cookies   []*Cookie
	params    url.Values
	listener  Listener
	attempt   int
	redirects int
	derived   bool // params are already folded into url or body
}

// NewRequest starts building a GET request.
func NewRequest() *RequestBuilder {
	return &RequestBuilder{method: "GET", header: make(Header)}
}

func (b *RequestBuilder) Method(method string) *RequestBuilder {
	b.method = strings.ToUpper(method)
	return b
}
func (b *RequestBuilder) URL(u *url.URL) *RequestBuilder {
	b.url, b.rawURL = u, ""
	return b
}

// URLString parses rawURL at Build time.
func (b *RequestBuilder) URLString(rawURL string) *RequestBuilder {
	b.url, b.rawURL = nil, rawURL
	return b
}
func (b *RequestBuilder) Version(version Version) *RequestBuilder {
	b.version = version
	return b
}
func (b *RequestBuilder) Header(name string, value string) *RequestBuilder {
	b.header.Set(name, value)
	return b
}
func (b *RequestBuilder) AddHeader(name string, value string) *RequestBuilder {
	b.header.Add(name, value)
	return b
}
func (b *RequestBuilder) DelHeader(name string) *RequestBuilder {
	b.header.Del(name)
	return b
}

// Cookie declares a cookie on the request. A later cookie with the same name replaces an earlier one.
func (b *RequestBuilder) Cookie(cookie *Cookie) *RequestBuilder {
	if cookie == nil {
		return b
	}
	for i, c := range b.cookies {
		if c.Name() == cookie.Name() {
			b.cookies[i] = cookie
			return b
		}
	}
	b.cookies = append(b.cookies, cookie)
	return b
}
func (b *RequestBuilder) Param(name string, value string) *RequestBuilder {
	if b.params == nil {
		b.params = make(url.Values)
	}
	b.params.Add(name, value)
	return b
}
func (b *RequestBuilder) Body(body []byte) *RequestBuilder {
	b.body = body
	return b
}
func (b *RequestBuilder) BodyString(body string) *RequestBuilder {
	b.body = []byte(body)
	return b
}

// Part adds a multipart/form-data part. Parts are only sent when no raw body is set.
func (b *RequestBuilder) Part(part Part) *RequestBuilder {
	b.parts = append(b.parts, part)
	return b
}
func (b *RequestBuilder) OnResponse(listener Listener) *RequestBuilder {
	b.listener = listener
	return b
}
func (b *RequestBuilder) Redirects(redirects int) *RequestBuilder {
	b.redirects = redirects
	return b
}

func (b *RequestBuilder) Build() (*Request, error) {
	if !httpguts.ValidHeaderFieldName(b.method) { // methods are tokens
		return nil, newProtocolError("invalid method %q", b.method)
	}
	u := b.url
	if u == nil {
		if b.rawURL == "" {
			return nil, errors.Wrap(ErrIllegalState, "request has no url")
		}
		parsed, err := url.Parse(b.rawURL)
		if err != nil {
			return nil, newProtocolError("malformed request target: %v", err)
		}
		u = parsed
	} else {
		clone := *u
		u = &clone
	}
	if err := b.header.validate(); err != nil {
		return nil, err
	}
	r := &Request{
		method:    b.method,
		url:       u,
		version:   b.version,
		header:    b.header.Clone(),
		body:      b.body,
		parts:     b.parts,
		cookies:   append([]*Cookie(nil), b.cookies...),
		listener:  b.listener,
		attempt:   b.attempt,
		redirects: b.redirects,
	}
	r.params = b.params
	if len(b.params) > 0 && !b.derived {
		switch b.method {
		case "GET", "HEAD", "DELETE", "OPTIONS":
			query := u.Query()
			for name, values := range b.params {
				for _, value := range values {
					query.Add(name, value)
				}
			}
			u.RawQuery = query.Encode()
		default:
			if r.body == nil && len(r.parts) == 0 {
				r.body = []byte(b.params.Encode())
				if !r.header.Has("Content-Type") {
					r.header.Set("Content-Type", "application/x-www-form-urlencoded")
				}
			}
		}
	}
	return r, nil
}

// Body is a response body. It is borrowed by listeners and released exactly once by its owner.
type Body struct {
	data     []byte
	released atomic.Bool
	release  func(data []byte) // returns the buffer to where it came from. may be nil
}

// NewBody wraps data. release, if not nil, is invoked on the first Release only.
func NewBody(data []byte, release func(data []byte)) *Body {
	return &Body{data: data, release: release}
}

func (b *Body) Bytes() []byte {
	if b == nil || b.released.Load() {
		return nil
	}
	return b.data
}
func (b *Body) String() string { return string(b.Bytes()) }
func (b *Body) Len() int       { return len(b.Bytes()) }

// Release gives the buffer back. It reports whether this call did the release.
func (b *Body) Release() bool {
	if b == nil || !b.released.CompareAndSwap(false, true) {
		return false
	}
	if b.release != nil {
		b.release(b.data)
	}
	b.data = nil
	return true
}
func (b *Body) IsReleased() bool { return b != nil && b.released.Load() }

// Response is an HTTP response.
type Response struct {
	status     int
	reason     string
	version    Version
	header     Header
	cookies    []*Cookie // decoded from set-cookie fields
	body       *Body
	request    *Request
	streamID   uint32
	pushed     bool // delivered through server push
	localAddr  net.Addr
	remoteAddr net.Addr
	ext        Extension
}

func (r *Response) Status() int           { return r.status }
func (r *Response) Reason() string        { return r.reason }
func (r *Response) Version() Version      { return r.version }
func (r *Response) Header() Header        { return r.header }
func (r *Response) Cookies() []*Cookie    { return r.cookies }
func (r *Response) Body() *Body           { return r.body }
func (r *Response) Request() *Request     { return r.request }
func (r *Response) StreamID() uint32      { return r.streamID }
func (r *Response) IsPushed() bool        { return r.pushed }
func (r *Response) LocalAddr() net.Addr   { return r.localAddr }
func (r *Response) RemoteAddr() net.Addr  { return r.remoteAddr }
func (r *Response) Extension() *Extension { return &r.ext }

// Clone returns a copy that owns its body and needs no release.
func (r *Response) Clone() *Response {
	clone := *r
	clone.header = r.header.Clone()
	clone.cookies = append([]*Cookie(nil), r.cookies...)
	clone.body = NewBody(append([]byte(nil), r.body.Bytes()...), nil)
	return &clone
}

// ResponseBuilder is the in-progress response handed to routers.
type ResponseBuilder struct {
	status  int
	header  Header
	cookies []*Cookie
	body    []byte
	pushes  []string // paths to push, HTTP/2 only
}

func NewResponse() *ResponseBuilder { return &ResponseBuilder{header: make(Header)} }

func (b *ResponseBuilder) Status(status int) *ResponseBuilder {
	b.status = status
	return b
}
func (b *ResponseBuilder) Header(name string, value string) *ResponseBuilder {
	b.header.Set(name, value)
	return b
}
func (b *ResponseBuilder) AddHeader(name string, value string) *ResponseBuilder {
	b.header.Add(name, value)
	return b
}
func (b *ResponseBuilder) SetCookie(cookie *Cookie) *ResponseBuilder {
	b.cookies = append(b.cookies, cookie)
	return b
}
func (b *ResponseBuilder) Body(body []byte) *ResponseBuilder {
	b.body = body
	return b
}
func (b *ResponseBuilder) BodyString(body string) *ResponseBuilder {
	b.body = []byte(body)
	return b
}

// Push asks the server to push path along with this response. It is ignored on HTTP/1 and when the peer disabled push.
func (b *ResponseBuilder) Push(path string) *ResponseBuilder {
	b.pushes = append(b.pushes, path)
	return b
}

func (b *ResponseBuilder) StatusCode() int       { return b.status }
func (b *ResponseBuilder) HeaderFields() Header  { return b.header }
func (b *ResponseBuilder) BodyBytes() []byte     { return b.body }
func (b *ResponseBuilder) PushPaths() []string   { return b.pushes }
func (b *ResponseBuilder) SetCookies() []*Cookie { return b.cookies }

// Build freezes the builder into a response. The response body needs no release.
func (b *ResponseBuilder) Build() *Response {
	status := b.status
	if status == 0 {
		status = StatusOK
	}
	header := b.header.Clone()
	now := clockNow()
	for _, cookie := range b.cookies {
		header.Add("Set-Cookie", EncodeSetCookie(cookie, now))
	}
	return &Response{
		status:  status,
		reason:  StatusText(status),
		header:  header,
		cookies: append([]*Cookie(nil), b.cookies...),
		body:    NewBody(b.body, nil),
	}
}

// rawResponse is a response as decoded off the wire, before an interaction turns it into a Response.
type rawResponse struct {
	version  Version
	status   int
	reason   string
	header   Header
	body     []byte
	release  func(data []byte) // gives body back to its pool
	pushed   bool
	promised *Request // the request a pushed response answers
}

var ( // body buffer pools
	pool4K   sync.Pool
	pool16K  sync.Pool
	pool64K1 sync.Pool
)

// getNK returns a buffer with a capacity of at least n when n fits the pools, or a fresh one otherwise.
func getNK(n int) []byte {
	var pool *sync.Pool
	var size int
	switch {
	case n <= _4K:
		pool, size = &pool4K, _4K
	case n <= _16K:
		pool, size = &pool16K, _16K
	case n <= _64K1:
		pool, size = &pool64K1, _64K1
	default:
		return make([]byte, 0, n)
	}
	if x := pool.Get(); x != nil {
		return x.([]byte)[:0]
	}
	return make([]byte, 0, size)
}
func putNK(p []byte) {
	switch cap(p) {
	case _4K:
		pool4K.Put(p[:0])
	case _16K:
		pool16K.Put(p[:0])
	case _64K1:
		pool64K1.Put(p[:0])
	}
}

// pooledBody copies data into a pooled buffer.
func pooledBody(data []byte) []byte {
	p := getNK(len(data))
	return append(p, data...)
}

const (
	StatusContinue           = 100
	StatusSwitchingProtocols = 101
	StatusOK                 = 200
	StatusNoContent          = 204
	StatusMovedPermanently   = 301
	StatusFound              = 302
	StatusSeeOther           = 303
	StatusNotModified        = 304
	StatusTemporaryRedirect  = 307
	StatusPermanentRedirect  = 308
	StatusBadRequest         = 400
	StatusNotFound           = 404
	StatusRequestTimeout     = 408
	StatusContentTooLarge    = 413
	StatusInternalError      = 500
	StatusNotImplemented     = 501
	StatusBadGateway         = 502
	StatusServiceUnavailable = 503
	StatusGatewayTimeout     = 504
)

var statusTexts = map[int]string{
	100: "Continue",
	101: "Switching Protocols",
	200: "OK",
	201: "Created",
	202: "Accepted",
	204: "No Content",
	206: "Partial Content",
	301: "Moved Permanently",
	302: "Found",
	303: "See Other",
	304: "Not Modified",
	307: "Temporary Redirect",
	308: "Permanent Redirect",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	409: "Conflict",
	413: "Content Too Large",
	429: "Too Many Requests",
	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Gateway Timeout",
}

func StatusText(status int) string {
	if text, ok := statusTexts[status]; ok {
		return text
	}
	return "Status " + strconv.Itoa(status)
}
