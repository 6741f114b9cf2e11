// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Interactions drive requests from connection acquisition to completion, through retries, continuations, and upgrades.

package htx

import (
	"context"
	"net/url"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// InteractionState is where an interaction stands.
type InteractionState int32

const (
	StateCreated InteractionState = iota
	StateAwaitingConnection
	StateRequestSent
	StateAwaitingSettings
	StateResponsePending
	StateCompleted
	StateRetrying
	StateContinuing
	StateFailed
)

var interactionStateNames = [...]string{
	StateCreated:            "created",
	StateAwaitingConnection: "awaiting-connection",
	StateRequestSent:        "request-sent",
	StateAwaitingSettings:   "awaiting-settings",
	StateResponsePending:    "response-pending",
	StateCompleted:          "completed",
	StateRetrying:           "retrying",
	StateContinuing:         "continuing",
	StateFailed:             "failed",
}

func (s InteractionState) String() string {
	if s >= 0 && int(s) < len(interactionStateNames) {
		return interactionStateNames[s]
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// interactionKind tags which protocol an interaction speaks.
type interactionKind uint8

const (
	kindHTTP1 interactionKind = iota
	kindHTTP2
)

// http1State is kept by HTTP/1 interactions only.
type http1State struct {
	target string // request-target of the request last written
}

// http2State is kept by HTTP/2 interactions only.
type http2State struct {
	promised map[uint32]*Request // pushed streams and the requests they answer
}

// Interaction is one logical exchange with an address. It may span several requests when responses are retried
// or continued, and it hands itself over to an HTTP/2 interaction when its connection settles on HTTP/2.
type Interaction struct {
	// Assocs
	client  *Client
	logger  *zap.Logger
	cookies *CookieBox
	// States
	id        string
	kind      interactionKind
	h1        http1State
	h2        http2State
	mutex     sync.Mutex
	ctx       context.Context
	state     InteractionState
	address   *Address
	request   *Request
	conn      *clientConn
	streamID  uint32
	promise   *Promise // of the latest ledger entry, or a placeholder until one exists
	throwable error    // terminal failure. Execute fails fast once it is set
	multipart *multipartEncoder
	upgraded  *Interaction
	closed    bool
	capture   bool      // keep a copy of the last response
	last      *Response // the copy
}

func newInteraction(client *Client, address *Address, kind interactionKind, id string, cookies *CookieBox) *Interaction {
	if id == "" {
		id = uuid.NewString()
	}
	if cookies == nil {
		cookies = NewCookieBox(defaultCookieBoxSize, defaultCookieTTL)
	}
	return &Interaction{
		client:  client,
		logger:  client.logger.With(zap.String("interaction", id)),
		cookies: cookies,
		id:      id,
		kind:    kind,
		ctx:     context.Background(),
		address: address,
	}
}

func (i *Interaction) ID() string { return i.id }
func (i *Interaction) Address() *Address {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	return i.address
}
func (i *Interaction) State() InteractionState {
	i.mutex.Lock()
	state, up := i.state, i.upgraded
	i.mutex.Unlock()
	if up != nil {
		return up.State()
	}
	return state
}

// Err returns the terminal failure, if any.
func (i *Interaction) Err() error {
	i.mutex.Lock()
	err, up := i.throwable, i.upgraded
	i.mutex.Unlock()
	if err == nil && up != nil {
		return up.Err()
	}
	return err
}

// UpgradedTo returns the HTTP/2 interaction this one handed over to, or nil.
func (i *Interaction) UpgradedTo() *Interaction {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	return i.upgraded
}

// Response returns a copy of the last final response when the interaction was asked to keep one.
func (i *Interaction) Response() *Response {
	i.mutex.Lock()
	last, up := i.last, i.upgraded
	i.mutex.Unlock()
	if last == nil && up != nil {
		return up.Response()
	}
	return last
}

// Execute sends req. It returns once the request is written, or failed to be. The response arrives later; use Get to wait for it.
func (i *Interaction) Execute(ctx context.Context, req *Request) error {
	if req == nil {
		return errors.Wrap(ErrIllegalState, "nil request")
	}
	i.mutex.Lock()
	switch {
	case i.closed:
		i.mutex.Unlock()
		return errors.Wrap(ErrIllegalState, "interaction closed")
	case i.throwable != nil:
		err := i.throwable
		i.mutex.Unlock()
		return err
	case i.upgraded != nil:
		up := i.upgraded
		i.mutex.Unlock()
		return up.Execute(ctx, req)
	case i.address == nil:
		i.mutex.Unlock()
		return errors.Wrap(ErrIllegalState, "interaction has no address")
	}
	placeholder := NewPromise()
	i.ctx = ctx
	i.promise = placeholder
	i.request = req
	i.state = StateAwaitingConnection
	i.mutex.Unlock()
	return i.execute(ctx, req, placeholder)
}

func (i *Interaction) execute(ctx context.Context, req *Request, placeholder *Promise) error {
	i.mutex.Lock()
	address := i.address
	i.mutex.Unlock()

	conn, err := i.client.pool.Acquire(ctx, address)
	if err != nil {
		var ioErr *IOError
		if !errors.As(err, &ioErr) {
			err = &ConnectError{Address: address, Err: err}
		}
		i.terminate(placeholder, err)
		return err
	}
	if conn.settings != nil {
		if err := i.awaitSettings(ctx, conn); err != nil {
			conn.close(err)
			i.terminate(placeholder, err)
			return err
		}
	}
	return i.settingsReceived(ctx, conn, req, placeholder)
}

// awaitSettings waits, within the settings timeout, until the protocol of conn is known.
func (i *Interaction) awaitSettings(ctx context.Context, conn *clientConn) error {
	i.transition(StateAwaitingConnection, StateAwaitingSettings)
	waitCtx, cancel := context.WithTimeout(ctx, i.client.settingsTimeout)
	defer cancel()

	_, err := conn.settings.Wait(waitCtx)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return &IOError{Op: "settings", Err: errSettingsTimeout}
	default:
		return &ConnectError{Address: conn.address, Err: err}
	}
}

// settingsReceived continues once the protocol of conn is known.
func (i *Interaction) settingsReceived(ctx context.Context, conn *clientConn, req *Request, placeholder *Promise) error {
	switch i.kind {
	case kindHTTP1:
		if conn.protocol() == protoHTTP2 {
			return i.upgrade(ctx, conn, req, placeholder)
		}
	case kindHTTP2:
		if conn.protocol() != protoHTTP2 {
			err := newProtocolError("%s did not settle on HTTP/2", conn.address)
			i.client.pool.Release(conn)
			i.terminate(placeholder, err)
			return err
		}
	}
	return i.executeRequest(ctx, conn, req, placeholder)
}

// upgrade hands the request over to a new HTTP/2 interaction on conn.
func (i *Interaction) upgrade(ctx context.Context, conn *clientConn, req *Request, placeholder *Promise) error {
	up := newInteraction(i.client, conn.address, kindHTTP2, i.id, i.cookies)
	upPlaceholder := NewPromise()
	up.ctx = ctx
	up.request = req
	up.promise = upPlaceholder
	up.state = StateAwaitingSettings

	i.mutex.Lock()
	if i.closed {
		i.mutex.Unlock()
		i.client.pool.Release(conn)
		return errors.Wrap(ErrIllegalState, "interaction closed")
	}
	up.capture = i.capture
	i.upgraded = up
	i.mutex.Unlock()
	placeholder.Complete(false)

	if DebugLevel() >= 1 {
		i.logger.Debug("interaction upgraded to HTTP/2", zap.Int64("conn", conn.id))
	}
	return up.executeRequest(ctx, conn, req, upPlaceholder)
}

func (i *Interaction) executeRequest(ctx context.Context, conn *clientConn, req *Request, placeholder *Promise) error {
	switch i.kind {
	case kindHTTP1:
		return i.executeRequest1(ctx, conn, req, placeholder)
	case kindHTTP2:
		return i.executeRequest2(ctx, conn, req, placeholder)
	default:
		BugExitln("unknown interaction kind")
		return nil
	}
}

// prepare renders what both protocols send: cookies, multipart bodies, the user agent, and trace context.
func (i *Interaction) prepare(ctx context.Context, conn *clientConn, req *Request) (Header, []byte, error) {
	header := req.Header().Clone()
	if header == nil {
		header = make(Header)
	}
	header.Del(headerStreamID)
	body := req.Body()
	if req.IsMultipart() {
		encoder := newMultipartEncoder(req.Parts())
		i.mutex.Lock()
		old := i.multipart
		i.multipart = encoder
		i.mutex.Unlock()
		if old != nil {
			old.Close()
		}
		rendered, err := encoder.finalize()
		if err != nil {
			return nil, nil, err
		}
		if limit := i.client.maxMultipartInline; limit > 0 && len(rendered) > limit {
			return nil, nil, newProtocolError("multipart body of %d bytes exceeds %d", len(rendered), limit)
		}
		body = rendered
		header.Set("Content-Type", encoder.contentType())
	}
	if !header.Has("User-Agent") && i.client.userAgent != "" {
		header.Set("User-Agent", i.client.userAgent)
	}
	declared := append(append([]*Cookie(nil), req.Cookies()...), DecodeCookies(header.Get("Cookie"))...)
	cookies := MergeCookies(declared, i.cookies.Match(cookieURL(conn.address, req), clockNow()))
	if len(cookies) > 0 {
		header.Set("Cookie", EncodeCookies(cookies))
	}
	injectTrace(ctx, header)
	return header, body, nil
}

// cookieURL is the absolute URL req is sent to.
func cookieURL(address *Address, req *Request) *url.URL {
	u := *req.URL()
	u.Scheme = address.Scheme()
	if u.Host == "" {
		u.Host = address.Authority()
	}
	return &u
}

// bind makes the ledger entry of id the one the interaction waits for.
func (i *Interaction) bind(conn *clientConn, id uint32, promise *Promise, placeholder *Promise) {
	i.mutex.Lock()
	i.conn, i.streamID = conn, id
	if i.promise == placeholder {
		i.promise = promise
	}
	i.state = StateRequestSent
	i.mutex.Unlock()
	placeholder.Complete(false)
}

// refuse fails a request its channel has no room for.
func (i *Interaction) refuse(conn *clientConn, id uint32, promise *Promise) error {
	err := &IOError{Op: "write", Err: ErrNotWritable}
	conn.streams().Remove(id)
	i.logger.Warn("channel not writable, request dropped", zap.Int64("conn", conn.id), zap.Uint32("stream", id))
	i.mutex.Lock()
	if i.promise == promise {
		i.state = StateFailed
	}
	i.mutex.Unlock()
	promise.Fail(err)
	i.client.pool.Release(conn)
	return err
}

// terminate records err as the terminal failure.
func (i *Interaction) terminate(promise *Promise, err error) {
	i.mutex.Lock()
	i.throwable = err
	i.state = StateFailed
	i.mutex.Unlock()
	promise.Fail(err)
	if DebugLevel() >= 1 {
		i.logger.Debug("interaction failed", zap.Error(err))
	}
}

func (i *Interaction) transition(from InteractionState, to InteractionState) {
	i.mutex.Lock()
	if i.state == from {
		i.state = to
	}
	i.mutex.Unlock()
}

// responseReceived takes a response decoded off conn. Its body is released when this returns.
func (i *Interaction) responseReceived(conn *clientConn, raw *rawResponse) {
	var (
		id      uint32
		promise *Promise
	)
	switch i.kind {
	case kindHTTP1:
		id, promise = i.correlate1(conn)
	case kindHTTP2:
		id, promise = i.correlate2(conn, raw)
	}
	resp := i.newResponse(conn, raw, id)
	defer resp.body.Release()

	if raw.pushed {
		i.pushReceived(conn, id, promise, resp)
		return
	}
	i.client.pool.Release(conn)
	if promise == nil { // abandoned
		return
	}
	i.mutex.Lock()
	req := i.request
	i.mutex.Unlock()
	resp.request = req
	i.storeCookies(cookieURL(conn.address, req), resp)
	i.notify(req.Listener(), resp)
	if i.capture {
		last := resp.Clone()
		i.mutex.Lock()
		i.last = last
		i.mutex.Unlock()
	}
	if next, state := i.followUp(req, resp); next != nil {
		i.resubmit(promise, next, state)
		return
	}
	i.mutex.Lock()
	if i.promise == promise {
		i.state = StateCompleted
	}
	i.mutex.Unlock()
	promise.Complete(true)
}

func (i *Interaction) newResponse(conn *clientConn, raw *rawResponse, id uint32) *Response {
	resp := &Response{
		status:     raw.status,
		reason:     raw.reason,
		version:    raw.version,
		header:     raw.header,
		body:       NewBody(raw.body, raw.release),
		streamID:   id,
		pushed:     raw.pushed,
		localAddr:  conn.channel.LocalAddr(),
		remoteAddr: conn.channel.RemoteAddr(),
	}
	if session, ok := conn.channel.Attr(AttrSession).(*SessionInfo); ok {
		resp.ext.Session = session
	}
	if sniHost, ok := conn.channel.Attr(AttrSNIHost).(string); ok {
		resp.ext.SNIHost = sniHost
	}
	for _, value := range raw.header.Values("Set-Cookie") {
		if cookie, err := DecodeSetCookie(value); err == nil {
			resp.cookies = append(resp.cookies, cookie)
		} else if DebugLevel() >= 1 {
			i.logger.Debug("bad set-cookie ignored", zap.Error(err))
		}
	}
	return resp
}

func (i *Interaction) storeCookies(origin *url.URL, resp *Response) {
	now := clockNow()
	for _, cookie := range resp.cookies {
		i.cookies.Put(origin, cookie, now)
	}
}

// notify calls the listener. A panicking listener is logged and otherwise ignored.
func (i *Interaction) notify(listener Listener, resp *Response) {
	if listener == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("response listener panicked", zap.Any("panic", r), zap.Int("status", resp.Status()))
		}
	}()
	listener(resp)
}

// followUp consults the retry policy, then the continuation policy.
func (i *Interaction) followUp(req *Request, resp *Response) (*Request, InteractionState) {
	if policy := i.client.retryPolicy; policy != nil {
		next := i.consult("retry", func() (*Request, error) { return policy.Retry(req, resp, nil) })
		if next != nil {
			return next, StateRetrying
		}
	}
	if policy := i.client.continuationPolicy; policy != nil {
		next := i.consult("continuation", func() (*Request, error) { return policy.Continue(req, resp) })
		if next != nil {
			return next, StateContinuing
		}
	}
	return nil, StateCompleted
}

// consult runs a policy decision. Errors and panics are logged and mean no follow-up.
func (i *Interaction) consult(policy string, decide func() (*Request, error)) (next *Request) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error(policy+" policy panicked", zap.Any("panic", r))
			next = nil
		}
	}()
	next, err := decide()
	if err != nil {
		i.logger.Warn(policy+" policy failed", zap.Error(err))
		return nil
	}
	return next
}

// resubmit sends next in place of the request old stood for. old completes unsuccessfully once next has taken over.
func (i *Interaction) resubmit(old *Promise, next *Request, state InteractionState) {
	placeholder := NewPromise()
	i.mutex.Lock()
	if i.closed {
		i.mutex.Unlock()
		old.Fail(errInteractionClosed)
		return
	}
	i.promise = placeholder
	i.request = next
	i.state = state
	i.retarget(next.URL())
	ctx := i.ctx
	i.mutex.Unlock()
	old.Complete(false)

	if DebugLevel() >= 1 {
		i.logger.Debug("resubmitting", zap.Stringer("state", state), zap.Int("attempt", next.Attempt()), zap.Int("redirects", next.Redirects()))
	}
	go func() { // runner
		if err := i.execute(ctx, next, placeholder); err != nil && DebugLevel() >= 1 {
			i.logger.Debug("resubmission failed", zap.Error(err))
		}
	}()
}

// retarget switches to the address of an absolute u unless the current address serves it.
func (i *Interaction) retarget(u *url.URL) {
	if u.Host == "" {
		return
	}
	port := u.Port()
	if i.address.IsValidHost(u.Hostname()) && (port == "" || port == strconv.Itoa(i.address.Port())) {
		return
	}
	address, err := AddressOf(u, i.address.Version())
	if err != nil {
		i.logger.Warn("cannot follow to another address", zap.String("url", u.String()), zap.Error(err))
		return
	}
	i.address = address
	if i.kind == kindHTTP2 && address.IsSecure() { // ALPN settles the protocol of a secure address
		i.kind = kindHTTP1
	}
}

// fail is called when the request outstanding on conn is lost. A transport failure may be retried once more by policy.
func (i *Interaction) fail(conn *clientConn, err error) {
	i.mutex.Lock()
	if i.closed || i.conn != conn || (i.state != StateRequestSent && i.state != StateResponsePending) {
		i.mutex.Unlock()
		return
	}
	promise, req, id := i.promise, i.request, i.streamID
	i.mutex.Unlock()

	conn.streams().Remove(id)
	if policy := i.client.retryPolicy; policy != nil && isTransportError(err) {
		next := i.consult("retry", func() (*Request, error) { return policy.Retry(req, nil, err) })
		if next != nil {
			i.resubmit(promise, next, StateRetrying)
			return
		}
	}
	i.terminate(promise, err)
}

// Close abandons the interaction. A pending request fails with an error. Close is idempotent.
func (i *Interaction) Close() error {
	i.mutex.Lock()
	if i.closed {
		i.mutex.Unlock()
		return nil
	}
	i.closed = true
	promise, conn, id, encoder, up := i.promise, i.conn, i.streamID, i.multipart, i.upgraded
	pending := false
	switch i.state {
	case StateAwaitingConnection, StateAwaitingSettings, StateRequestSent, StateResponsePending, StateRetrying, StateContinuing:
		pending = true
		i.state = StateFailed
		i.throwable = errInteractionClosed
	}
	i.mutex.Unlock()

	if encoder != nil {
		encoder.Close()
	}
	if pending && promise != nil {
		promise.Fail(errInteractionClosed)
		if conn != nil {
			switch i.kind {
			case kindHTTP1:
				if h1 := conn.h1; h1 != nil && h1.owner.CompareAndSwap(i, nil) {
					conn.streams().Remove(id)
					conn.close(errInteractionClosed)
				}
			case kindHTTP2:
				conn.streams().Remove(id)
				if h2 := conn.h2; h2 != nil {
					h2.cancel(id)
				}
			}
		}
	}
	if up != nil {
		return up.Close()
	}
	return nil
}

// Get waits until the latest request of the interaction completes, following retries, continuations and upgrades.
func (i *Interaction) Get(ctx context.Context) error {
	for {
		i.mutex.Lock()
		promise, up := i.promise, i.upgraded
		i.mutex.Unlock()
		if up != nil {
			return up.Get(ctx)
		}
		if promise == nil {
			return errors.Wrap(ErrIllegalState, "nothing executed")
		}
		ok, err := promise.Wait(ctx)

		i.mutex.Lock()
		current, up := i.promise, i.upgraded
		i.mutex.Unlock()
		if current != promise || up != nil {
			continue // superseded
		}
		if err != nil {
			return err
		}
		if !ok {
			return errors.Wrap(ErrIllegalState, "interaction ended without a response")
		}
		return nil
	}
}
