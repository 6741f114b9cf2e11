// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// HTTP/2 side of interactions.

package htx

import (
	"context"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/net/http2/hpack"
)

// executeRequest2 opens a stream for req on a shared HTTP/2 connection.
func (i *Interaction) executeRequest2(ctx context.Context, conn *clientConn, req *Request, placeholder *Promise) error {
	header, body, err := i.prepare(ctx, conn, req)
	if err != nil {
		i.client.pool.Release(conn)
		i.terminate(placeholder, err)
		return err
	}
	id, promise, err := conn.streams().NextStreamID()
	if err != nil { // exhausted. the connection takes no more streams
		conn.pool.forget(conn)
		i.terminate(placeholder, err)
		return err
	}
	i.bind(conn, id, promise, placeholder)
	if !conn.channel.IsWritable() {
		return i.refuse(conn, id, promise)
	}
	if err := conn.h2.open(id, i); err != nil {
		i.fail(conn, err)
		return err
	}

	authority := req.URL().Host
	if authority == "" {
		authority = conn.address.Authority()
	}
	if host := header.Get("Host"); host != "" {
		authority = host
	}
	fields := requestFields2(req.Method(), conn.address.Scheme(), authority, req.Target(false), header)
	if len(body) > 0 || requiresLength(req.Method()) {
		fields = append(fields, hpack.HeaderField{Name: "content-length", Value: strconv.Itoa(len(body))})
	}
	endStream := len(body) == 0
	if err := conn.h2.writeHeaders(id, fields, endStream); err != nil {
		err = &IOError{Op: "write", Err: err}
		i.fail(conn, err)
		conn.close(err)
		return err
	}
	i.transition(StateRequestSent, StateResponsePending)
	if !endStream {
		if err := conn.h2.writeData(id, body, true); err != nil {
			err = &IOError{Op: "write", Err: err}
			conn.h2.cancel(id)
			i.fail(conn, err)
			return err
		}
	}
	return nil
}

// correlate2 finds the ledger entry of a response by its internal stream id field, which it strips.
func (i *Interaction) correlate2(conn *clientConn, raw *rawResponse) (uint32, *Promise) {
	value := raw.header.Get(headerStreamID)
	raw.header.Del(headerStreamID)
	id, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		i.logger.Warn("response without stream id", zap.String("value", value))
		return 0, nil
	}
	streams := conn.streams()
	promise := streams.Get(uint32(id))
	streams.Remove(uint32(id))
	return uint32(id), promise
}

// pushPromiseReceived registers a stream the server promised to push on streamID.
func (i *Interaction) pushPromiseReceived(conn *clientConn, streamID uint32, promisedID uint32, req *Request) error {
	if i.kind != kindHTTP2 {
		return newProtocolError("push promise on an HTTP/1 interaction")
	}
	if promisedID == 0 || promisedID%2 != 0 {
		return newProtocolError("promised stream %d is not server-initiated", promisedID)
	}
	if _, err := conn.streams().Register(promisedID); err != nil {
		return err
	}
	i.mutex.Lock()
	if i.h2.promised == nil {
		i.h2.promised = make(map[uint32]*Request)
	}
	i.h2.promised[promisedID] = req
	i.mutex.Unlock()
	if DebugLevel() >= 2 {
		i.logger.Debug("push promised", zap.Uint32("stream", streamID), zap.Uint32("promised", promisedID), zap.String("path", req.Target(false)))
	}
	return nil
}

// pushReceived hands a pushed response to the listener of the current request.
func (i *Interaction) pushReceived(conn *clientConn, id uint32, promise *Promise, resp *Response) {
	i.mutex.Lock()
	req := i.h2.promised[id]
	delete(i.h2.promised, id)
	var listener Listener
	if i.request != nil {
		listener = i.request.Listener()
	}
	i.mutex.Unlock()

	resp.request = req
	if req != nil {
		i.storeCookies(cookieURL(conn.address, req), resp)
	}
	i.notify(listener, resp)
	if promise != nil {
		promise.Complete(true)
	}
}
