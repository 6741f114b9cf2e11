// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// HTTP/1 side of interactions.

package htx

import (
	"context"
	"strconv"
)

// executeRequest1 writes req on an HTTP/1 connection. The connection carries one outstanding request at a time.
func (i *Interaction) executeRequest1(ctx context.Context, conn *clientConn, req *Request, placeholder *Promise) error {
	header, body, err := i.prepare(ctx, conn, req)
	if err != nil {
		i.client.pool.Release(conn)
		i.terminate(placeholder, err)
		return err
	}
	if !header.Has("Host") {
		if host := req.URL().Host; host != "" {
			header.Set("Host", host)
		} else {
			header.Set("Host", conn.address.Authority())
		}
	}
	if !conn.pooled {
		header.Set("Connection", "close")
	}
	chunked := header.HasToken("Transfer-Encoding", "chunked")
	if chunked {
		header.Del("Content-Length")
	} else if len(body) > 0 || requiresLength(req.Method()) {
		header.Set("Content-Length", strconv.Itoa(len(body)))
	}

	id, promise, err := conn.streams().NextStreamID()
	if err != nil {
		conn.close(err)
		i.terminate(placeholder, err)
		return err
	}
	i.bind(conn, id, promise, placeholder)
	if !conn.channel.IsWritable() {
		return i.refuse(conn, id, promise)
	}

	target := req.Target(false)
	wire := getNK(len(target) + len(body) + 512)
	wire = appendRequestHead1(wire, req.Method(), target, header)
	if chunked {
		wire = appendChunk(wire, body)
		wire = append(wire, http1LastChunk...)
	} else {
		wire = append(wire, body...)
	}
	i.mutex.Lock()
	i.h1.target = target
	i.mutex.Unlock()

	conn.h1.expectHead.Store(req.Method() == "HEAD")
	conn.h1.owner.Store(i)
	conn.armRead(i.client.readTimeout)
	err = conn.channel.Write(wire)
	putNK(wire)
	if err != nil {
		conn.h1.owner.CompareAndSwap(i, nil)
		err = &IOError{Op: "write", Err: err}
		i.fail(conn, err)
		conn.close(err)
		return err
	}
	i.transition(StateRequestSent, StateResponsePending)
	return nil
}

func requiresLength(method string) bool {
	return method == "POST" || method == "PUT" || method == "PATCH"
}

// correlate1 takes the entry of the one outstanding request off the ledger.
func (i *Interaction) correlate1(conn *clientConn) (uint32, *Promise) {
	streams := conn.streams()
	id, ok := streams.LastKey()
	if !ok {
		return 0, nil
	}
	promise := streams.Get(id)
	streams.Remove(id)
	return id, promise
}
