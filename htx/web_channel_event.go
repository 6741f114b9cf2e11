// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Event channels are channels over gnet connections.

package htx

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/panjf2000/gnet/v2"
)

// eventChannel is a channel over a gnet.Conn. Reads are pushed by the event loop, writes are queued to it.
type eventChannel struct {
	// Parent
	channel_
	// Assocs
	conn gnet.Conn
	// States
	highWater  int
	localAddr  net.Addr
	remoteAddr net.Addr
	lastActive atomic.Int64 // unix nano
}

func newEventChannel(conn gnet.Conn, highWater int) *eventChannel {
	c := &eventChannel{
		conn:       conn,
		highWater:  highWater,
		localAddr:  conn.LocalAddr(),
		remoteAddr: conn.RemoteAddr(),
	}
	c.channel_.init(channelIDs.Add(1))
	c.touch()
	return c
}

func (c *eventChannel) LocalAddr() net.Addr  { return c.localAddr }
func (c *eventChannel) RemoteAddr() net.Addr { return c.remoteAddr }

func (c *eventChannel) touch() { c.lastActive.Store(time.Now().UnixNano()) }
func (c *eventChannel) idle() time.Duration {
	return time.Since(time.Unix(0, c.lastActive.Load()))
}

func (c *eventChannel) Write(p []byte) error {
	if c.isClosed() {
		return c.Err()
	}
	c.touch()
	return c.conn.AsyncWrite(append([]byte(nil), p...), nil)
}

func (c *eventChannel) IsWritable() bool {
	return !c.isClosed() && c.conn.OutboundBuffered() < c.highWater
}

// Close asks the event loop to close the connection after the writes queued before it.
func (c *eventChannel) Close() error {
	if c.isClosed() {
		return nil
	}
	return c.conn.CloseWithCallback(nil)
}

func (c *eventChannel) abort(err error) {
	c.shut(err, func() { c.conn.CloseWithCallback(nil) })
}

// closed is called by the event loop once the connection is gone.
func (c *eventChannel) closed(err error) {
	c.shut(err, nil)
}
