// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// HTTP/1 client connections.

package htx

import (
	"io"
	"sync/atomic"

	"go.uber.org/zap"
)

// client1Conn reads HTTP/1 responses off a client connection and hands them to the interaction that owns it.
type client1Conn struct {
	// Assocs
	conn   *clientConn
	reader io.Reader
	// States
	parser     *http1Parser
	owner      atomic.Pointer[Interaction] // the interaction with an outstanding request
	expectHead atomic.Bool                 // the outstanding request is HEAD
	probe      func(c *client1Conn, message *http1Message) (switched bool)
}

// startClient1 starts reading responses on conn.
func startClient1(conn *clientConn, reader io.Reader, probe func(c *client1Conn, message *http1Message) bool) *client1Conn {
	c := &client1Conn{
		conn:   conn,
		reader: reader,
		parser: newHTTP1Parser(false),
		probe:  probe,
	}
	conn.h1 = c
	go c.readLoop()
	return c
}

func (c *client1Conn) readLoop() { // runner
	buffer := getNK(_16K)
	buffer = buffer[:cap(buffer)]
	defer putNK(buffer)
	for {
		n, err := c.reader.Read(buffer)
		if n > 0 {
			c.parser.feed(buffer[:n])
			if done := c.drain(); done {
				return
			}
		}
		if err != nil {
			if message, finishErr := c.parser.finish(); message != nil {
				c.deliver(message)
			} else if finishErr != nil && err == io.EOF {
				err = finishErr
			}
			c.parser.release()
			if err == io.EOF {
				c.conn.close(ErrConnectionClosed)
			} else {
				c.conn.close(&IOError{Op: "read", Err: err})
			}
			return
		}
	}
}

// drain delivers every complete message. It returns true once the connection was switched to another protocol.
func (c *client1Conn) drain() bool {
	for {
		c.parser.expectNoBody(c.expectHead.Load())
		message, err := c.parser.next()
		if err != nil {
			c.parser.release()
			c.conn.close(err)
			return true
		}
		if message == nil {
			return false
		}
		if probe := c.probe; probe != nil {
			if message.head.status < 200 && message.head.status != StatusSwitchingProtocols {
				if message.body != nil {
					putNK(message.body)
				}
				continue
			}
			c.probe = nil
			if probe(c, message) {
				return true
			}
			continue
		}
		if message.head.status < 200 { // interim
			if message.body != nil {
				putNK(message.body)
			}
			continue
		}
		c.deliver(message)
	}
}

func (c *client1Conn) deliver(message *http1Message) {
	owner := c.owner.Swap(nil)
	if owner == nil {
		if message.body != nil {
			putNK(message.body)
		}
		c.conn.close(newProtocolError("unsolicited response"))
		return
	}
	c.conn.armRead(0)
	head := message.head
	c.conn.keepAlive.Store(head.keepAlive)
	owner.responseReceived(c.conn, &rawResponse{
		version: Version1_1,
		status:  head.status,
		reason:  head.reason,
		header:  head.header,
		body:    message.body,
		release: putNK,
	})
}

// closed fails the outstanding request, if any.
func (c *client1Conn) closed(err error) {
	if owner := c.owner.Swap(nil); owner != nil {
		if DebugLevel() >= 1 {
			c.conn.logger.Debug("outstanding request lost", zap.String("interaction", owner.ID()), zap.Error(err))
		}
		owner.fail(c.conn, connClosed(err))
	}
}
