// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Client connections and the pool that keeps them per address.

package htx

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const ( // negotiated protocols of a client connection
	protoUnknown int32 = iota // settings pending
	protoHTTP1
	protoHTTP2
)

func protoName(proto int32) string {
	switch proto {
	case protoHTTP1:
		return "http/1.1"
	case protoHTTP2:
		return "h2"
	default:
		return ""
	}
}

// clientConn is a client-side connection to an address, shared by the protocol handlers.
type clientConn struct {
	// Assocs
	next    *clientConn // the linked-list
	pool    *Pool
	channel Channel
	h1      *client1Conn // set while the connection speaks HTTP/1
	h2      *client2Conn // set once the connection speaks HTTP/2
	// Conn states (non-zeros)
	id       int64
	address  *Address
	settings *Promise // resolved when the protocol is known. nil if it was known on connect
	pooled   bool     // goes back to the pool after use. ephemeral otherwise
	logger   *zap.Logger
	// Conn states (zeros)
	streamsPtr atomic.Pointer[StreamIDs]
	proto      atomic.Int32
	keepAlive  atomic.Bool
	expire     time.Time // when an idle conn is considered expired
}

func newClientConn(pool *Pool, channel Channel, address *Address, streams *StreamIDs, proto int32) *clientConn {
	c := &clientConn{
		pool:    pool,
		channel: channel,
		id:      channel.ID(),
		address: address,
		pooled:  pool.pooling,
		logger:  pool.logger.With(zap.Int64("conn", channel.ID()), zap.Stringer("address", address)),
	}
	c.setStreams(streams)
	c.keepAlive.Store(true)
	if proto == protoUnknown {
		c.settings = NewPromise()
	} else {
		c.setProtocol(proto)
	}
	channel.OnClose(c.closed)
	return c
}

func (c *clientConn) streams() *StreamIDs { return c.streamsPtr.Load() }
func (c *clientConn) setStreams(streams *StreamIDs) {
	c.streamsPtr.Store(streams)
	c.channel.SetAttr(AttrStreamIDs, streams)
}

func (c *clientConn) protocol() int32 { return c.proto.Load() }
func (c *clientConn) setProtocol(proto int32) {
	c.proto.Store(proto)
	c.channel.SetAttr(AttrProtocol, protoName(proto))
	c.pool.protocolResolved(c)
}

func (c *clientConn) isAlive() bool {
	select {
	case <-c.channel.Done():
		return false
	default:
		return true
	}
}

// armRead bounds the wait for the response to an outstanding request. A zero timeout disarms it.
func (c *clientConn) armRead(timeout time.Duration) {
	deadliner, ok := c.channel.(interface{ SetReadDeadline(t time.Time) error })
	if !ok {
		return
	}
	if timeout <= 0 {
		deadliner.SetReadDeadline(time.Time{})
	} else {
		deadliner.SetReadDeadline(time.Now().Add(timeout))
	}
}

// close closes the connection. A nil err closes gracefully, after queued writes.
func (c *clientConn) close(err error) {
	if err == nil {
		c.channel.Close()
		return
	}
	abortChannel(c.channel, err)
}

// closed runs once when the channel closes. Interactions waiting on this connection fail first, then the ledger.
func (c *clientConn) closed(err error) {
	if DebugLevel() >= 2 {
		c.logger.Debug("client conn closed", zap.Error(err))
	}
	c.pool.forget(c)
	if c.h2 != nil {
		c.h2.closed(err)
	} else if c.h1 != nil {
		c.h1.closed(err)
	}
	if c.settings != nil {
		c.settings.Fail(err)
	}
	c.streams().Close(err)
}

// Pool keeps client connections per address. HTTP/1 connections are exclusive and idle ones wait in a free list.
// HTTP/2 connections are shared, one per address.
type Pool struct {
	// Assocs
	logger *zap.Logger
	// States
	dial            func(ctx context.Context, address *Address, http1Only bool) (*clientConn, error)
	pooling         bool
	maxIdle         int           // max idle HTTP/1 conns per address
	idleTimeout     time.Duration // idle conns older than this are dropped
	settingsTimeout time.Duration // how long an acquirer waits for another acquirer's settings
	nodesLock       sync.Mutex
	nodes           map[addressKey]*poolNode
	closed          atomic.Bool
}

func newPool(dial func(ctx context.Context, address *Address, http1Only bool) (*clientConn, error), pooling bool, maxIdle int, idleTimeout time.Duration, settingsTimeout time.Duration, logger *zap.Logger) *Pool {
	return &Pool{
		logger:          logger,
		dial:            dial,
		pooling:         pooling,
		maxIdle:         maxIdle,
		idleTimeout:     idleTimeout,
		settingsTimeout: settingsTimeout,
		nodes:           make(map[addressKey]*poolNode),
	}
}

// poolNode holds the connections of one address.
type poolNode struct {
	connPool struct { // free list of idle HTTP/1 conns
		sync.Mutex
		head *clientConn
		tail *clientConn
		qnty int
	}
	sharedLock sync.Mutex
	shared     *clientConn // the HTTP/2 conn, or one whose protocol is still being settled
	http1Only  atomic.Bool // the peer refused HTTP/2, dial HTTP/1 directly from now on
}

func (p *Pool) nodeOf(address *Address) *poolNode {
	p.nodesLock.Lock()
	defer p.nodesLock.Unlock()

	key := address.key()
	node, ok := p.nodes[key]
	if !ok {
		node = new(poolNode)
		p.nodes[key] = node
	}
	return node
}

// Acquire returns a connection to address, ready for a request or waiting for its settings.
func (p *Pool) Acquire(ctx context.Context, address *Address) (*clientConn, error) {
	if p.closed.Load() {
		return nil, ErrClientClosed
	}
	if !p.pooling {
		return p.dial(ctx, address, false)
	}
	node := p.nodeOf(address)
	if address.Version() == Version2 && !node.http1Only.Load() {
		conn, err := p.acquireShared(ctx, address, node)
		if conn != nil || err != nil {
			return conn, err
		}
	}
	for {
		conn := node.pullConn()
		if conn == nil {
			break
		}
		if conn.isAlive() && time.Now().Before(conn.expire) {
			if DebugLevel() >= 2 {
				conn.logger.Debug("client conn pulled")
			}
			return conn, nil
		}
		conn.close(nil)
	}
	return p.dial(ctx, address, node.http1Only.Load())
}

// acquireShared returns nil, nil when the address turns out to speak HTTP/1 only.
func (p *Pool) acquireShared(ctx context.Context, address *Address, node *poolNode) (*clientConn, error) {
	for {
		node.sharedLock.Lock()
		conn := node.shared
		if conn != nil && !conn.isAlive() {
			node.shared, conn = nil, nil
		}
		if conn == nil {
			defer node.sharedLock.Unlock()
			conn, err := p.dial(ctx, address, false)
			if err != nil {
				return nil, err
			}
			if conn.protocol() != protoHTTP1 {
				node.shared = conn
			}
			return conn, nil
		}
		node.sharedLock.Unlock()

		switch conn.protocol() {
		case protoHTTP2:
			return conn, nil
		case protoHTTP1:
			return nil, nil
		}
		waitCtx, cancel := context.WithTimeout(ctx, p.settingsTimeout)
		_, err := conn.settings.Wait(waitCtx)
		cancel()
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &IOError{Op: "settings", Err: errSettingsTimeout}
		}
	}
}

// protocolResolved learns from a settled connection.
func (p *Pool) protocolResolved(conn *clientConn) {
	if conn.pooled && conn.protocol() == protoHTTP1 && conn.address.Version() == Version2 {
		p.nodeOf(conn.address).http1Only.Store(true)
	}
}

// Release gives conn back after a request on it is done.
func (p *Pool) Release(conn *clientConn) {
	if conn.protocol() == protoHTTP2 && conn.pooled && !p.closed.Load() {
		return // shared
	}
	if conn.streams().Len() > 0 {
		return // the last one out closes or pools
	}
	if !conn.pooled || p.closed.Load() || !conn.isAlive() || !conn.keepAlive.Load() || conn.protocol() != protoHTTP1 {
		conn.close(nil)
		return
	}
	node := p.nodeOf(conn.address)
	node.dropShared(conn)
	conn.expire = time.Now().Add(p.idleTimeout)
	if !node.pushConn(conn, p.maxIdle) {
		conn.close(nil)
		return
	}
	if DebugLevel() >= 2 {
		conn.logger.Debug("client conn pushed")
	}
}

// forget drops a closed conn from its node.
func (p *Pool) forget(conn *clientConn) {
	if !conn.pooled {
		return
	}
	p.nodeOf(conn.address).dropShared(conn)
}

// Close closes idle and shared connections. Busy HTTP/1 connections close when released.
func (p *Pool) Close() int {
	if !p.closed.CompareAndSwap(false, true) {
		return 0
	}
	p.nodesLock.Lock()
	nodes := make([]*poolNode, 0, len(p.nodes))
	for _, node := range p.nodes {
		nodes = append(nodes, node)
	}
	p.nodesLock.Unlock()

	closed := 0
	for _, node := range nodes {
		closed += node.closeFree()
		node.sharedLock.Lock()
		if node.shared != nil {
			node.shared.close(nil)
			node.shared = nil
			closed++
		}
		node.sharedLock.Unlock()
	}
	return closed
}

func (n *poolNode) dropShared(conn *clientConn) {
	n.sharedLock.Lock()
	if n.shared == conn {
		n.shared = nil
	}
	n.sharedLock.Unlock()
}

func (n *poolNode) pullConn() *clientConn {
	list := &n.connPool

	list.Lock()
	defer list.Unlock()

	if list.qnty == 0 {
		return nil
	}
	conn := list.head
	list.head = conn.next
	conn.next = nil
	list.qnty--

	return conn
}
func (n *poolNode) pushConn(conn *clientConn, maxIdle int) bool {
	list := &n.connPool

	list.Lock()
	defer list.Unlock()

	if list.qnty >= maxIdle {
		return false
	}
	if list.qnty == 0 {
		list.head = conn
		list.tail = conn
	} else { // >= 1
		list.tail.next = conn
		list.tail = conn
	}
	list.qnty++
	return true
}
func (n *poolNode) closeFree() int {
	list := &n.connPool

	list.Lock()
	defer list.Unlock()

	for conn := list.head; conn != nil; {
		next := conn.next
		conn.next = nil
		conn.close(nil)
		conn = next
	}
	qnty := list.qnty
	list.qnty = 0
	list.head, list.tail = nil, nil

	return qnty
}
