// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Channels are the byte-stream transport under HTTP connections.

package htx

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// AttrKey names a piece of per-channel metadata.
type AttrKey uint8

const (
	AttrSession   AttrKey = iota // *SessionInfo of a TLS channel
	AttrSNIHost                  // string, server name sent by the client
	AttrProtocol                 // string, negotiated application protocol: "h2" or "http/1.1"
	AttrStreamIDs                // *StreamIDs of the connection
	numAttrKeys
)

// Channel is an asynchronous byte stream.
type Channel interface {
	ID() int64
	// Write queues p. It fails once the channel is closed. p may be reused after Write returns.
	Write(p []byte) error
	// IsWritable reports whether the channel accepts more writes without exceeding its buffer.
	IsWritable() bool
	// Close flushes queued writes and closes the channel. It is idempotent.
	Close() error
	Attr(key AttrKey) any
	SetAttr(key AttrKey, value any)
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	// Done is closed when the channel is closed.
	Done() <-chan struct{}
	// Err tells why the channel was closed. It is nil while the channel is open.
	Err() error
	// OnClose registers hook to run once when the channel closes. If already closed, hook runs immediately.
	OnClose(hook func(err error))
}

// Dialer opens raw connections.
type Dialer interface {
	DialContext(ctx context.Context, network string, address string) (net.Conn, error)
}

// channel_ is the mixin for channels.
type channel_ struct {
	// States
	id        int64
	attrsLock sync.RWMutex
	attrs     [numAttrKeys]any
	done      chan struct{}
	shutOnce  sync.Once
	err       atomic.Pointer[error]
	hooksLock sync.Mutex
	hooks     []func(err error)
	hooksRan  bool
}

func (c *channel_) init(id int64) {
	c.id = id
	c.done = make(chan struct{})
}

func (c *channel_) ID() int64 { return c.id }

func (c *channel_) Attr(key AttrKey) any {
	c.attrsLock.RLock()
	defer c.attrsLock.RUnlock()
	return c.attrs[key]
}
func (c *channel_) SetAttr(key AttrKey, value any) {
	c.attrsLock.Lock()
	c.attrs[key] = value
	c.attrsLock.Unlock()
}

func (c *channel_) Done() <-chan struct{} { return c.done }
func (c *channel_) Err() error {
	if err := c.err.Load(); err != nil {
		return *err
	}
	return nil
}
func (c *channel_) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *channel_) OnClose(hook func(err error)) {
	c.hooksLock.Lock()
	if !c.hooksRan {
		c.hooks = append(c.hooks, hook)
		c.hooksLock.Unlock()
		return
	}
	c.hooksLock.Unlock()
	hook(c.Err())
}

// shut marks the channel closed with err and runs the close hooks, once.
func (c *channel_) shut(err error, closer func()) bool {
	first := false
	c.shutOnce.Do(func() {
		if err == nil {
			err = ErrConnectionClosed
		}
		c.err.Store(&err)
		if closer != nil {
			closer()
		}
		close(c.done)
		first = true
	})
	if !first {
		return false
	}
	c.hooksLock.Lock()
	hooks := c.hooks
	c.hooks, c.hooksRan = nil, true
	c.hooksLock.Unlock()
	for _, hook := range hooks {
		hook(err)
	}
	return true
}

// channelOptions configure a netChannel.
type channelOptions struct {
	highWater    int           // queued bytes above which the channel is not writable
	writeTimeout time.Duration // per write. 0 means none
	idleTimeout  time.Duration // close after so long without reads or writes. 0 means never
	logger       *zap.Logger
}

// netChannel is a channel over a net.Conn. A writer goroutine drains a bounded queue, and an idle watcher closes quiet channels.
type netChannel struct {
	// Parent
	channel_
	// Assocs
	netConn net.Conn
	logger  *zap.Logger
	// States
	options    channelOptions
	writeLock  sync.Mutex
	writeCond  *sync.Cond
	queue      [][]byte
	queued     int  // bytes in queue
	closing    bool // no more writes accepted. the writer closes the conn once the queue drains
	idleTimer  *time.Timer
	lastActive atomic.Int64 // unix nano
}

var channelIDs atomic.Int64

func newNetChannel(netConn net.Conn, options channelOptions) *netChannel {
	c := new(netChannel)
	c.channel_.init(channelIDs.Add(1))
	c.netConn = netConn
	c.options = options
	if c.options.highWater <= 0 {
		c.options.highWater = defaultWriteHighWater
	}
	c.logger = options.logger
	if c.logger == nil {
		c.logger = Logger()
	}
	c.logger = c.logger.With(zap.Int64("channel", c.id))
	c.writeCond = sync.NewCond(&c.writeLock)
	c.touch()
	if c.options.idleTimeout > 0 {
		c.idleTimer = time.AfterFunc(c.options.idleTimeout, c.checkIdle)
	}
	go c.writer()
	return c
}

func (c *netChannel) LocalAddr() net.Addr  { return c.netConn.LocalAddr() }
func (c *netChannel) RemoteAddr() net.Addr { return c.netConn.RemoteAddr() }

func (c *netChannel) touch() { c.lastActive.Store(time.Now().UnixNano()) }

func (c *netChannel) checkIdle() {
	idle := time.Since(time.Unix(0, c.lastActive.Load()))
	if idle >= c.options.idleTimeout {
		if DebugLevel() >= 1 {
			c.logger.Debug("channel idle, closing", zap.Duration("idle", idle))
		}
		c.abort(&IOError{Op: "idle", Err: errIdleTimeout})
		return
	}
	if !c.isClosed() {
		c.idleTimer.Reset(c.options.idleTimeout - idle)
	}
}

func (c *netChannel) Write(p []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	if c.closing || c.isClosed() {
		if err := c.Err(); err != nil {
			return err
		}
		return ErrConnectionClosed
	}
	c.queue = append(c.queue, append([]byte(nil), p...))
	c.queued += len(p)
	c.writeCond.Signal()
	return nil
}

func (c *netChannel) IsWritable() bool {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return !c.closing && !c.isClosed() && c.queued < c.options.highWater
}

func (c *netChannel) writer() { // runner
	for {
		c.writeLock.Lock()
		for len(c.queue) == 0 && !c.closing && !c.isClosed() {
			c.writeCond.Wait()
		}
		if len(c.queue) == 0 || c.isClosed() {
			closing := c.closing
			c.writeLock.Unlock()
			if closing {
				c.shut(nil, c.closeConn)
			}
			return
		}
		batch := c.queue
		c.queue = nil
		c.writeLock.Unlock()

		size := 0
		for _, p := range batch {
			size += len(p)
		}
		if c.options.writeTimeout > 0 {
			c.netConn.SetWriteDeadline(time.Now().Add(c.options.writeTimeout))
		}
		buffers := net.Buffers(batch)
		_, err := buffers.WriteTo(c.netConn)

		c.writeLock.Lock()
		c.queued -= size
		c.writeLock.Unlock()
		if err != nil {
			c.abort(&IOError{Op: "write", Err: err})
			return
		}
		c.touch()
	}
}

// Read reads from the underlying connection. Only the goroutine that owns the channel's inbound side may call it.
func (c *netChannel) Read(p []byte) (int, error) {
	n, err := c.netConn.Read(p)
	if n > 0 {
		c.touch()
	}
	return n, err
}

// SetReadDeadline arms or, with a zero t, disarms the read timeout watcher.
func (c *netChannel) SetReadDeadline(t time.Time) error { return c.netConn.SetReadDeadline(t) }

// Close stops accepting writes, flushes what is queued, then closes.
func (c *netChannel) Close() error {
	c.writeLock.Lock()
	if c.closing || c.isClosed() {
		c.writeLock.Unlock()
		return nil
	}
	c.closing = true
	c.writeCond.Broadcast()
	c.writeLock.Unlock()
	return nil
}

// abort closes the channel immediately, dropping queued writes.
func (c *netChannel) abort(err error) {
	if c.shut(err, c.closeConn) {
		if DebugLevel() >= 2 {
			c.logger.Debug("channel aborted", zap.Error(err))
		}
	}
}

func (c *netChannel) closeConn() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.netConn.Close()
	c.writeLock.Lock()
	c.queue = nil
	c.queued = 0
	c.writeCond.Broadcast()
	c.writeLock.Unlock()
}

// abortChannel closes channel at once if it supports that, or gracefully otherwise.
func abortChannel(channel Channel, err error) {
	if aborter, ok := channel.(interface{ abort(err error) }); ok {
		aborter.abort(err)
	} else {
		channel.Close()
	}
}

// channelWriter adapts a channel to io.Writer.
type channelWriter struct {
	channel Channel
}

func (w channelWriter) Write(p []byte) (int, error) {
	if err := w.channel.Write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// prefixedReader replays bytes read ahead of a protocol switch before reading on.
type prefixedReader struct {
	prefix []byte
	reader interface{ Read(p []byte) (int, error) }
}

func (r *prefixedReader) Read(p []byte) (int, error) {
	if len(r.prefix) > 0 {
		n := copy(p, r.prefix)
		r.prefix = r.prefix[n:]
		return n, nil
	}
	return r.reader.Read(p)
}
