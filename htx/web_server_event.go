// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Event gates serve cleartext HTTP/1 on gnet event loops.

package htx

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/gnet/v2"
	"go.uber.org/zap"
)

const eventTick = time.Second

// eventGate is a gate whose connections are driven by gnet. Requests are parsed on the loops and handled by workers.
type eventGate struct {
	// Parent
	gnet.BuiltinEventEngine
	// Assocs
	server *Server
	logger *zap.Logger
	// States
	id       int
	listen   string
	addr     *net.TCPAddr
	engine   gnet.Engine
	booted   chan struct{}
	exited   chan error
	numConns atomic.Int32
	conns    sync.Map // channel id -> *eventChannel
	isShut   atomic.Bool
}

func newEventGate(id int, server *Server, listen string) *eventGate {
	return &eventGate{
		server: server,
		logger: server.logger.With(zap.Int("gate", id)),
		id:     id,
		listen: listen,
		booted: make(chan struct{}),
		exited: make(chan error, 1),
	}
}

func (g *eventGate) open() error {
	addr, err := net.ResolveTCPAddr("tcp", g.listen)
	if err != nil {
		return err
	}
	if addr.Port == 0 { // gnet binds by itself, so pick a free port up front
		listener, err := net.ListenTCP("tcp", addr)
		if err != nil {
			return err
		}
		addr = listener.Addr().(*net.TCPAddr)
		listener.Close()
	}
	g.addr = addr
	go g.run()
	select {
	case <-g.booted:
		return nil
	case err := <-g.exited:
		return err
	}
}

func (g *eventGate) run() { // runner
	g.exited <- gnet.Run(g, "tcp://"+g.addr.String(),
		gnet.WithMulticore(true),
		gnet.WithReusePort(true),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithTicker(true),
		gnet.WithLogger(g.logger.Sugar()),
	)
}

func (g *eventGate) address() net.Addr { return g.addr }

func (g *eventGate) serve() { // runner
	defer g.server.subs.Done()
	if err := <-g.exited; err != nil && !g.isShut.Load() {
		g.logger.Error("event loops stopped", zap.Error(err))
	}
	if DebugLevel() >= 2 {
		g.logger.Debug("gate done")
	}
}

func (g *eventGate) shut() error {
	if !g.isShut.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.server.writeTimeout)
	defer cancel()
	return g.engine.Stop(ctx)
}

func (g *eventGate) OnBoot(engine gnet.Engine) gnet.Action {
	g.engine = engine
	close(g.booted)
	if DebugLevel() >= 1 {
		g.logger.Debug("gate opened", zap.Stringer("addr", g.addr))
	}
	return gnet.None
}

func (g *eventGate) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	if g.numConns.Load() >= g.server.maxConnsPerGate {
		return nil, gnet.Close
	}
	g.numConns.Add(1)
	channel := newEventChannel(c, defaultWriteHighWater)
	conn := newServer1Conn(g.server, channel, "http", false)
	c.SetContext(conn)
	g.conns.Store(channel.ID(), channel)
	g.server.register(channel, conn)
	return nil, gnet.None
}

func (g *eventGate) OnTraffic(c gnet.Conn) gnet.Action {
	conn, ok := c.Context().(*server1Conn)
	if !ok {
		return gnet.Close
	}
	data, err := c.Next(-1)
	if err != nil {
		return gnet.Close
	}
	conn.channel.(*eventChannel).touch()
	conn.onData(data)
	return gnet.None
}

func (g *eventGate) OnClose(c gnet.Conn, err error) gnet.Action {
	conn, ok := c.Context().(*server1Conn)
	if !ok {
		return gnet.None
	}
	g.numConns.Add(-1)
	channel := conn.channel.(*eventChannel)
	g.conns.Delete(channel.ID())
	conn.closed()
	if err != nil {
		channel.closed(&IOError{Op: "read", Err: err})
	} else {
		channel.closed(nil)
	}
	return gnet.None
}

// OnTick closes connections that have been idle for too long.
func (g *eventGate) OnTick() (time.Duration, gnet.Action) {
	idleTimeout := g.server.idleTimeout
	g.conns.Range(func(key any, value any) bool {
		channel := value.(*eventChannel)
		if idle := channel.idle(); idle >= idleTimeout {
			if DebugLevel() >= 1 {
				g.logger.Debug("channel idle, closing", zap.Int64("channel", channel.ID()), zap.Duration("idle", idle))
			}
			channel.abort(&IOError{Op: "idle", Err: errIdleTimeout})
		}
		return true
	})
	return eventTick, gnet.None
}
