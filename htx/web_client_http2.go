// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// HTTP/2 client connections.

package htx

import (
	"io"
	"net/url"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// client2Conn multiplexes the streams of interactions over one HTTP/2 connection.
type client2Conn struct {
	// Parent
	http2Conn_
	// Assocs
	conn *clientConn
	// States
	mutex     sync.Mutex
	active    map[uint32]*client2Stream
	goingAway bool
	settled   bool // the first SETTINGS from the server arrived
}

// client2Stream is an open stream and the response being assembled on it.
type client2Stream struct {
	interaction *Interaction
	raw         *rawResponse
	pushed      bool
}

// startClient2 sends the connection preface and starts the frame loop. reader replays bytes read before a protocol switch.
func startClient2(conn *clientConn, reader io.Reader) (*client2Conn, error) {
	c := &client2Conn{
		conn:   conn,
		active: make(map[uint32]*client2Stream),
	}
	c.onUse(conn.channel, reader, conn.logger)
	if err := conn.channel.Write([]byte(http2.ClientPreface)); err != nil {
		return nil, err
	}
	settings := []http2.Setting{
		{ID: http2.SettingEnablePush, Val: 1},
		{ID: http2.SettingMaxHeaderListSize, Val: http2MaxHeaderList},
	}
	if err := c.writeSettings(settings...); err != nil {
		return nil, err
	}
	conn.h2 = c
	go c.frameLoop()
	return c, nil
}

// open registers a stream the interaction is about to start.
func (c *client2Conn) open(id uint32, interaction *Interaction) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.goingAway {
		return &IOError{Op: "open", Err: errGoAway}
	}
	c.active[id] = &client2Stream{interaction: interaction}
	c.openStream(id)
	return nil
}

// cancel abandons a stream the interaction no longer waits for.
func (c *client2Conn) cancel(id uint32) {
	if stream := c.remove(id); stream != nil {
		c.writeRSTStream(id, http2.ErrCodeCancel)
		if stream.raw != nil {
			putNK(stream.raw.body)
		}
	}
}

func (c *client2Conn) stream(id uint32) *client2Stream {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.active[id]
}
func (c *client2Conn) remove(id uint32) *client2Stream {
	c.mutex.Lock()
	stream := c.active[id]
	delete(c.active, id)
	c.mutex.Unlock()
	c.closeStream(id)
	return stream
}

func (c *client2Conn) frameLoop() { // runner
	for {
		frame, err := c.readFrame()
		if err != nil {
			var streamErr http2.StreamError
			if errors.As(err, &streamErr) {
				c.writeRSTStream(streamErr.StreamID, streamErr.Code)
				c.streamFailed(streamErr.StreamID, newProtocolError("stream %d: %v", streamErr.StreamID, streamErr.Code))
				continue
			}
			var connErr http2.ConnectionError
			if errors.As(err, &connErr) {
				c.writeGoAway(0, http2.ErrCode(connErr), "")
				c.conn.close(newProtocolError("connection error: %v", http2.ErrCode(connErr)))
			} else if err == io.EOF {
				c.conn.close(ErrConnectionClosed)
			} else {
				c.conn.close(&IOError{Op: "read", Err: err})
			}
			return
		}
		if err := c.onFrame(frame); err != nil {
			c.writeGoAway(0, http2.ErrCodeProtocol, "")
			c.conn.close(newProtocolError("%v", err))
			return
		}
	}
}

func (c *client2Conn) onFrame(frame http2.Frame) error {
	switch f := frame.(type) {
	case *http2.SettingsFrame:
		if f.IsAck() {
			return nil
		}
		if err := c.handleSettings(f); err != nil {
			return err
		}
		c.onSettled()
	case *http2.MetaHeadersFrame:
		c.onHeaders(f)
	case *http2.DataFrame:
		if err := c.dataReceived(f); err != nil {
			return err
		}
		c.onData(f)
	case *http2.PushPromiseFrame:
		return c.onPushPromise(f)
	case *http2.RSTStreamFrame:
		c.streamFailed(f.StreamID, &IOError{Op: "reset", Err: http2.StreamError{StreamID: f.StreamID, Code: f.ErrCode}})
	case *http2.GoAwayFrame:
		c.onGoAway(f)
	case *http2.PingFrame:
		return c.handlePing(f)
	case *http2.WindowUpdateFrame:
		if err := c.handleWindowUpdate(f); err != nil {
			var streamErr http2.StreamError
			if errors.As(err, &streamErr) {
				c.writeRSTStream(streamErr.StreamID, streamErr.Code)
				c.streamFailed(streamErr.StreamID, newProtocolError("flow control on stream %d", streamErr.StreamID))
				return nil
			}
			return err
		}
	}
	return nil
}

func (c *client2Conn) onSettled() {
	c.mutex.Lock()
	first := !c.settled
	c.settled = true
	c.mutex.Unlock()
	if !first {
		return
	}
	if c.conn.protocol() != protoHTTP2 {
		c.conn.setProtocol(protoHTTP2)
	}
	if c.conn.settings != nil {
		c.conn.settings.Complete(true)
	}
}

func (c *client2Conn) onHeaders(f *http2.MetaHeadersFrame) {
	stream := c.stream(f.StreamID)
	if stream == nil {
		if DebugLevel() >= 2 {
			c.logger.Debug("headers on unknown stream", zap.Uint32("stream", f.StreamID))
		}
		return
	}
	if stream.raw != nil { // trailers
		for _, field := range f.RegularFields() {
			stream.raw.header.Add(field.Name, field.Value)
		}
		if f.StreamEnded() {
			c.complete(f.StreamID)
		}
		return
	}
	status, err := strconv.Atoi(f.PseudoValue("status"))
	if err != nil || status < 100 {
		c.writeRSTStream(f.StreamID, http2.ErrCodeProtocol)
		c.streamFailed(f.StreamID, newProtocolError("bad :status on stream %d", f.StreamID))
		return
	}
	if status < 200 { // interim
		return
	}
	raw := &rawResponse{
		version: Version2,
		status:  status,
		reason:  StatusText(status),
		header:  headerOf2(f.RegularFields()),
		release: putNK,
		pushed:  stream.pushed,
	}
	size := 0
	if length, err := strconv.Atoi(raw.header.Get("Content-Length")); err == nil && length > 0 && length <= defaultMaxBodySize {
		size = length
	}
	raw.body = getNK(size)
	raw.header.Set(headerStreamID, strconv.FormatUint(uint64(f.StreamID), 10))
	stream.raw = raw
	if f.StreamEnded() {
		c.complete(f.StreamID)
	}
}

func (c *client2Conn) onData(f *http2.DataFrame) {
	stream := c.stream(f.StreamID)
	if stream == nil || stream.raw == nil {
		return
	}
	if len(stream.raw.body)+len(f.Data()) > defaultMaxBodySize {
		c.writeRSTStream(f.StreamID, http2.ErrCodeCancel)
		c.streamFailed(f.StreamID, errBodyTooLarge)
		return
	}
	stream.raw.body = append(stream.raw.body, f.Data()...)
	if f.StreamEnded() {
		c.complete(f.StreamID)
	}
}

func (c *client2Conn) complete(id uint32) {
	stream := c.remove(id)
	if stream == nil {
		return
	}
	stream.interaction.responseReceived(c.conn, stream.raw)
	c.closeIfDrained()
}

func (c *client2Conn) onPushPromise(f *http2.PushPromiseFrame) error {
	fields, err := c.decodePushPromise(f)
	if err != nil {
		return err
	}
	parent := c.stream(f.StreamID)
	if parent == nil || parent.pushed {
		c.writeRSTStream(f.PromiseID, http2.ErrCodeRefusedStream)
		return nil
	}
	req, err := pushedRequest(fields)
	if err == nil {
		err = parent.interaction.pushPromiseReceived(c.conn, f.StreamID, f.PromiseID, req)
	}
	if err != nil {
		if DebugLevel() >= 1 {
			c.logger.Debug("push promise refused", zap.Uint32("stream", f.PromiseID), zap.Error(err))
		}
		c.writeRSTStream(f.PromiseID, http2.ErrCodeRefusedStream)
		return nil
	}
	c.mutex.Lock()
	c.active[f.PromiseID] = &client2Stream{interaction: parent.interaction, pushed: true}
	c.mutex.Unlock()
	return nil
}

// pushedRequest rebuilds the request a PUSH_PROMISE stands for.
func pushedRequest(fields []hpack.HeaderField) (*Request, error) {
	target, err := url.ParseRequestURI(pseudoOf2(fields, ":path"))
	if err != nil {
		return nil, newProtocolError("bad :path in push promise")
	}
	target.Scheme = pseudoOf2(fields, ":scheme")
	target.Host = pseudoOf2(fields, ":authority")
	builder := NewRequest().Method(pseudoOf2(fields, ":method")).URL(target).Version(Version2)
	headerOf2(fields).Each(func(name string, value string) { builder.AddHeader(name, value) })
	return builder.Build()
}

func (c *client2Conn) streamFailed(id uint32, err error) {
	stream := c.remove(id)
	if stream == nil {
		return
	}
	if stream.raw != nil {
		putNK(stream.raw.body)
	}
	if stream.pushed {
		if promise := c.conn.streams().Get(id); promise != nil {
			promise.Fail(err)
		}
		c.conn.streams().Remove(id)
	} else {
		stream.interaction.fail(c.conn, err)
	}
	c.closeIfDrained()
}

func (c *client2Conn) onGoAway(f *http2.GoAwayFrame) {
	c.mutex.Lock()
	c.goingAway = true
	var refused []uint32
	for id := range c.active {
		if id > f.LastStreamID {
			refused = append(refused, id)
		}
	}
	c.mutex.Unlock()
	if DebugLevel() >= 1 {
		c.logger.Debug("goaway received", zap.Uint32("last", f.LastStreamID), zap.Stringer("code", f.ErrCode))
	}
	c.conn.pool.forget(c.conn)
	for _, id := range refused {
		c.streamFailed(id, &IOError{Op: "goaway", Err: errGoAway})
	}
	c.closeIfDrained()
}

// closeIfDrained closes a connection that is going away once its last stream is done.
func (c *client2Conn) closeIfDrained() {
	c.mutex.Lock()
	drained := c.goingAway && len(c.active) == 0
	c.mutex.Unlock()
	if drained {
		c.conn.close(nil)
	}
}

// closed fails every open stream.
func (c *client2Conn) closed(err error) {
	c.closeFlow()
	c.mutex.Lock()
	c.goingAway = true
	streams := c.active
	c.active = make(map[uint32]*client2Stream)
	c.mutex.Unlock()

	err = connClosed(err)
	for _, stream := range streams {
		if stream.raw != nil {
			putNK(stream.raw.body)
		}
		if !stream.pushed {
			stream.interaction.fail(c.conn, err)
		}
	}
}
