// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// HTTP/2 server connections. Streams are dispatched concurrently.

package htx

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

const http2MaxConcurrentStreams = 250

// server2Conn is the server side of an HTTP/2 connection.
type server2Conn struct {
	// Parent
	http2Conn_
	// Assocs
	server *Server
	// States
	ctx          context.Context // canceled when the channel closes
	cancel       context.CancelFunc
	scheme       string
	mutex        sync.Mutex
	streams      map[uint32]*server2Stream
	lastStreamID uint32 // highest stream the client opened
	nextPushID   uint32
	goingAway    bool
	inflight     sync.WaitGroup
	shutting     atomic.Bool
}

// server2Stream is a request being received.
type server2Stream struct {
	method     string
	path       string
	authority  string
	scheme     string
	header     Header
	body       []byte // pooled
	dispatched bool   // handed to a worker. later frames are ignored
}

// serve2 serves HTTP/2 on channel until it closes. An h2c upgrade request, if any, is answered as stream 1.
func (s *Server) serve2(channel Channel, reader io.Reader, scheme string, upgrade *h2cUpgrade) {
	c := &server2Conn{
		server:     s,
		scheme:     scheme,
		streams:    make(map[uint32]*server2Stream),
		nextPushID: 2,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.onUse(channel, reader, s.logger.With(zap.Int64("conn", channel.ID())))
	channel.OnClose(func(err error) {
		c.cancel()
		c.closeFlow()
	})
	s.register(channel, c)

	err := c.serve(reader, upgrade)
	if err != nil && DebugLevel() >= 1 {
		c.logger.Debug("http2 connection ended", zap.Error(err))
	}
	c.closeFlow()
	c.inflight.Wait()
	c.releaseStreams()
	channel.Close()
}

func (c *server2Conn) serve(reader io.Reader, upgrade *h2cUpgrade) error {
	preface := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(reader, preface); err != nil {
		return err
	}
	if !bytes.Equal(preface, []byte(http2.ClientPreface)) {
		return newProtocolError("bad client preface")
	}
	err := c.writeSettings(
		http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: http2MaxConcurrentStreams},
		http2.Setting{ID: http2.SettingMaxHeaderListSize, Val: http2MaxHeaderList},
	)
	if err != nil {
		return err
	}
	if upgrade != nil {
		for _, setting := range upgrade.settings {
			if err := c.applySetting(setting); err != nil {
				return err
			}
		}
		c.serveUpgrade(upgrade.message)
	}
	for {
		frame, err := c.readFrame()
		if err != nil {
			var streamErr http2.StreamError
			if errors.As(err, &streamErr) {
				c.resetStream(streamErr.StreamID, streamErr.Code)
				continue
			}
			var connErr http2.ConnectionError
			if errors.As(err, &connErr) {
				c.writeGoAway(c.lastStream(), http2.ErrCode(connErr), "")
				return newProtocolError("connection error: %v", http2.ErrCode(connErr))
			}
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := c.onFrame(frame); err != nil {
			var streamErr http2.StreamError
			if errors.As(err, &streamErr) {
				c.resetStream(streamErr.StreamID, streamErr.Code)
				continue
			}
			code := http2.ErrCodeProtocol
			var connErr http2.ConnectionError
			if errors.As(err, &connErr) {
				code = http2.ErrCode(connErr)
			}
			c.writeGoAway(c.lastStream(), code, "")
			return err
		}
	}
}

func (c *server2Conn) onFrame(frame http2.Frame) error {
	switch f := frame.(type) {
	case *http2.SettingsFrame:
		if f.IsAck() {
			return nil
		}
		return c.handleSettings(f)
	case *http2.MetaHeadersFrame:
		return c.onHeaders(f)
	case *http2.DataFrame:
		if err := c.dataReceived(f); err != nil {
			return err
		}
		c.onData(f)
	case *http2.WindowUpdateFrame:
		return c.handleWindowUpdate(f)
	case *http2.PingFrame:
		return c.handlePing(f)
	case *http2.RSTStreamFrame:
		c.dropStream(f.StreamID)
		c.closeStream(f.StreamID)
	case *http2.GoAwayFrame:
		c.mutex.Lock()
		c.goingAway = true
		c.mutex.Unlock()
	case *http2.PushPromiseFrame:
		return http2.ConnectionError(http2.ErrCodeProtocol)
	}
	return nil
}

func (c *server2Conn) onHeaders(f *http2.MetaHeadersFrame) error {
	id := f.StreamID
	c.mutex.Lock()
	stream, known := c.streams[id]
	if known { // trailers
		c.mutex.Unlock()
		if !f.StreamEnded() {
			return http2.StreamError{StreamID: id, Code: http2.ErrCodeProtocol}
		}
		if stream.dispatched {
			return nil
		}
		for _, field := range f.RegularFields() {
			stream.header.Add(field.Name, field.Value)
		}
		c.dispatch(id, stream, 0)
		return nil
	}
	if id%2 == 0 || id <= c.lastStreamID {
		c.mutex.Unlock()
		return http2.ConnectionError(http2.ErrCodeProtocol)
	}
	c.lastStreamID = id
	if c.goingAway || len(c.streams) >= http2MaxConcurrentStreams {
		c.mutex.Unlock()
		return http2.StreamError{StreamID: id, Code: http2.ErrCodeRefusedStream}
	}
	stream = &server2Stream{
		method:    f.PseudoValue("method"),
		path:      f.PseudoValue("path"),
		authority: f.PseudoValue("authority"),
		scheme:    f.PseudoValue("scheme"),
		header:    headerOf2(f.RegularFields()),
	}
	if stream.method == "" || (stream.path == "" && stream.method != "CONNECT") {
		c.mutex.Unlock()
		return http2.StreamError{StreamID: id, Code: http2.ErrCodeProtocol}
	}
	if stream.authority == "" {
		stream.authority = stream.header.Get("Host")
	}
	size := 0
	if length, err := strconv.Atoi(stream.header.Get("Content-Length")); err == nil && length > 0 && length <= defaultMaxBodySize {
		size = length
	}
	stream.body = getNK(size)
	stream.header.Set(headerStreamID, strconv.FormatUint(uint64(id), 10))
	c.streams[id] = stream
	c.mutex.Unlock()

	c.openStream(id)
	if f.StreamEnded() {
		c.dispatch(id, stream, 0)
	}
	return nil
}

func (c *server2Conn) onData(f *http2.DataFrame) {
	c.mutex.Lock()
	stream := c.streams[f.StreamID]
	c.mutex.Unlock()
	if stream == nil || stream.dispatched {
		return
	}
	if len(stream.body)+len(f.Data()) > defaultMaxBodySize {
		c.dispatch(f.StreamID, stream, StatusContentTooLarge)
		return
	}
	stream.body = append(stream.body, f.Data()...)
	if f.StreamEnded() {
		c.dispatch(f.StreamID, stream, 0)
	}
}

// serveUpgrade answers the request that upgraded the connection on stream 1.
func (c *server2Conn) serveUpgrade(message *http1Message) {
	head := message.head
	head.header.Del("Upgrade")
	head.header.Del("Connection")
	head.header.Del("HTTP2-Settings")
	stream := &server2Stream{
		method:    head.method,
		path:      head.target,
		authority: head.header.Get("Host"),
		scheme:    c.scheme,
		header:    head.header,
		body:      message.body,
	}
	stream.header.Set(headerStreamID, "1")
	c.mutex.Lock()
	c.lastStreamID = 1
	c.streams[1] = stream
	c.mutex.Unlock()
	c.openStream(1)
	c.dispatch(1, stream, 0)
}

// dispatch hands a fully received stream to a worker.
func (c *server2Conn) dispatch(id uint32, stream *server2Stream, forcedStatus int) {
	stream.dispatched = true
	if stream.scheme == "" {
		stream.scheme = c.scheme
	}
	req := newServerRequest(stream.method, stream.path, stream.scheme, stream.authority, Version2, stream.header, stream.body, c.channel, &forcedStatus)
	c.inflight.Add(1)
	c.server.submit(func() {
		defer c.inflight.Done()
		c.serveStream(req, forcedStatus)
	})
}

func (c *server2Conn) serveStream(req *Request, forcedStatus int) {
	value := req.header.Get(headerStreamID)
	req.header.Del(headerStreamID)
	id, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		BugExitln("server stream without id")
	}
	req.streamID = uint32(id)

	resp := c.server.serveRequest(c.ctx, req, forcedStatus)
	if stream := c.dropStream(req.streamID); stream != nil {
		putNK(stream.body)
	}
	var pushes []*Request
	if len(resp.PushPaths()) > 0 && c.pushEnabled() {
		pushes = c.promise(req, resp.PushPaths())
	}
	if err := c.respond(req.streamID, req.Method(), resp); err != nil && DebugLevel() >= 1 {
		c.logger.Debug("response not sent", zap.Uint32("stream", req.streamID), zap.Error(err))
	}
	for _, pushed := range pushes {
		resp := c.server.serveRequest(c.ctx, pushed, 0)
		if err := c.respond(pushed.streamID, pushed.Method(), resp); err != nil && DebugLevel() >= 1 {
			c.logger.Debug("push not sent", zap.Uint32("stream", pushed.streamID), zap.Error(err))
		}
	}
}

// promise reserves a pushed stream for each path and returns the requests the pushed responses answer.
func (c *server2Conn) promise(req *Request, paths []string) []*Request {
	var pushes []*Request
	for _, path := range paths {
		c.mutex.Lock()
		if c.goingAway {
			c.mutex.Unlock()
			break
		}
		promisedID := c.nextPushID
		c.nextPushID += 2
		c.mutex.Unlock()

		header := make(Header)
		forcedStatus := 0
		pushed := newServerRequest("GET", path, req.url.Scheme, req.url.Host, Version2, header, nil, c.channel, &forcedStatus)
		if forcedStatus != 0 {
			continue
		}
		pushed.streamID = promisedID
		fields := requestFields2("GET", req.url.Scheme, req.url.Host, pushed.Target(false), header)
		c.openStream(promisedID)
		if err := c.writePushPromise(req.streamID, promisedID, fields); err != nil {
			c.closeStream(promisedID)
			break
		}
		pushes = append(pushes, pushed)
	}
	return pushes
}

// respond sends the response on stream id.
func (c *server2Conn) respond(id uint32, method string, resp *ResponseBuilder) error {
	defer c.closeStream(id)
	built := resp.Build()
	body := built.body.Bytes()
	fields := responseFields2(built.status, built.header)
	if noBodyStatus(built.status) {
		body = nil
	} else {
		fields = append(fields, hpack.HeaderField{Name: "content-length", Value: strconv.Itoa(len(body))})
	}
	if method == "HEAD" {
		body = nil
	}
	endStream := len(body) == 0
	if err := c.writeHeaders(id, fields, endStream); err != nil {
		return err
	}
	if endStream {
		return nil
	}
	return c.writeData(id, body, true)
}

// resetStream refuses or aborts stream id.
func (c *server2Conn) resetStream(id uint32, code http2.ErrCode) {
	c.writeRSTStream(id, code)
	if stream := c.dropStream(id); stream != nil && !stream.dispatched {
		putNK(stream.body)
	}
	c.closeStream(id)
}

// dropStream forgets stream id. The body of a dispatched stream belongs to its worker.
func (c *server2Conn) dropStream(id uint32) *server2Stream {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	stream := c.streams[id]
	delete(c.streams, id)
	return stream
}

func (c *server2Conn) lastStream() uint32 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.lastStreamID
}

// releaseStreams gives back bodies of streams that never got dispatched.
func (c *server2Conn) releaseStreams() {
	c.mutex.Lock()
	streams := c.streams
	c.streams = make(map[uint32]*server2Stream)
	c.mutex.Unlock()
	for _, stream := range streams {
		if !stream.dispatched {
			putNK(stream.body)
		}
	}
}

// shutdown sends GOAWAY and closes the connection once the streams in flight are answered.
func (c *server2Conn) shutdown() {
	if !c.shutting.CompareAndSwap(false, true) {
		return
	}
	c.mutex.Lock()
	c.goingAway = true
	last := c.lastStreamID
	c.mutex.Unlock()
	c.writeGoAway(last, http2.ErrCodeNo, "shutdown")
	go func() { // runner
		c.inflight.Wait()
		c.channel.Close()
	}()
}

func (c *server2Conn) abort() { abortChannel(c.channel, ErrServerClosed) }
