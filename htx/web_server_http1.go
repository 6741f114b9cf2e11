// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// HTTP/1 server connections. Pipelined requests are handled concurrently and answered in order.

package htx

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

var (
	http1Continue      = []byte("HTTP/1.1 100 Continue\r\n\r\n")
	http1SwitchToH2C   = []byte("HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: h2c\r\n\r\n")
	errSettingsPayload = newProtocolError("malformed HTTP2-Settings")
)

// h2cUpgrade is an HTTP/1 request that switched its connection to HTTP/2. It becomes stream 1.
type h2cUpgrade struct {
	message  *http1Message
	settings []http2.Setting
}

// server1Conn is the server side of an HTTP/1 connection.
type server1Conn struct {
	// Assocs
	server   *Server
	channel  Channel
	logger   *zap.Logger
	pipeline *pipeliningBuffer
	// States
	ctx        context.Context // canceled when the channel closes
	cancel     context.CancelFunc
	scheme     string
	parser     *http1Parser
	nextSeq    int64 // sequence id of the next request read
	inflight   sync.WaitGroup
	stopped    bool // no more requests are read
	upgradable bool
	upgrade    *h2cUpgrade
	shutting   atomic.Bool
}

func newServer1Conn(server *Server, channel Channel, scheme string, upgradable bool) *server1Conn {
	c := &server1Conn{
		server:     server,
		channel:    channel,
		logger:     server.logger.With(zap.Int64("conn", channel.ID())),
		scheme:     scheme,
		parser:     newHTTP1Parser(true),
		upgradable: upgradable,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.pipeline = newPipeliningBuffer(channel, server.pipelineCapacity, c.logger)
	c.parser.onHead = c.onHead
	channel.OnClose(func(err error) { c.cancel() })
	return c
}

// serve1 reads requests off channel until it closes, stops, or switches to HTTP/2.
func (s *Server) serve1(channel *netChannel, reader io.Reader, scheme string) {
	c := newServer1Conn(s, channel, scheme, scheme == "http" && s.mode == ModeAdaptive)
	s.register(channel, c)

	buffer := getNK(_16K)
	buffer = buffer[:cap(buffer)]
	for !c.stopped {
		timeout := s.idleTimeout
		if c.parser.pending() {
			timeout = s.readTimeout
		}
		channel.SetReadDeadline(time.Now().Add(timeout))
		if c.shutting.Load() && !c.parser.pending() {
			break
		}
		n, err := reader.Read(buffer)
		if n > 0 {
			c.onData(buffer[:n])
		}
		if err != nil {
			if !c.stopped {
				c.onEOF(err)
			}
			break
		}
	}
	putNK(buffer[:0])

	c.inflight.Wait()
	if up := c.upgrade; up != nil {
		channel.SetReadDeadline(time.Time{})
		s.serve2(channel, &prefixedReader{prefix: c.parser.rest(), reader: reader}, scheme, up)
		return
	}
	c.pipeline.close()
	channel.Close()
}

// onData parses data and dispatches every request it completes.
func (c *server1Conn) onData(data []byte) {
	if c.stopped {
		return
	}
	c.parser.feed(data)
	for !c.stopped {
		message, err := c.parser.next()
		if err != nil {
			c.reject(err)
			return
		}
		if message == nil {
			return
		}
		head := message.head
		if c.upgradable && isH2CUpgrade(head) {
			c.switchProtocols(message)
			return
		}
		c.dispatch(head, message.body, 0, !head.keepAlive)
	}
}

// onEOF is called when no more input arrives.
func (c *server1Conn) onEOF(err error) {
	c.stopped = true
	if c.parser.pending() && DebugLevel() >= 1 {
		c.logger.Debug("connection ended mid-request", zap.Error(err))
	}
	c.parser.release()
}

func (c *server1Conn) onHead(head *http1Head) {
	if head.expectContinue() && !c.stopped && c.pipeline.drained(c.nextSeq) {
		c.channel.Write(http1Continue)
	}
}

// reject answers a request that could not be parsed, then stops reading.
func (c *server1Conn) reject(err error) {
	head := c.parser.head
	c.parser.release()
	if head == nil {
		head = &http1Head{method: "GET", target: "/", minor: 1, header: make(Header)}
	}
	if DebugLevel() >= 1 {
		c.logger.Debug("bad request", zap.Error(err))
	}
	c.dispatch(head, nil, statusOf(err), true)
}

// dispatch hands a request to a worker. Its response joins the pipeline under the request's sequence id.
func (c *server1Conn) dispatch(head *http1Head, body []byte, forcedStatus int, closeAfter bool) {
	seq := c.nextSeq
	c.nextSeq++
	if c.shutting.Load() {
		closeAfter = true
	}
	if closeAfter {
		c.stopped = true
	}
	authority := head.header.Get("Host")
	if authority == "" && head.minor >= 1 && forcedStatus == 0 {
		forcedStatus = StatusBadRequest
	}
	req := newServerRequest(head.method, head.target, c.scheme, authority, Version1_1, head.header, body, c.channel, &forcedStatus)

	c.inflight.Add(1)
	c.server.submit(func() {
		defer c.inflight.Done()
		resp := c.server.serveRequest(c.ctx, req, forcedStatus)
		putNK(body)
		data := renderResponse1(head, resp, closeAfter)
		if DebugLevel() >= 2 {
			c.logger.Debug("response ready", zap.Int64("seq", seq), zap.Int("status", resp.StatusCode()))
		}
		c.pipeline.submit(seq, data, closeAfter)
	})
}

// switchProtocols answers an h2c upgrade request with 101. Reading stops and HTTP/2 takes over.
func (c *server1Conn) switchProtocols(message *http1Message) {
	settings, err := decodeHTTP2Settings(message.head.header.Get("HTTP2-Settings"))
	if err != nil {
		c.dispatch(message.head, message.body, StatusBadRequest, true)
		return
	}
	c.stopped = true
	c.inflight.Wait()
	if err := c.channel.Write(http1SwitchToH2C); err != nil {
		putNK(message.body)
		return
	}
	c.upgrade = &h2cUpgrade{message: message, settings: settings}
	if DebugLevel() >= 1 {
		c.logger.Debug("switched to h2c")
	}
}

func (c *server1Conn) shutdown() {
	c.shutting.Store(true)
	if deadliner, ok := c.channel.(interface{ SetReadDeadline(t time.Time) error }); ok {
		deadliner.SetReadDeadline(time.Now())
	}
}

func (c *server1Conn) abort() { abortChannel(c.channel, ErrServerClosed) }

// closed is called by event gates when the channel went away.
func (c *server1Conn) closed() {
	c.stopped = true
	c.parser.release()
	c.pipeline.close()
}

func isH2CUpgrade(head *http1Head) bool {
	header := head.header
	return header.HasToken("Upgrade", "h2c") && header.HasToken("Connection", "upgrade") &&
		header.HasToken("Connection", "http2-settings") && len(header.Values("HTTP2-Settings")) == 1
}

// decodeHTTP2Settings decodes the HTTP2-Settings header, a base64url SETTINGS payload.
func decodeHTTP2Settings(value string) ([]http2.Setting, error) {
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(value, "="))
	if err != nil || len(payload)%6 != 0 {
		return nil, errSettingsPayload
	}
	settings := make([]http2.Setting, 0, len(payload)/6)
	for ; len(payload) > 0; payload = payload[6:] {
		settings = append(settings, http2.Setting{
			ID:  http2.SettingID(binary.BigEndian.Uint16(payload)),
			Val: binary.BigEndian.Uint32(payload[2:]),
		})
	}
	return settings, nil
}

// renderResponse1 renders the answer to a request with head. The result comes from the buffer pools.
func renderResponse1(head *http1Head, resp *ResponseBuilder, closeAfter bool) []byte {
	built := resp.Build()
	header := built.header
	body := built.body.Bytes()
	header.Del("Transfer-Encoding")
	if noBodyStatus(built.status) {
		header.Del("Content-Length")
		body = nil
	} else {
		header.Set("Content-Length", strconv.Itoa(len(body)))
	}
	if head.method == "HEAD" {
		body = nil
	}
	if closeAfter {
		header.Set("Connection", "close")
	} else if head.minor == 0 {
		header.Set("Connection", "keep-alive")
	}
	wire := getNK(len(body) + 512)
	wire = appendResponseHead1(wire, built.status, header)
	return append(wire, body...)
}
