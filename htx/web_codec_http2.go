// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// HTTP/2 framing shared by client and server connections. See RFC 9113.

package htx

import (
	"bytes"
	"io"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

const (
	http2DefaultWindow    = 65535
	http2DefaultFrameSize = 16384
	http2MaxWindow        = 1<<31 - 1
	http2MaxHeaderList    = 64 * K
)

// http2Conn_ is the mixin for HTTP/2 connections. It owns the framer, the hpack state, and send-side flow control.
type http2Conn_ struct {
	// Assocs
	channel Channel
	logger  *zap.Logger
	// States
	framer        *http2.Framer
	decoder       *hpack.Decoder // shared with the framer so PUSH_PROMISE blocks see the same dynamic table
	writeLock     sync.Mutex     // serializes frames and guards encoder
	encoder       *hpack.Encoder
	encodeBuffer  bytes.Buffer
	flowLock      sync.Mutex
	flowCond      *sync.Cond
	connWindow    int64            // what we may still send on the connection
	streamWindows map[uint32]int64 // what we may still send on each open stream
	initialWindow int64            // peer's SETTINGS_INITIAL_WINDOW_SIZE
	maxFrameSize  uint32           // peer's SETTINGS_MAX_FRAME_SIZE
	peerPush      bool             // peer's SETTINGS_ENABLE_PUSH
	flowClosed    bool
}

func (c *http2Conn_) onUse(channel Channel, reader io.Reader, logger *zap.Logger) {
	c.channel = channel
	c.logger = logger
	c.framer = http2.NewFramer(channelWriter{channel}, reader)
	c.decoder = hpack.NewDecoder(4096, nil)
	c.framer.ReadMetaHeaders = c.decoder
	c.framer.MaxHeaderListSize = http2MaxHeaderList
	c.encoder = hpack.NewEncoder(&c.encodeBuffer)
	c.flowCond = sync.NewCond(&c.flowLock)
	c.connWindow = http2DefaultWindow
	c.streamWindows = make(map[uint32]int64)
	c.initialWindow = http2DefaultWindow
	c.maxFrameSize = http2DefaultFrameSize
	c.peerPush = true
}

func (c *http2Conn_) readFrame() (http2.Frame, error) { return c.framer.ReadFrame() }

func (c *http2Conn_) writeSettings(settings ...http2.Setting) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return c.framer.WriteSettings(settings...)
}

// handleSettings applies a non-ack SETTINGS frame from the peer and acknowledges it.
func (c *http2Conn_) handleSettings(f *http2.SettingsFrame) error {
	if err := f.ForeachSetting(c.applySetting); err != nil {
		return err
	}
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return c.framer.WriteSettingsAck()
}

// applySetting applies one setting of the peer.
func (c *http2Conn_) applySetting(setting http2.Setting) error {
	if err := setting.Valid(); err != nil {
		return err
	}
	c.flowLock.Lock()
	defer c.flowLock.Unlock()

	switch setting.ID {
	case http2.SettingInitialWindowSize:
		delta := int64(setting.Val) - c.initialWindow
		c.initialWindow = int64(setting.Val)
		for id := range c.streamWindows {
			c.streamWindows[id] += delta
		}
		c.flowCond.Broadcast()
	case http2.SettingMaxFrameSize:
		c.maxFrameSize = setting.Val
	case http2.SettingEnablePush:
		c.peerPush = setting.Val == 1
	}
	return nil
}

func (c *http2Conn_) pushEnabled() bool {
	c.flowLock.Lock()
	defer c.flowLock.Unlock()
	return c.peerPush
}

func (c *http2Conn_) handlePing(f *http2.PingFrame) error {
	if f.IsAck() {
		return nil
	}
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return c.framer.WritePing(true, f.Data)
}

func (c *http2Conn_) handleWindowUpdate(f *http2.WindowUpdateFrame) error {
	c.flowLock.Lock()
	defer c.flowLock.Unlock()

	increment := int64(f.Increment)
	if f.StreamID == 0 {
		if c.connWindow+increment > http2MaxWindow {
			return http2.ConnectionError(http2.ErrCodeFlowControl)
		}
		c.connWindow += increment
	} else if window, ok := c.streamWindows[f.StreamID]; ok {
		if window+increment > http2MaxWindow {
			return http2.StreamError{StreamID: f.StreamID, Code: http2.ErrCodeFlowControl}
		}
		c.streamWindows[f.StreamID] = window + increment
	}
	c.flowCond.Broadcast()
	return nil
}

// dataReceived gives the peer back the window a DATA frame used. Received bytes are consumed immediately.
func (c *http2Conn_) dataReceived(f *http2.DataFrame) error {
	size := f.Length
	if size == 0 {
		return nil
	}
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if err := c.framer.WriteWindowUpdate(0, size); err != nil {
		return err
	}
	if !f.StreamEnded() {
		return c.framer.WriteWindowUpdate(f.StreamID, size)
	}
	return nil
}

func (c *http2Conn_) openStream(id uint32) {
	c.flowLock.Lock()
	c.streamWindows[id] = c.initialWindow
	c.flowLock.Unlock()
}
func (c *http2Conn_) closeStream(id uint32) {
	c.flowLock.Lock()
	delete(c.streamWindows, id)
	c.flowCond.Broadcast()
	c.flowLock.Unlock()
}

// closeFlow wakes every writer waiting for window. Called when the connection goes away.
func (c *http2Conn_) closeFlow() {
	c.flowLock.Lock()
	c.flowClosed = true
	c.flowCond.Broadcast()
	c.flowLock.Unlock()
}

// writeHeaders encodes fields and writes them as HEADERS plus CONTINUATION frames as needed.
func (c *http2Conn_) writeHeaders(streamID uint32, fields []hpack.HeaderField, endStream bool) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	block := c.encode(fields)
	maxSize := int(c.frameSize())
	first := block
	if len(first) > maxSize {
		first = first[:maxSize]
	}
	block = block[len(first):]
	err := c.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: first,
		EndStream:     endStream,
		EndHeaders:    len(block) == 0,
	})
	for err == nil && len(block) > 0 {
		fragment := block
		if len(fragment) > maxSize {
			fragment = fragment[:maxSize]
		}
		block = block[len(fragment):]
		err = c.framer.WriteContinuation(streamID, len(block) == 0, fragment)
	}
	return err
}

// writePushPromise reserves promisedID on streamID with the request fields of the pushed resource.
func (c *http2Conn_) writePushPromise(streamID uint32, promisedID uint32, fields []hpack.HeaderField) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	block := c.encode(fields)
	if len(block) > int(c.frameSize()) {
		return newProtocolError("push promise header block too large")
	}
	return c.framer.WritePushPromise(http2.PushPromiseParam{
		StreamID:      streamID,
		PromiseID:     promisedID,
		BlockFragment: block,
		EndHeaders:    true,
	})
}

func (c *http2Conn_) encode(fields []hpack.HeaderField) []byte {
	c.encodeBuffer.Reset()
	for _, field := range fields {
		c.encoder.WriteField(field)
	}
	return c.encodeBuffer.Bytes()
}

func (c *http2Conn_) frameSize() uint32 {
	c.flowLock.Lock()
	defer c.flowLock.Unlock()
	return c.maxFrameSize
}

// writeData sends data on streamID, waiting for flow control window as needed.
func (c *http2Conn_) writeData(streamID uint32, data []byte, endStream bool) error {
	if len(data) == 0 {
		if !endStream {
			return nil
		}
		c.writeLock.Lock()
		defer c.writeLock.Unlock()
		return c.framer.WriteData(streamID, true, nil)
	}
	for len(data) > 0 {
		size, err := c.reserveWindow(streamID, len(data))
		if err != nil {
			return err
		}
		chunk := data[:size]
		data = data[size:]
		c.writeLock.Lock()
		err = c.framer.WriteData(streamID, endStream && len(data) == 0, chunk)
		c.writeLock.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// reserveWindow blocks until some window is available on both the connection and the stream, then takes up to want bytes of it.
func (c *http2Conn_) reserveWindow(streamID uint32, want int) (int, error) {
	c.flowLock.Lock()
	defer c.flowLock.Unlock()

	for {
		if c.flowClosed {
			return 0, ErrConnectionClosed
		}
		window, ok := c.streamWindows[streamID]
		if !ok {
			return 0, http2.StreamError{StreamID: streamID, Code: http2.ErrCodeStreamClosed}
		}
		if window > 0 && c.connWindow > 0 {
			size := int64(want)
			size = min(size, window, c.connWindow, int64(c.maxFrameSize))
			c.streamWindows[streamID] -= size
			c.connWindow -= size
			return int(size), nil
		}
		c.flowCond.Wait()
	}
}

func (c *http2Conn_) writeRSTStream(streamID uint32, code http2.ErrCode) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return c.framer.WriteRSTStream(streamID, code)
}

func (c *http2Conn_) writeGoAway(lastStreamID uint32, code http2.ErrCode, debug string) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return c.framer.WriteGoAway(lastStreamID, code, []byte(debug))
}

// decodePushPromise decodes the request header block of a PUSH_PROMISE frame.
func (c *http2Conn_) decodePushPromise(f *http2.PushPromiseFrame) ([]hpack.HeaderField, error) {
	if !f.HeadersEnded() {
		return nil, newProtocolError("fragmented push promise on stream %d", f.StreamID)
	}
	fields, err := c.decoder.DecodeFull(f.HeaderBlockFragment())
	if err != nil {
		return nil, http2.ConnectionError(http2.ErrCodeCompression)
	}
	return fields, nil
}

// requestFields2 renders a request as HTTP/2 header fields.
func requestFields2(method string, scheme string, authority string, path string, header Header) []hpack.HeaderField {
	fields := []hpack.HeaderField{
		{Name: ":method", Value: method},
		{Name: ":scheme", Value: scheme},
		{Name: ":authority", Value: authority},
		{Name: ":path", Value: path},
	}
	return appendFields2(fields, header)
}

// responseFields2 renders a response head as HTTP/2 header fields.
func responseFields2(status int, header Header) []hpack.HeaderField {
	fields := []hpack.HeaderField{{Name: ":status", Value: strconv.Itoa(status)}}
	return appendFields2(fields, header)
}

func appendFields2(fields []hpack.HeaderField, header Header) []hpack.HeaderField {
	header.Each(func(name string, value string) {
		switch name {
		case headerStreamID, "Host", "Content-Length":
			return
		case "Te":
			if !strings.EqualFold(value, "trailers") {
				return
			}
		}
		if isHopHeader(name) {
			return
		}
		fields = append(fields, hpack.HeaderField{Name: strings.ToLower(name), Value: value})
	})
	return fields
}

// headerOf2 collects regular fields into a Header.
func headerOf2(fields []hpack.HeaderField) Header {
	header := make(Header, len(fields))
	for _, field := range fields {
		if !field.IsPseudo() {
			header.Add(field.Name, field.Value)
		}
	}
	return header
}

func pseudoOf2(fields []hpack.HeaderField, name string) string {
	for _, field := range fields {
		if field.Name == name {
			return field.Value
		}
	}
	return ""
}
