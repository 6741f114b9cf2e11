// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// HTTP/1 message parsing and serialization. See RFC 9112.

package htx

import (
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/net/http/httpguts"
)

const (
	defaultMaxHeadSize = 16 * K
	defaultMaxBodySize = 64 * M
)

var (
	errHeadTooLarge = &ProtocolError{Reason: "message head too large"}
	errBodyTooLarge = &ProtocolError{Reason: "content too large"}
)

// http1Head is a parsed start line plus header section.
type http1Head struct {
	// Requests
	method string
	target string
	// Responses
	status int
	reason string
	// Both
	version   Version
	minor     int // 0 for HTTP/1.0, 1 for HTTP/1.1
	header    Header
	keepAlive bool
}

func (h *http1Head) expectContinue() bool {
	return h.minor >= 1 && strings.EqualFold(h.header.Get("Expect"), "100-continue")
}

// http1Message is a complete message. body comes from the buffer pools.
type http1Message struct {
	head *http1Head
	body []byte
}

const ( // parser states
	http1StateHead = iota
	http1StateSized
	http1StateChunkSize
	http1StateChunkData
	http1StateChunkEnd
	http1StateTrailers
	http1StateUntilClose
)

// http1Parser parses a stream of requests or responses fed to it in arbitrary pieces.
type http1Parser struct {
	// States
	requests    bool // parse requests if true, responses otherwise
	maxHeadSize int
	maxBodySize int64
	noBody      bool              // the next response answers a HEAD request
	onHead      func(*http1Head)  // called when a head is parsed, before its body. may be nil
	input       []byte            // unconsumed input
	state       int
	head        *http1Head
	body        []byte
	remain      int64 // bytes left in the sized body or current chunk
}

func newHTTP1Parser(requests bool) *http1Parser {
	return &http1Parser{
		requests:    requests,
		maxHeadSize: defaultMaxHeadSize,
		maxBodySize: defaultMaxBodySize,
	}
}

func (p *http1Parser) feed(data []byte) { p.input = append(p.input, data...) }

// expectNoBody tells the parser the next response is to a HEAD request.
func (p *http1Parser) expectNoBody(noBody bool) { p.noBody = noBody }

// rest returns and forgets input not consumed by any message. Used after a protocol switch.
func (p *http1Parser) rest() []byte {
	rest := p.input
	p.input = nil
	return rest
}

// pending reports whether a message is partially parsed.
func (p *http1Parser) pending() bool { return p.state != http1StateHead || len(p.input) > 0 }

// next returns the next complete message, or nil if more input is needed.
func (p *http1Parser) next() (*http1Message, error) {
	for {
		switch p.state {
		case http1StateHead:
			head, ok, err := p.parseHead()
			if err != nil || !ok {
				return nil, err
			}
			p.head = head
			if p.onHead != nil {
				p.onHead(head)
			}
			if err := p.frame(head); err != nil {
				return nil, err
			}
			if p.state == http1StateHead { // no body
				return p.complete(), nil
			}
		case http1StateSized:
			n := int64(len(p.input))
			if n > p.remain {
				n = p.remain
			}
			p.body = append(p.body, p.input[:n]...)
			p.input = p.input[n:]
			p.remain -= n
			if p.remain > 0 {
				return nil, nil
			}
			return p.complete(), nil
		case http1StateChunkSize:
			line, ok := p.line()
			if !ok {
				if len(p.input) > 4*K {
					return nil, newProtocolError("chunk size line too long")
				}
				return nil, nil
			}
			if i := strings.IndexByte(line, ';'); i >= 0 { // chunk-ext
				line = line[:i]
			}
			size, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
			if err != nil || size < 0 {
				return nil, newProtocolError("bad chunk size %q", line)
			}
			if size == 0 {
				p.state = http1StateTrailers
				continue
			}
			if int64(len(p.body))+size > p.maxBodySize {
				return nil, errBodyTooLarge
			}
			p.remain = size
			p.state = http1StateChunkData
		case http1StateChunkData:
			n := int64(len(p.input))
			if n > p.remain {
				n = p.remain
			}
			p.body = append(p.body, p.input[:n]...)
			p.input = p.input[n:]
			p.remain -= n
			if p.remain > 0 {
				return nil, nil
			}
			p.state = http1StateChunkEnd
		case http1StateChunkEnd:
			line, ok := p.line()
			if !ok {
				return nil, nil
			}
			if line != "" {
				return nil, newProtocolError("chunk not terminated by CRLF")
			}
			p.state = http1StateChunkSize
		case http1StateTrailers:
			line, ok := p.line()
			if !ok {
				return nil, nil
			}
			if line == "" {
				return p.complete(), nil
			}
			if name, value, ok := parseField(line); ok {
				p.head.header.Add(name, value)
			}
		case http1StateUntilClose:
			if int64(len(p.body)+len(p.input)) > p.maxBodySize {
				return nil, errBodyTooLarge
			}
			p.body = append(p.body, p.input...)
			p.input = p.input[:0]
			return nil, nil
		}
	}
}

// finish is called at end of input. It completes a body delimited by close.
func (p *http1Parser) finish() (*http1Message, error) {
	switch p.state {
	case http1StateUntilClose:
		return p.complete(), nil
	case http1StateHead:
		if len(bytes.TrimLeft(p.input, "\r\n")) == 0 {
			return nil, nil
		}
	}
	return nil, io.ErrUnexpectedEOF
}

// release gives back the body of a message that is being abandoned mid-parse.
func (p *http1Parser) release() {
	if p.body != nil {
		putNK(p.body)
		p.body = nil
	}
	p.head = nil
	p.state = http1StateHead
}

func (p *http1Parser) complete() *http1Message {
	message := &http1Message{head: p.head, body: p.body}
	p.head, p.body, p.remain = nil, nil, 0
	p.state = http1StateHead
	if !p.requests && message.head.status >= 200 {
		p.noBody = false
	}
	return message
}

// line takes one line off the input, without its line terminator.
func (p *http1Parser) line() (string, bool) {
	i := bytes.IndexByte(p.input, '\n')
	if i < 0 {
		return "", false
	}
	line := p.input[:i]
	p.input = p.input[i+1:]
	return string(bytes.TrimSuffix(line, []byte{'\r'})), true
}

func (p *http1Parser) parseHead() (*http1Head, bool, error) {
	if p.requests { // a server should ignore at least one empty line before the request-line
		p.input = bytes.TrimLeft(p.input, "\r\n")
	}
	end := bytes.Index(p.input, []byte("\n\r\n"))
	size := 3
	if lf := bytes.Index(p.input, []byte("\n\n")); lf >= 0 && (end < 0 || lf < end) {
		end, size = lf, 2
	}
	if end < 0 {
		if len(p.input) > p.maxHeadSize {
			return nil, false, errHeadTooLarge
		}
		return nil, false, nil
	}
	if end+size > p.maxHeadSize {
		return nil, false, errHeadTooLarge
	}
	lines := strings.Split(string(p.input[:end]), "\n")
	p.input = p.input[end+size:]

	head := &http1Head{header: make(Header)}
	startLine := strings.TrimSuffix(lines[0], "\r")
	var err error
	if p.requests {
		err = head.parseRequestLine(startLine)
	} else {
		err = head.parseStatusLine(startLine)
	}
	if err != nil {
		return nil, false, err
	}
	for _, line := range lines[1:] {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			return nil, false, newProtocolError("obsolete line folding")
		}
		name, value, ok := parseField(line)
		if !ok {
			return nil, false, newProtocolError("malformed header field %q", line)
		}
		head.header.Add(name, value)
	}
	connection := head.header.Values("Connection")
	if head.minor >= 1 {
		head.keepAlive = !httpguts.HeaderValuesContainsToken(connection, "close")
	} else {
		head.keepAlive = httpguts.HeaderValuesContainsToken(connection, "keep-alive")
	}
	return head, true, nil
}

func (h *http1Head) parseRequestLine(line string) error {
	method, rest, ok1 := strings.Cut(line, " ")
	target, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || !httpguts.ValidHeaderFieldName(method) || target == "" {
		return newProtocolError("malformed request line %q", line)
	}
	minor, ok := parseHTTPVersion(proto)
	if !ok {
		return newProtocolError("unsupported protocol %q", proto)
	}
	h.method, h.target, h.minor, h.version = method, target, minor, Version1_1
	return nil
}

func (h *http1Head) parseStatusLine(line string) error {
	proto, rest, ok := strings.Cut(line, " ")
	if !ok {
		return newProtocolError("malformed status line %q", line)
	}
	minor, ok := parseHTTPVersion(proto)
	if !ok {
		return newProtocolError("unsupported protocol %q", proto)
	}
	code, reason, _ := strings.Cut(rest, " ")
	status, err := strconv.Atoi(code)
	if err != nil || len(code) != 3 || status < 100 {
		return newProtocolError("bad status code %q", code)
	}
	h.status, h.reason, h.minor, h.version = status, reason, minor, Version1_1
	return nil
}

func parseHTTPVersion(proto string) (minor int, ok bool) {
	switch proto {
	case "HTTP/1.1":
		return 1, true
	case "HTTP/1.0":
		return 0, true
	}
	return 0, false
}

func parseField(line string) (name string, value string, ok bool) {
	name, value, ok = strings.Cut(line, ":")
	if !ok || !httpguts.ValidHeaderFieldName(name) {
		return "", "", false
	}
	value = strings.Trim(value, " \t")
	if !httpguts.ValidHeaderFieldValue(value) {
		return "", "", false
	}
	return name, value, true
}

// frame decides how the body of head is delimited.
func (p *http1Parser) frame(head *http1Head) error {
	if !p.requests {
		if p.noBody || head.status < 200 || head.status == StatusNoContent || head.status == StatusNotModified {
			return nil
		}
	}
	if codings := head.header.Values("Transfer-Encoding"); len(codings) > 0 {
		last := strings.TrimSpace(codings[len(codings)-1])
		if i := strings.LastIndexByte(last, ','); i >= 0 {
			last = strings.TrimSpace(last[i+1:])
		}
		head.header.Del("Content-Length")
		if strings.EqualFold(last, "chunked") {
			p.body = getNK(0)
			p.state = http1StateChunkSize
			return nil
		}
		if p.requests {
			return newProtocolError("request transfer coding is not chunked")
		}
		head.keepAlive = false
		p.body = getNK(0)
		p.state = http1StateUntilClose
		return nil
	}
	if values := head.header.Values("Content-Length"); len(values) > 0 {
		size, err := parseContentLength(values)
		if err != nil {
			return err
		}
		if size > p.maxBodySize {
			return errBodyTooLarge
		}
		if size > 0 {
			p.body = getNK(int(size))
			p.remain = size
			p.state = http1StateSized
		}
		return nil
	}
	if !p.requests {
		head.keepAlive = false
		p.body = getNK(0)
		p.state = http1StateUntilClose
	}
	return nil
}

func parseContentLength(values []string) (int64, error) {
	size := int64(-1)
	for _, value := range values {
		for _, field := range strings.Split(value, ",") {
			n, err := strconv.ParseInt(strings.TrimSpace(field), 10, 64)
			if err != nil || n < 0 {
				return 0, newProtocolError("bad content-length %q", value)
			}
			if size >= 0 && n != size {
				return 0, newProtocolError("conflicting content-length values")
			}
			size = n
		}
	}
	return size, nil
}

// appendRequestHead1 renders a request line and header section.
func appendRequestHead1(dst []byte, method string, target string, header Header) []byte {
	dst = append(dst, method...)
	dst = append(dst, ' ')
	dst = append(dst, target...)
	dst = append(dst, " HTTP/1.1\r\n"...)
	return appendFields1(dst, header)
}

// appendResponseHead1 renders a status line and header section.
func appendResponseHead1(dst []byte, status int, header Header) []byte {
	dst = append(dst, "HTTP/1.1 "...)
	dst = strconv.AppendInt(dst, int64(status), 10)
	dst = append(dst, ' ')
	dst = append(dst, StatusText(status)...)
	dst = append(dst, "\r\n"...)
	return appendFields1(dst, header)
}

func appendFields1(dst []byte, header Header) []byte {
	header.Each(func(name string, value string) {
		if name == headerStreamID {
			return
		}
		dst = append(dst, name...)
		dst = append(dst, ": "...)
		dst = append(dst, value...)
		dst = append(dst, "\r\n"...)
	})
	return append(dst, "\r\n"...)
}

// appendChunk renders p as one chunk of a chunked body.
func appendChunk(dst []byte, p []byte) []byte {
	if len(p) == 0 {
		return dst
	}
	dst = strconv.AppendInt(dst, int64(len(p)), 16)
	dst = append(dst, "\r\n"...)
	dst = append(dst, p...)
	return append(dst, "\r\n"...)
}

var http1LastChunk = []byte("0\r\n\r\n")

// statusOf maps a parse error to the status a server answers it with.
func statusOf(err error) int {
	switch {
	case errors.Is(err, errBodyTooLarge):
		return StatusContentTooLarge
	case errors.Is(err, errHeadTooLarge):
		return 431
	default:
		return StatusBadRequest
	}
}
