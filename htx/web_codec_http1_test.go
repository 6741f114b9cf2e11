// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package htx

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feedBytewise feeds input one byte at a time and collects every message completed.
func feedBytewise(t *testing.T, parser *http1Parser, input string) []*http1Message {
	t.Helper()
	var messages []*http1Message
	for i := 0; i < len(input); i++ {
		parser.feed([]byte{input[i]})
		for {
			message, err := parser.next()
			require.NoError(t, err)
			if message == nil {
				break
			}
			messages = append(messages, message)
		}
	}
	return messages
}

func TestHTTP1ParserPipelinedRequests(t *testing.T) {
	input := "GET /a HTTP/1.1\r\nHost: x\r\n\r\n" +
		"POST /b HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello" +
		"PUT /c HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n3;ext=1\r\nabc\r\n2\r\nde\r\n0\r\nX-Sum: 5\r\n\r\n" +
		"GET /d HTTP/1.0\r\n\r\n"
	messages := feedBytewise(t, newHTTP1Parser(true), input)
	require.Len(t, messages, 4)

	tests := []struct {
		method    string
		target    string
		body      string
		keepAlive bool
	}{
		{"GET", "/a", "", true},
		{"POST", "/b", "hello", true},
		{"PUT", "/c", "abcde", true},
		{"GET", "/d", "", false},
	}
	for idx, test := range tests {
		head := messages[idx].head
		if head.method != test.method || head.target != test.target || string(messages[idx].body) != test.body || head.keepAlive != test.keepAlive {
			t.Errorf("#%d: recv=%s %s %q %v, expect=%s %s %q %v", idx, head.method, head.target, messages[idx].body, head.keepAlive,
				test.method, test.target, test.body, test.keepAlive)
		}
	}
	assert.Equal(t, "5", messages[2].head.header.Get("X-Sum"))
	assert.False(t, messages[2].head.header.Has("Content-Length"))
}

func TestHTTP1ParserResponses(t *testing.T) {
	parser := newHTTP1Parser(false)
	parser.feed([]byte("HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	interim, err := parser.next()
	require.NoError(t, err)
	require.NotNil(t, interim)
	assert.Equal(t, StatusContinue, interim.head.status)
	final, err := parser.next()
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, "ok", string(final.body))
	assert.Equal(t, "OK", final.head.reason)

	parser.expectNoBody(true)
	parser.feed([]byte("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\n"))
	head, err := parser.next()
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Nil(t, head.body)

	parser.feed([]byte("HTTP/1.0 200 OK\r\n\r\nuntil close"))
	message, err := parser.next()
	require.NoError(t, err)
	assert.Nil(t, message)
	message, err = parser.finish()
	require.NoError(t, err)
	require.NotNil(t, message)
	assert.Equal(t, "until close", string(message.body))
	assert.False(t, message.head.keepAlive)
}

func TestHTTP1ParserErrors(t *testing.T) {
	tests := []struct {
		input  string
		status int
	}{
		{"GET / HTTP/2.0\r\n\r\n", StatusBadRequest},
		{"GET /\r\n\r\n", StatusBadRequest},
		{"GET / HTTP/1.1\r\nBad Name: x\r\n\r\n", StatusBadRequest},
		{"GET / HTTP/1.1\r\nHost: x\r\n folded\r\n\r\n", StatusBadRequest},
		{"POST / HTTP/1.1\r\nContent-Length: 1, 2\r\n\r\n", StatusBadRequest},
		{"POST / HTTP/1.1\r\nContent-Length: -1\r\n\r\n", StatusBadRequest},
		{"POST / HTTP/1.1\r\nTransfer-Encoding: gzip\r\n\r\n", StatusBadRequest},
		{"POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n", StatusBadRequest},
		{"POST / HTTP/1.1\r\nContent-Length: 99999999999\r\n\r\n", StatusContentTooLarge},
	}
	for idx, test := range tests {
		parser := newHTTP1Parser(true)
		parser.feed([]byte(test.input))
		_, err := parser.next()
		if err == nil {
			t.Errorf("#%d: no error", idx)
			continue
		}
		if recv := statusOf(err); recv != test.status {
			t.Errorf("#%d: recv=%d, expect=%d", idx, recv, test.status)
		}
	}
}

func TestHTTP1ParserHeadTooLarge(t *testing.T) {
	parser := newHTTP1Parser(true)
	parser.maxHeadSize = 64
	parser.feed([]byte("GET / HTTP/1.1\r\nX-Long: "))
	parser.feed(make([]byte, 100))
	_, err := parser.next()
	assert.ErrorIs(t, err, errHeadTooLarge)
	assert.Equal(t, 431, statusOf(err))
}

func TestHTTP1ParserTruncated(t *testing.T) {
	parser := newHTTP1Parser(true)
	parser.feed([]byte("POST / HTTP/1.1\r\nContent-Length: 10\r\n\r\nabc"))
	message, err := parser.next()
	require.NoError(t, err)
	assert.Nil(t, message)
	assert.True(t, parser.pending())
	_, err = parser.finish()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	parser.release()
	assert.False(t, parser.pending())

	empty := newHTTP1Parser(true)
	empty.feed([]byte("\r\n"))
	message, err = empty.finish()
	assert.NoError(t, err)
	assert.Nil(t, message)
}

func TestHTTP1ParserRest(t *testing.T) {
	parser := newHTTP1Parser(true)
	parser.feed([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\nPRI * HTTP/2.0"))
	message, err := parser.next()
	require.NoError(t, err)
	require.NotNil(t, message)
	assert.Equal(t, "PRI * HTTP/2.0", string(parser.rest()))
	assert.False(t, parser.pending())
}

func TestHTTP1ExpectContinue(t *testing.T) {
	parser := newHTTP1Parser(true)
	var seen *http1Head
	parser.onHead = func(head *http1Head) { seen = head }
	parser.feed([]byte("PUT / HTTP/1.1\r\nHost: x\r\nExpect: 100-continue\r\nContent-Length: 3\r\n\r\n"))
	message, err := parser.next()
	require.NoError(t, err)
	assert.Nil(t, message)
	require.NotNil(t, seen)
	assert.True(t, seen.expectContinue())
}

func TestAppendHeads1(t *testing.T) {
	header := make(Header)
	header.Set("Host", "example.com")
	header.Set(headerStreamID, "7")
	assert.Equal(t, "GET /x HTTP/1.1\r\nHost: example.com\r\n\r\n", string(appendRequestHead1(nil, "GET", "/x", header)))

	header = make(Header)
	header.Set("Content-Length", "0")
	assert.Equal(t, "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n", string(appendResponseHead1(nil, StatusNotFound, header)))

	assert.Equal(t, "3\r\nabc\r\n", string(appendChunk(nil, []byte("abc"))))
	assert.Empty(t, appendChunk(nil, nil))
}
