// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package htx

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// h2Peer speaks HTTP/2 by prior knowledge and hands every request stream to respond.
func h2Peer(respond func(framer *http2.Framer, streamID uint32)) func(conn net.Conn) {
	return func(conn net.Conn) {
		defer conn.Close()
		preface := make([]byte, len(http2.ClientPreface))
		if _, err := io.ReadFull(conn, preface); err != nil {
			return
		}
		writer := http2.NewFramer(conn, nil)
		reader := http2.NewFramer(nil, conn)
		if err := writer.WriteSettings(); err != nil {
			return
		}
		for {
			frame, err := reader.ReadFrame()
			if err != nil {
				return
			}
			if headers, ok := frame.(*http2.HeadersFrame); ok {
				go respond(writer, headers.StreamID)
			}
		}
	}
}

func encodeFields(pairs ...string) []byte {
	var block bytes.Buffer
	encoder := hpack.NewEncoder(&block)
	for i := 0; i+1 < len(pairs); i += 2 {
		encoder.WriteField(hpack.HeaderField{Name: pairs[i], Value: pairs[i+1]})
	}
	return block.Bytes()
}

func fetch2(t *testing.T, dialer Dialer) (*Response, error) {
	t.Helper()
	client := newTestClient(t, WithDialer(dialer))
	req, err := NewRequest().URLString("http://origin.test/large").Version(Version2).Build()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return client.Fetch(ctx, req)
}

func TestHTTP2DeclaredLengthNotTrusted(t *testing.T) {
	dialer := &pipeDialer{peer: h2Peer(func(framer *http2.Framer, id uint32) {
		framer.WriteHeaders(http2.HeadersFrameParam{StreamID: id, BlockFragment: encodeFields(":status", "200", "content-length", "9000000000000"), EndHeaders: true})
		framer.WriteData(id, true, []byte("tiny"))
	})}
	resp, err := fetch2(t, dialer)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, resp.Status())
	assert.Equal(t, "tiny", resp.Body().String())
}

func TestHTTP2BodyTooLarge(t *testing.T) {
	dialer := &pipeDialer{peer: h2Peer(func(framer *http2.Framer, id uint32) {
		if err := framer.WriteHeaders(http2.HeadersFrameParam{StreamID: id, BlockFragment: encodeFields(":status", "200"), EndHeaders: true}); err != nil {
			return
		}
		chunk := make([]byte, 16384)
		for sent := 0; sent <= defaultMaxBodySize; sent += len(chunk) {
			if err := framer.WriteData(id, false, chunk); err != nil {
				return
			}
		}
	})}
	_, err := fetch2(t, dialer)
	assert.ErrorIs(t, err, errBodyTooLarge)
}
