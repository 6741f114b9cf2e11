// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package htx

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// echoRouter answers every request with what it saw of it.
var echoRouter = RouterFunc(func(ctx context.Context, req *Request, resp *ResponseBuilder, forcedStatus int) {
	if forcedStatus != 0 {
		resp.BodyString(StatusText(forcedStatus))
		return
	}
	switch req.URL().Path {
	case "/panic":
		panic("boom")
	case "/sleep":
		ms, _ := strconv.Atoi(req.Params().Get("ms"))
		time.Sleep(time.Duration(ms) * time.Millisecond)
	case "/login":
		resp.SetCookie(MustCookie("name", "old"))
	case "/push":
		resp.Push("/pushed.css")
	case "/status":
		status, _ := strconv.Atoi(req.Params().Get("code"))
		resp.Status(status)
	}
	resp.Header("X-Version", req.Version().String())
	resp.Header("X-Cookie", req.Header().Get("Cookie"))
	if session := req.Extension().Session; session != nil {
		resp.Header("X-ALPN", session.NegotiatedProtocol)
		resp.Header("X-SNI", req.Extension().SNIHost)
	}
	body := append([]byte(req.Method()+" "+req.Target(false)+" "), req.Body()...)
	resp.Body(body)
})

// startServer serves on a loopback port until the test ends.
func startServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()
	opts = append([]ServerOption{WithListen("127.0.0.1:0"), WithRouter(echoRouter), WithServerLogger(zap.NewNop())}, opts...)
	server, err := NewServer(opts...)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- server.Serve(ctx) }()
	select {
	case <-server.Ready():
	case err := <-served:
		cancel()
		t.Fatalf("server did not start: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("server did not start in time")
	}
	t.Cleanup(func() {
		cancel()
		<-served
	})
	return server
}

func newTestClient(t *testing.T, opts ...ClientOption) *Client {
	t.Helper()
	client, err := NewClient(append([]ClientOption{WithLogger(zap.NewNop())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func serverURL(server *Server, scheme string, path string) string {
	return scheme + "://" + server.Addr().String() + path
}

func fetch(t *testing.T, client *Client, version Version, rawURL string) *Response {
	t.Helper()
	req, err := NewRequest().URLString(rawURL).Version(version).Build()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Fetch(ctx, req)
	require.NoError(t, err)
	return resp
}

// readResponses reads n HTTP/1 responses off conn.
func readResponses(t *testing.T, conn net.Conn, n int) []*http1Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	parser := newHTTP1Parser(false)
	buffer := make([]byte, 4096)
	var messages []*http1Message
	for {
		for {
			message, err := parser.next()
			require.NoError(t, err)
			if message == nil {
				break
			}
			messages = append(messages, message)
		}
		if len(messages) >= n {
			return messages
		}
		k, err := conn.Read(buffer)
		require.NoError(t, err)
		parser.feed(buffer[:k])
	}
}

func dialServer(t *testing.T, server *Server) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", server.Addr().String(), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServerHTTP1(t *testing.T) {
	server := startServer(t)
	client := newTestClient(t)

	resp := fetch(t, client, Version1_1, serverURL(server, "http", "/hello?x=1"))
	assert.Equal(t, StatusOK, resp.Status())
	assert.Equal(t, Version1_1, resp.Version())
	assert.Equal(t, "GET /hello?x=1 ", resp.Body().String())
	assert.Equal(t, "HTTP/1.1", resp.Header().Get("X-Version"))
	assert.NotEmpty(t, resp.Header().Get("Date"))

	req, err := NewRequest().Method("POST").URLString(serverURL(server, "http", "/form")).BodyString("payload").Build()
	require.NoError(t, err)
	resp, err = client.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "POST /form payload", resp.Body().String())
}

func TestServerPipelinedResponsesInOrder(t *testing.T) {
	server := startServer(t, WithMode(ModeHTTP1))
	conn := dialServer(t, server)

	_, err := conn.Write([]byte("GET /sleep?ms=300 HTTP/1.1\r\nHost: a\r\n\r\n" +
		"GET /sleep?ms=100 HTTP/1.1\r\nHost: a\r\n\r\n" +
		"GET /sleep?ms=0 HTTP/1.1\r\nHost: a\r\n\r\n"))
	require.NoError(t, err)
	messages := readResponses(t, conn, 3)
	for idx, ms := range []string{"300", "100", "0"} {
		if recv, expect := string(messages[idx].body), "GET /sleep?ms="+ms+" "; recv != expect {
			t.Errorf("#%d: recv=%q, expect=%q", idx, recv, expect)
		}
	}
}

func TestServerExpectContinue(t *testing.T) {
	server := startServer(t)
	conn := dialServer(t, server)

	_, err := conn.Write([]byte("PUT /upload HTTP/1.1\r\nHost: a\r\nExpect: 100-continue\r\nContent-Length: 4\r\n\r\n"))
	require.NoError(t, err)
	interim := readResponses(t, conn, 1)
	assert.Equal(t, StatusContinue, interim[0].head.status)

	_, err = conn.Write([]byte("data"))
	require.NoError(t, err)
	final := readResponses(t, conn, 1)
	assert.Equal(t, StatusOK, final[0].head.status)
	assert.Equal(t, "PUT /upload data", string(final[0].body))
}

func TestServerBadRequest(t *testing.T) {
	server := startServer(t)
	conn := dialServer(t, server)

	_, err := conn.Write([]byte("GET / HTTP/1.1\r\nBad Name: x\r\n\r\n"))
	require.NoError(t, err)
	messages := readResponses(t, conn, 1)
	assert.Equal(t, StatusBadRequest, messages[0].head.status)
	assert.False(t, messages[0].head.keepAlive)
}

func TestServerHTTP2PriorKnowledge(t *testing.T) {
	server := startServer(t)
	client := newTestClient(t)

	for idx := 0; idx < 3; idx++ {
		resp := fetch(t, client, Version2, serverURL(server, "http", "/h2?n="+strconv.Itoa(idx)))
		assert.Equal(t, Version2, resp.Version(), "#%d", idx)
		assert.Equal(t, "HTTP/2.0", resp.Header().Get("X-Version"), "#%d", idx)
		assert.Equal(t, "GET /h2?n="+strconv.Itoa(idx)+" ", resp.Body().String(), "#%d", idx)
		assert.Equal(t, uint32(2*idx+1), resp.StreamID(), "#%d: shared connection", idx)
	}
}

func TestServerH2CUpgrade(t *testing.T) {
	server := startServer(t)
	client := newTestClient(t, WithH2CUpgrade(true))

	resp := fetch(t, client, Version2, serverURL(server, "http", "/upgraded"))
	assert.Equal(t, Version2, resp.Version())
	assert.Equal(t, "GET /upgraded ", resp.Body().String())
	assert.Equal(t, uint32(3), resp.StreamID(), "stream 1 answers the upgrade probe")
}

func TestServerH2CUpgradeDeclined(t *testing.T) {
	server := startServer(t, WithMode(ModeHTTP1))
	client := newTestClient(t, WithH2CUpgrade(true))

	resp := fetch(t, client, Version2, serverURL(server, "http", "/plain"))
	assert.Equal(t, Version1_1, resp.Version())
	assert.Equal(t, "GET /plain ", resp.Body().String())
}

func tlsServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()
	first := &Domain{Name: "first.test", Certificates: []tls.Certificate{selfSignedCert(t, "first.test")}}
	second := &Domain{Name: "second.test", Certificates: []tls.Certificate{selfSignedCert(t, "second.test")}}
	return startServer(t, append([]ServerOption{WithDomains(first, second)}, opts...)...)
}

func tlsClient(t *testing.T, serverName string, opts ...ClientOption) *Client {
	t.Helper()
	registry := NewProviderRegistry(&StaticProvider{ProviderName: "test", SecureParams: SecureParams{ServerName: serverName, InsecureSkipVerify: true}})
	return newTestClient(t, append([]ClientOption{WithSecureProviders(registry, "test")}, opts...)...)
}

func TestServerTLSALPN(t *testing.T) {
	server := tlsServer(t)
	tests := []struct {
		version Version
		alpn    string
	}{
		{Version2, "h2"},
		{Version1_1, "http/1.1"},
	}
	for idx, test := range tests {
		client := tlsClient(t, "second.test")
		resp := fetch(t, client, test.version, serverURL(server, "https", "/secure"))
		if recv := resp.Header().Get("X-ALPN"); recv != test.alpn {
			t.Errorf("#%d: recv=%s, expect=%s", idx, recv, test.alpn)
		}
		assert.Equal(t, test.version, resp.Version(), "#%d", idx)
		assert.Equal(t, "second.test", resp.Header().Get("X-SNI"), "#%d", idx)
		session := resp.Extension().Session
		require.NotNil(t, session, "#%d", idx)
		assert.Equal(t, []string{"second.test"}, session.PeerHosts(), "#%d", idx)
	}
}

func TestServerTLSHTTP1Only(t *testing.T) {
	server := tlsServer(t, WithMode(ModeHTTP1))
	client := tlsClient(t, "first.test")
	resp := fetch(t, client, Version2, serverURL(server, "https", "/fallback"))
	assert.Equal(t, Version1_1, resp.Version())
	assert.Equal(t, "http/1.1", resp.Header().Get("X-ALPN"))
}

func TestServerSNIFallback(t *testing.T) {
	server := tlsServer(t)
	client := tlsClient(t, "unknown.test")
	resp := fetch(t, client, Version2, serverURL(server, "https", "/"))
	assert.Equal(t, StatusOK, resp.Status())
	assert.Equal(t, []string{"first.test"}, resp.Extension().Session.PeerHosts())
}

func TestServerEventLoop(t *testing.T) {
	server := startServer(t, WithEventLoop(true))
	client := newTestClient(t)
	for idx := 0; idx < 3; idx++ {
		resp := fetch(t, client, Version1_1, serverURL(server, "http", "/loop/"+strconv.Itoa(idx)))
		assert.Equal(t, "GET /loop/"+strconv.Itoa(idx)+" ", resp.Body().String())
	}

	conn := dialServer(t, server)
	_, err := conn.Write([]byte("GET /sleep?ms=100 HTTP/1.1\r\nHost: a\r\n\r\nGET /fast HTTP/1.1\r\nHost: a\r\n\r\n"))
	require.NoError(t, err)
	messages := readResponses(t, conn, 2)
	assert.Equal(t, "GET /sleep?ms=100 ", string(messages[0].body))
	assert.Equal(t, "GET /fast ", string(messages[1].body))
}

func TestServerRouterPanic(t *testing.T) {
	logger, logs := observedLogger(zapcore.ErrorLevel)
	server := startServer(t, WithServerLogger(logger))
	client := newTestClient(t)

	for idx, version := range []Version{Version1_1, Version2} {
		resp := fetch(t, client, version, serverURL(server, "http", "/panic"))
		assert.Equal(t, StatusInternalError, resp.Status(), "#%d", idx)
	}
	assert.Equal(t, 2, logs.FilterMessage("router panicked").Len())

	resp := fetch(t, client, Version1_1, serverURL(server, "http", "/after"))
	assert.Equal(t, StatusOK, resp.Status())
}

func TestServerPush(t *testing.T) {
	server := startServer(t)
	client := newTestClient(t)

	responses := make(chan *Response, 2)
	req, err := NewRequest().URLString(serverURL(server, "http", "/push")).Version(Version2).
		OnResponse(func(resp *Response) { responses <- resp.Clone() }).Build()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	interaction, err := client.Execute(ctx, req)
	require.NoError(t, err)
	defer interaction.Close()
	require.NoError(t, interaction.Get(ctx))

	var main, pushed *Response
	for main == nil || pushed == nil {
		select {
		case resp := <-responses:
			if resp.IsPushed() {
				pushed = resp
			} else {
				main = resp
			}
		case <-ctx.Done():
			t.Fatal("pushed response not received")
		}
	}
	assert.Equal(t, "GET /push ", main.Body().String())
	assert.Equal(t, "GET /pushed.css ", pushed.Body().String())
	require.NotNil(t, pushed.Request())
	assert.Equal(t, "/pushed.css", pushed.Request().URL().Path)
	assert.Zero(t, pushed.StreamID()%2, "pushed streams are even")
}

func TestServerShutdown(t *testing.T) {
	server, err := NewServer(WithListen("127.0.0.1:0"), WithRouter(echoRouter), WithServerLogger(zap.NewNop()))
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- server.Serve(context.Background()) }()
	<-server.Ready()
	addr := server.Addr().String()

	client := newTestClient(t)
	resp := fetch(t, client, Version1_1, "http://"+addr+"/before")
	assert.Equal(t, StatusOK, resp.Status())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))
	assert.ErrorIs(t, <-served, ErrServerClosed)

	_, err = net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)
	assert.Error(t, server.Serve(context.Background()), "a server serves once")
}

func TestServerOptions(t *testing.T) {
	tests := []struct {
		opt ServerOption
		bad bool
	}{
		{WithPipelineCapacity(0), true},
		{WithGates(0), true},
		{WithWorkers(-1), true},
		{WithRouter(nil), true},
		{WithDomains(&Domain{Name: "bare.test"}), true},
		{WithPipelineCapacity(4), false},
		{WithGates(2), false},
	}
	for idx, test := range tests {
		_, err := NewServer(test.opt)
		if recv := err != nil; recv != test.bad {
			t.Errorf("#%d: recv=%v, expect=%v (%v)", idx, recv, test.bad, err)
		}
	}
	assert.True(t, strings.HasPrefix(StatusText(StatusOK), "OK"))
}
