// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Protocol negotiation on new client connections.

package htx

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"net"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// channelInitializer sets up a new connection for one kind of address.
type channelInitializer interface {
	supports(address *Address) bool
	initChannel(ctx context.Context, client *Client, address *Address) (*clientConn, error)
}

var channelInitializers = [...]channelInitializer{
	http1Initializer{},
	http2Initializer{},
	https1Initializer{},
	https2Initializer{},
}

// selectInitializer picks the one initializer supporting address. With http1Only, HTTP/2 is not attempted.
func selectInitializer(address *Address, http1Only bool) channelInitializer {
	if http1Only && address.Version() == Version2 {
		if address.IsSecure() {
			return https1Initializer{}
		}
		return http1Initializer{}
	}
	for _, initializer := range channelInitializers {
		if initializer.supports(address) {
			return initializer
		}
	}
	BugExitln("no channel initializer for " + address.String())
	return nil
}

// http1Initializer is cleartext HTTP/1.1.
type http1Initializer struct{}

func (http1Initializer) supports(address *Address) bool {
	return !address.IsSecure() && address.Version() == Version1_1
}
func (http1Initializer) initChannel(ctx context.Context, client *Client, address *Address) (*clientConn, error) {
	netConn, err := client.dialNet(ctx, address)
	if err != nil {
		return nil, err
	}
	channel := client.newChannel(netConn)
	conn := newClientConn(client.pool, channel, address, NewStreamIDs1(), protoHTTP1)
	startClient1(conn, channel, nil)
	return conn, nil
}

// http2Initializer is cleartext HTTP/2, by prior knowledge or by upgrading from HTTP/1.1.
type http2Initializer struct{}

func (http2Initializer) supports(address *Address) bool {
	return !address.IsSecure() && address.Version() == Version2
}
func (http2Initializer) initChannel(ctx context.Context, client *Client, address *Address) (*clientConn, error) {
	netConn, err := client.dialNet(ctx, address)
	if err != nil {
		return nil, err
	}
	channel := client.newChannel(netConn)
	if !client.h2cUpgrade {
		conn := newClientConn(client.pool, channel, address, NewStreamIDs2(), protoUnknown)
		if _, err := startClient2(conn, channel); err != nil {
			conn.close(err)
			return nil, &IOError{Op: "preface", Err: err}
		}
		return conn, nil
	}
	conn := newClientConn(client.pool, channel, address, NewStreamIDs1(), protoUnknown)
	startClient1(conn, channel, upgradeProbed)
	if err := channel.Write(upgradeProbe(address)); err != nil {
		conn.close(err)
		return nil, &IOError{Op: "upgrade", Err: err}
	}
	return conn, nil
}

// upgradeProbe renders the request that asks a cleartext server to switch to HTTP/2.
func upgradeProbe(address *Address) []byte {
	var payload [6]byte // one setting
	binary.BigEndian.PutUint16(payload[0:], uint16(http2.SettingEnablePush))
	binary.BigEndian.PutUint32(payload[2:], 1)
	header := make(Header)
	header.Set("Host", address.Authority())
	header.Set("Connection", "Upgrade, HTTP2-Settings")
	header.Set("Upgrade", "h2c")
	header.Set("HTTP2-Settings", base64.RawURLEncoding.EncodeToString(payload[:]))
	return appendRequestHead1(nil, "OPTIONS", "*", header)
}

// upgradeProbed handles the response to the upgrade probe. The probe occupies stream 1 of the new HTTP/2 connection.
func upgradeProbed(c *client1Conn, message *http1Message) bool {
	conn := c.conn
	if message.body != nil {
		putNK(message.body)
	}
	if message.head.status != StatusSwitchingProtocols || !message.head.header.HasToken("Upgrade", "h2c") {
		if DebugLevel() >= 1 {
			conn.logger.Debug("h2c upgrade declined", zap.Int("status", message.head.status))
		}
		conn.keepAlive.Store(message.head.keepAlive)
		conn.setProtocol(protoHTTP1)
		conn.settings.Complete(true)
		return false
	}
	streams := NewStreamIDs2()
	streams.Skip(1)
	conn.setStreams(streams)
	conn.h1 = nil
	reader := &prefixedReader{prefix: c.parser.rest(), reader: c.reader}
	if _, err := startClient2(conn, reader); err != nil {
		conn.close(&IOError{Op: "upgrade", Err: err})
	}
	return true
}

// https1Initializer is HTTP/1.1 over TLS.
type https1Initializer struct{}

func (https1Initializer) supports(address *Address) bool {
	return address.IsSecure() && address.Version() == Version1_1
}
func (https1Initializer) initChannel(ctx context.Context, client *Client, address *Address) (*clientConn, error) {
	channel, err := client.dialSecure(ctx, address, []string{"http/1.1"})
	if err != nil {
		return nil, err
	}
	conn := newClientConn(client.pool, channel, address, NewStreamIDs1(), protoHTTP1)
	startClient1(conn, channel, nil)
	return conn, nil
}

// https2Initializer is HTTP/2 over TLS, falling back to HTTP/1.1 as ALPN decides.
type https2Initializer struct{}

func (https2Initializer) supports(address *Address) bool {
	return address.IsSecure() && address.Version() == Version2
}
func (https2Initializer) initChannel(ctx context.Context, client *Client, address *Address) (*clientConn, error) {
	channel, err := client.dialSecure(ctx, address, []string{"h2", "http/1.1"})
	if err != nil {
		return nil, err
	}
	return alpnHandler(client, channel, address)
}

// alpnHandler wires the handler of the negotiated protocol. A server that negotiates nothing speaks HTTP/1.1.
func alpnHandler(client *Client, channel *netChannel, address *Address) (*clientConn, error) {
	session, _ := channel.Attr(AttrSession).(*SessionInfo)
	protocol := ""
	if session != nil {
		protocol = session.NegotiatedProtocol
	}
	switch protocol {
	case "h2":
		conn := newClientConn(client.pool, channel, address, NewStreamIDs2(), protoHTTP2)
		if _, err := startClient2(conn, channel); err != nil {
			conn.close(err)
			return nil, &IOError{Op: "preface", Err: err}
		}
		return conn, nil
	case "http/1.1", "":
		conn := newClientConn(client.pool, channel, address, NewStreamIDs1(), protoHTTP1)
		startClient1(conn, channel, nil)
		return conn, nil
	default:
		err := newProtocolError("unsupported application protocol %q", protocol)
		channel.abort(err)
		return nil, err
	}
}

// dialNet opens a raw connection to address within the connect timeout.
func (c *Client) dialNet(ctx context.Context, address *Address) (net.Conn, error) {
	if c.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.connectTimeout)
		defer cancel()
	}
	netConn, err := c.dialer.DialContext(ctx, "tcp", address.HostPort())
	if err != nil {
		return nil, err
	}
	if DebugLevel() >= 2 {
		c.logger.Debug("dialed", zap.Stringer("address", address), zap.Stringer("local", netConn.LocalAddr()))
	}
	return netConn, nil
}

// dialSecure opens a TLS channel to address, offering nextProtos.
func (c *Client) dialSecure(ctx context.Context, address *Address, nextProtos []string) (*netChannel, error) {
	params, err := c.provider.Params(address)
	if err != nil {
		return nil, err
	}
	netConn, err := c.dialNet(ctx, address)
	if err != nil {
		return nil, err
	}
	if c.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.connectTimeout)
		defer cancel()
	}
	tlsConn, session, err := secureClient(ctx, netConn, address, params, nextProtos)
	if err != nil {
		netConn.Close()
		return nil, err
	}
	channel := c.newChannel(tlsConn)
	channel.SetAttr(AttrSession, session)
	channel.SetAttr(AttrSNIHost, session.ServerName)
	return channel, nil
}

func (c *Client) newChannel(netConn net.Conn) *netChannel {
	return newNetChannel(netConn, channelOptions{
		highWater:    c.writeHighWater,
		writeTimeout: c.readTimeout,
		idleTimeout:  c.idleTimeout,
		logger:       c.logger,
	})
}
