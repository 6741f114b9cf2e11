// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package htx

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// memChannel is a channel that records what is written to it.
type memChannel struct {
	// Parent
	channel_
	// States
	mutex     sync.Mutex
	written   [][]byte
	writable  bool
	failWrite error
}

func newMemChannel() *memChannel {
	c := &memChannel{writable: true}
	c.channel_.init(channelIDs.Add(1))
	return c
}

func (c *memChannel) Write(p []byte) error {
	if c.isClosed() {
		return ErrChannelClosed
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.failWrite != nil {
		return c.failWrite
	}
	c.written = append(c.written, append([]byte(nil), p...))
	return nil
}

func (c *memChannel) IsWritable() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.writable && !c.isClosed()
}

func (c *memChannel) Close() error {
	c.shut(nil, nil)
	return nil
}

func (c *memChannel) LocalAddr() net.Addr  { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8080} }
func (c *memChannel) RemoteAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000} }

func (c *memChannel) writes() []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	writes := make([]string, len(c.written))
	for i, p := range c.written {
		writes[i] = string(p)
	}
	return writes
}

func (c *memChannel) output() string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return string(bytes.Join(c.written, nil))
}

// observedLogger returns a logger whose entries at level and above are kept for inspection.
func observedLogger(level zapcore.Level) (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return zap.New(core), logs
}

// pooledCopy copies s into a buffer taken from the pools, as rendered responses are.
func pooledCopy(s string) []byte {
	return append(getNK(len(s)), s...)
}

// selfSignedCert makes a certificate for hosts, good for an hour.
func selfSignedCert(t *testing.T, hosts ...string) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: hosts[0]},
		DNSNames:              hosts,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}
}
