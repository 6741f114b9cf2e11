// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package htx

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSNIMappingResolve(t *testing.T) {
	first := &Domain{Name: "example.com", Aliases: []string{"www.example.com"}, Certificates: []tls.Certificate{selfSignedCert(t, "example.com", "www.example.com")}}
	wild := &Domain{Name: "*.example.org", Certificates: []tls.Certificate{selfSignedCert(t, "*.example.org")}}
	api := &Domain{Name: "api.example.com", Certificates: []tls.Certificate{selfSignedCert(t, "api.example.com")}}
	mapping, err := newSNIMapping([]*Domain{first, wild, api}, []string{"h2", "http/1.1"}, zap.NewNop())
	require.NoError(t, err)

	configOf := map[string]*tls.Config{
		"first": mapping.exact["example.com"],
		"wild":  mapping.wildcards[0].config,
		"api":   mapping.exact["api.example.com"],
	}
	tests := []struct {
		serverName string
		expect     string
	}{
		{"example.com", "first"},
		{"WWW.Example.COM.", "first"},
		{"api.example.com", "api"},
		{"a.example.org", "wild"},
		{"a.b.example.org", "first"},
		{"example.org", "first"},
		{"unknown.net", "first"},
		{"", "first"},
	}
	for idx, test := range tests {
		recv := mapping.resolve(test.serverName)
		if recv != configOf[test.expect] {
			t.Errorf("#%d: %q resolved to the wrong domain, expect=%s", idx, test.serverName, test.expect)
		}
	}
	assert.Same(t, mapping.fallback, configOf["first"])
	assert.Equal(t, []string{"h2", "http/1.1"}, configOf["api"].NextProtos)

	config, ok := mapping.cache.Get("unknown.net")
	require.True(t, ok)
	assert.Same(t, configOf["first"], config)

	hello := &tls.ClientHelloInfo{ServerName: "x.example.org"}
	config, err = mapping.getConfigForClient(hello)
	require.NoError(t, err)
	assert.Same(t, configOf["wild"], config)
}

func TestSNIMappingTLSConfigOverride(t *testing.T) {
	custom := &tls.Config{Certificates: []tls.Certificate{selfSignedCert(t, "custom.test")}, NextProtos: []string{"http/1.1"}}
	mapping, err := newSNIMapping([]*Domain{{Name: "custom.test", TLSConfig: custom}}, []string{"h2", "http/1.1"}, zap.NewNop())
	require.NoError(t, err)
	config := mapping.resolve("custom.test")
	assert.NotSame(t, custom, config)
	assert.Equal(t, []string{"http/1.1"}, config.NextProtos)
}

func TestSNIMappingErrors(t *testing.T) {
	_, err := newSNIMapping(nil, nil, zap.NewNop())
	assert.Error(t, err)
	_, err = newSNIMapping([]*Domain{{Name: "bare.test"}}, nil, zap.NewNop())
	assert.Error(t, err)
}
