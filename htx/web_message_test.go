// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package htx

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2/hpack"
)

func TestAddressOf(t *testing.T) {
	tests := []struct {
		rawURL    string
		version   Version
		hostPort  string
		authority string
		secure    bool
	}{
		{"http://Example.COM/x", Version1_1, "example.com:80", "example.com", false},
		{"https://example.com:8443/", Version2, "example.com:8443", "example.com:8443", true},
		{"http://[::1]:8080/", Version1_1, "[::1]:8080", "[::1]:8080", false},
		{"https://bücher.example/", Version1_1, "xn--bcher-kva.example:443", "xn--bcher-kva.example", true},
	}
	for idx, test := range tests {
		u, err := url.Parse(test.rawURL)
		require.NoError(t, err)
		address, err := AddressOf(u, test.version)
		require.NoError(t, err, "#%d", idx)
		if recv := address.HostPort(); recv != test.hostPort {
			t.Errorf("#%d: recv=%s, expect=%s", idx, recv, test.hostPort)
		}
		if recv := address.Authority(); recv != test.authority {
			t.Errorf("#%d: recv=%s, expect=%s", idx, recv, test.authority)
		}
		assert.Equal(t, test.secure, address.IsSecure(), "#%d", idx)
		assert.Equal(t, test.version, address.Version(), "#%d", idx)
	}

	for _, rawURL := range []string{"ftp://example.com/", "/relative", "http://example.com:99999/"} {
		u, err := url.Parse(rawURL)
		require.NoError(t, err)
		_, err = AddressOf(u, Version1_1)
		assert.Error(t, err, rawURL)
	}
}

func TestAddressIdentity(t *testing.T) {
	a := NewAddress("example.com", 443, Version2, true, "*.example.com", "other.test")
	b := NewAddress("EXAMPLE.com.", 443, Version2, true)
	assert.True(t, a.Equal(b), "valid hosts take no part in identity")
	assert.False(t, a.Equal(NewAddress("example.com", 443, Version1_1, true)))
	assert.False(t, a.Equal(NewAddress("example.com", 443, Version2, false)))

	tests := []struct {
		host   string
		expect bool
	}{
		{"example.com", true},
		{"www.example.com", true},
		{"a.b.example.com", false},
		{"other.test", true},
		{"Other.Test.", true},
		{"nope.test", false},
		{"", false},
	}
	for idx, test := range tests {
		if recv := a.IsValidHost(test.host); recv != test.expect {
			t.Errorf("#%d: %q recv=%v, expect=%v", idx, test.host, recv, test.expect)
		}
	}
	assert.Equal(t, "https://example.com:443 HTTP/2.0", a.String())
	assert.Equal(t, "HTTP/1.1", Version1_1.String())
}

func TestRequestBuilder(t *testing.T) {
	req, err := NewRequest().URLString("http://example.com/search").Param("q", "go http").Build()
	require.NoError(t, err)
	assert.Equal(t, "GET", req.Method())
	assert.Equal(t, "/search?q=go+http", req.Target(false))
	assert.Equal(t, "http://example.com/search?q=go+http", req.Target(true))

	form, err := NewRequest().Method("POST").URLString("http://example.com/form").Param("a", "1").Build()
	require.NoError(t, err)
	assert.Equal(t, "a=1", string(form.Body()))
	assert.Equal(t, "application/x-www-form-urlencoded", form.Header().Get("Content-Type"))
	assert.Equal(t, "/form", form.Target(false))

	derived := mustBuild(t, form.Derive())
	assert.Equal(t, "a=1", string(derived.Body()), "params are not folded twice")
	assert.Equal(t, 1, derived.Attempt())

	options := mustBuild(t, NewRequest().Method("OPTIONS").URL(&url.URL{Scheme: "http", Host: "example.com", Path: "*"}))
	assert.Equal(t, "*", options.Target(false))

	bad := []*RequestBuilder{
		NewRequest(),
		NewRequest().Method("BAD METHOD").URLString("http://example.com/"),
		NewRequest().URLString("http://example.com/").Header("Bad Name", "x"),
		NewRequest().URLString("http://example.com/").Header("X-Value", "a\r\nb"),
	}
	for idx, builder := range bad {
		if _, err := builder.Build(); err == nil {
			t.Errorf("#%d: no error", idx)
		}
	}
}

func TestBodyRelease(t *testing.T) {
	var released [][]byte
	body := NewBody([]byte("data"), func(data []byte) { released = append(released, data) })
	assert.Equal(t, "data", body.String())
	assert.Equal(t, 4, body.Len())
	assert.True(t, body.Release())
	assert.False(t, body.Release())
	assert.True(t, body.IsReleased())
	assert.Nil(t, body.Bytes())
	assert.Len(t, released, 1)

	var none *Body
	assert.False(t, none.Release())
	assert.Equal(t, "", none.String())

	resp := &Response{status: StatusOK, header: make(Header), body: NewBody([]byte("kept"), func([]byte) { t.Error("clone must not release") })}
	clone := resp.Clone()
	resp.body.released.Store(true)
	assert.Equal(t, "kept", clone.Body().String())
	assert.True(t, clone.Body().Release())
}

func TestMultipartEncoder(t *testing.T) {
	encoder := newMultipartEncoder([]Part{
		{Name: "title", Data: []byte("hello")},
		{Name: "file", FileName: `a "quoted".txt`, Data: []byte("content")},
	})
	body, err := encoder.finalize()
	require.NoError(t, err)
	again, err := encoder.finalize()
	require.NoError(t, err)
	assert.Equal(t, body, again)

	mediaType, params, err := mime.ParseMediaType(encoder.contentType())
	require.NoError(t, err)
	assert.Equal(t, "multipart/form-data", mediaType)
	reader := multipart.NewReader(bytes.NewReader(body), params["boundary"])

	part, err := reader.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "title", part.FormName())
	data, _ := io.ReadAll(part)
	assert.Equal(t, "hello", string(data))

	part, err = reader.NextPart()
	require.NoError(t, err)
	assert.Equal(t, `a "quoted".txt`, part.FileName())
	assert.Equal(t, "application/octet-stream", part.Header.Get("Content-Type"))

	_, err = reader.NextPart()
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, encoder.Close())
	require.NoError(t, encoder.Close())
	_, err = encoder.finalize()
	assert.ErrorIs(t, err, ErrIllegalState)
}

func TestFields2(t *testing.T) {
	header := make(Header)
	header.Set("Host", "example.com")
	header.Set("Connection", "keep-alive")
	header.Set("Content-Length", "3")
	header.Set("Te", "gzip")
	header.Set(headerStreamID, "5")
	header.Set("X-Custom", "1")
	fields := requestFields2("GET", "https", "example.com", "/", header)
	expect := []hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":path", Value: "/"},
		{Name: "x-custom", Value: "1"},
	}
	assert.Equal(t, expect, fields)
	assert.Equal(t, "example.com", pseudoOf2(fields, ":authority"))

	back := headerOf2(fields)
	assert.Equal(t, "1", back.Get("X-Custom"))
	assert.False(t, back.Has(":path"))

	header = make(Header)
	header.Set("Te", "trailers")
	assert.Equal(t, []hpack.HeaderField{{Name: ":status", Value: "204"}, {Name: "te", Value: "trailers"}}, responseFields2(StatusNoContent, header))
}
