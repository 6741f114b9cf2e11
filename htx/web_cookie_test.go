// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package htx

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func mustURL(t *testing.T, rawURL string) *url.URL {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u
}

func TestNewCookie(t *testing.T) {
	tests := []struct {
		name   string
		value  string
		expect bool
	}{
		{"sid", "abc123", true},
		{"sid", "", true},
		{"sid", "a b", true},
		{"", "abc", false},
		{"s;d", "abc", false},
		{"sid", "a;b", false},
		{"sid", `a"b`, false},
		{"sid", "a\\b", false},
	}
	for idx, test := range tests {
		_, err := NewCookie(test.name, test.value)
		if recv := err == nil; recv != test.expect {
			t.Errorf("#%d: recv=%v, expect=%v", idx, recv, test.expect)
		}
	}
}

func TestEncodeSetCookie(t *testing.T) {
	c := MustCookie("sid", "abc")
	c.SetMaxAge(60)
	c.SetDomain(".Example.COM")
	c.SetPath("/app")
	c.SetSecure()
	c.SetHttpOnly()
	c.SetSameSite(SameSiteLax)
	assert.Equal(t, "sid=abc; Expires=Fri, 01 Mar 2024 12:01:00 GMT; Max-Age=60; Domain=example.com; Path=/app; Secure; HttpOnly; SameSite=Lax", EncodeSetCookie(c, testNow))

	quoted := MustCookie("q", "a b")
	assert.Equal(t, `q="a b"`, EncodeSetCookie(quoted, testNow))

	gone := MustCookie("gone", "")
	gone.SetMaxAge(-1)
	assert.Equal(t, "gone=; Expires=Thu, 01 Jan 1970 00:00:00 GMT; Max-Age=0", EncodeSetCookie(gone, testNow))
}

func TestDecodeSetCookie(t *testing.T) {
	c, err := DecodeSetCookie(`sid="abc"; Path=/app; Domain=.example.com; Expires=Fri, 01 Mar 2024 13:00:00 GMT; Secure; HttpOnly; SameSite=strict; $Version=1`)
	require.NoError(t, err)
	assert.Equal(t, "sid", c.Name())
	assert.Equal(t, "abc", c.Value())
	assert.Equal(t, "/app", c.Path())
	assert.Equal(t, "example.com", c.Domain())
	assert.True(t, c.Expires().Equal(testNow.Add(time.Hour)))
	assert.True(t, c.Secure())
	assert.True(t, c.HttpOnly())
	assert.Equal(t, SameSiteStrict, c.SameSite())

	c, err = DecodeSetCookie("n=v; Max-Age=0; Path=relative")
	require.NoError(t, err)
	assert.Equal(t, int32(-1), c.MaxAge())
	assert.Empty(t, c.Path())

	c, err = DecodeSetCookie("n=v; Max-Age=junk")
	require.NoError(t, err)
	assert.Equal(t, int32(0), c.MaxAge())

	_, err = DecodeSetCookie("novalue")
	assert.ErrorIs(t, err, errBadCookie)
	_, err = DecodeSetCookie("bad;name=v")
	assert.ErrorIs(t, err, errBadCookie)
}

func TestDecodeCookies(t *testing.T) {
	cookies := DecodeCookies(`$Version=1; a=1; b="two"; ; broken; c=3`)
	require.Len(t, cookies, 3)
	assert.Equal(t, "a=1; b=two; c=3", EncodeCookies(cookies))
}

func TestParseCookieDate(t *testing.T) {
	tests := []string{
		"Fri, 01 Mar 2024 12:00:00 GMT",
		"Fri, 01-Mar-2024 12:00:00 GMT",
		"Friday, 01-Mar-24 12:00:00 GMT",
		"Fri Mar  1 12:00:00 2024",
	}
	for idx, test := range tests {
		recv, ok := parseCookieDate(test)
		if !ok || !recv.Equal(testNow) {
			t.Errorf("#%d: recv=%v, expect=%v", idx, recv, testNow)
		}
	}
}

func TestCookieBoxMatch(t *testing.T) {
	box := NewCookieBox(0, 0)
	origin := mustURL(t, "https://www.example.com/app/login")

	hostOnly := MustCookie("host", "1")
	domainWide := MustCookie("wide", "2")
	domainWide.SetDomain("example.com")
	deep := MustCookie("deep", "3")
	deep.SetPath("/app/admin")
	secure := MustCookie("sec", "4")
	secure.SetSecure()
	foreign := MustCookie("evil", "5")
	foreign.SetDomain("other.com")

	for _, c := range []*Cookie{hostOnly, domainWide, deep, secure} {
		require.True(t, box.Put(origin, c, testNow))
	}
	assert.False(t, box.Put(origin, foreign, testNow))
	assert.Equal(t, 4, box.Len())

	names := func(cookies []*Cookie) []string {
		var names []string
		for _, c := range cookies {
			names = append(names, c.Name())
		}
		return names
	}
	assert.Equal(t, []string{"deep", "host", "wide", "sec"}, names(box.Match(mustURL(t, "https://www.example.com/app/admin/users"), testNow)))
	assert.Equal(t, []string{"host", "wide"}, names(box.Match(mustURL(t, "http://www.example.com/app/"), testNow)))
	assert.Equal(t, []string{"wide"}, names(box.Match(mustURL(t, "http://api.example.com/app/x"), testNow)))
	assert.Empty(t, box.Match(mustURL(t, "http://www.example.com/other"), testNow))
}

func TestCookieBoxExpiry(t *testing.T) {
	box := NewCookieBox(8, time.Hour)
	origin := mustURL(t, "http://example.com/")

	short := MustCookie("short", "1")
	short.SetMaxAge(10)
	require.True(t, box.Put(origin, short, testNow))
	assert.Len(t, box.Match(origin, testNow.Add(5*time.Second)), 1)
	assert.Empty(t, box.Match(origin, testNow.Add(11*time.Second)))
	assert.Equal(t, 0, box.Len())

	keep := MustCookie("keep", "1")
	require.True(t, box.Put(origin, keep, testNow))
	remove := MustCookie("keep", "")
	remove.SetMaxAge(-1)
	require.True(t, box.Put(origin, remove, testNow))
	assert.Equal(t, 0, box.Len())
}

func TestMergeCookiesDeclaredWins(t *testing.T) {
	declared := []*Cookie{MustCookie("a", "declared"), MustCookie("b", "declared")}
	stored := []*Cookie{MustCookie("b", "stored"), MustCookie("c", "stored")}
	merged := MergeCookies(declared, stored)
	assert.Equal(t, "a=declared; b=declared; c=stored", EncodeCookies(merged))

	assert.Equal(t, "c=stored", EncodeCookies(MergeCookies(nil, stored[1:])))
	assert.Empty(t, MergeCookies(nil, nil))
}

func TestDomainAndPathMatch(t *testing.T) {
	assert.True(t, domainMatch("example.com", "example.com"))
	assert.True(t, domainMatch("a.example.com", "example.com"))
	assert.False(t, domainMatch("badexample.com", "example.com"))
	assert.False(t, domainMatch("1.2.3.4", "3.4"))

	assert.True(t, pathMatch("/app", "/app"))
	assert.True(t, pathMatch("/app/x", "/app"))
	assert.True(t, pathMatch("/app/x", "/app/"))
	assert.False(t, pathMatch("/apple", "/app"))

	assert.Equal(t, "/", defaultCookiePath(mustURL(t, "http://h/login")))
	assert.Equal(t, "/app", defaultCookiePath(mustURL(t, "http://h/app/login")))
}
