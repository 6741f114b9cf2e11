// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Cookie box accumulates cookies received in responses and matches them against outgoing requests.

package htx

import (
	"net"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultCookieBoxSize = 512
	defaultCookieTTL     = 30 * time.Minute
)

type cookieKey struct {
	domain string
	path   string
	name   string
}

// boxedCookie is a cookie as stored in a box.
type boxedCookie struct {
	cookie   *Cookie
	domain   string    // effective domain
	path     string    // effective path
	hostOnly bool      // no Domain attribute was given
	expiry   time.Time // zero for session cookies
	created  time.Time
}

// CookieBox holds the cookies of one logical session. Entries never outlive the session ttl.
type CookieBox struct {
	store *expirable.LRU[cookieKey, *boxedCookie]
}

// NewCookieBox makes a box holding at most size cookies, none kept longer than ttl.
func NewCookieBox(size int, ttl time.Duration) *CookieBox {
	if size <= 0 {
		size = defaultCookieBoxSize
	}
	if ttl <= 0 {
		ttl = defaultCookieTTL
	}
	return &CookieBox{store: expirable.NewLRU[cookieKey, *boxedCookie](size, nil, ttl)}
}

// Put stores c as received from origin. Cookies for foreign domains are rejected. Expired cookies delete their entry.
func (b *CookieBox) Put(origin *url.URL, c *Cookie, now time.Time) bool {
	host := normalizeHost(origin.Hostname())
	boxed := &boxedCookie{cookie: c, created: now}
	if c.domain == "" {
		boxed.domain, boxed.hostOnly = host, true
	} else {
		if !domainMatch(host, c.domain) {
			return false
		}
		boxed.domain = c.domain
	}
	if strings.HasPrefix(c.path, "/") {
		boxed.path = c.path
	} else {
		boxed.path = defaultCookiePath(origin)
	}
	key := cookieKey{boxed.domain, boxed.path, c.name}
	boxed.expiry = c.expiry(now)
	if !boxed.expiry.IsZero() && !boxed.expiry.After(now) {
		b.store.Remove(key)
		return true
	}
	if old, ok := b.store.Peek(key); ok {
		boxed.created = old.created
	}
	b.store.Add(key, boxed)
	return true
}

// Match returns the cookies to send to u, longer paths first.
func (b *CookieBox) Match(u *url.URL, now time.Time) []*Cookie {
	host := normalizeHost(u.Hostname())
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	secure := strings.EqualFold(u.Scheme, "https")
	var matched []*boxedCookie
	for _, key := range b.store.Keys() {
		boxed, ok := b.store.Peek(key)
		if !ok {
			continue
		}
		if !boxed.expiry.IsZero() && !boxed.expiry.After(now) {
			b.store.Remove(key)
			continue
		}
		if boxed.hostOnly {
			if host != boxed.domain {
				continue
			}
		} else if !domainMatch(host, boxed.domain) {
			continue
		}
		if !pathMatch(path, boxed.path) || (boxed.cookie.secure && !secure) {
			continue
		}
		matched = append(matched, boxed)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if len(matched[i].path) != len(matched[j].path) {
			return len(matched[i].path) > len(matched[j].path)
		}
		return matched[i].created.Before(matched[j].created)
	})
	cookies := make([]*Cookie, len(matched))
	for i, boxed := range matched {
		cookies[i] = boxed.cookie
	}
	return cookies
}

func (b *CookieBox) Len() int { return b.store.Len() }
func (b *CookieBox) Purge()   { b.store.Purge() }

// MergeCookies unions declared and stored cookies. On a name collision the declared cookie wins, and every name appears once.
func MergeCookies(declared []*Cookie, stored []*Cookie) []*Cookie {
	merged := make([]*Cookie, 0, len(declared)+len(stored))
	seen := make(map[string]struct{}, len(declared)+len(stored))
	for _, group := range [2][]*Cookie{declared, stored} {
		for _, c := range group {
			if _, ok := seen[c.name]; ok {
				continue
			}
			seen[c.name] = struct{}{}
			merged = append(merged, c)
		}
	}
	return merged
}

// domainMatch implements RFC 6265 section 5.1.3.
func domainMatch(host string, domain string) bool {
	if host == domain {
		return true
	}
	return net.ParseIP(host) == nil && strings.HasSuffix(host, "."+domain)
}

// pathMatch implements RFC 6265 section 5.1.4.
func pathMatch(path string, cookiePath string) bool {
	if path == cookiePath {
		return true
	}
	if strings.HasPrefix(path, cookiePath) {
		return cookiePath[len(cookiePath)-1] == '/' || path[len(cookiePath)] == '/'
	}
	return false
}

// defaultCookiePath implements RFC 6265 section 5.1.4.
func defaultCookiePath(u *url.URL) string {
	path := u.EscapedPath()
	if path == "" || path[0] != '/' {
		return "/"
	}
	i := strings.LastIndexByte(path, '/')
	if i == 0 {
		return "/"
	}
	return path[:i]
}
