// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// HTTP cookies. See RFC 6265.

package htx

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var clockNow = time.Now // replaced in tests

const httpDateFormat = "Mon, 02 Jan 2006 15:04:05 GMT" // IMF-fixdate

var cookieDateFormats = [...]string{
	httpDateFormat,
	"Mon, 02-Jan-2006 15:04:05 GMT",
	"Monday, 02-Jan-06 15:04:05 GMT", // RFC 850
	"Mon Jan _2 15:04:05 2006",       // asctime
	"Mon, 02 Jan 2006 15:04:05 MST",
	"Mon, 2 Jan 2006 15:04:05 GMT",
}

// SameSite is the value of the SameSite attribute.
type SameSite uint8

const (
	SameSiteDefault SameSite = iota // attribute not sent
	SameSiteLax
	SameSiteStrict
	SameSiteNone
)

func (s SameSite) String() string {
	switch s {
	case SameSiteLax:
		return "Lax"
	case SameSiteStrict:
		return "Strict"
	case SameSiteNone:
		return "None"
	default:
		return ""
	}
}

// Cookie is a cookie sent in a cookie field or received in a set-cookie field.
type Cookie struct {
	name     string
	value    string
	domain   string
	path     string
	expires  time.Time
	maxAge   int32 // 0: unset, > 0: seconds, < 0: expire now
	secure   bool
	httpOnly bool
	sameSite SameSite
	quote    bool // if true, quote value with ""
}

var errBadCookie = errors.New("htx: bad cookie")

// NewCookie makes a cookie after checking name and value against the cookie-octet grammar.
func NewCookie(name string, value string) (*Cookie, error) {
	c := new(Cookie)
	if !c.Set(name, value) {
		return nil, errors.Wrapf(errBadCookie, "name=%q", name)
	}
	return c, nil
}

// MustCookie is NewCookie that panics on bad input. Use it with literals.
func MustCookie(name string, value string) *Cookie {
	c, err := NewCookie(name, value)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Cookie) Set(name string, value string) bool {
	// cookie-name = 1*cookie-octet
	// cookie-octet = %x21 / %x23-2B / %x2D-3A / %x3C-5B / %x5D-7E
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		if webKchar[name[i]] == 0 {
			return false
		}
	}
	// cookie-value = *cookie-octet / ( DQUOTE *cookie-octet DQUOTE )
	quote := false
	for i := 0; i < len(value); i++ {
		b := value[i]
		if webKchar[b] == 1 {
			continue
		}
		if b == ' ' || b == ',' {
			quote = true
			continue
		}
		return false
	}
	c.name, c.value, c.quote = name, value, quote
	return true
}

func (c *Cookie) SetDomain(domain string) bool {
	domain = strings.TrimPrefix(strings.ToLower(domain), ".")
	for i := 0; i < len(domain); i++ {
		if b := domain[i]; b <= 0x20 || b >= 0x7F || b == ';' {
			return false
		}
	}
	c.domain = domain
	return true
}
func (c *Cookie) SetPath(path string) bool {
	// path-value = *av-octet
	// av-octet = %x20-3A / %x3C-7E
	for i := 0; i < len(path); i++ {
		if b := path[i]; b < 0x20 || b > 0x7E || b == ';' {
			return false
		}
	}
	c.path = path
	return true
}
func (c *Cookie) SetExpires(expires time.Time) bool {
	expires = expires.UTC()
	if expires.Year() < 1601 {
		return false
	}
	c.expires = expires
	return true
}
func (c *Cookie) SetMaxAge(maxAge int32) { c.maxAge = maxAge }
func (c *Cookie) SetSecure()             { c.secure = true }
func (c *Cookie) SetHttpOnly()           { c.httpOnly = true }

func (c *Cookie) SetSameSite(sameSite SameSite) { c.sameSite = sameSite }

func (c *Cookie) Name() string       { return c.name }
func (c *Cookie) Value() string      { return c.value }
func (c *Cookie) Domain() string     { return c.domain }
func (c *Cookie) Path() string       { return c.path }
func (c *Cookie) Expires() time.Time { return c.expires }
func (c *Cookie) MaxAge() int32      { return c.maxAge }
func (c *Cookie) Secure() bool       { return c.secure }
func (c *Cookie) HttpOnly() bool     { return c.httpOnly }
func (c *Cookie) SameSite() SameSite { return c.sameSite }

// expiry returns when the cookie expires, or zero if it lives for the session.
func (c *Cookie) expiry(now time.Time) time.Time {
	switch {
	case c.maxAge > 0:
		return now.Add(time.Duration(c.maxAge) * time.Second)
	case c.maxAge < 0:
		return time.Unix(0, 0).UTC()
	default:
		return c.expires
	}
}

func (c *Cookie) pair() string {
	if c.quote {
		return c.name + `="` + c.value + `"`
	}
	return c.name + "=" + c.value
}

// EncodeSetCookie renders c as the value of a set-cookie field. Max-Age, when set, also yields Expires.
func EncodeSetCookie(c *Cookie, now time.Time) string {
	// set-cookie: name=value; Expires=Sun, 06 Nov 1994 08:49:37 GMT; Max-Age=123; Domain=example.com; Path=/; Secure; HttpOnly; SameSite=Strict
	var b strings.Builder
	b.Grow(len(c.name) + len(c.value) + 64)
	b.WriteString(c.pair())
	if expires := c.expiry(now); !expires.IsZero() {
		b.WriteString("; Expires=")
		b.WriteString(expires.UTC().Format(httpDateFormat))
	}
	if c.maxAge > 0 {
		b.WriteString("; Max-Age=")
		b.WriteString(strconv.FormatInt(int64(c.maxAge), 10))
	} else if c.maxAge < 0 {
		b.WriteString("; Max-Age=0")
	}
	if c.domain != "" {
		b.WriteString("; Domain=")
		b.WriteString(c.domain)
	}
	if c.path != "" {
		b.WriteString("; Path=")
		b.WriteString(c.path)
	}
	if c.secure {
		b.WriteString("; Secure")
	}
	if c.httpOnly {
		b.WriteString("; HttpOnly")
	}
	if c.sameSite != SameSiteDefault {
		b.WriteString("; SameSite=")
		b.WriteString(c.sameSite.String())
	}
	return b.String()
}

// EncodeCookies renders cookies as the value of a single cookie field.
func EncodeCookies(cookies []*Cookie) string {
	var b strings.Builder
	for i, c := range cookies {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(c.pair())
	}
	return b.String()
}

// DecodeCookies parses the value of a cookie field. RFC 2965 attributes like $Version and $Path are skipped.
// Malformed pairs are dropped.
func DecodeCookies(header string) []*Cookie {
	var cookies []*Cookie
	for len(header) > 0 {
		var pair string
		if i := strings.IndexByte(header, ';'); i >= 0 {
			pair, header = header[:i], header[i+1:]
		} else {
			pair, header = header, ""
		}
		name, value, ok := splitPair(pair)
		if !ok || name[0] == '$' {
			continue
		}
		c := new(Cookie)
		if c.Set(name, value) {
			cookies = append(cookies, c)
		}
	}
	return cookies
}

// DecodeSetCookie parses the value of a set-cookie field.
func DecodeSetCookie(header string) (*Cookie, error) {
	parts := strings.Split(header, ";")
	name, value, ok := splitPair(parts[0])
	if !ok {
		return nil, errors.Wrapf(errBadCookie, "set-cookie %q", header)
	}
	c := new(Cookie)
	if !c.Set(name, value) {
		return nil, errors.Wrapf(errBadCookie, "set-cookie %q", header)
	}
	for _, part := range parts[1:] {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		attr, val, _ := strings.Cut(part, "=")
		attr, val = strings.TrimSpace(attr), strings.TrimSpace(val)
		if attr == "" || attr[0] == '$' {
			continue
		}
		switch strings.ToLower(attr) {
		case "expires":
			if expires, ok := parseCookieDate(val); ok {
				c.SetExpires(expires)
			}
		case "max-age":
			secs, err := strconv.ParseInt(val, 10, 32)
			if err != nil || (val[0] != '-' && (val[0] < '0' || val[0] > '9')) {
				continue
			}
			if secs <= 0 {
				c.maxAge = -1
			} else {
				c.maxAge = int32(secs)
			}
		case "domain":
			c.SetDomain(val)
		case "path":
			if strings.HasPrefix(val, "/") {
				c.SetPath(val)
			}
		case "secure":
			c.secure = true
		case "httponly":
			c.httpOnly = true
		case "samesite":
			switch strings.ToLower(val) {
			case "lax":
				c.sameSite = SameSiteLax
			case "strict":
				c.sameSite = SameSiteStrict
			case "none":
				c.sameSite = SameSiteNone
			}
		}
	}
	return c, nil
}

func splitPair(pair string) (name string, value string, ok bool) {
	name, value, ok = strings.Cut(strings.TrimSpace(pair), "=")
	if !ok {
		return "", "", false
	}
	name, value = strings.TrimSpace(name), strings.TrimSpace(value)
	if name == "" {
		return "", "", false
	}
	if n := len(value); n >= 2 && value[0] == '"' && value[n-1] == '"' {
		value = value[1 : n-1]
	}
	return name, value, true
}

func parseCookieDate(value string) (time.Time, bool) {
	for _, format := range cookieDateFormats {
		if t, err := time.Parse(format, value); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func findCookie(cookies []*Cookie, name string) *Cookie {
	for _, c := range cookies {
		if c.name == name {
			return c
		}
	}
	return nil
}

var webKchar = [256]int8{ // cookie-octet = 0x21 / 0x23-0x2B / 0x2D-0x3A / 0x3C-0x5B / 0x5D-0x7E
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 1, 0, 1, 1, 1, 1, 1, 1, 1, 1, 1, 0, 1, 1, 1,
	1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 0, 1, 1, 1, 1,
	1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1,
	1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 0, 1, 1, 1,
	1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1,
	1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}
