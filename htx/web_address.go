// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Logical HTTP endpoints.

package htx

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/net/idna"
)

// Version is an HTTP protocol version.
type Version uint8

const (
	Version1_1 Version = iota // must be 0
	Version2
)

func (v Version) String() string {
	switch v {
	case Version1_1:
		return "HTTP/1.1"
	case Version2:
		return "HTTP/2.0"
	default:
		return "HTTP/?"
	}
}

// Address identifies a logical endpoint. It is immutable once built and shared by all interactions to that endpoint.
type Address struct {
	host       string   // normalized, lowercase, ascii
	port       int      // 1-65535
	version    Version  // Version1_1, Version2
	secure     bool     // tls or not
	validHosts []string // host names the endpoint may serve, usually from certificate SANs. may contain wildcards
}

// NewAddress builds an address. validHosts are the extra host names the endpoint is known to serve.
func NewAddress(host string, port int, version Version, secure bool, validHosts ...string) *Address {
	a := &Address{
		host:    normalizeHost(host),
		port:    port,
		version: version,
		secure:  secure,
	}
	for _, validHost := range validHosts {
		if validHost = normalizeHost(validHost); validHost != "" {
			a.validHosts = append(a.validHosts, validHost)
		}
	}
	return a
}

// AddressOf derives the address of an absolute http or https URL.
func AddressOf(u *url.URL, version Version) (*Address, error) {
	if u == nil || u.Host == "" {
		return nil, errors.Wrap(ErrIllegalState, "address requires an absolute url")
	}
	var secure bool
	switch strings.ToLower(u.Scheme) {
	case "http":
	case "https":
		secure = true
	default:
		return nil, newProtocolError("unsupported scheme %q", u.Scheme)
	}
	port := 80
	if secure {
		port = 443
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return nil, newProtocolError("bad port %q", p)
		}
		port = n
	}
	return NewAddress(u.Hostname(), port, version, secure), nil
}

func (a *Address) Host() string         { return a.host }
func (a *Address) Port() int            { return a.port }
func (a *Address) Version() Version     { return a.version }
func (a *Address) IsSecure() bool       { return a.secure }
func (a *Address) ValidHosts() []string { return a.validHosts }

func (a *Address) Scheme() string {
	if a.secure {
		return "https"
	}
	return "http"
}

// HostPort is the dial target.
func (a *Address) HostPort() string { return net.JoinHostPort(a.host, strconv.Itoa(a.port)) }

// Authority is the host and port as they appear in Host headers, with the default port omitted.
func (a *Address) Authority() string {
	if (a.secure && a.port == 443) || (!a.secure && a.port == 80) {
		if strings.IndexByte(a.host, ':') >= 0 {
			return "[" + a.host + "]"
		}
		return a.host
	}
	return a.HostPort()
}

type addressKey struct {
	host    string
	port    int
	version Version
	secure  bool
}

// key is the identity of the address. Valid hosts do not take part in it.
func (a *Address) key() addressKey {
	return addressKey{a.host, a.port, a.version, a.secure}
}

// Equal compares host, port, version and secure flag.
func (a *Address) Equal(b *Address) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.key() == b.key()
}

// IsValidHost reports whether host is served by this endpoint, either as its own host or through a valid host.
// A valid host "*.example.com" matches exactly one extra label.
func (a *Address) IsValidHost(host string) bool {
	host = normalizeHost(host)
	if host == "" {
		return false
	}
	if host == a.host {
		return true
	}
	for _, validHost := range a.validHosts {
		if matchHostPattern(validHost, host) {
			return true
		}
	}
	return false
}

func (a *Address) String() string {
	if a == nil {
		return "<nil>"
	}
	return a.Scheme() + "://" + a.HostPort() + " " + a.version.String()
}

func matchHostPattern(pattern string, host string) bool {
	if pattern == host {
		return true
	}
	if !strings.HasPrefix(pattern, "*.") {
		return false
	}
	dot := strings.IndexByte(host, '.')
	return dot > 0 && host[dot+1:] == pattern[2:]
}

// normalizeHost lowercases host, strips brackets and a trailing dot, and converts internationalized names to ascii.
func normalizeHost(host string) string {
	host = strings.TrimSuffix(strings.TrimSpace(host), ".")
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	if host == "" || net.ParseIP(host) != nil {
		return strings.ToLower(host)
	}
	wildcard := strings.HasPrefix(host, "*.")
	if wildcard {
		host = host[2:]
	}
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		host = ascii
	}
	host = strings.ToLower(host)
	if wildcard {
		host = "*." + host
	}
	return host
}
