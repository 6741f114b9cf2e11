// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// HTTP header fields.

package htx

import (
	"net/textproto"
	"sort"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Header is a multimap of header fields keyed by canonical field name.
type Header map[string][]string

func (h Header) Get(name string) string {
	if values := h[textproto.CanonicalMIMEHeaderKey(name)]; len(values) > 0 {
		return values[0]
	}
	return ""
}
func (h Header) Values(name string) []string { return h[textproto.CanonicalMIMEHeaderKey(name)] }
func (h Header) Has(name string) bool {
	_, ok := h[textproto.CanonicalMIMEHeaderKey(name)]
	return ok
}

func (h Header) Set(name string, value string) { h[textproto.CanonicalMIMEHeaderKey(name)] = []string{value} }
func (h Header) Add(name string, value string) {
	name = textproto.CanonicalMIMEHeaderKey(name)
	h[name] = append(h[name], value)
}
func (h Header) Del(name string) { delete(h, textproto.CanonicalMIMEHeaderKey(name)) }

// HasToken reports whether a comma-separated header contains token, case-insensitively.
func (h Header) HasToken(name string, token string) bool {
	return httpguts.HeaderValuesContainsToken(h.Values(name), token)
}

func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	clone := make(Header, len(h))
	for name, values := range h {
		clone[name] = append([]string(nil), values...)
	}
	return clone
}

// Names returns the field names in wire order, which is sorted.
func (h Header) Names() []string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Each visits every field in wire order.
func (h Header) Each(visit func(name string, value string)) {
	for _, name := range h.Names() {
		for _, value := range h[name] {
			visit(name, value)
		}
	}
}

func (h Header) validate() error {
	for name, values := range h {
		if !httpguts.ValidHeaderFieldName(name) {
			return newProtocolError("invalid header field name %q", name)
		}
		for _, value := range values {
			if !httpguts.ValidHeaderFieldValue(value) {
				return newProtocolError("invalid value for header field %q", name)
			}
		}
	}
	return nil
}

// hopHeaders are connection-specific and must not travel in HTTP/2 messages.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Transfer-Encoding",
	"Upgrade",
	"Http2-Settings",
}

func isHopHeader(name string) bool {
	for _, hop := range hopHeaders {
		if strings.EqualFold(hop, name) {
			return true
		}
	}
	return false
}

const headerStreamID = "X-Stream-Id" // internal, correlates HTTP/2 messages to ledger entries. never sent to peers
