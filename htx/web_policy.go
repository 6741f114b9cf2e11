// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Retry and continuation policies.

package htx

import (
	"strings"
)

// RetryPolicy decides whether a request is sent again. resp is nil when cause is set.
// A nil request means no retry.
type RetryPolicy interface {
	Retry(req *Request, resp *Response, cause error) (*Request, error)
}

// ContinuationPolicy decides whether a response leads to a follow-up request, such as a redirect.
// A nil request means none.
type ContinuationPolicy interface {
	Continue(req *Request, resp *Response) (*Request, error)
}

// RetryFunc adapts a function to RetryPolicy.
type RetryFunc func(req *Request, resp *Response, cause error) (*Request, error)

func (f RetryFunc) Retry(req *Request, resp *Response, cause error) (*Request, error) {
	return f(req, resp, cause)
}

// ContinuationFunc adapts a function to ContinuationPolicy.
type ContinuationFunc func(req *Request, resp *Response) (*Request, error)

func (f ContinuationFunc) Continue(req *Request, resp *Response) (*Request, error) { return f(req, resp) }

// StatusRetry sends a request again, up to maxAttempts attempts in total, when its response has one of statuses.
func StatusRetry(maxAttempts int, statuses ...int) RetryPolicy {
	set := make(map[int]struct{}, len(statuses))
	for _, status := range statuses {
		set[status] = struct{}{}
	}
	return RetryFunc(func(req *Request, resp *Response, cause error) (*Request, error) {
		if resp == nil || req.Attempt()+1 >= maxAttempts {
			return nil, nil
		}
		if _, ok := set[resp.Status()]; !ok {
			return nil, nil
		}
		return req.Derive().Build()
	})
}

// TransportRetry sends an idempotent request again, up to maxAttempts attempts in total, when its connection failed.
func TransportRetry(maxAttempts int) RetryPolicy {
	return RetryFunc(func(req *Request, resp *Response, cause error) (*Request, error) {
		if cause == nil || !isTransportError(cause) || req.Attempt()+1 >= maxAttempts || !isIdempotent(req.Method()) {
			return nil, nil
		}
		return req.Derive().Build()
	})
}

// RetryPolicies consults policies in order. The first one that retries wins.
func RetryPolicies(policies ...RetryPolicy) RetryPolicy {
	return RetryFunc(func(req *Request, resp *Response, cause error) (*Request, error) {
		for _, policy := range policies {
			next, err := policy.Retry(req, resp, cause)
			if next != nil || err != nil {
				return next, err
			}
		}
		return nil, nil
	})
}

func isIdempotent(method string) bool {
	switch method {
	case "GET", "HEAD", "OPTIONS", "TRACE", "PUT", "DELETE":
		return true
	}
	return false
}

// RedirectContinuation follows redirects, at most maxRedirects in a row.
// 303, and 301 or 302 after a POST, continue as GET without a body.
func RedirectContinuation(maxRedirects int) ContinuationPolicy {
	return ContinuationFunc(func(req *Request, resp *Response) (*Request, error) {
		status := resp.Status()
		switch status {
		case StatusMovedPermanently, StatusFound, StatusSeeOther, StatusTemporaryRedirect, StatusPermanentRedirect:
		default:
			return nil, nil
		}
		location := resp.Header().Get("Location")
		if location == "" || req.Redirects() >= maxRedirects {
			return nil, nil
		}
		target, err := req.URL().Parse(location)
		if err != nil {
			return nil, newProtocolError("bad redirect location %q", location)
		}
		builder := req.Derive().URL(target)
		builder.attempt = 0
		builder.redirects = req.Redirects() + 1
		if (status == StatusSeeOther && req.Method() != "HEAD") || ((status == StatusMovedPermanently || status == StatusFound) && req.Method() == "POST") {
			builder.Method("GET")
			builder.body, builder.parts = nil, nil
			builder.DelHeader("Content-Type")
			builder.DelHeader("Content-Length")
		}
		if !strings.EqualFold(target.Hostname(), req.URL().Hostname()) {
			builder.DelHeader("Authorization")
			builder.DelHeader("Cookie")
			builder.cookies = nil
		}
		return builder.Build()
	})
}
