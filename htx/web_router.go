// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Routers handle requests received by servers.

package htx

import (
	"context"
)

// Router handles a fully received request by filling in resp.
// forcedStatus is non-zero when the server has already decided the status, such as 400 for a malformed request.
// req and its body are borrowed until Dispatch returns.
type Router interface {
	Dispatch(ctx context.Context, req *Request, resp *ResponseBuilder, forcedStatus int)
}

// RouterFunc adapts a function to Router.
type RouterFunc func(ctx context.Context, req *Request, resp *ResponseBuilder, forcedStatus int)

func (f RouterFunc) Dispatch(ctx context.Context, req *Request, resp *ResponseBuilder, forcedStatus int) {
	f(ctx, req, resp, forcedStatus)
}

// notFound is the router of servers configured without one.
var notFound = RouterFunc(func(ctx context.Context, req *Request, resp *ResponseBuilder, forcedStatus int) {
	status := forcedStatus
	if status == 0 {
		status = StatusNotFound
	}
	resp.Status(status).Header("Content-Type", "text/plain; charset=utf-8").BodyString(StatusText(status) + "\n")
})
