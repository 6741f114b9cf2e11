// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Trace context propagation through header fields.

package htx

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// headerCarrier lets a Header carry trace context.
type headerCarrier Header

var _ propagation.TextMapCarrier = headerCarrier(nil)

func (c headerCarrier) Get(key string) string        { return Header(c).Get(key) }
func (c headerCarrier) Set(key string, value string) { Header(c).Set(key, value) }
func (c headerCarrier) Keys() []string               { return Header(c).Names() }

// injectTrace writes the trace context of ctx into header.
func injectTrace(ctx context.Context, header Header) {
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(header))
}

// extractTrace returns ctx carrying the trace context found in header, if any.
func extractTrace(ctx context.Context, header Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, headerCarrier(header))
}

// traceFields names the span ctx belongs to, for logs. Nothing if ctx is not traced.
func traceFields(ctx context.Context) []zap.Field {
	spanContext := trace.SpanContextFromContext(ctx)
	if !spanContext.IsValid() {
		return nil
	}
	return []zap.Field{zap.Stringer("trace", spanContext.TraceID()), zap.Stringer("span", spanContext.SpanID())}
}
