// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Errors surfaced by clients, servers, and interactions.

package htx

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrIllegalState       = errors.New("htx: illegal state")
	ErrConnectionClosed   = errors.New("htx: connection closed")
	ErrChannelClosed      = errors.New("htx: channel closed")
	ErrNotWritable        = errors.New("htx: channel not writable")
	ErrStreamIDsExhausted = errors.New("htx: stream ids exhausted")
	ErrClientClosed       = errors.New("htx: client closed")
	ErrServerClosed       = errors.New("htx: server closed")

	errInteractionClosed = errors.New("htx: interaction closed")
	errGoAway            = errors.New("htx: connection is going away")
)

// ConnectError reports that no transport connection could be obtained for an address.
// It is terminal for the interaction that hit it.
type ConnectError struct {
	Address *Address
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("htx: connect %s: %v", e.Address, e.Err)
}
func (e *ConnectError) Unwrap() error { return e.Err }
func (e *ConnectError) Cause() error  { return e.Err }

// IOError reports an I/O failure, including timeouts and refused writes.
type IOError struct {
	Op  string // read, write, settings, idle, ...
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("htx: %s: %v", e.Op, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }
func (e *IOError) Cause() error  { return e.Err }

// Timeout reports whether the error was caused by a timeout.
func (e *IOError) Timeout() bool {
	var t interface{ Timeout() bool }
	return errors.As(e.Err, &t) && t.Timeout()
}

// ProtocolError reports a protocol violation or an unsupported negotiated protocol. Connections that hit it are closed.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "htx: protocol error: " + e.Reason }

func newProtocolError(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

type timeoutError string

func (e timeoutError) Error() string   { return string(e) }
func (e timeoutError) Timeout() bool   { return true }
func (e timeoutError) Temporary() bool { return true }

var (
	errSettingsTimeout = timeoutError("settings not received in time")
	errIdleTimeout     = timeoutError("idle timeout")
)

// isTransportError reports whether err came from the transport rather than from a protocol violation or misuse.
func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	var protoErr *ProtocolError
	return !errors.As(err, &protoErr) && !errors.Is(err, ErrIllegalState) && !errors.Is(err, errInteractionClosed)
}
