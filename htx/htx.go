// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Package htx is a dual-role HTTP/1.1 and HTTP/2 engine. It speaks both protocols as a client and as a server,
// cleartext and over TLS, with ALPN and h2c upgrade negotiation.

package htx

import (
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
)

const EngineVersion = "0.1.0"

var (
	_debugLevel atomic.Int32
	_logger     atomic.Pointer[zap.Logger]
)

func DebugLevel() int32         { return _debugLevel.Load() }
func SetDebugLevel(level int32) { _debugLevel.Store(level) }

// Logger returns the engine-wide logger. It is a no-op logger until SetLogger is called.
func Logger() *zap.Logger {
	if logger := _logger.Load(); logger != nil {
		return logger
	}
	return _nopLogger
}
func SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = _nopLogger
	}
	_logger.Store(logger)
}

var _nopLogger = zap.NewNop()

const ( // exit codes
	CodeBug = 20
	CodeUse = 21
	CodeEnv = 22
)

func BugExitln(v ...any) { _exitln(CodeBug, "[BUG] ", v...) }
func UseExitln(v ...any) { _exitln(CodeUse, "[USE] ", v...) }
func EnvExitln(v ...any) { _exitln(CodeEnv, "[ENV] ", v...) }

func _exitln(exitCode int, prefix string, v ...any) {
	fmt.Fprint(os.Stderr, prefix)
	fmt.Fprintln(os.Stderr, v...)
	os.Exit(exitCode)
}

const ( // units
	K = 1 << 10
	M = 1 << 20

	_4K   = 4 * K
	_16K  = 16 * K
	_64K1 = 64*K - 1
	_1M   = 1 * M
	_2G1  = 1<<31 - 1 // max int32, also max HTTP/2 stream id and window size
)
