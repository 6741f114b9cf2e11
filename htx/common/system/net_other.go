// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

//go:build !linux

// Socket options for platforms without SO_REUSEPORT or TCP_DEFER_ACCEPT support. They are no-ops.

package system

import (
	"syscall"
)

func SetDeferAccept(rawConn syscall.RawConn) error { return nil }
func SetReusePort(rawConn syscall.RawConn) error   { return nil }
func SetNoDelay(rawConn syscall.RawConn) error     { return nil }
