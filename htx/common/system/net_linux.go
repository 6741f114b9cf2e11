// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Socket options for Linux.

package system

import (
	"syscall"
)

func SetDeferAccept(rawConn syscall.RawConn) (err error) {
	if cerr := rawConn.Control(func(fd uintptr) {
		err = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_TCP, syscall.TCP_DEFER_ACCEPT, 1)
	}); cerr != nil {
		return cerr
	}
	return
}

func SetReusePort(rawConn syscall.RawConn) (err error) {
	const SO_REUSEPORT = 0xf // for amd64, arm64, riscv64, loong64
	if cerr := rawConn.Control(func(fd uintptr) {
		err = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, SO_REUSEPORT, 1)
	}); cerr != nil {
		return cerr
	}
	return
}

func SetNoDelay(rawConn syscall.RawConn) (err error) {
	if cerr := rawConn.Control(func(fd uintptr) {
		err = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_TCP, syscall.TCP_NODELAY, 1)
	}); cerr != nil {
		return cerr
	}
	return
}
