// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Htx demo server.

package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hexinfra/htx/htx"
	"go.uber.org/zap"
)

const usage = `
htx (%s)
================================================================================

  htx [OPTIONS]

OPTIONS
-------

  -listen    <addr>    # address to listen on. defaults to ":8080"
  -mode      <mode>    # adaptive, http1 or http2. defaults to adaptive
  -domain    <name>    # serve TLS for this domain, with -cert and -key
  -cert      <file>    # certificate file in PEM
  -key       <file>    # private key file in PEM
  -gates     <n>       # number of listeners sharing the port. defaults to 1
  -pipeline  <n>       # max responses queued per HTTP/1 connection. defaults to 64
  -eventloop           # serve cleartext HTTP/1 on event loops
  -debug     <level>   # debug level. defaults to 0
  -dev                 # log for humans instead of machines

`

var (
	listen    = flag.String("listen", ":8080", "")
	mode      = flag.String("mode", "adaptive", "")
	domain    = flag.String("domain", "", "")
	certFile  = flag.String("cert", "", "")
	keyFile   = flag.String("key", "", "")
	gates     = flag.Int("gates", 1, "")
	pipeline  = flag.Int("pipeline", 64, "")
	eventLoop = flag.Bool("eventloop", false, "")
	debug     = flag.Int("debug", 0, "")
	dev       = flag.Bool("dev", false, "")
)

func main() {
	flag.Usage = func() { fmt.Printf(usage, htx.EngineVersion) }
	flag.Parse()

	logger, err := newLogger(*dev)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(htx.CodeEnv)
	}
	defer logger.Sync()
	htx.SetLogger(logger)
	htx.SetDebugLevel(int32(*debug))

	opts, err := serverOptions()
	if err != nil {
		htx.UseExitln(err.Error())
	}
	server, err := htx.NewServer(opts...)
	if err != nil {
		htx.UseExitln(err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := server.Serve(ctx); err != nil && err != context.Canceled {
		logger.Error("serve", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func serverOptions() ([]htx.ServerOption, error) {
	opts := []htx.ServerOption{
		htx.WithListen(*listen),
		htx.WithRouter(demoRouter),
		htx.WithGates(*gates),
		htx.WithPipelineCapacity(*pipeline),
		htx.WithEventLoop(*eventLoop),
	}
	switch *mode {
	case "adaptive":
		opts = append(opts, htx.WithMode(htx.ModeAdaptive))
	case "http1":
		opts = append(opts, htx.WithMode(htx.ModeHTTP1))
	case "http2":
		opts = append(opts, htx.WithMode(htx.ModeHTTP2))
	default:
		return nil, fmt.Errorf("unknown mode %q", *mode)
	}
	if *domain != "" {
		cert, err := tls.LoadX509KeyPair(*certFile, *keyFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, htx.WithDomains(&htx.Domain{Name: *domain, Certificates: []tls.Certificate{cert}}))
	}
	return opts, nil
}

// demoRouter says hello, echoes, and shows what the connection negotiated.
var demoRouter = htx.RouterFunc(func(ctx context.Context, req *htx.Request, resp *htx.ResponseBuilder, forcedStatus int) {
	if forcedStatus != 0 {
		resp.Header("Content-Type", "text/plain; charset=utf-8").BodyString(htx.StatusText(forcedStatus) + "\n")
		return
	}
	resp.Header("Content-Type", "text/plain; charset=utf-8")
	switch path := req.URL().Path; {
	case path == "/" || path == "/hello":
		resp.BodyString("hello, world!\n")
	case path == "/echo":
		resp.Body(append([]byte(nil), req.Body()...))
	case path == "/info":
		var info strings.Builder
		fmt.Fprintf(&info, "version: %s\nremote: %s\nstream: %d\n", req.Version(), req.RemoteAddr(), req.StreamID())
		if session := req.Extension().Session; session != nil {
			fmt.Fprintf(&info, "alpn: %s\nsni: %s\n", session.NegotiatedProtocol, req.Extension().SNIHost)
		}
		for _, cookie := range req.Cookies() {
			fmt.Fprintf(&info, "cookie: %s=%s\n", cookie.Name(), cookie.Value())
		}
		resp.BodyString(info.String())
	case path == "/visit":
		resp.SetCookie(htx.MustCookie("visited", "1"))
		resp.BodyString("welcome\n")
	case strings.HasPrefix(path, "/static/"):
		resp.Push("/static/style.css")
		resp.BodyString("static " + path + "\n")
	default:
		resp.Status(htx.StatusNotFound).BodyString(htx.StatusText(htx.StatusNotFound) + "\n")
	}
})
