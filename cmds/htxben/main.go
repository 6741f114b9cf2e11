// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Htxben is a simple HTTP benchmarking tool driving the htx client.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hexinfra/htx/htx"
	"go.uber.org/zap"
)

var (
	C int    // concurrent workers
	R int    // requests per worker
	V int    // http version, 1 or 2
	U string // target url
	M string // http method
	H string // http headers, "name: value" separated by "|"
	B string // http content
	K bool   // skip certificate verification
	X bool   // cleartext http/2 by upgrading from http/1.1
)

// htxben -c 240 -r 1000 -v 1 -u http://localhost:8080/hello
// htxben -c 240 -r 1000 -v 2 -u http://localhost:8080/hello
// htxben -c 240 -r 1000 -v 2 -k -u https://localhost:8443/hello

func main() {
	flag.IntVar(&C, "c", 240, "concurrent workers")
	flag.IntVar(&R, "r", 1000, "requests per worker")
	flag.IntVar(&V, "v", 1, "http version, 1 or 2")
	flag.StringVar(&U, "u", "http://localhost:8080/hello", "target url")
	flag.StringVar(&M, "m", "GET", "http method")
	flag.StringVar(&H, "h", "", "http headers")
	flag.StringVar(&B, "b", "", "http content")
	flag.BoolVar(&K, "k", false, "skip certificate verification")
	flag.BoolVar(&X, "x", false, "upgrade to cleartext http/2")
	flag.Parse()

	version := htx.Version1_1
	if V == 2 {
		version = htx.Version2
	}
	builder := htx.NewRequest().Method(M).URLString(U).Version(version)
	for _, header := range strings.Split(H, "|") {
		if name, value, ok := strings.Cut(header, ":"); ok {
			builder.AddHeader(strings.TrimSpace(name), strings.TrimSpace(value))
		}
	}
	if B != "" {
		builder.BodyString(B)
	}
	request, err := builder.Build()
	if err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}

	opts := []htx.ClientOption{htx.WithLogger(zap.NewNop()), htx.WithPooling(C), htx.WithH2CUpgrade(X)}
	if K {
		registry := htx.NewProviderRegistry(&htx.StaticProvider{ProviderName: "htxben", SecureParams: htx.SecureParams{InsecureSkipVerify: true}})
		opts = append(opts, htx.WithSecureProviders(registry, "htxben"))
	}
	client, err := htx.NewClient(opts...)
	if err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}
	defer client.Close()

	begin := time.Now()
	for i := 0; i < C; i++ {
		benchmark.Add(1)
		go newWorker(client, request).bench()
	}
	benchmark.Wait()
	report(time.Since(begin))
}

var (
	benchmark  sync.WaitGroup
	statusGood atomic.Int64 // 2xx, 3xx, 4xx
	statusBad  atomic.Int64 // 5xx
	failures   atomic.Int64 // no response
	firstError atomic.Pointer[string]
)

type worker struct {
	client  *htx.Client
	request *htx.Request
	left    int
}

func newWorker(client *htx.Client, request *htx.Request) *worker {
	return &worker{client: client, request: request, left: R}
}

func (w *worker) bench() { // runner
	defer benchmark.Done()
	for ; w.left > 0; w.left-- {
		resp, err := w.client.Fetch(context.Background(), w.request)
		if err != nil {
			failures.Add(1)
			text := err.Error()
			firstError.CompareAndSwap(nil, &text)
			continue
		}
		if resp.Status() >= 500 {
			statusBad.Add(1)
		} else {
			statusGood.Add(1)
		}
	}
}

func report(elapsed time.Duration) {
	total := statusGood.Load() + statusBad.Load() + failures.Load()
	fmt.Printf("requests: %d in %s, %.0f req/s\n", total, elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds())
	fmt.Printf("good: %d, bad: %d, failed: %d\n", statusGood.Load(), statusBad.Load(), failures.Load())
	if text := firstError.Load(); text != nil {
		fmt.Printf("first error: %s\n", *text)
	}
}
