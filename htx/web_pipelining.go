// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Pipelined HTTP/1 responses are written in the order their requests were read, whatever order they complete in.

package htx

import (
	"container/heap"
	"sync"

	"go.uber.org/zap"
)

// pipelinedResponse is a rendered response waiting for its turn.
type pipelinedResponse struct {
	seq        int64
	data       []byte // pooled
	closeAfter bool   // close the channel once written
	promise    *Promise
}

// pipelineQueue is a min-heap of responses by sequence id.
type pipelineQueue []*pipelinedResponse

func (q pipelineQueue) Len() int           { return len(q) }
func (q pipelineQueue) Less(i, j int) bool { return q[i].seq < q[j].seq }
func (q pipelineQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *pipelineQueue) Push(x any)        { *q = append(*q, x.(*pipelinedResponse)) }
func (q *pipelineQueue) Pop() any {
	old := *q
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return x
}

// pipeliningBuffer reorders responses of one connection. Exceeding its capacity closes the connection.
type pipeliningBuffer struct {
	// Assocs
	channel Channel
	logger  *zap.Logger
	// States
	capacity int
	mutex    sync.Mutex
	queue    pipelineQueue
	nextSeq  int64 // next sequence id eligible to be written
	closed   bool
}

func newPipeliningBuffer(channel Channel, capacity int, logger *zap.Logger) *pipeliningBuffer {
	if capacity <= 0 {
		capacity = defaultPipelineCapacity
	}
	return &pipeliningBuffer{
		channel:  channel,
		logger:   logger,
		capacity: capacity,
	}
}

// submit hands over the rendered response of request seq. The promise completes when the response is written.
func (b *pipeliningBuffer) submit(seq int64, data []byte, closeAfter bool) *Promise {
	promise := NewPromise()
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		putNK(data)
		promise.Fail(ErrChannelClosed)
		return promise
	}
	heap.Push(&b.queue, &pipelinedResponse{seq: seq, data: data, closeAfter: closeAfter, promise: promise})
	if b.queue.Len() > b.capacity {
		dropped := b.closeLocked()
		b.mutex.Unlock()
		b.logger.Warn("pipeline capacity exceeded, closing", zap.Int("capacity", b.capacity), zap.Int("dropped", dropped))
		b.channel.Close()
		return promise
	}
	closeChannel := b.flushLocked()
	b.mutex.Unlock()
	if closeChannel {
		b.channel.Close()
	}
	return promise
}

// flushLocked writes every response whose turn has come. It reports whether the channel is to be closed.
func (b *pipeliningBuffer) flushLocked() bool {
	for b.queue.Len() > 0 && b.queue[0].seq == b.nextSeq {
		resp := heap.Pop(&b.queue).(*pipelinedResponse)
		b.nextSeq++
		err := b.channel.Write(resp.data)
		putNK(resp.data)
		if err != nil {
			resp.promise.Fail(err)
			b.closeLocked()
			return true
		}
		resp.promise.Complete(true)
		if resp.closeAfter {
			b.closeLocked()
			return true
		}
	}
	return false
}

// drained reports whether every response before seq has been written.
func (b *pipeliningBuffer) drained(seq int64) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.nextSeq == seq
}

// close fails and releases everything still queued. It returns how many responses were dropped.
func (b *pipeliningBuffer) close() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.closeLocked()
}

func (b *pipeliningBuffer) closeLocked() int {
	b.closed = true
	dropped := b.queue.Len()
	for _, resp := range b.queue {
		putNK(resp.data)
		resp.promise.Fail(ErrChannelClosed)
	}
	b.queue = nil
	return dropped
}
