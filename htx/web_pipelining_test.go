// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package htx

import (
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestPipeliningInOrder(t *testing.T) {
	for round := 0; round < 20; round++ {
		channel := newMemChannel()
		buffer := newPipeliningBuffer(channel, 8, zap.NewNop())
		order := rand.Perm(5)
		for _, seq := range order {
			buffer.submit(int64(seq), pooledCopy("r"+strconv.Itoa(seq)), false)
		}
		require.Equal(t, []string{"r0", "r1", "r2", "r3", "r4"}, channel.writes(), "round %d, completion order %v", round, order)
		assert.True(t, buffer.drained(5))
	}
}

func TestPipeliningConcurrentSubmit(t *testing.T) {
	channel := newMemChannel()
	buffer := newPipeliningBuffer(channel, 64, zap.NewNop())
	var wg sync.WaitGroup
	for seq := 0; seq < 50; seq++ {
		wg.Add(1)
		go func(seq int) {
			defer wg.Done()
			buffer.submit(int64(seq), pooledCopy(strconv.Itoa(seq)+","), false)
		}(seq)
	}
	wg.Wait()
	want := ""
	for seq := 0; seq < 50; seq++ {
		want += strconv.Itoa(seq) + ","
	}
	assert.Equal(t, want, channel.output())
}

func TestPipeliningHoldsUntilTurn(t *testing.T) {
	channel := newMemChannel()
	buffer := newPipeliningBuffer(channel, 8, zap.NewNop())
	p2 := buffer.submit(2, pooledCopy("r2"), false)
	p1 := buffer.submit(1, pooledCopy("r1"), false)
	assert.Empty(t, channel.writes())
	done, _, _ := p2.Result()
	assert.False(t, done)
	assert.False(t, buffer.drained(1))

	p0 := buffer.submit(0, pooledCopy("r0"), false)
	assert.Equal(t, []string{"r0", "r1", "r2"}, channel.writes())
	for idx, promise := range []*Promise{p0, p1, p2} {
		_, ok, err := promise.Result()
		assert.True(t, ok, "#%d", idx)
		assert.NoError(t, err, "#%d", idx)
	}
}

func TestPipeliningCapacityExceeded(t *testing.T) {
	logger, logs := observedLogger(zapcore.WarnLevel)
	channel := newMemChannel()
	buffer := newPipeliningBuffer(channel, 2, logger)

	waiting := []*Promise{
		buffer.submit(1, pooledCopy("r1"), false),
		buffer.submit(2, pooledCopy("r2"), false),
	}
	overflow := buffer.submit(3, pooledCopy("r3"), false)
	waiting = append(waiting, overflow)

	select {
	case <-channel.Done():
	default:
		t.Fatal("channel not closed on overflow")
	}
	for idx, promise := range waiting {
		_, _, err := promise.Result()
		assert.ErrorIs(t, err, ErrChannelClosed, "#%d", idx)
	}
	assert.Empty(t, channel.writes())
	assert.Equal(t, 1, logs.FilterMessage("pipeline capacity exceeded, closing").Len())

	late := buffer.submit(0, pooledCopy("r0"), false)
	_, _, err := late.Result()
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestPipeliningCloseAfter(t *testing.T) {
	channel := newMemChannel()
	buffer := newPipeliningBuffer(channel, 8, zap.NewNop())
	pending := buffer.submit(2, pooledCopy("r2"), false)
	buffer.submit(1, pooledCopy("r1"), true)
	buffer.submit(0, pooledCopy("r0"), false)

	assert.Equal(t, []string{"r0", "r1"}, channel.writes())
	_, _, err := pending.Result()
	assert.ErrorIs(t, err, ErrChannelClosed)
	select {
	case <-channel.Done():
	default:
		t.Fatal("channel not closed after a closing response")
	}
}

func TestPipeliningWriteFailure(t *testing.T) {
	channel := newMemChannel()
	boom := errors.New("boom")
	channel.failWrite = boom
	buffer := newPipeliningBuffer(channel, 8, zap.NewNop())
	pending := buffer.submit(1, pooledCopy("r1"), false)
	failed := buffer.submit(0, pooledCopy("r0"), false)

	_, _, err := failed.Result()
	assert.ErrorIs(t, err, boom)
	_, _, err = pending.Result()
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestPipeliningClose(t *testing.T) {
	channel := newMemChannel()
	buffer := newPipeliningBuffer(channel, 0, zap.NewNop())
	assert.Equal(t, defaultPipelineCapacity, buffer.capacity)
	buffer.submit(3, pooledCopy("r3"), false)
	buffer.submit(4, pooledCopy("r4"), false)
	assert.Equal(t, 2, buffer.close())
	assert.Equal(t, 0, buffer.close())
}
