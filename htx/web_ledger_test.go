// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package htx

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamIDsSequences(t *testing.T) {
	tests := []struct {
		streams *StreamIDs
		expect  []uint32
	}{
		{NewStreamIDs1(), []uint32{1, 2, 3, 4}},
		{NewStreamIDs2(), []uint32{1, 3, 5, 7}},
	}
	for idx, test := range tests {
		for _, want := range test.expect {
			id, promise, err := test.streams.NextStreamID()
			require.NoError(t, err)
			require.NotNil(t, promise)
			if id != want {
				t.Errorf("#%d: recv=%d, expect=%d", idx, id, want)
			}
		}
	}
}

func TestStreamIDsNeverReused(t *testing.T) {
	streams := NewStreamIDs2()
	seen := make(map[uint32]bool)
	for n := 0; n < 100; n++ {
		id, _, err := streams.NextStreamID()
		require.NoError(t, err)
		require.False(t, seen[id], "id %d handed out twice", id)
		seen[id] = true
		streams.Remove(id)
	}
	assert.Equal(t, 0, streams.Len())
}

func TestStreamIDsConcurrent(t *testing.T) {
	streams := NewStreamIDs1()
	const workers, each = 8, 200
	var (
		mutex sync.Mutex
		ids   = make(map[uint32]struct{})
		wg    sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < each; n++ {
				id, _, err := streams.NextStreamID()
				if !assert.NoError(t, err) {
					return
				}
				mutex.Lock()
				ids[id] = struct{}{}
				mutex.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ids, workers*each)
	assert.Equal(t, workers*each, streams.Len())
}

func TestStreamIDsSkip(t *testing.T) {
	streams := NewStreamIDs2()
	streams.Skip(1)
	id, _, err := streams.NextStreamID()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), id)

	streams.Skip(9)
	id, _, err = streams.NextStreamID()
	require.NoError(t, err)
	assert.Equal(t, uint32(11), id)
}

func TestStreamIDsLastKeyAndKeys(t *testing.T) {
	streams := NewStreamIDs2()
	for n := 0; n < 3; n++ {
		_, _, err := streams.NextStreamID()
		require.NoError(t, err)
	}
	_, err := streams.Register(2) // a pushed stream
	require.NoError(t, err)

	last, ok := streams.LastKey()
	require.True(t, ok)
	assert.Equal(t, uint32(2), last)
	assert.Equal(t, []uint32{1, 3, 5, 2}, streams.Keys())

	streams.Remove(2)
	streams.Remove(5)
	last, ok = streams.LastKey()
	require.True(t, ok)
	assert.Equal(t, uint32(3), last)

	streams.Remove(1)
	streams.Remove(3)
	_, ok = streams.LastKey()
	assert.False(t, ok)
	assert.Empty(t, streams.Keys())
	assert.Nil(t, streams.Get(3))
}

func TestStreamIDsRegisterTwice(t *testing.T) {
	streams := NewStreamIDs2()
	_, err := streams.Register(2)
	require.NoError(t, err)
	_, err = streams.Register(2)
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestStreamIDsExhausted(t *testing.T) {
	streams := newStreamIDs(_2G1-2, 2)
	id, _, err := streams.NextStreamID()
	require.NoError(t, err)
	assert.Equal(t, uint32(_2G1-2), id)
	id, _, err = streams.NextStreamID()
	require.NoError(t, err)
	assert.Equal(t, uint32(_2G1), id)
	_, _, err = streams.NextStreamID()
	assert.ErrorIs(t, err, ErrStreamIDsExhausted)
}

func TestStreamIDsCloseFailsPendingOnce(t *testing.T) {
	streams := NewStreamIDs1()
	var promises []*Promise
	for n := 0; n < 3; n++ {
		_, promise, err := streams.NextStreamID()
		require.NoError(t, err)
		promises = append(promises, promise)
	}
	require.True(t, promises[0].Complete(true)) // already answered
	streams.Remove(1)

	assert.Equal(t, 2, streams.Close(io.EOF))
	assert.Equal(t, 0, streams.Close(nil))

	for idx, promise := range promises[1:] {
		done, ok, err := promise.Result()
		require.True(t, done, "#%d", idx)
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrConnectionClosed)
		assert.ErrorIs(t, err, io.EOF)
		assert.False(t, promise.Fail(errors.New("late")), "#%d resolved twice", idx)
	}
	_, ok, err := promises[0].Result()
	assert.True(t, ok)
	assert.NoError(t, err)

	_, _, err = streams.NextStreamID()
	assert.ErrorIs(t, err, ErrConnectionClosed)
	_, err = streams.Register(2)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestConnClosedKeepsCause(t *testing.T) {
	assert.Same(t, ErrConnectionClosed, connClosed(nil))
	wrapped := connClosed(io.ErrUnexpectedEOF)
	assert.ErrorIs(t, wrapped, ErrConnectionClosed)
	assert.ErrorIs(t, wrapped, io.ErrUnexpectedEOF)
	assert.Same(t, wrapped, connClosed(wrapped))
}

func TestPromiseWait(t *testing.T) {
	promise := NewPromise()
	done, _, _ := promise.Result()
	require.False(t, done)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := promise.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	go promise.Complete(true)
	ok, err := promise.Wait(context.Background())
	assert.True(t, ok)
	assert.NoError(t, err)
	assert.False(t, promise.Complete(false))
	assert.False(t, promise.Fail(io.EOF))
}
