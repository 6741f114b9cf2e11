// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Stream id ledger. Per connection, it maps stream ids to pending completions in the order they were registered.

package htx

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Promise is a one-shot completion handle.
type Promise struct {
	once sync.Once
	done chan struct{}
	ok   bool
	err  error
}

func NewPromise() *Promise { return &Promise{done: make(chan struct{})} }

// Complete resolves the promise. It reports whether this call resolved it.
func (p *Promise) Complete(ok bool) bool {
	resolved := false
	p.once.Do(func() {
		p.ok = ok
		close(p.done)
		resolved = true
	})
	return resolved
}

// Fail resolves the promise with err. It reports whether this call resolved it.
func (p *Promise) Fail(err error) bool {
	resolved := false
	p.once.Do(func() {
		p.err = err
		close(p.done)
		resolved = true
	})
	return resolved
}

func (p *Promise) Done() <-chan struct{} { return p.done }

// Result returns the outcome without waiting. done is false while the promise is pending.
func (p *Promise) Result() (done bool, ok bool, err error) {
	select {
	case <-p.done:
		return true, p.ok, p.err
	default:
		return false, false, nil
	}
}

// Wait blocks until the promise is resolved or ctx is done.
func (p *Promise) Wait(ctx context.Context) (ok bool, err error) {
	select {
	case <-p.done:
		return p.ok, p.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// StreamIDs is the ledger. Ids are handed out monotonically and never reused.
type StreamIDs struct {
	mutex   sync.Mutex
	step    uint32 // 1 for HTTP/1 sequences, 2 for HTTP/2 client-initiated ids
	nextID  uint32
	order   []uint32 // registration order, may contain removed ids
	entries map[uint32]*Promise
	closed  error // set once the connection is gone
}

// NewStreamIDs1 makes a ledger for an HTTP/1 connection. Ids are 1, 2, 3, ...
func NewStreamIDs1() *StreamIDs { return newStreamIDs(1, 1) }

// NewStreamIDs2 makes a ledger for the client side of an HTTP/2 connection. Ids are 1, 3, 5, ...
func NewStreamIDs2() *StreamIDs { return newStreamIDs(1, 2) }

func newStreamIDs(first uint32, step uint32) *StreamIDs {
	return &StreamIDs{
		step:    step,
		nextID:  first,
		entries: make(map[uint32]*Promise),
	}
}

// NextStreamID registers a fresh id with an unresolved promise.
func (s *StreamIDs) NextStreamID() (uint32, *Promise, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed != nil {
		return 0, nil, s.closed
	}
	id := s.nextID
	if id == 0 || id > _2G1 {
		return 0, nil, ErrStreamIDsExhausted
	}
	s.nextID += s.step
	promise := NewPromise()
	s.entries[id] = promise
	s.order = append(s.order, id)
	return id, promise, nil
}

// Register adds an id chosen by the peer, such as a promised stream of server push.
func (s *StreamIDs) Register(id uint32) (*Promise, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed != nil {
		return nil, s.closed
	}
	if _, ok := s.entries[id]; ok {
		return nil, newProtocolError("stream %d registered twice", id)
	}
	promise := NewPromise()
	s.entries[id] = promise
	s.order = append(s.order, id)
	return promise, nil
}

// Skip makes sure ids up to and including id are never handed out. Used when a stream was consumed outside the ledger.
func (s *StreamIDs) Skip(id uint32) {
	s.mutex.Lock()
	for s.nextID <= id && s.nextID != 0 {
		s.nextID += s.step
	}
	s.mutex.Unlock()
}

// Get returns the promise of id, or nil if id was removed or never registered.
func (s *StreamIDs) Get(id uint32) *Promise {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.entries[id]
}

func (s *StreamIDs) Remove(id uint32) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.entries[id]; !ok {
		return
	}
	delete(s.entries, id)
	if len(s.entries) == 0 {
		s.order = s.order[:0]
	}
}

// LastKey returns the most recently registered id still in the ledger.
func (s *StreamIDs) LastKey() (uint32, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for i := len(s.order) - 1; i >= 0; i-- {
		if _, ok := s.entries[s.order[i]]; ok {
			s.order = s.order[:i+1]
			return s.order[i], true
		}
	}
	s.order = s.order[:0]
	return 0, false
}

// Keys returns the ids still in the ledger in registration order.
func (s *StreamIDs) Keys() []uint32 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	keys := make([]uint32, 0, len(s.entries))
	for _, id := range s.order {
		if _, ok := s.entries[id]; ok {
			keys = append(keys, id)
		}
	}
	return keys
}

func (s *StreamIDs) Len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.entries)
}

// Close fails every pending entry with err, ErrConnectionClosed if err is nil, and refuses further registration.
func (s *StreamIDs) Close(err error) int {
	err = connClosed(err)
	s.mutex.Lock()
	if s.closed != nil {
		s.mutex.Unlock()
		return 0
	}
	s.closed = err
	pending := make([]*Promise, 0, len(s.entries))
	for _, id := range s.order {
		if promise, ok := s.entries[id]; ok {
			pending = append(pending, promise)
			delete(s.entries, id)
		}
	}
	s.order = nil
	s.mutex.Unlock()

	failed := 0
	for _, promise := range pending {
		if promise.Fail(err) {
			failed++
		}
	}
	return failed
}

// connClosed turns why a connection went away into an error that is ErrConnectionClosed.
func connClosed(cause error) error {
	switch {
	case cause == nil:
		return ErrConnectionClosed
	case errors.Is(cause, ErrConnectionClosed):
		return cause
	default:
		return &closedError{cause: cause}
	}
}

// closedError is ErrConnectionClosed with the reason the connection went away.
type closedError struct {
	cause error
}

func (e *closedError) Error() string        { return ErrConnectionClosed.Error() + ": " + e.cause.Error() }
func (e *closedError) Is(target error) bool { return target == ErrConnectionClosed }
func (e *closedError) Unwrap() error        { return e.cause }
