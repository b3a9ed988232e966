// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"runtime"
	"sync/atomic"

	"github.com/grailbio/base/errors"
)

// sealedBit marks a buffer's length word as sealed: no further
// reservations may be made, and the sealing goroutine owns shipment.
const sealedBit = int64(1) << 62

// A buffer accumulates appended messages for one (tag, destination)
// pair until it is sealed. Appends reserve a byte range by CAS on
// state, copy outside any lock, then account the copy in committed.
// The sealer waits for committed to catch up with the reserved length
// before the buffer is handed to the sender, so a sealed buffer's
// bytes are immutable.
type buffer struct {
	data      []byte
	state     int64 // reserved length, plus sealedBit once sealed
	committed int64 // bytes fully copied in
}

func newBuffer(n int) *buffer {
	return &buffer{data: make([]byte, n)}
}

// reset prepares a recycled buffer for reuse.
func (b *buffer) reset() {
	atomic.StoreInt64(&b.committed, 0)
	atomic.StoreInt64(&b.state, 0)
}

// len returns the reserved length, valid once sealed.
func (b *buffer) len() int64 {
	return atomic.LoadInt64(&b.state) &^ sealedBit
}

// tryAppend reserves space for p and copies it in. It returns
// ok=false with sealed=true when the append lost to a concurrent
// seal, and ok=false with sealed=false when p does not fit; the
// caller then races to seal the buffer itself.
func (b *buffer) tryAppend(p []byte) (ok, sealed bool) {
	n := int64(len(p))
	for {
		s := atomic.LoadInt64(&b.state)
		if s&sealedBit != 0 {
			return false, true
		}
		if s+n > int64(len(b.data)) {
			return false, false
		}
		if atomic.CompareAndSwapInt64(&b.state, s, s+n) {
			copy(b.data[s:], p)
			atomic.AddInt64(&b.committed, n)
			return true, false
		}
	}
}

// seal marks the buffer sealed, returning false if it already was.
func (b *buffer) seal() bool {
	for {
		s := atomic.LoadInt64(&b.state)
		if s&sealedBit != 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(&b.state, s, s|sealedBit) {
			return true
		}
	}
}

// waitQuiesce spins until every reserved byte has been copied in.
// Reservation windows are a few memcpys wide, so the spin is short.
func (b *buffer) waitQuiesce() {
	n := b.len()
	for atomic.LoadInt64(&b.committed) != n {
		runtime.Gosched()
	}
}

// A pool manages the active buffer for one (tag, destination) pair.
// free is shared across the layer and provides back-pressure; ship
// forwards a sealed, quiesced, nonempty buffer to the sender exactly
// once. unshipped counts sealed buffers not yet handed off; every
// sealer increments it before its seal CAS, so an observer that sees
// a seal also sees the buffer as pending shipment.
type pool struct {
	active    atomic.Pointer[buffer]
	unshipped int64
	free      chan *buffer
	ship      func(*buffer)
}

func newPool(free chan *buffer, ship func(*buffer)) *pool {
	p := &pool{free: free, ship: ship}
	p.active.Store(<-free)
	return p
}

// append adds one message to the active buffer, sealing and swapping
// it when full. Messages must be strictly smaller than the buffer
// capacity.
func (p *pool) append(msg []byte) error {
	for {
		buf := p.active.Load()
		if buf == nil {
			return errors.E(errors.Invalid, "comm: append to retired tag")
		}
		if len(msg) > len(buf.data) {
			return errors.E(errors.Invalid, "comm: message exceeds buffer capacity")
		}
		ok, sealed := buf.tryAppend(msg)
		if ok {
			return nil
		}
		if sealed {
			// Lost to a concurrent sealer; it will install a fresh
			// buffer.
			runtime.Gosched()
			continue
		}
		// msg does not fit: race to seal.
		atomic.AddInt64(&p.unshipped, 1)
		if !buf.seal() {
			atomic.AddInt64(&p.unshipped, -1)
			continue
		}
		// Hand the sealed buffer off before blocking on a
		// replacement, so flush never waits behind the free list.
		p.shipSealed(buf)
		p.active.Store(<-p.free)
	}
}

// flush seals and ships the current active buffer, installing a
// fresh one. Concurrent appends may win the seal, in which case the
// appender ships; flush does not return until every sealed buffer of
// this pool has been handed to the sender.
func (p *pool) flush() {
	buf := p.active.Load()
	if buf != nil {
		atomic.AddInt64(&p.unshipped, 1)
		if buf.seal() {
			p.shipSealed(buf)
			p.active.Store(<-p.free)
		} else {
			atomic.AddInt64(&p.unshipped, -1)
		}
	}
	for atomic.LoadInt64(&p.unshipped) != 0 {
		runtime.Gosched()
	}
}

// retire seals the pool permanently. Subsequent appends fail.
func (p *pool) retire() {
	buf := p.active.Swap(nil)
	if buf == nil {
		return
	}
	atomic.AddInt64(&p.unshipped, 1)
	if !buf.seal() {
		atomic.AddInt64(&p.unshipped, -1)
		return
	}
	p.shipSealed(buf)
}

func (p *pool) shipSealed(buf *buffer) {
	buf.waitQuiesce()
	if buf.len() == 0 {
		buf.reset()
		p.free <- buf
	} else {
		p.ship(buf)
	}
	atomic.AddInt64(&p.unshipped, -1)
}
