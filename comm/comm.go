// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigkmer/ctxsync"
	"github.com/grailbio/bigkmer/stats"
)

// A Handler dispatches one delivered block. The block aggregates the
// messages appended on the source rank in append order; it is
// borrowed and must not be retained past the call. Handlers run on
// the layer's dispatcher goroutine and may call Send (enabling
// request/reply flows across tags) but must not call Flush or
// Finish.
type Handler func(block []byte, src int)

// Options configures a Layer.
type Options struct {
	// BufferSize is the capacity of each aggregation buffer. Messages
	// must be strictly smaller.
	BufferSize int
	// NumBuffers is the total number of aggregation buffers shared by
	// all (tag, destination) pairs. Producers block when all buffers
	// are sealed and awaiting send.
	NumBuffers int
}

const (
	defaultBufferSize = 8192
	defaultNumBuffers = 128
)

const (
	stateIdle = iota
	stateRunning
	stateDone
)

type tokenKey struct {
	epoch, phase int
}

type tagState struct {
	handler  Handler
	pools    []*pool
	finished bool
	flushing bool
	epoch    int
	tokens   map[tokenKey]int
	inflight int // sealed blocks queued or being sent
	pending  int // delivered blocks queued or being dispatched
}

// A shipment is one unit of sender work: either a sealed data buffer
// or an encoded control token.
type shipment struct {
	tag, dst int
	buf      *buffer
	ctrl     []byte
}

// A Layer multiplexes tagged, buffered message streams over a
// Transport. Usage: register handlers with AddReceiveCallback, call
// Init, Send from any number of goroutines, and establish per-tag
// quiescence with the collective Flush and Finish. Shutdown tears the
// layer down collectively.
type Layer struct {
	t    Transport
	opts Options

	free      chan *buffer
	sendq     chan shipment
	dispatchq chan Envelope

	mu    sync.Mutex
	cond  *ctxsync.Cond
	tags  map[int]*tagState
	state int

	stats      *stats.Map
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	senderDone chan struct{}
}

// New returns an idle layer over the transport.
func New(t Transport, opts Options) *Layer {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.NumBuffers <= 0 {
		opts.NumBuffers = defaultNumBuffers
	}
	l := &Layer{
		t:          t,
		opts:       opts,
		free:       make(chan *buffer, opts.NumBuffers),
		sendq:      make(chan shipment, opts.NumBuffers+t.Size()),
		dispatchq:  make(chan Envelope, opts.NumBuffers),
		tags:       make(map[int]*tagState),
		stats:      stats.NewMap(),
		senderDone: make(chan struct{}),
	}
	l.cond = ctxsync.NewCond(&l.mu)
	for i := 0; i < opts.NumBuffers; i++ {
		l.free <- newBuffer(opts.BufferSize)
	}
	return l
}

// Rank returns the local rank.
func (l *Layer) Rank() int { return l.t.Rank() }

// Size returns the number of ranks.
func (l *Layer) Size() int { return l.t.Size() }

// Stats returns a snapshot of the layer's counters.
func (l *Layer) Stats() stats.Values {
	v := make(stats.Values)
	l.stats.AddAll(v)
	return v
}

// AddReceiveCallback registers the handler dispatched for blocks
// delivered under tag. All tags must be registered before Init, and
// registration must be symmetric across ranks.
func (l *Layer) AddReceiveCallback(tag int, h Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.state != stateIdle:
		return errors.E(errors.Invalid, "comm: callbacks must be registered before Init")
	case tag == ControlTag || tag < 0:
		return errors.E(errors.Invalid, "comm: reserved tag", tag)
	case l.tags[tag] != nil:
		return errors.E(errors.Invalid, "comm: duplicate callback for tag", tag)
	case h == nil:
		return errors.E(errors.Invalid, "comm: nil handler for tag", tag)
	}
	ts := &tagState{
		handler: h,
		tokens:  make(map[tokenKey]int),
	}
	for dst := 0; dst < l.t.Size(); dst++ {
		tag, dst := tag, dst
		ts.pools = append(ts.pools, newPool(l.free, func(b *buffer) {
			l.shipBuffer(tag, dst, b)
		}))
	}
	l.tags[tag] = ts
	return nil
}

// Init starts the layer's sender, receiver, and dispatcher.
func (l *Layer) Init(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != stateIdle {
		return errors.E(errors.Invalid, "comm: layer already initialized")
	}
	l.state = stateRunning
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(3)
	go l.sender(ctx)
	go l.receiver(ctx)
	go l.dispatcher()
	log.Printf("comm: rank %d of %d up, %d buffers of %s",
		l.t.Rank(), l.t.Size(), l.opts.NumBuffers, data.Size(l.opts.BufferSize))
	return nil
}

// Send appends one message for delivery to rank dst under tag. It is
// safe for concurrent use; it blocks only when all free buffers are
// awaiting send.
func (l *Layer) Send(msg []byte, dst, tag int) error {
	l.mu.Lock()
	ts := l.tags[tag]
	switch {
	case l.state != stateRunning:
		l.mu.Unlock()
		return errors.E(errors.Invalid, "comm: layer is not running")
	case ts == nil:
		l.mu.Unlock()
		return errors.E(errors.Invalid, "comm: unregistered tag", tag)
	case ts.finished:
		l.mu.Unlock()
		return errors.E(errors.Invalid, "comm: send on finished tag", tag)
	case dst < 0 || dst >= l.t.Size():
		l.mu.Unlock()
		return errors.E(errors.Invalid, "comm: bad destination rank", dst)
	}
	l.mu.Unlock()
	if err := ts.pools[dst].append(msg); err != nil {
		return err
	}
	l.stats.IntTag("send.msgs", tag).Add(1)
	l.stats.IntTag("send.bytes", tag).Add(int64(len(msg)))
	return nil
}

func (l *Layer) shipBuffer(tag, dst int, b *buffer) {
	l.mu.Lock()
	l.tags[tag].inflight++
	l.mu.Unlock()
	l.sendq <- shipment{tag: tag, dst: dst, buf: b}
}

// Flush establishes quiescence for tag. It is collective: every rank
// must call Flush for the same tag. On return, every message sent
// under tag before Flush was entered, on any rank, has been delivered
// and dispatched on its destination. Sends racing Flush are covered
// by the next Flush.
func (l *Layer) Flush(ctx context.Context, tag int) error {
	l.mu.Lock()
	ts := l.tags[tag]
	if l.state != stateRunning || ts == nil || ts.finished {
		l.mu.Unlock()
		return errors.E(errors.Invalid, "comm: cannot flush tag", tag)
	}
	// One flush at a time per tag.
	if err := l.cond.WaitUntil(ctx, func() bool { return !ts.flushing }); err != nil {
		l.mu.Unlock()
		return err
	}
	ts.flushing = true
	epoch := ts.epoch
	l.mu.Unlock()

	err := l.flushEpoch(ctx, tag, ts, epoch)

	l.mu.Lock()
	if err == nil {
		delete(ts.tokens, tokenKey{epoch, 1})
		delete(ts.tokens, tokenKey{epoch, 2})
		ts.epoch++
	}
	ts.flushing = false
	l.cond.Broadcast()
	l.mu.Unlock()
	return err
}

func (l *Layer) flushEpoch(ctx context.Context, tag int, ts *tagState, epoch int) error {
	// Phase 1: seal the active buffers, then send an end-of-epoch
	// token to every rank through the same send queue, so each peer
	// sees all of our pre-flush data before our token. Local
	// quiescence holds once all peers' tokens have arrived, no sealed
	// blocks remain in flight, and the dispatch queue is drained for
	// the tag.
	for _, p := range ts.pools {
		p.flush()
	}
	l.broadcastToken(tag, epoch, 1)
	size := l.t.Size()
	l.mu.Lock()
	err := l.cond.WaitUntil(ctx, func() bool {
		return ts.tokens[tokenKey{epoch, 1}] == size && ts.inflight == 0 && ts.pending == 0
	})
	l.mu.Unlock()
	if err != nil {
		return err
	}
	// Phase 2: a closing token round. No rank passes this barrier
	// until every rank has observed phase 1 quiescence, so dispatch
	// of pre-flush traffic is complete everywhere on return.
	l.broadcastToken(tag, epoch, 2)
	l.mu.Lock()
	err = l.cond.WaitUntil(ctx, func() bool {
		return ts.tokens[tokenKey{epoch, 2}] == size
	})
	l.mu.Unlock()
	if err == nil {
		l.stats.IntTag("flushes", tag).Add(1)
	}
	return err
}

// Finish flushes tag and retires it: subsequent Sends under tag
// fail. Finish is collective; finishing an already finished tag is an
// error on the calling rank and engages no collective protocol.
func (l *Layer) Finish(ctx context.Context, tag int) error {
	l.mu.Lock()
	ts := l.tags[tag]
	if ts == nil {
		l.mu.Unlock()
		return errors.E(errors.Invalid, "comm: unregistered tag", tag)
	}
	if ts.finished {
		l.mu.Unlock()
		return errors.E(errors.Invalid, "comm: tag already finished", tag)
	}
	l.mu.Unlock()
	if err := l.Flush(ctx, tag); err != nil {
		return err
	}
	l.mu.Lock()
	ts.finished = true
	l.mu.Unlock()
	for _, p := range ts.pools {
		p.retire()
	}
	return nil
}

// Shutdown finishes every remaining tag and stops the workers. It is
// collective; no handler runs after Shutdown returns. The layer
// cannot be restarted.
func (l *Layer) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	if l.state != stateRunning {
		l.mu.Unlock()
		return errors.E(errors.Invalid, "comm: layer is not running")
	}
	var open []int
	for tag, ts := range l.tags {
		if !ts.finished {
			open = append(open, tag)
		}
	}
	l.mu.Unlock()
	// Finish in tag order so all ranks run the collectives in the
	// same sequence.
	sort.Ints(open)
	for _, tag := range open {
		if err := l.Finish(ctx, tag); err != nil {
			return err
		}
	}
	l.mu.Lock()
	l.state = stateDone
	l.mu.Unlock()
	// Let the sender drain fully (it may still hold this rank's
	// closing tokens to peers) before tearing down the transport.
	close(l.sendq)
	<-l.senderDone
	l.cancel()
	l.t.Close()
	l.wg.Wait()
	v := l.Stats()
	log.Printf("comm: rank %d down: %s", l.t.Rank(), v)
	return nil
}

// sender drains the send queue in order. A single sender preserves
// per-destination FIFO, which the flush protocol relies on.
func (l *Layer) sender(ctx context.Context) {
	defer l.wg.Done()
	defer close(l.senderDone)
	for s := range l.sendq {
		var err error
		if s.buf == nil {
			err = l.t.Send(ctx, Envelope{Dst: s.dst, Tag: ControlTag, Payload: s.ctrl})
		} else {
			err = l.t.Send(ctx, Envelope{Dst: s.dst, Tag: s.tag, Payload: s.buf.data[:s.buf.len()]})
			l.stats.IntTag("send.blocks", s.tag).Add(1)
			l.mu.Lock()
			l.tags[s.tag].inflight--
			l.cond.Broadcast()
			l.mu.Unlock()
			s.buf.reset()
			l.free <- s.buf
		}
		if err != nil {
			if l.done() {
				return
			}
			log.Fatalf("comm: rank %d: send to %d: %v", l.t.Rank(), s.dst, err)
		}
	}
}

func (l *Layer) receiver(ctx context.Context) {
	defer l.wg.Done()
	defer close(l.dispatchq)
	for {
		e, err := l.t.Recv(ctx)
		if err != nil {
			if l.done() {
				return
			}
			log.Fatalf("comm: rank %d: recv: %v", l.t.Rank(), err)
		}
		if e.Tag == ControlTag {
			tag, epoch, phase := decodeToken(e.Payload)
			l.mu.Lock()
			if ts := l.tags[tag]; ts != nil {
				ts.tokens[tokenKey{epoch, phase}]++
				l.cond.Broadcast()
			}
			l.mu.Unlock()
			continue
		}
		l.mu.Lock()
		ts := l.tags[e.Tag]
		if ts == nil {
			l.mu.Unlock()
			log.Error.Printf("comm: rank %d: dropping block with unknown tag %d from %d",
				l.t.Rank(), e.Tag, e.Src)
			continue
		}
		ts.pending++
		l.mu.Unlock()
		l.stats.IntTag("recv.blocks", e.Tag).Add(1)
		l.dispatchq <- e
	}
}

// dispatcher pops delivered blocks and runs the per-tag handler.
// Handlers see blocks from one (source, tag) pair in send order.
func (l *Layer) dispatcher() {
	defer l.wg.Done()
	for e := range l.dispatchq {
		l.mu.Lock()
		ts := l.tags[e.Tag]
		l.mu.Unlock()
		ts.handler(e.Payload, e.Src)
		l.stats.IntTag("recv.bytes", e.Tag).Add(int64(len(e.Payload)))
		l.mu.Lock()
		ts.pending--
		l.cond.Broadcast()
		l.mu.Unlock()
	}
}

func (l *Layer) done() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == stateDone
}

func (l *Layer) broadcastToken(tag, epoch, phase int) {
	for dst := 0; dst < l.t.Size(); dst++ {
		l.sendq <- shipment{dst: dst, ctrl: encodeToken(tag, epoch, phase)}
	}
}

func encodeToken(tag, epoch, phase int) []byte {
	p := make([]byte, 12)
	binary.LittleEndian.PutUint32(p[0:], uint32(tag))
	binary.LittleEndian.PutUint32(p[4:], uint32(epoch))
	binary.LittleEndian.PutUint32(p[8:], uint32(phase))
	return p
}

func decodeToken(p []byte) (tag, epoch, phase int) {
	return int(binary.LittleEndian.Uint32(p[0:])),
		int(binary.LittleEndian.Uint32(p[4:])),
		int(binary.LittleEndian.Uint32(p[8:]))
}
