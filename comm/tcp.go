// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"encoding/gob"
	"io"
	"net"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
)

var dialPolicy = retry.Backoff(time.Second, 5*time.Second, 1.5)

// A tcpEndpoint is one rank of a TCP mesh. Each rank maintains one
// outbound gob-encoded connection to every peer and accepts one
// inbound connection from each; envelopes to self short-circuit
// through the inbox. Per-pair FIFO follows from TCP stream order.
type tcpEndpoint struct {
	rank  int
	addrs []string
	lis   net.Listener
	encs  []*gob.Encoder
	conns []net.Conn
	inbox chan Envelope

	mu     sync.Mutex
	closed bool
	donec  chan struct{}
}

// ListenTCP listens for mesh peers on addr. Pass the listener to
// NewTCPMesh; addr may use port 0, with the effective address
// recovered from the listener.
func ListenTCP(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// NewTCPMesh assembles rank's endpoint of a fully connected TCP
// mesh. addrs lists every rank's listen address; lis must be
// listening on addrs[rank]. Dials are retried with backoff, so ranks
// may come up in any order.
func NewTCPMesh(ctx context.Context, rank int, lis net.Listener, addrs []string) (Transport, error) {
	ep := &tcpEndpoint{
		rank:  rank,
		addrs: addrs,
		lis:   lis,
		encs:  make([]*gob.Encoder, len(addrs)),
		conns: make([]net.Conn, len(addrs)),
		inbox: make(chan Envelope, 1024),
		donec: make(chan struct{}),
	}
	go ep.accept()
	for peer := range addrs {
		if peer == rank {
			continue
		}
		conn, err := ep.dial(ctx, addrs[peer])
		if err != nil {
			ep.Close()
			return nil, err
		}
		enc := gob.NewEncoder(conn)
		// Identify ourselves so the peer can attribute envelopes.
		if err := enc.Encode(rank); err != nil {
			ep.Close()
			return nil, errors.E("comm: tcp handshake", addrs[peer], err)
		}
		ep.conns[peer] = conn
		ep.encs[peer] = enc
	}
	return ep, nil
}

func (ep *tcpEndpoint) dial(ctx context.Context, addr string) (net.Conn, error) {
	var dialer net.Dialer
	for retries := 0; ; retries++ {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		log.Printf("comm: rank %d: dial %s: %v; retrying", ep.rank, addr, err)
		if err := retry.Wait(ctx, dialPolicy, retries); err != nil {
			return nil, err
		}
	}
}

func (ep *tcpEndpoint) accept() {
	for {
		conn, err := ep.lis.Accept()
		if err != nil {
			if !ep.isClosed() {
				log.Error.Printf("comm: rank %d: accept: %v", ep.rank, err)
			}
			return
		}
		go ep.serve(conn)
	}
}

func (ep *tcpEndpoint) serve(conn net.Conn) {
	defer conn.Close()
	dec := gob.NewDecoder(conn)
	var src int
	if err := dec.Decode(&src); err != nil {
		log.Error.Printf("comm: rank %d: bad handshake: %v", ep.rank, err)
		return
	}
	for {
		var e Envelope
		if err := dec.Decode(&e); err != nil {
			// EOF is the peer shutting down after its own collective
			// shutdown completed.
			if err != io.EOF && !ep.isClosed() {
				log.Error.Printf("comm: rank %d: recv from %d: %v", ep.rank, src, err)
			}
			return
		}
		e.Src = src
		select {
		case ep.inbox <- e:
		case <-ep.donec:
			return
		}
	}
}

func (ep *tcpEndpoint) Rank() int { return ep.rank }
func (ep *tcpEndpoint) Size() int { return len(ep.addrs) }

func (ep *tcpEndpoint) Send(ctx context.Context, e Envelope) error {
	if e.Dst < 0 || e.Dst >= len(ep.addrs) {
		return errors.E(errors.Invalid, "comm: bad destination rank", e.Dst)
	}
	e.Src = ep.rank
	if e.Dst == ep.rank {
		p := make([]byte, len(e.Payload))
		copy(p, e.Payload)
		e.Payload = p
		select {
		case ep.inbox <- e:
			return nil
		case <-ep.donec:
			return errors.E(errors.Unavailable, "comm: endpoint closed")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	// Encoding serializes the payload before returning, so the
	// caller may recycle its buffer.
	if err := ep.encs[e.Dst].Encode(e); err != nil {
		return errors.E("comm: send to", ep.addrs[e.Dst], err)
	}
	return nil
}

func (ep *tcpEndpoint) Recv(ctx context.Context) (Envelope, error) {
	select {
	case e := <-ep.inbox:
		return e, nil
	case <-ep.donec:
		return Envelope{}, errors.E(errors.Unavailable, "comm: endpoint closed")
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (ep *tcpEndpoint) isClosed() bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.closed
}

func (ep *tcpEndpoint) Close() error {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil
	}
	ep.closed = true
	close(ep.donec)
	ep.mu.Unlock()
	err := ep.lis.Close()
	for _, conn := range ep.conns {
		if conn != nil {
			conn.Close()
		}
	}
	return err
}
