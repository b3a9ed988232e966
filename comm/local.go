// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"sync"

	"github.com/grailbio/base/errors"
)

// localEndpoint is one rank of an in-process mesh. All endpoints of a
// mesh share per-destination inboxes; Send copies the payload, so
// callers may recycle their buffers immediately. Endpoints close
// independently: ranks shut down in arbitrary order after their
// collective protocols complete.
type localEndpoint struct {
	rank  int
	mesh  *localMesh
	inbox chan Envelope

	mu     sync.Mutex
	closed bool
	donec  chan struct{}
}

type localMesh struct {
	endpoints []*localEndpoint
}

// NewLocalMesh returns a fully connected in-process mesh of n ranks.
// Each endpoint's inbox holds up to depth envelopes before senders
// block.
func NewLocalMesh(n, depth int) []Transport {
	m := &localMesh{}
	ts := make([]Transport, n)
	for i := 0; i < n; i++ {
		ep := &localEndpoint{
			rank:  i,
			mesh:  m,
			inbox: make(chan Envelope, depth),
			donec: make(chan struct{}),
		}
		m.endpoints = append(m.endpoints, ep)
		ts[i] = ep
	}
	return ts
}

func (ep *localEndpoint) Rank() int { return ep.rank }
func (ep *localEndpoint) Size() int { return len(ep.mesh.endpoints) }

func (ep *localEndpoint) Send(ctx context.Context, e Envelope) error {
	if e.Dst < 0 || e.Dst >= ep.Size() {
		return errors.E(errors.Invalid, "comm: bad destination rank", e.Dst)
	}
	e.Src = ep.rank
	p := make([]byte, len(e.Payload))
	copy(p, e.Payload)
	e.Payload = p
	dst := ep.mesh.endpoints[e.Dst]
	select {
	case dst.inbox <- e:
		return nil
	case <-ep.donec:
		return errors.E(errors.Unavailable, "comm: endpoint closed")
	case <-dst.donec:
		return errors.E(errors.Unavailable, "comm: destination endpoint closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ep *localEndpoint) Recv(ctx context.Context) (Envelope, error) {
	select {
	case e := <-ep.inbox:
		return e, nil
	case <-ep.donec:
		return Envelope{}, errors.E(errors.Unavailable, "comm: endpoint closed")
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (ep *localEndpoint) Close() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if !ep.closed {
		ep.closed = true
		close(ep.donec)
	}
	return nil
}
