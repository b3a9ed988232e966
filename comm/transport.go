// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package comm implements a buffered, multi-tag point-to-point
// communication layer over a set of symmetric ranks. Producers append
// small messages into per-(tag, destination) buffers; sealed buffers
// travel as single envelopes over a Transport, and a per-tag callback
// dispatches delivered blocks on the receiving rank. Collective Flush
// and Finish operations establish quiescence per tag across all
// ranks.
package comm

import (
	"context"
)

// ControlTag carries the layer's internal flush and shutdown tokens.
// It is reserved; user tags must be distinct from it and nonnegative.
const ControlTag = 0

// An Envelope is one block of bytes in flight from Src to Dst under
// a tag. Payload ownership passes to the transport on Send: the
// transport must either deliver synchronously or copy, since the
// caller recycles the backing buffer when Send returns.
type Envelope struct {
	Src, Dst int
	Tag      int
	Payload  []byte
}

// A Transport delivers envelopes between ranks. Envelopes between a
// fixed (Src, Dst) pair arrive in the order they were sent, provided
// Send is not called concurrently for that pair. Implementations are
// in-process meshes for tests and single-host runs, and a TCP mesh
// for distributed runs.
type Transport interface {
	// Rank returns this endpoint's rank in [0, Size).
	Rank() int
	// Size returns the number of ranks on the communicator.
	Size() int
	// Send delivers the envelope to e.Dst. It may block for flow
	// control.
	Send(ctx context.Context, e Envelope) error
	// Recv returns the next envelope addressed to this rank, from any
	// source.
	Recv(ctx context.Context) (Envelope, error)
	// Close releases the endpoint. Pending Recvs return errors.
	Close() error
}
