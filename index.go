// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigkmer

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigkmer/alphabet"
	"github.com/grailbio/bigkmer/comm"
	"github.com/grailbio/bigkmer/kmer"
	"github.com/grailbio/bigkmer/seqio"
	"github.com/grailbio/bigkmer/stats"
	"github.com/spaolacci/murmur3"
)

// Message tags used by the index. Insert traffic is one-way; lookups
// are a request/reply flow across two tags, with replies emitted from
// inside the lookup dispatch.
const (
	insertTag = 1
	answerTag = 12
	lookupTag = 13
)

// Options configures an Index.
type Options struct {
	// Comm configures the underlying communication layer.
	Comm comm.Options
	// BuildParallelism is the number of goroutines per rank that scan
	// and encode sequence chunks during Build. Defaults to 4.
	BuildParallelism int
	// ChunkBytes is the target chunk size claimed from the loader per
	// worker iteration. Defaults to 1 MiB.
	ChunkBytes int64
}

// An Index is one rank's shard of a distributed k-mer counting
// index. K-mers are routed to their owning rank by hash, so each
// distinct k-mer is counted on exactly one rank. Build and Query are
// collective: every rank of the communicator must call them in the
// same order.
type Index struct {
	layer *comm.Layer
	alpha *alphabet.Alphabet
	k     int
	rec   int // encoded k-mer record length
	opts  Options

	mu       sync.Mutex
	counts   map[string]uint64
	postings map[string][]uint64
	answers  map[string]uint64
}

// Open assembles an index shard over the transport and starts its
// communication layer.
func Open(t comm.Transport, a *alphabet.Alphabet, k int, opts Options) (*Index, error) {
	if k < 1 {
		return nil, errors.E(errors.Invalid, "bigkmer: bad k", k)
	}
	if opts.BuildParallelism <= 0 {
		opts.BuildParallelism = 4
	}
	if opts.ChunkBytes <= 0 {
		opts.ChunkBytes = 1 << 20
	}
	x := &Index{
		alpha:    a,
		k:        k,
		rec:      int((uint(k)*a.Bits() + 7) / 8),
		opts:     opts,
		counts:   make(map[string]uint64),
		postings: make(map[string][]uint64),
		answers:  make(map[string]uint64),
	}
	x.layer = comm.New(t, opts.Comm)
	for _, reg := range []struct {
		tag int
		h   comm.Handler
	}{
		{insertTag, x.onInsert},
		{lookupTag, x.onLookup},
		{answerTag, x.onAnswer},
	} {
		if err := x.layer.AddReceiveCallback(reg.tag, reg.h); err != nil {
			return nil, err
		}
	}
	if err := x.layer.Init(context.Background()); err != nil {
		return nil, err
	}
	return x, nil
}

// Rank returns the local rank.
func (x *Index) Rank() int { return x.layer.Rank() }

// Size returns the number of ranks.
func (x *Index) Size() int { return x.layer.Size() }

// K returns the window length.
func (x *Index) K() int { return x.k }

// owner returns the rank that counts the k-mer encoded in rec.
func (x *Index) owner(rec []byte) int {
	return int(murmur3.Sum64(rec) % uint64(x.layer.Size()))
}

// Build scans this rank's block of the FASTQ file at path and routes
// every k-mer to its owner. Build is collective; on return, all
// k-mers from all ranks' blocks have been counted.
func (x *Index) Build(ctx context.Context, path string) error {
	l, err := seqio.Open(ctx, path)
	if err != nil {
		return err
	}
	defer l.Close(ctx)
	l.Partition(x.layer.Size(), x.layer.Rank())
	if err := l.Load(ctx); err != nil {
		return err
	}
	blk := l.AdjustRange(seqio.FastqBoundary)
	log.Printf("bigkmer: rank %d: indexing %s [%d, %d)", x.layer.Rank(), path, blk.Start, blk.End)

	err = traverse.Each(x.opts.BuildParallelism, func(int) error {
		for {
			chunk, cr, ok := l.NextChunk(seqio.FastqBoundary, x.opts.ChunkBytes)
			if !ok {
				return nil
			}
			err := seqio.ScanRecords(chunk, func(r seqio.Record) error {
				return x.addSeq(r.Seq, cr.Start+r.Off)
			})
			if err != nil {
				return err
			}
		}
	})
	if err != nil {
		return err
	}
	return x.layer.Flush(ctx, insertTag)
}

// addSeq slides the window over seq, whose first base sits at
// absolute file offset base, and sends each complete window made of
// valid characters to its owner along with the position of the
// window's first base. Invalid characters restart the window.
func (x *Index) addSeq(seq []byte, base int64) error {
	km := kmer.New[uint64](x.k, x.alpha.Bits())
	msg := make([]byte, x.rec+8)
	run := 0
	for j, c := range seq {
		if !x.alpha.Valid(c) {
			run = 0
			continue
		}
		km.Push(x.alpha.Code(c))
		run++
		if run >= x.k {
			rec := km.Bytes()
			copy(msg, rec)
			binary.LittleEndian.PutUint64(msg[x.rec:], uint64(base)+uint64(j-x.k+1))
			if err := x.layer.Send(msg, x.owner(rec), insertTag); err != nil {
				return err
			}
		}
	}
	return nil
}

func (x *Index) onInsert(block []byte, src int) {
	x.mu.Lock()
	for i := 0; i+x.rec+8 <= len(block); i += x.rec + 8 {
		rec := string(block[i : i+x.rec])
		x.counts[rec]++
		x.postings[rec] = append(x.postings[rec], binary.LittleEndian.Uint64(block[i+x.rec:]))
	}
	x.mu.Unlock()
}

// onLookup resolves each queried k-mer locally and replies to the
// querying rank on the answer tag with the record and its count.
func (x *Index) onLookup(block []byte, src int) {
	reply := make([]byte, x.rec+8)
	for i := 0; i+x.rec <= len(block); i += x.rec {
		rec := block[i : i+x.rec]
		x.mu.Lock()
		n := x.counts[string(rec)]
		x.mu.Unlock()
		copy(reply, rec)
		binary.LittleEndian.PutUint64(reply[x.rec:], n)
		if err := x.layer.Send(reply, src, answerTag); err != nil {
			log.Error.Printf("bigkmer: rank %d: answer to %d: %v", x.layer.Rank(), src, err)
			return
		}
	}
}

func (x *Index) onAnswer(block []byte, src int) {
	x.mu.Lock()
	for i := 0; i+x.rec+8 <= len(block); i += x.rec + 8 {
		rec := block[i : i+x.rec]
		x.answers[string(rec)] = binary.LittleEndian.Uint64(block[i+x.rec:])
	}
	x.mu.Unlock()
}

// Query resolves the global counts of the given k-mers, wherever
// they are owned. Query is collective: every rank must call it, with
// its own (possibly empty) k-mer set. The result maps each queried
// k-mer's Bytes form to its count.
func (x *Index) Query(ctx context.Context, kmers []kmer.Kmer[uint64]) (map[string]uint64, error) {
	x.mu.Lock()
	x.answers = make(map[string]uint64)
	x.mu.Unlock()
	for _, km := range kmers {
		if km.K() != x.k || km.Bits() != x.alpha.Bits() {
			return nil, errors.E(errors.Invalid, "bigkmer: query k-mer geometry mismatch")
		}
		rec := km.Bytes()
		if err := x.layer.Send(rec, x.owner(rec), lookupTag); err != nil {
			return nil, err
		}
	}
	if err := x.layer.Flush(ctx, lookupTag); err != nil {
		return nil, err
	}
	if err := x.layer.Flush(ctx, answerTag); err != nil {
		return nil, err
	}
	x.mu.Lock()
	out := make(map[string]uint64, len(x.answers))
	for k, v := range x.answers {
		out[k] = v
	}
	x.mu.Unlock()
	return out, nil
}

// Count returns the locally owned count for a k-mer. Most callers
// want Query, which resolves ownership.
func (x *Index) Count(km kmer.Kmer[uint64]) uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.counts[string(km.Bytes())]
}

// Positions returns the locally owned file offsets at which a k-mer
// occurs, in arbitrary order.
func (x *Index) Positions(km kmer.Kmer[uint64]) []uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	p := x.postings[string(km.Bytes())]
	out := make([]uint64, len(p))
	copy(out, p)
	return out
}

// Distinct returns the number of distinct k-mers owned locally.
func (x *Index) Distinct() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.counts)
}

// Total returns the total number of k-mer occurrences owned locally.
func (x *Index) Total() uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	var n uint64
	for _, v := range x.counts {
		n += v
	}
	return n
}

// Stats returns a snapshot of the underlying layer's counters.
func (x *Index) Stats() stats.Values { return x.layer.Stats() }

// Close shuts the index's communication layer down. Close is
// collective.
func (x *Index) Close(ctx context.Context) error {
	return x.layer.Shutdown(ctx)
}
