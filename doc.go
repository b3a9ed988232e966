// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package bigkmer implements a distributed k-mer counting index.
//
// A k-mer is a window of K consecutive symbols from a sequence,
// bit-packed into machine words by package kmer. An Index shards the
// count space over a set of symmetric ranks: each k-mer is owned by
// the rank selected by hashing its packed form, so every distinct
// k-mer is counted in exactly one place.
//
// Ranks exchange k-mers through package comm, a buffered multi-tag
// communication layer: inserts are one-way traffic, while queries are
// a request/reply flow in which the lookup dispatch on the owning
// rank emits answers back to the querying rank under a second tag.
// Collective flushes establish quiescence per tag, so Build and Query
// have barrier semantics across the communicator.
//
// Input handling lives in package seqio: a FASTQ file is evenly
// block-partitioned over ranks, each rank refines its block to record
// boundaries (adjacent ranks meet exactly), and scanning goroutines
// claim successive chunks of the refined block.
//
// Index ranks typically run as goroutines over an in-process mesh
// (comm.NewLocalMesh) or as one process per rank over a TCP mesh
// (comm.NewTCPMesh); the Index API is identical in both arrangements.
package bigkmer
