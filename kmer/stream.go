// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kmer

import (
	"github.com/grailbio/base/must"
)

// A SymbolReader yields successive symbol codes from some underlying
// sequence representation.
type SymbolReader interface {
	// Next returns the next symbol code. It panics when the sequence
	// is exhausted; use a bounds check (e.g. Reader.Remaining) to
	// stop in time.
	Next() uint8
}

// A Reader is a cursor over a packed symbol stream: a slice of words
// in which each word carries floor(bits(W)/bits) symbols in its low
// bits, packed low to high, with the top bits(W) mod bits bits of
// every word left as padding. The cursor tracks a word index and a
// bit offset within the current word and skips padding as it crosses
// word boundaries.
type Reader[W Word] struct {
	words []W
	bits  uint
	used  uint // bits of each word that carry symbols
	i     int
	off   uint
}

// NewReader returns a reader over words holding symbols of the given
// bit width.
func NewReader[W Word](words []W, bits uint) *Reader[W] {
	wb := wordBits[W]()
	must.True(bits >= 1 && bits <= 8 && bits <= wb, "kmer: bad symbol width ", bits)
	return &Reader[W]{
		words: words,
		bits:  bits,
		used:  wb / bits * bits,
	}
}

// Next returns the next symbol code and advances the cursor.
func (r *Reader[W]) Next() uint8 {
	if r.off >= r.used {
		r.i++
		r.off = 0
	}
	c := uint8(r.words[r.i]>>r.off) & uint8(uint16(1)<<r.bits-1)
	r.off += r.bits
	return c
}

// Remaining returns the number of symbols left in the stream.
func (r *Reader[W]) Remaining() int {
	if r.i >= len(r.words) {
		return 0
	}
	per := int(r.used / r.bits)
	left := per - int(r.off/r.bits)
	return left + (len(r.words)-r.i-1)*per
}

// Offset returns the cursor position as a word index and a bit
// offset within that word.
func (r *Reader[W]) Offset() (word int, bit uint) { return r.i, r.off }

// codeReader adapts a pre-encoded symbol slice to SymbolReader.
type codeReader struct {
	codes []uint8
	i     int
}

// NewCodeReader returns a SymbolReader over a slice of symbol codes,
// one code per element.
func NewCodeReader(codes []uint8) SymbolReader {
	return &codeReader{codes: codes}
}

func (r *codeReader) Next() uint8 {
	c := r.codes[r.i]
	r.i++
	return c
}
