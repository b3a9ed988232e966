// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package kmer implements a packed k-mer codec: fixed-length windows
// of alphabet symbols bit-packed into an array of machine words. The
// codec is generic in both the storage word type and the input word
// type, and all operations are exact for any combination of window
// length, symbol width, and word width, including combinations where
// a symbol straddles a word boundary.
//
// Storage is little-endian in both senses: word 0 holds the least
// significant bits of the value, and within the value the most
// recently pushed symbol occupies the lowest-order symbol slot. A
// window over a sequence therefore stores the oldest symbol in the
// highest slot, so comparing two k-mers as multi-word integers is
// exactly lexicographic comparison of their symbol sequences.
package kmer

import (
	"unsafe"

	"github.com/grailbio/base/must"
	"github.com/grailbio/bigkmer/alphabet"
)

// Word constrains the machine word types a k-mer may be stored in or
// streamed from.
type Word interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

func wordBits[W Word]() uint {
	var w W
	return uint(unsafe.Sizeof(w)) * 8
}

// A Kmer is a window of exactly K symbols, each Bits wide, packed
// into ceil(K*Bits/bits(W)) words. The zero Kmer is not usable; use
// New or one of the From constructors. Kmers are small values;
// mutating methods use pointer receivers, deriving methods return
// fresh values.
//
// Canonical form: all bits above K*Bits are zero. Every method
// maintains canonical form.
type Kmer[W Word] struct {
	words []W
	k     int
	bits  uint
}

// New returns an all-zero k-mer of k symbols of the given bit width.
func New[W Word](k int, bits uint) Kmer[W] {
	wb := wordBits[W]()
	must.True(k >= 1, "kmer: k must be positive, got ", k)
	must.True(bits >= 1 && bits <= 8, "kmer: bad symbol width ", bits)
	n := (uint(k)*bits + wb - 1) / wb
	return Kmer[W]{words: make([]W, n), k: k, bits: bits}
}

// FromWords returns the k-mer whose storage words are the given
// words, in little-endian order. Missing words are zero; excess
// words are ignored; the value is canonicalized.
func FromWords[W Word](k int, bits uint, words ...W) Kmer[W] {
	x := New[W](k, bits)
	copy(x.words, words)
	x.canonicalize()
	return x
}

// FromUint64 returns the k-mer whose value, read as a little-endian
// multi-word integer, is v (canonicalized). It is handy for test
// vectors whose expected windows fit in 64 bits.
func FromUint64[W Word](k int, bits uint, v uint64) Kmer[W] {
	wb := wordBits[W]()
	x := New[W](k, bits)
	for i := range x.words {
		x.words[i] = W(v)
		if wb < 64 {
			v >>= wb
		} else {
			v = 0
		}
	}
	x.canonicalize()
	return x
}

// K returns the number of symbols in the window.
func (x Kmer[W]) K() int { return x.k }

// Bits returns the symbol width in bits.
func (x Kmer[W]) Bits() uint { return x.bits }

// NumWords returns the number of storage words.
func (x Kmer[W]) NumWords() int { return len(x.words) }

// Words returns the little-endian storage words. The slice aliases
// the k-mer's storage.
func (x Kmer[W]) Words() []W { return x.words }

// Clone returns a copy of x with independent storage.
func (x Kmer[W]) Clone() Kmer[W] {
	y := x
	y.words = make([]W, len(x.words))
	copy(y.words, x.words)
	return y
}

func (x Kmer[W]) totalBits() uint { return uint(x.k) * x.bits }

func (x Kmer[W]) symbolMask() W {
	return W(1)<<x.bits - 1
}

// canonicalize clears the unused bits above K*Bits in the top word.
func (x *Kmer[W]) canonicalize() {
	wb := wordBits[W]()
	if rem := x.totalBits() % wb; rem != 0 {
		x.words[len(x.words)-1] &= W(1)<<rem - 1
	}
}

// Symbol returns the code of the symbol in slot i. Slot 0 is the
// lowest-order (most recently pushed) symbol; slot K-1 is the
// highest-order (oldest) one.
func (x Kmer[W]) Symbol(i int) uint8 {
	wb := wordBits[W]()
	pos := uint(i) * x.bits
	wi, off := pos/wb, pos%wb
	v := uint64(x.words[wi]) >> off
	if off+x.bits > wb && int(wi)+1 < len(x.words) {
		v |= uint64(x.words[wi+1]) << (wb - off)
	}
	return uint8(v) & uint8(uint16(1)<<x.bits-1)
}

// setSymbol deposits code into slot i, which may straddle a word
// boundary.
func (x *Kmer[W]) setSymbol(i int, code uint8) {
	wb := wordBits[W]()
	pos := uint(i) * x.bits
	wi, off := pos/wb, pos%wb
	mask := x.symbolMask()
	x.words[wi] = x.words[wi]&^(mask<<off) | (W(code)&mask)<<off
	if off+x.bits > wb {
		spill := off + x.bits - wb
		hi := W(1)<<spill - 1
		x.words[wi+1] = x.words[wi+1]&^hi | W(code>>(x.bits-spill))&hi
	}
}

// shiftLeftBits shifts the multi-word value left by s bits in place.
// The caller re-canonicalizes.
func shiftLeftBits[W Word](w []W, s uint) {
	wb := wordBits[W]()
	ws, bs := int(s/wb), s%wb
	n := len(w)
	if ws >= n {
		for i := range w {
			w[i] = 0
		}
		return
	}
	if bs == 0 {
		copy(w[ws:], w[:n-ws])
	} else {
		for i := n - 1; i > ws; i-- {
			w[i] = w[i-ws]<<bs | w[i-ws-1]>>(wb-bs)
		}
		w[ws] = w[0] << bs
	}
	for i := 0; i < ws; i++ {
		w[i] = 0
	}
}

// shiftRightBits shifts the multi-word value right by s bits in
// place.
func shiftRightBits[W Word](w []W, s uint) {
	wb := wordBits[W]()
	ws, bs := int(s/wb), s%wb
	n := len(w)
	if ws >= n {
		for i := range w {
			w[i] = 0
		}
		return
	}
	if bs == 0 {
		copy(w, w[ws:])
	} else {
		for i := 0; i < n-ws-1; i++ {
			w[i] = w[i+ws]>>bs | w[i+ws+1]<<(wb-bs)
		}
		w[n-ws-1] = w[n-1] >> bs
	}
	for i := n - ws; i < n; i++ {
		w[i] = 0
	}
}

// ShiftLeft returns x shifted left by d symbol slots: slot i of the
// result is slot i-d of x, and the d lowest slots are zero.
func (x Kmer[W]) ShiftLeft(d int) Kmer[W] {
	y := x.Clone()
	shiftLeftBits(y.words, uint(d)*x.bits)
	y.canonicalize()
	return y
}

// ShiftRight returns x shifted right by d symbol slots.
func (x Kmer[W]) ShiftRight(d int) Kmer[W] {
	y := x.Clone()
	shiftRightBits(y.words, uint(d)*x.bits)
	return y
}

// And returns the per-word conjunction of x and y.
func (x Kmer[W]) And(y Kmer[W]) Kmer[W] {
	z := x.Clone()
	for i := range z.words {
		z.words[i] &= y.words[i]
	}
	return z
}

// Or returns the per-word disjunction of x and y.
func (x Kmer[W]) Or(y Kmer[W]) Kmer[W] {
	z := x.Clone()
	for i := range z.words {
		z.words[i] |= y.words[i]
	}
	z.canonicalize()
	return z
}

// Xor returns the per-word exclusive or of x and y.
func (x Kmer[W]) Xor(y Kmer[W]) Kmer[W] {
	z := x.Clone()
	for i := range z.words {
		z.words[i] ^= y.words[i]
	}
	return z
}

// Reverse returns the k-mer whose symbol in slot i is x's symbol in
// slot K-1-i.
func (x Kmer[W]) Reverse() Kmer[W] {
	y := New[W](x.k, x.bits)
	for i := 0; i < x.k; i++ {
		y.setSymbol(i, x.Symbol(x.k-1-i))
	}
	return y
}

// Push advances the window by one symbol: existing symbols move one
// slot up, the oldest is discarded, and code becomes slot 0.
func (x *Kmer[W]) Push(code uint8) {
	shiftLeftBits(x.words, x.bits)
	x.words[0] |= W(code) & x.symbolMask()
	x.canonicalize()
}

// Fill resets the window from exactly K symbol codes, oldest first.
func (x *Kmer[W]) Fill(codes []uint8) {
	must.True(len(codes) == x.k, "kmer: fill needs ", x.k, " symbols, got ", len(codes))
	for i := range x.words {
		x.words[i] = 0
	}
	for _, c := range codes {
		x.Push(c)
	}
}

// FillPacked resets the window from the next K symbols of a packed
// stream.
func (x *Kmer[W]) FillPacked(r SymbolReader) {
	for i := range x.words {
		x.words[i] = 0
	}
	for i := 0; i < x.k; i++ {
		x.Push(r.Next())
	}
}

// NextPacked advances the window by the next symbol of a packed
// stream.
func (x *Kmer[W]) NextPacked(r SymbolReader) {
	x.Push(r.Next())
}

// uint64At reads up to 64 bits of the value starting at bit pos.
func (x Kmer[W]) uint64At(pos uint) uint64 {
	wb := wordBits[W]()
	var (
		v   uint64
		got uint
	)
	wi, off := int(pos/wb), pos%wb
	for got < 64 && wi < len(x.words) {
		v |= uint64(x.words[wi]>>off) << got
		got += wb - off
		wi, off = wi+1, 0
	}
	return v
}

// Prefix64 returns the 64 highest-order bits of the canonical value,
// i.e. the window's oldest symbols, left-aligned. For windows shorter
// than 64 bits the value is padded with zeros on the right.
func (x Kmer[W]) Prefix64() uint64 {
	if total := x.totalBits(); total >= 64 {
		return x.uint64At(total - 64)
	} else {
		return x.uint64At(0) << (64 - total)
	}
}

// Compare returns -1, 0, or 1 according to the lexicographic order
// of the symbol sequences of x and y, which must share geometry.
func (x Kmer[W]) Compare(y Kmer[W]) int {
	must.True(x.k == y.k && x.bits == y.bits, "kmer: comparing mismatched k-mers")
	for i := len(x.words) - 1; i >= 0; i-- {
		switch {
		case x.words[i] < y.words[i]:
			return -1
		case x.words[i] > y.words[i]:
			return 1
		}
	}
	return 0
}

// Equal reports whether x and y hold the same symbol sequence.
func (x Kmer[W]) Equal(y Kmer[W]) bool { return x.Compare(y) == 0 }

// Bytes returns the canonical value as ceil(K*Bits/8)
// little-endian bytes, suitable as a map key or wire payload.
func (x Kmer[W]) Bytes() []byte {
	wb := wordBits[W]()
	n := (x.totalBits() + 7) / 8
	b := make([]byte, 0, n)
	for _, w := range x.words {
		for s := uint(0); s < wb; s += 8 {
			b = append(b, byte(w>>s))
		}
	}
	return b[:n]
}

// SetBytes resets the value from its Bytes form.
func (x *Kmer[W]) SetBytes(b []byte) {
	wb := wordBits[W]()
	must.True(len(b) == int((x.totalBits()+7)/8), "kmer: bad byte length ", len(b))
	for i := range x.words {
		x.words[i] = 0
	}
	for i, c := range b {
		pos := uint(i) * 8
		x.words[pos/wb] |= W(c) << (pos % wb)
	}
	x.canonicalize()
}

// String renders the window oldest symbol first using the alphabet's
// characters.
func (x Kmer[W]) String(a *alphabet.Alphabet) string {
	s := make([]byte, x.k)
	for i := 0; i < x.k; i++ {
		s[i] = a.Char(x.Symbol(x.k - 1 - i))
	}
	return string(s)
}
