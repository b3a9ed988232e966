// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kmer_test

import (
	"fmt"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/bigkmer/kmer"
)

// The generation vectors below pin the codec bit-for-bit. They are
// derived from the 128-bit sequence
//
//	V = 0xabbacafebabe1234deadbeef01c0ffee
//
// read as successive symbols of the given width, most significant
// first. kmerEx<bits>[i] holds the window starting at symbol i,
// left-aligned in 64 bits; the expected window value for a k-symbol
// codec is kmerEx[i] >> (64/bits - k)*bits.

var kmerEx2 = []uint64{
	0xabbacafebabe1234, 0xaeeb2bfaeaf848d3,
	0xbbacafebabe1234d, 0xeeb2bfaeaf848d37,
	0xbacafebabe1234de, 0xeb2bfaeaf848d37a,
	0xacafebabe1234dea, 0xb2bfaeaf848d37ab,
	0xcafebabe1234dead, 0x2bfaeaf848d37ab6,
	0xafebabe1234deadb, 0xbfaeaf848d37ab6f,
	0xfebabe1234deadbe, 0xfaeaf848d37ab6fb,
	0xebabe1234deadbee, 0xaeaf848d37ab6fbb,
	0xbabe1234deadbeef, 0xeaf848d37ab6fbbc,
	0xabe1234deadbeef0, 0xaf848d37ab6fbbc0,
	0xbe1234deadbeef01, 0xf848d37ab6fbbc07,
	0xe1234deadbeef01c, 0x848d37ab6fbbc070,
	0x1234deadbeef01c0, 0x48d37ab6fbbc0703,
	0x234deadbeef01c0f, 0x8d37ab6fbbc0703f,
	0x34deadbeef01c0ff, 0xd37ab6fbbc0703ff,
	0x4deadbeef01c0ffe, 0x37ab6fbbc0703ffb,
	0xdeadbeef01c0ffee,
}

var kmerEx3 = []uint64{
	0x55dd657f5d5f091a, 0x2eeb2bfaeaf848d3,
	0x77595fd757c2469b, 0x3acafebabe1234de,
	0x5657f5d5f091a6f5, 0x32bfaeaf848d37ab,
	0x15fd757c2469bd5b, 0x2febabe1234deadb,
	0x7f5d5f091a6f56df, 0x7aeaf848d37ab6fb,
	0x5757c2469bd5b7dd, 0x3abe1234deadbeef,
	0x55f091a6f56df778, 0x2f848d37ab6fbbc0,
	0x7c2469bd5b7dde03, 0x61234deadbeef01c,
	0x091a6f56df7780e0, 0x48d37ab6fbbc0703,
	0x469bd5b7dde0381f, 0x34deadbeef01c0ff,
	0x26f56df7780e07ff, 0x37ab6fbbc0703ffb,
}

var kmerEx5 = []uint64{
	0xabbacafebabe123, 0x77595fd757c2469,
	0xeb2bfaeaf848d37, 0x657f5d5f091a6f5,
	0xafebabe1234dead, 0xfd757c2469bd5b7,
	0xaeaf848d37ab6fb, 0xd5f091a6f56df77,
	0xbe1234deadbeef0, 0xc2469bd5b7dde03,
	0x48d37ab6fbbc070, 0x1a6f56df7780e07,
	0x4deadbeef01c0ff, 0xbd5b7dde0381ffd,
}

// Packed streams: each word carries floor(bits(W)/bits) symbols in
// its low bits, first symbol lowest.

var packed2x8 = []uint8{
	0xea, 0xae, 0xa3, 0xbf, 0xae, 0xbe, 0x84, 0x1c,
	0xb7, 0x7a, 0xbe, 0xfb, 0x40, 0x03, 0xff, 0xbb,
}

var packed3x8 = []uint8{
	0x15, 0x1f, 0x1d, 0x11, 0x3f, 0x1d, 0x15, 0x37,
	0x20, 0x1c, 0x1a, 0x33, 0x1d, 0x1b, 0x1f, 0x3d,
	0x0, 0x23, 0x18, 0x3f, 0x1f,
}

var packed3x16 = []uint16{
	0x57d5, 0x7e8b, 0x755d, 0x3906, 0x5cda, 0x3edb, 0x303d, 0x7ec4,
}

var packed3x32 = []uint32{
	0x3f45d7d5, 0x1c83755d, 0x1f6ddcda, 0x3f62303d,
}

var packed3x64 = []uint64{
	0x2720dd577f45d7d5, 0x3ffb1181ebedbb9b,
}

var packed5x8 = []uint8{
	0x15, 0xe, 0x1d, 0xc, 0x15, 0x1f, 0x15, 0x1a, 0x17,
	0x18, 0x9, 0x3, 0x9, 0x17, 0x15, 0xd, 0x17, 0x1b,
	0x17, 0x10, 0x3, 0x10, 0x7, 0x1f, 0x1d,
}

var packed5x16 = []uint16{
	0x75d5, 0x7eac, 0x5f55, 0xd38, 0x56e9, 0x6eed, 0xe17, 0x7cf0,
}

var packed5x32 = []uint32{
	0x3f5675d5, 0x69c5f55, 0x3776d6e9, 0x3e780e17,
}

var packed5x64 = []uint64{
	0x1a717d57f5675d5, 0xf9e0385f776d6e9,
}

// Unpacked code streams: one symbol per element.

var codes2 = []uint8{
	2, 2, 2, 3, 2, 3, 2, 2,
	3, 0, 2, 2, 3, 3, 3, 2,
	2, 3, 2, 2, 2, 3, 3, 2,
	0, 1, 0, 2, 0, 3, 1, 0,
	3, 1, 3, 2, 2, 2, 3, 1,
	2, 3, 3, 2, 3, 2, 3, 3,
	0, 0, 0, 1, 3, 0, 0, 0,
	3, 3, 3, 3, 3, 2, 3, 2,
}

var codes3 = []uint8{
	0x5, 0x2, 0x7, 0x3, 0x5, 0x3, 0x1, 0x2, 0x7, 0x7,
	0x5, 0x3, 0x5, 0x2, 0x7, 0x6, 0x0, 0x4, 0x4, 0x3,
	0x2, 0x3, 0x3, 0x6, 0x5, 0x3, 0x3, 0x3, 0x7, 0x3,
	0x5, 0x7, 0x0, 0x0, 0x3, 0x4, 0x0, 0x3, 0x7, 0x7,
	0x7, 0x3,
}

var codes5 = packed5x8 // one 5-bit symbol per byte either way

// expected returns the k-symbol window starting at symbol i as a
// k-mer value.
func expected[W kmer.Word](k int, bits uint, ex []uint64, i int) kmer.Kmer[W] {
	shift := (64/bits - uint(k)) * bits
	return kmer.FromUint64[W](k, bits, ex[i]>>shift)
}

func testPacked[KW, IW kmer.Word](t *testing.T, data []IW, ex []uint64, bits uint, k, nk int) {
	t.Helper()
	r := kmer.NewReader(data, bits)
	x := kmer.New[KW](k, bits)
	x.FillPacked(r)
	if want := expected[KW](k, bits, ex, 0); !x.Equal(want) {
		t.Errorf("k=%d bits=%d: fill: got %016x, want %016x", k, bits, x.Prefix64(), want.Prefix64())
	}
	for i := 1; i < nk; i++ {
		x.NextPacked(r)
		if want := expected[KW](k, bits, ex, i); !x.Equal(want) {
			t.Errorf("k=%d bits=%d: kmer %d: got %016x, want %016x", k, bits, i, x.Prefix64(), want.Prefix64())
		}
	}
}

func testUnpacked[KW kmer.Word](t *testing.T, codes []uint8, ex []uint64, bits uint, k, nk int) {
	t.Helper()
	x := kmer.New[KW](k, bits)
	x.Fill(codes[:k])
	if want := expected[KW](k, bits, ex, 0); !x.Equal(want) {
		t.Errorf("k=%d bits=%d: fill: got %016x, want %016x", k, bits, x.Prefix64(), want.Prefix64())
	}
	for i := 1; i < nk; i++ {
		x.Push(codes[k+i-1])
		if want := expected[KW](k, bits, ex, i); !x.Equal(want) {
			t.Errorf("k=%d bits=%d: kmer %d: got %016x, want %016x", k, bits, i, x.Prefix64(), want.Prefix64())
		}
	}
}

func TestGenerationPacked2(t *testing.T) {
	for _, k := range []int{31, 28, 13, 4, 1} {
		testPacked[uint8](t, packed2x8, kmerEx2, 2, k, 33)
		testPacked[uint16](t, packed2x8, kmerEx2, 2, k, 33)
		testPacked[uint32](t, packed2x8, kmerEx2, 2, k, 33)
		testPacked[uint64](t, packed2x8, kmerEx2, 2, k, 33)
	}
}

func TestGenerationPacked3(t *testing.T) {
	for _, k := range []int{21, 20, 13, 9, 1} {
		// Input widths 8..64 carry 2, 5, 10, and 21 symbols per word
		// with 2, 1, 2, and 1 bits of padding respectively.
		testPacked[uint32](t, packed3x8, kmerEx3, 3, k, 22)
		testPacked[uint32](t, packed3x16, kmerEx3, 3, k, 20)
		testPacked[uint32](t, packed3x32, kmerEx3, 3, k, 20)
		testPacked[uint32](t, packed3x64, kmerEx3, 3, k, 22)
		testPacked[uint8](t, packed3x16, kmerEx3, 3, k, 20)
		testPacked[uint64](t, packed3x32, kmerEx3, 3, k, 20)
	}
}

func TestGenerationPacked5(t *testing.T) {
	testPacked[uint32](t, packed5x8, kmerEx5, 5, 12, 14)
	testPacked[uint32](t, packed5x16, kmerEx5, 5, 12, 13)
	testPacked[uint32](t, packed5x32, kmerEx5, 5, 12, 13)
	testPacked[uint32](t, packed5x64, kmerEx5, 5, 12, 13)
	testPacked[uint16](t, packed5x8, kmerEx5, 5, 12, 14)
	testPacked[uint64](t, packed5x64, kmerEx5, 5, 12, 13)
}

func TestGenerationChar2(t *testing.T) {
	for _, k := range []int{31, 28, 13, 4, 1} {
		testUnpacked[uint8](t, codes2, kmerEx2, 2, k, 33)
		testUnpacked[uint16](t, codes2, kmerEx2, 2, k, 33)
		testUnpacked[uint32](t, codes2, kmerEx2, 2, k, 33)
		testUnpacked[uint64](t, codes2, kmerEx2, 2, k, 33)
	}
}

func TestGenerationChar3(t *testing.T) {
	for _, k := range []int{21, 20, 13, 9, 1} {
		testUnpacked[uint8](t, codes3, kmerEx3, 3, k, 22)
		testUnpacked[uint16](t, codes3, kmerEx3, 3, k, 22)
		testUnpacked[uint32](t, codes3, kmerEx3, 3, k, 22)
		testUnpacked[uint64](t, codes3, kmerEx3, 3, k, 22)
	}
}

func TestGenerationChar5(t *testing.T) {
	for _, k := range []int{12, 11, 10, 9, 5, 3, 1} {
		testUnpacked[uint8](t, codes5, kmerEx5, 5, k, 14)
		testUnpacked[uint16](t, codes5, kmerEx5, 5, k, 14)
		testUnpacked[uint32](t, codes5, kmerEx5, 5, k, 14)
		testUnpacked[uint64](t, codes5, kmerEx5, 5, k, 14)
	}
}

// pack builds a packed stream from symbol codes, low-to-high within
// each word, padding in the top bits.
func pack[W kmer.Word](codes []uint8, bits, wordBits uint) []W {
	per := wordBits / bits
	var words []W
	for i := 0; i < len(codes); i += int(per) {
		var w W
		for j := 0; j < int(per) && i+j < len(codes); j++ {
			w |= W(codes[i+j]) << (uint(j) * bits)
		}
		words = append(words, w)
	}
	return words
}

// TestPackedCharEquivalence checks that the packed and unpacked
// ingestion paths agree on random sequences for every combination of
// symbol width and input word width.
func TestPackedCharEquivalence(t *testing.T) {
	fz := fuzz.New().NilChance(0).NumElements(200, 200)
	for _, bits := range []uint{2, 3, 4, 5, 7, 8} {
		k := int(64 / bits)
		var raw []uint8
		fz.Fuzz(&raw)
		codes := make([]uint8, len(raw))
		for i, c := range raw {
			codes[i] = c & uint8(uint16(1)<<bits-1)
		}

		ref := kmer.New[uint32](k, bits)
		ref.Fill(codes[:k])
		refs := []kmer.Kmer[uint32]{ref.Clone()}
		for _, c := range codes[k:] {
			ref.Push(c)
			refs = append(refs, ref.Clone())
		}

		check := func(name string, r kmer.SymbolReader) {
			x := kmer.New[uint32](k, bits)
			x.FillPacked(r)
			for i, want := range refs {
				if !x.Equal(want) {
					t.Errorf("bits=%d %s: kmer %d: got %016x, want %016x", bits, name, i, x.Prefix64(), want.Prefix64())
					break
				}
				if i+1 < len(refs) {
					x.NextPacked(r)
				}
			}
		}
		check("w8", kmer.NewReader(pack[uint8](codes, bits, 8), bits))
		check("w16", kmer.NewReader(pack[uint16](codes, bits, 16), bits))
		check("w32", kmer.NewReader(pack[uint32](codes, bits, 32), bits))
		check("w64", kmer.NewReader(pack[uint64](codes, bits, 64), bits))
	}
}

func TestComparison(t *testing.T) {
	val := []uint16{0xffee, 0x1c0, 0xbeef, 0xdead, 0x1234, 0x5678, 0xabba}
	// Smaller in the 4th word; the most significant differing symbol
	// is well above the lowest word.
	valS := []uint16{0xffee, 0x1c0, 0xbeef, 0x1111, 0x1234, 0x5678, 0xabba}
	// Greater in the 3rd word.
	valG := []uint16{0xffee, 0x1c0, 0xfeef, 0xdead, 0x1234, 0x5678, 0xabba}

	x := kmer.FromWords[uint16](41, 2, val...)
	s := kmer.FromWords[uint16](41, 2, valS...)
	g := kmer.FromWords[uint16](41, 2, valG...)

	if !(x.Compare(s) > 0) {
		t.Error("x should be greater than s")
	}
	if !x.Equal(x) {
		t.Error("x should equal itself")
	}
	if !(g.Compare(x) > 0) {
		t.Error("g should be greater than x")
	}
	if g.Compare(x) <= 0 || x.Compare(x) != 0 || x.Compare(g) >= 0 {
		t.Error("comparison is not antisymmetric")
	}
	if x.Equal(g) || x.Equal(s) {
		t.Error("distinct values compare equal")
	}
}

func TestReverse112(t *testing.T) {
	// 112-bit input 0xabba56781234deadbeef01c0ffee as little-endian
	// 16-bit words, reversed in symbol groups of each width.
	val := []uint16{0xffee, 0x1c0, 0xbeef, 0xdead, 0x1234, 0x5678, 0xabba}
	for _, c := range []struct {
		k    int
		bits uint
		rev  []uint16
	}{
		{56, 2, []uint16{0xaeea, 0x2d95, 0x1c84, 0x7ab7, 0xfbbe, 0x340, 0xbbff}},
		{37, 3, []uint16{0x2faa, 0x2795, 0x34a4, 0xdabd, 0x3ebe, 0x2311, 0x6bff}},
		{28, 4, []uint16{0xabba, 0x8765, 0x4321, 0xdaed, 0xfeeb, 0xc10, 0xeeff}},
		{22, 5, []uint16{0xd375, 0xb13a, 0xba40, 0xd5f5, 0xe77c, 0x8780, 0x1dff}},
		{16, 7, []uint16{0xb755, 0xcf2, 0xa644, 0xd6bd, 0x1777, 0x18ee, 0xddfc}},
	} {
		t.Run(fmt.Sprintf("bits=%d", c.bits), func(t *testing.T) {
			in := kmer.FromWords[uint16](c.k, c.bits, val...)
			want := kmer.FromWords[uint16](c.k, c.bits, c.rev...)
			if got := in.Reverse(); !got.Equal(want) {
				t.Errorf("got %016x, want %016x", got.Prefix64(), want.Prefix64())
			}
		})
	}
}

func TestReverseInvolution(t *testing.T) {
	fz := fuzz.New().NumElements(8, 8)
	for _, bits := range []uint{2, 3, 4, 5, 7, 8} {
		for _, k := range []int{1, 3, 7, 12, 21, 40} {
			var words []uint16
			fz.Fuzz(&words)
			x := kmer.FromWords(k, bits, words...)
			if rr := x.Reverse().Reverse(); !rr.Equal(x) {
				t.Errorf("k=%d bits=%d: reverse not involutive", k, bits)
			}
		}
	}
}

func TestPrefix64(t *testing.T) {
	// 62-bit window: the prefix is the window left-aligned.
	x := kmer.New[uint32](31, 2)
	x.Fill(codes2[:31])
	for i := 0; ; i++ {
		if got, want := x.Prefix64(), kmerEx2[i]&^uint64(3); got != want {
			t.Errorf("kmer %d: prefix %016x, want %016x", i, got, want)
		}
		if i == 32 {
			break
		}
		x.Push(codes2[31+i])
	}

	// 112-bit window: the prefix is the top 64 bits.
	val := []uint16{0xffee, 0x1c0, 0xbeef, 0xdead, 0x1234, 0x5678, 0xabba}
	in := kmer.FromWords[uint16](56, 2, val...)
	if got, want := in.Prefix64(), uint64(0xabba56781234dead); got != want {
		t.Errorf("got %016x, want %016x", got, want)
	}
}

// TestPrefixSymbolOrder checks that the prefix carries the oldest
// symbol in its highest bits: the i'th symbol group from the top of
// the prefix is slot K-1-i.
func TestPrefixSymbolOrder(t *testing.T) {
	x := kmer.New[uint8](12, 5)
	x.Fill(codes5[:12])
	p := x.Prefix64()
	for i := 0; i < 12; i++ {
		want := uint8(p>>(64-uint(i+1)*5)) & 0x1f
		if got := x.Symbol(11 - i); got != want {
			t.Errorf("symbol %d: got %d, want %d", 11-i, got, want)
		}
	}
}

func TestShift(t *testing.T) {
	x := kmer.New[uint16](21, 3)
	x.Fill(codes3[:21])
	// Shifting left by d discards the d oldest symbols and zeroes
	// the d newest slots.
	for _, d := range []int{0, 1, 2, 7, 20, 21} {
		y := x.ShiftLeft(d)
		for i := d; i < 21; i++ {
			if got, want := y.Symbol(i), x.Symbol(i-d); got != want {
				t.Errorf("shl %d: slot %d: got %d, want %d", d, i, got, want)
			}
		}
		for i := 0; i < d; i++ {
			if got := y.Symbol(i); got != 0 {
				t.Errorf("shl %d: slot %d: got %d, want 0", d, i, got)
			}
		}
		z := x.ShiftRight(d)
		for i := 0; i < 21-d; i++ {
			if got, want := z.Symbol(i), x.Symbol(i+d); got != want {
				t.Errorf("shr %d: slot %d: got %d, want %d", d, i, got, want)
			}
		}
	}
}

func TestBitwiseOps(t *testing.T) {
	a := kmer.FromUint64[uint8](12, 5, 0xabcdef0123456)
	b := kmer.FromUint64[uint8](12, 5, 0x5555555555555)
	if got, want := a.Xor(b).Xor(b), a; !got.Equal(want) {
		t.Error("xor not involutive")
	}
	if got := a.And(b).Or(a); !got.Equal(a) {
		t.Error("absorption law failed")
	}
}

func TestBytesRoundTrip(t *testing.T) {
	for _, k := range []int{1, 5, 31, 41} {
		x := kmer.New[uint32](k, 2)
		for i := 0; i < k; i++ {
			x.Push(uint8(i) & 3)
		}
		y := kmer.New[uint32](k, 2)
		y.SetBytes(x.Bytes())
		if !y.Equal(x) {
			t.Errorf("k=%d: round trip failed", k)
		}
	}
}
