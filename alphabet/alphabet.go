// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package alphabet defines the symbol alphabets understood by the
// bigkmer codec. An alphabet maps ASCII characters to small integer
// codes of a fixed bit width and back. Codes are dense: they occupy
// [0, Size), and every code fits in Bits bits.
package alphabet

import (
	"github.com/grailbio/base/must"
)

// An Alphabet maps characters to symbol codes and back. Characters
// outside of the alphabet's domain map to code 0; this is deliberate
// and matches the behavior expected by downstream indexes, which
// treat unknown bases as 'A'-equivalent rather than failing. Callers
// that want strictness can screen input with Valid first.
type Alphabet struct {
	name       string
	bits       uint
	fromASCII  [256]uint8
	valid      [256]bool
	toASCII    []byte
	complement []uint8
}

// New returns an alphabet with the given name and symbol bit width.
// The i'th byte of symbols is the canonical character for code i;
// lowercase variants of letters are accepted on input. complement
// gives the code of each symbol's complement and may be nil for
// alphabets without one.
func New(name string, bits uint, symbols []byte, complement []uint8) *Alphabet {
	must.True(bits >= 1 && bits <= 8, "alphabet ", name, ": bad symbol width ", bits)
	must.True(len(symbols) <= 1<<bits, "alphabet ", name, ": too many symbols")
	must.True(complement == nil || len(complement) == len(symbols),
		"alphabet ", name, ": complement table size mismatch")
	a := &Alphabet{
		name:       name,
		bits:       bits,
		toASCII:    symbols,
		complement: complement,
	}
	for code, c := range symbols {
		a.fromASCII[c] = uint8(code)
		a.valid[c] = true
		if 'A' <= c && c <= 'Z' {
			a.fromASCII[c+'a'-'A'] = uint8(code)
			a.valid[c+'a'-'A'] = true
		}
	}
	return a
}

// Name returns the alphabet's name.
func (a *Alphabet) Name() string { return a.name }

// Bits returns the number of bits a symbol code occupies in packed
// storage.
func (a *Alphabet) Bits() uint { return a.bits }

// Size returns the number of valid symbol codes.
func (a *Alphabet) Size() int { return len(a.toASCII) }

// Code returns the symbol code for character c. Unknown characters
// map to code 0, silently.
func (a *Alphabet) Code(c byte) uint8 { return a.fromASCII[c] }

// Valid reports whether c is a character of the alphabet.
func (a *Alphabet) Valid(c byte) bool { return a.valid[c] }

// Char returns the canonical character for a symbol code.
func (a *Alphabet) Char(code uint8) byte { return a.toASCII[code] }

// Complement returns the code of the symbol's complement. It panics
// if the alphabet has no complement table.
func (a *Alphabet) Complement(code uint8) uint8 {
	must.True(a.complement != nil, "alphabet ", a.name, " has no complement")
	return a.complement[code]
}

var (
	// DNA is the 2-bit alphabet over A, C, G, T.
	DNA = New("DNA", 2, []byte("ACGT"), []uint8{3, 2, 1, 0})

	// DNA5 is the 3-bit alphabet over A, C, G, T, N. N is its own
	// complement.
	DNA5 = New("DNA5", 3, []byte("ACGTN"), []uint8{3, 2, 1, 0, 4})
)
