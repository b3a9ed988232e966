// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package seqio loads ranges of sequence files for parallel
// consumption. A file is split into per-rank block ranges, each rank
// refines its range to record boundaries, and worker goroutines then
// claim successive chunks of the refined range.
package seqio

import (
	"github.com/grailbio/base/must"
)

// A Range is a half-open byte interval [Start, End) within a file.
type Range struct {
	Start, End int64
}

// Len returns the number of bytes in the range.
func (r Range) Len() int64 { return r.End - r.Start }

// Contains reports whether off lies within the range.
func (r Range) Contains(off int64) bool { return r.Start <= off && off < r.End }

// Intersect returns the overlap of r and s, which may be empty.
func (r Range) Intersect(s Range) Range {
	if s.Start > r.Start {
		r.Start = s.Start
	}
	if s.End < r.End {
		r.End = s.End
	}
	if r.End < r.Start {
		r.End = r.Start
	}
	return r
}

// AlignToPage returns the smallest super-range of r whose bounds are
// multiples of page.
func (r Range) AlignToPage(page int64) Range {
	must.True(page > 0, "seqio: bad page size ", page)
	return Range{
		Start: r.Start / page * page,
		End:   (r.End + page - 1) / page * page,
	}
}

// BlockPartition splits [0, total) into p contiguous sub-ranges and
// returns the r'th. The first total%p sub-ranges carry one extra
// byte, so the sub-ranges cover the file exactly, do not overlap,
// and are monotone in r.
func BlockPartition(total int64, p, r int) Range {
	must.True(p > 0 && 0 <= r && r < p, "seqio: bad partition ", r, "/", p)
	div, rem := total/int64(p), total%int64(p)
	if int64(r) < rem {
		start := int64(r) * (div + 1)
		return Range{start, start + div + 1}
	}
	start := rem*(div+1) + (int64(r)-rem)*div
	return Range{start, start + div}
}
