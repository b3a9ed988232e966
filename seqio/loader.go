// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package seqio

import (
	"context"
	"io"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// defaultOverlap is how far past its block range a loader reads so
// that boundary adjustment can see into the next rank's block. A
// record must fit within this window.
const defaultOverlap = 1 << 16

// A Boundary locates record starts. Given data holding file contents
// from absolute offset base, it returns the absolute offset of the
// first record starting at or after target, or base+len(data) when no
// record starts within data. A Boundary must be a pure function of
// the file contents so that adjacent ranks agree on shared
// boundaries.
type Boundary func(data []byte, base, target int64) int64

// A Loader reads one rank's block of a sequence file into memory and
// hands out successive chunks of it to concurrent callers. The usual
// sequence is Open, Partition, Load, AdjustRange, then NextChunk
// until exhaustion.
type Loader struct {
	path    string
	f       file.File
	size    int64
	overlap int64

	blk  Range  // this rank's raw block
	adj  Range  // record-aligned sub-range
	base int64  // absolute offset of data[0]
	data []byte

	mu  sync.Mutex
	cur int64
}

// Open opens path and stats its size. The loader's range defaults to
// the whole file.
func Open(ctx context.Context, path string) (*Loader, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat(ctx)
	if err != nil {
		f.Close(ctx)
		return nil, err
	}
	l := &Loader{
		path:    path,
		f:       f,
		size:    info.Size(),
		overlap: defaultOverlap,
	}
	l.blk = l.FileRange()
	return l, nil
}

// FileRange returns the full extent of the file.
func (l *Loader) FileRange() Range { return Range{0, l.size} }

// Partition assigns this loader rank r of p over the file.
func (l *Loader) Partition(p, r int) Range {
	l.blk = BlockPartition(l.size, p, r)
	return l.blk
}

// SetRange assigns an explicit block range, clamped to the file.
func (l *Loader) SetRange(r Range) {
	l.blk = r.Intersect(l.FileRange())
}

// Load reads the block range, plus an overlap window past its end,
// into memory.
func (l *Loader) Load(ctx context.Context) error {
	end := l.blk.End + l.overlap
	if end > l.size {
		end = l.size
	}
	l.base = l.blk.Start
	l.data = make([]byte, end-l.base)
	r := l.f.Reader(ctx)
	if _, err := r.Seek(l.base, io.SeekStart); err != nil {
		return errors.E("seqio: seek", l.path, err)
	}
	if _, err := io.ReadFull(r, l.data); err != nil {
		return errors.E("seqio: read", l.path, err)
	}
	// Until adjusted, chunking covers the raw block.
	l.adj = l.blk
	l.cur = l.adj.Start
	return nil
}

// Unload drops the loaded data.
func (l *Loader) Unload() {
	l.data = nil
}

// Data returns the loaded bytes of the adjusted range.
func (l *Loader) Data() []byte {
	return l.data[l.adj.Start-l.base : l.adj.End-l.base]
}

// AdjustRange refines the block range to record boundaries: the
// start moves forward to the first record at or after it (rank 0
// keeps start 0), and the end moves forward to the first record at
// or after it, which is exactly where the next rank's adjusted range
// begins. Load must have been called.
func (l *Loader) AdjustRange(b Boundary) Range {
	start := l.blk.Start
	if start > 0 {
		start = b(l.data, l.base, start)
	}
	end := l.blk.End
	if end < l.size {
		end = b(l.data, l.base, end)
	}
	if max := l.base + int64(len(l.data)); end > max {
		end = max
	}
	if start > end {
		start = end
	}
	l.adj = Range{start, end}
	l.cur = start
	return l.adj
}

// NextChunk atomically claims the next chunk of roughly n bytes from
// the adjusted range, extending its end to the next record boundary.
// Concurrent callers receive disjoint chunks that together cover the
// adjusted range, in increasing order of claim. It returns ok=false
// once the range is exhausted.
func (l *Loader) NextChunk(b Boundary, n int64) (data []byte, r Range, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cur >= l.adj.End {
		return nil, Range{}, false
	}
	end := l.cur + n
	if end >= l.adj.End {
		end = l.adj.End
	} else {
		end = b(l.data, l.base, end)
		if end > l.adj.End {
			end = l.adj.End
		}
	}
	r = Range{l.cur, end}
	l.cur = end
	return l.data[r.Start-l.base : r.End-l.base], r, true
}

// Close releases the underlying file.
func (l *Loader) Close(ctx context.Context) error {
	l.data = nil
	return l.f.Close(ctx)
}
