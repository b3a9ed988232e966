// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package seqio

import (
	"bytes"

	"github.com/grailbio/base/errors"
)

// A Record is one FASTQ record. Its fields alias the scanned buffer.
// Off is the byte offset of Seq within the scanned block, letting
// callers derive absolute sequence positions.
type Record struct {
	ID   []byte
	Seq  []byte
	Qual []byte
	Off  int64
}

// FastqBoundary is a Boundary over FASTQ data. A record header is a
// line starting with '@' whose second following line starts with
// '+'; the check disambiguates '@' occurring as a quality score.
func FastqBoundary(data []byte, base, target int64) int64 {
	i := target - base
	if i < 0 {
		i = 0
	}
	if i > int64(len(data)) {
		return base + int64(len(data))
	}
	// Back up to the start of the line containing target.
	j := int(i)
	for j > 0 && data[j-1] != '\n' {
		j--
	}
	for j < len(data) {
		if data[j] == '@' && isHeaderAt(data, j) {
			if off := base + int64(j); off >= target {
				return off
			}
		}
		next := bytes.IndexByte(data[j:], '\n')
		if next < 0 {
			break
		}
		j += next + 1
	}
	return base + int64(len(data))
}

// isHeaderAt reports whether the line at j begins a FASTQ record:
// the line two below must start with '+'.
func isHeaderAt(data []byte, j int) bool {
	k := j
	for skip := 0; skip < 2; skip++ {
		next := bytes.IndexByte(data[k:], '\n')
		if next < 0 {
			return false
		}
		k += next + 1
	}
	return k < len(data) && data[k] == '+'
}

// ScanRecords parses data as whole FASTQ records, invoking fn for
// each. Scanning stops at the first error from fn or the first
// malformed record.
func ScanRecords(data []byte, fn func(Record) error) error {
	var off int64
	for len(data) > 0 {
		if data[0] != '@' {
			return errors.E(errors.Invalid, "seqio: missing fastq header")
		}
		var lines [4][]byte
		rest := data
		consumed := 0
		for i := 0; i < 4; i++ {
			nl := bytes.IndexByte(rest, '\n')
			if nl < 0 {
				if i < 3 {
					return errors.E(errors.Invalid, "seqio: truncated fastq record")
				}
				nl = len(rest)
				lines[i], rest = rest[:nl], rest[nl:]
				consumed += nl
				break
			}
			lines[i], rest = rest[:nl], rest[nl+1:]
			consumed += nl + 1
		}
		if len(lines[2]) == 0 || lines[2][0] != '+' {
			return errors.E(errors.Invalid, "seqio: missing fastq separator")
		}
		if len(lines[1]) != len(lines[3]) {
			return errors.E(errors.Invalid, "seqio: sequence and quality length mismatch")
		}
		rec := Record{
			ID:   lines[0][1:],
			Seq:  lines[1],
			Qual: lines[3],
			Off:  off + int64(len(lines[0])) + 1,
		}
		if err := fn(rec); err != nil {
			return err
		}
		off += int64(consumed)
		data = rest
	}
	return nil
}
