// Copyright 2024 The Pegasus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package logreader

import (
	"errors"
	"io"
	"os"

	"github.com/pegasus-kv/duplication/duplication"
)

// Visitor receives each mutation decoded from a block, in the order they
// appear on disk, and the number of bytes that block occupied. Per
// spec.md §4.1 the visitor always continues; there is no short-circuit
// signal because a log file's blocks are read fully within one
// ReplayBlock call and the Duplicator decides whether to keep calling.
type Visitor func(blockLength int, mu duplication.Mutation)

// Source abstracts the private log a Duplicator tails. The module ships
// one concrete implementation, FileSource, for the wire format in
// SPEC_FULL.md §3; an embedder with its own log format supplies a
// different Source and nothing above the logreader package needs to
// change (SPEC_FULL.md §3's closing note).
type Source interface {
	// ReplayBlock reads framed blocks from file starting at
	// *cursorOffset (or from byte 0 if fromStart) until it hits an
	// error, invokes visitor for every mutation they contain, and
	// advances *cursorOffset past each complete block. Returns
	// duplication.Eof at a clean end of file, duplication.Transient if a
	// block looks truncated (the writer may still be appending),
	// duplication.Corrupt if a block fails to decode or its checksum
	// does not match, or duplication.Fatal if the file cannot be opened
	// or seeked.
	ReplayBlock(file string, visitor Visitor, fromStart bool, cursorOffset *int64) error
}

// FileSource is the concrete, file-backed Source decoding the wire
// format defined in SPEC_FULL.md §3.
type FileSource struct{}

var _ Source = FileSource{}

func (FileSource) ReplayBlock(file string, visitor Visitor, fromStart bool, cursorOffset *int64) error {
	f, err := os.Open(file)
	if err != nil {
		return duplication.NewError(duplication.Fatal, "open log file", err)
	}
	defer f.Close()

	offset := *cursorOffset
	if fromStart {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return duplication.NewError(duplication.Fatal, "seek log file", err)
	}

	for {
		muts, n, err := decodeBlock(f)
		if err != nil {
			if errors.Is(err, io.EOF) && n == 0 {
				// clean boundary: nothing at all was read for this block.
				return duplication.NewError(duplication.Eof, "end of log file", nil)
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				// a partial block: the writer may still be appending it.
				return duplication.NewError(duplication.Transient, "truncated block, writer may still be appending", err)
			}
			var de *duplication.Error
			if asDupErr(err, &de) {
				return de
			}
			return duplication.NewError(duplication.Corrupt, "decode block", err)
		}
		offset += int64(n)
		*cursorOffset = offset
		for _, mu := range muts {
			visitor(n, mu)
		}
	}
}

func asDupErr(err error, target **duplication.Error) bool {
	var de *duplication.Error
	if errors.As(err, &de) {
		*target = de
		return true
	}
	return false
}
