// Copyright 2024 The Pegasus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package logreader

import (
	"os"

	"github.com/pegasus-kv/duplication/duplication"
)

// FileWriter appends framed blocks to a log file using the wire format
// defined in SPEC_FULL.md §3. It exists so tests (and embedders without a
// private log format of their own) can produce files FileSource reads
// back; it has no counterpart in spec.md, which treats the log format as
// external.
type FileWriter struct {
	f *os.File
}

func CreateFileWriter(path string) (*FileWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, duplication.NewError(duplication.Fatal, "create log file", err)
	}
	return &FileWriter{f: f}, nil
}

// WriteBlock appends one framed block containing muts and returns its
// size on disk.
func (w *FileWriter) WriteBlock(muts []duplication.Mutation) (int, error) {
	block := encodeBlock(muts)
	if _, err := w.f.Write(block); err != nil {
		return 0, duplication.NewError(duplication.Transient, "write log block", err)
	}
	return len(block), nil
}

func (w *FileWriter) Sync() error { return w.f.Sync() }

func (w *FileWriter) Close() error { return w.f.Close() }
