// Copyright 2024 The Pegasus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package logreader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pegasus-kv/duplication/duplication"
)

func writeMutations(t *testing.T, path string, blocks [][]duplication.Mutation) {
	t.Helper()
	w, err := CreateFileWriter(path)
	require.NoError(t, err)
	for _, b := range blocks {
		_, err := w.WriteBlock(b)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
}

func mutation(decree duplication.Decree) duplication.Mutation {
	return duplication.Mutation{
		Decree: decree,
		Ballot: 2,
		Updates: []duplication.Update{
			{Opcode: 7, SerializationTag: 1, Payload: []byte("hello")},
		},
	}
}

func TestFileSource_ReplayBlock_ReadsAllThenEOF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.0.0")
	writeMutations(t, path, [][]duplication.Mutation{
		{mutation(1), mutation(2)},
		{mutation(3)},
	})

	var src FileSource
	var got []duplication.Decree
	var cursor int64
	err := src.ReplayBlock(path, func(_ int, mu duplication.Mutation) {
		got = append(got, mu.Decree)
	}, true, &cursor)

	require.Error(t, err)
	assert.Equal(t, duplication.Eof, duplication.CodeOf(err))
	assert.Equal(t, []duplication.Decree{1, 2, 3}, got)
	assert.Greater(t, cursor, int64(0))
}

func TestFileSource_ReplayBlock_ResumesFromCursor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.0.0")
	writeMutations(t, path, [][]duplication.Mutation{{mutation(1)}})

	var src FileSource
	var cursor int64
	var first []duplication.Decree
	err := src.ReplayBlock(path, func(_ int, mu duplication.Mutation) {
		first = append(first, mu.Decree)
	}, true, &cursor)
	require.Equal(t, duplication.Eof, duplication.CodeOf(err))
	require.Equal(t, []duplication.Decree{1}, first)

	// simulate the writer continuing to append to the same file.
	appendBlock(t, path, mutation(2))

	var second []duplication.Decree
	err = src.ReplayBlock(path, func(_ int, mu duplication.Mutation) {
		second = append(second, mu.Decree)
	}, false, &cursor)
	require.Equal(t, duplication.Eof, duplication.CodeOf(err))
	assert.Equal(t, []duplication.Decree{2}, second)
}

func appendBlock(t *testing.T, path string, mu duplication.Mutation) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Write(encodeBlock([]duplication.Mutation{mu}))
	require.NoError(t, err)
}

func TestFindLogFileWithMinIndex(t *testing.T) {
	files := []string{
		"/data/log.3.9000",
		"/data/log.1.0",
		"/data/log.2.4500",
		"/data/not-a-log-file",
	}
	info, ok := FindLogFileWithMinIndex(files)
	require.True(t, ok)
	assert.Equal(t, int64(1), info.Index)
	assert.Equal(t, int64(0), info.StartOffset)
}

func TestNextFile(t *testing.T) {
	files := []string{"/data/log.1.0", "/data/log.2.4500"}
	info, ok := NextFile(files, 1)
	require.True(t, ok)
	assert.Equal(t, int64(2), info.Index)

	_, ok = NextFile(files, 2)
	assert.False(t, ok)
}

func TestFindLogFileWithMinIndex_Empty(t *testing.T) {
	_, ok := FindLogFileWithMinIndex(nil)
	assert.False(t, ok)
}
