// Copyright 2024 The Pegasus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package logreader

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// FileInfo is one parsed log file name: log.<Index>.<StartOffset>.
type FileInfo struct {
	Path        string
	Index       int64
	StartOffset int64
}

// FileName renders the naming convention spec.md §6 fixes:
// log.<index>.<start_byte_offset>.
func FileName(dir string, index, startOffset int64) string {
	return filepath.Join(dir, fmt.Sprintf("log.%d.%d", index, startOffset))
}

// parseFileName extracts (index, startOffset) from a bare file name (no
// directory component). Returns false if name doesn't match the
// convention.
func parseFileName(name string) (index, startOffset int64, ok bool) {
	parts := strings.Split(name, ".")
	if len(parts) != 3 || parts[0] != "log" {
		return 0, 0, false
	}
	idx, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	off, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return idx, off, true
}

// OpenLogFileMap parses files (full paths) per spec.md §4.1's
// open_log_file_map, returning a map keyed by index with the index-sorted
// order also available via SortedIndexes.
func OpenLogFileMap(files []string) map[int64]FileInfo {
	out := make(map[int64]FileInfo, len(files))
	for _, path := range files {
		idx, off, ok := parseFileName(filepath.Base(path))
		if !ok {
			continue
		}
		out[idx] = FileInfo{Path: path, Index: idx, StartOffset: off}
	}
	return out
}

// SortedIndexes returns the indexes of m in ascending order.
func SortedIndexes(m map[int64]FileInfo) []int64 {
	out := make([]int64, 0, len(m))
	for idx := range m {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FindLogFileWithMinIndex returns the oldest available log file, per
// spec.md §4.1, or ok=false if files is empty or none match the naming
// convention.
func FindLogFileWithMinIndex(files []string) (info FileInfo, ok bool) {
	m := OpenLogFileMap(files)
	if len(m) == 0 {
		return FileInfo{}, false
	}
	idxs := SortedIndexes(m)
	return m[idxs[0]], true
}

// NextFile looks up the log file with index+1 among files, as the
// Duplicator's rotation rule (spec.md §4.3) requires.
func NextFile(files []string, index int64) (info FileInfo, ok bool) {
	m := OpenLogFileMap(files)
	info, ok = m[index+1]
	return info, ok
}
