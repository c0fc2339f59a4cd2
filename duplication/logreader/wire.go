// Copyright 2024 The Pegasus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package logreader implements the Log Reader of SPEC_FULL.md §4.1: a
// resumable reader over a sequence of private log files, plus a matching
// writer for the module's own block-framed wire format (SPEC_FULL.md §3),
// used by tests and by embedders with no private log format of their own.
package logreader

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/golang/snappy"

	"github.com/pegasus-kv/duplication/duplication"
)

// encodeBlock frames muts as SPEC_FULL.md §3 describes: varint(length) |
// crc32(payload) | snappy-compressed(payload), where payload is the
// concatenation of mutation records. Records carry no length prefix; each
// is delimited by its own varint fields and update count.
func encodeBlock(muts []duplication.Mutation) []byte {
	var payload []byte
	for _, mu := range muts {
		payload = appendMutation(payload, mu)
	}
	compressed := snappy.Encode(nil, payload)

	checksum := crc32.ChecksumIEEE(payload)
	var head [4 + binary.MaxVarintLen64]byte
	n := binary.PutUvarint(head[:], uint64(len(compressed)+4))
	n += binary.PutUvarint(head[n:], uint64(checksum))

	out := make([]byte, 0, n+len(compressed))
	out = append(out, head[:n]...)
	out = append(out, compressed...)
	return out
}

func appendMutation(buf []byte, mu duplication.Mutation) []byte {
	var scratch [binary.MaxVarintLen64]byte

	n := binary.PutVarint(scratch[:], mu.Decree)
	buf = append(buf, scratch[:n]...)
	n = binary.PutVarint(scratch[:], mu.Ballot)
	buf = append(buf, scratch[:n]...)
	n = binary.PutUvarint(scratch[:], uint64(len(mu.Updates)))
	buf = append(buf, scratch[:n]...)

	for _, u := range mu.Updates {
		n = binary.PutVarint(scratch[:], int64(u.Opcode))
		buf = append(buf, scratch[:n]...)
		n = binary.PutVarint(scratch[:], int64(u.SerializationTag))
		buf = append(buf, scratch[:n]...)
		n = binary.PutUvarint(scratch[:], uint64(len(u.Payload)))
		buf = append(buf, scratch[:n]...)
		buf = append(buf, u.Payload...)
	}
	return buf
}

// decodeBlock parses one framed block already read from the file at a
// known offset, returning the mutations it carries and the number of
// bytes the block occupied on disk (for cursor advancement).
func decodeBlock(r io.Reader) ([]duplication.Mutation, int, error) {
	br := &byteCountingReader{r: r}

	length, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, br.n, err // surfaced by caller as EOF or Corrupt
	}
	checksum, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, br.n, err
	}
	if length < 4 {
		return nil, br.n, errCorrupt("block length too small for checksum field")
	}
	compressed := make([]byte, int(length)-4)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return nil, br.n, err
	}
	br.n += len(compressed)

	payload, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, br.n, errCorrupt("snappy decode failed: " + err.Error())
	}
	if crc32.ChecksumIEEE(payload) != uint32(checksum) {
		return nil, br.n, errCorrupt("crc32 mismatch")
	}

	muts, err := decodeMutations(payload)
	if err != nil {
		return nil, br.n, err
	}
	return muts, br.n, nil
}

func decodeMutations(payload []byte) ([]duplication.Mutation, error) {
	var muts []duplication.Mutation
	for len(payload) > 0 {
		decree, n := binary.Varint(payload)
		if n <= 0 {
			return nil, errCorrupt("truncated decree varint")
		}
		payload = payload[n:]

		ballot, n := binary.Varint(payload)
		if n <= 0 {
			return nil, errCorrupt("truncated ballot varint")
		}
		payload = payload[n:]

		count, n := binary.Uvarint(payload)
		if n <= 0 {
			return nil, errCorrupt("truncated update-count varint")
		}
		payload = payload[n:]

		updates := make([]duplication.Update, 0, count)
		for i := uint64(0); i < count; i++ {
			opcode, n := binary.Varint(payload)
			if n <= 0 {
				return nil, errCorrupt("truncated opcode varint")
			}
			payload = payload[n:]

			tag, n := binary.Varint(payload)
			if n <= 0 {
				return nil, errCorrupt("truncated tag varint")
			}
			payload = payload[n:]

			plen, n := binary.Uvarint(payload)
			if n <= 0 {
				return nil, errCorrupt("truncated payload-length varint")
			}
			payload = payload[n:]

			if uint64(len(payload)) < plen {
				return nil, errCorrupt("truncated payload bytes")
			}
			updates = append(updates, duplication.Update{
				Opcode:           int32(opcode),
				SerializationTag: int32(tag),
				Payload:          append([]byte(nil), payload[:plen]...),
			})
			payload = payload[plen:]
		}
		muts = append(muts, duplication.Mutation{Decree: decree, Ballot: ballot, Updates: updates})
	}
	return muts, nil
}

func errCorrupt(msg string) error {
	return duplication.NewError(duplication.Corrupt, msg, nil)
}

// byteCountingReader wraps an io.Reader (via io.ByteReader, needed by the
// binary.ReadUvarint helpers) while tracking bytes consumed so the caller
// can advance its cursor by the exact block size. On a truncated read the
// count covers only the header bytes read, which is enough for the caller
// to tell a clean end of file (zero bytes) from a partial block.
type byteCountingReader struct {
	r io.Reader
	n int
}

func (b *byteCountingReader) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(b.r, buf[:]); err != nil {
		return 0, err
	}
	b.n++
	return buf[0], nil
}
