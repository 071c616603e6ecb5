package crypto

import "encoding/binary"

// WorkerFingerprint deterministically assigns an opaque ID (transmission ID
// bytes) to one of W workers. Every validator must reach the same answer for
// the same id, so the reduction is a plain double-SHA-256 truncated to the
// first 16 bytes and reduced modulo W — no randomness, no process-local state.
//
// For w <= 0 it returns 0; mempool.NewShard never passes less than 1.
func WorkerFingerprint(id []byte, w int) int {
	if w <= 0 {
		return 0
	}
	first := HashBytes(id)
	second := HashBytes(first)
	// Reduce the first 16 bytes of the second digest as a big-endian 128-bit
	// integer represented by two uint64 halves, avoiding a big.Int import
	// for a hot-path function called once per transmission.
	hi := binary.BigEndian.Uint64(second[0:8])
	lo := binary.BigEndian.Uint64(second[8:16])
	mod := uint64(w)
	// (hi * 2^64 + lo) mod w, computed bit-by-bit (MSB first) to avoid
	// 128-bit overflow: acc = (2*acc + bit) mod w is the standard
	// binary-to-modulus reduction and is correct regardless of w.
	acc := uint64(0)
	for i := 63; i >= 0; i-- {
		bit := (hi >> uint(i)) & 1
		acc = (2*acc + bit) % mod
	}
	for i := 63; i >= 0; i-- {
		bit := (lo >> uint(i)) & 1
		acc = (2*acc + bit) % mod
	}
	return int(acc)
}
