package cassandra

import "hash/crc32"

// CRC24 parameters, ported from the same RFC 4880 (OpenPGP) CRC-24 that
// Cassandra's own native-protocol v5 segment header checksum is defined
// against. No library in the reference corpus exports a CRC24
// implementation, and the standard library's hash/crc32 only covers the
// 32-bit case used for the segment payload checksum below — so this one
// primitive is hand-rolled rather than imported.
const (
	crc24Init = 0xb704ce
	crc24Poly = 0x1864cfb
)

// crc24 computes the 24-bit CRC of data, returned in the low 24 bits of
// the result.
func crc24(data []byte) uint32 {
	crc := uint32(crc24Init)
	for _, b := range data {
		crc ^= uint32(b) << 16
		for i := 0; i < 8; i++ {
			crc <<= 1
			if crc&0x1000000 != 0 {
				crc ^= crc24Poly
			}
		}
	}
	return crc & 0xffffff
}

// crc32Checksum computes the IEEE CRC-32 of data, matching the payload
// checksum used by a v5+ segment's trailing 4 bytes.
func crc32Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}
