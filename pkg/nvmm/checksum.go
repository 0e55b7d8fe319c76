package nvmm

import (
	"hash/crc32"

	"lukechampine.com/blake3"
)

// crcTable uses the Castagnoli polynomial (CRC-32C), the common choice for
// checksums protecting small, frequently-read header structures.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

func computeCRC32C(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}

func computeBLAKE3(data []byte) [32]byte {
	return blake3.Sum256(data)
}
