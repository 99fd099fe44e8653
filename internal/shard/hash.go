package shard

import "github.com/sigurn/crc16"

var crcTable = crc16.MakeTable(crc16.CRC16_XMODEM)

// Checksum is the CRC-16/XMODEM of key. Every replica must compute the same
// value, so the polynomial can never change for a deployed cluster.
func Checksum(key string) uint16 {
	return crc16.Checksum([]byte(key), crcTable)
}

// ShardFor returns the shard owning key in a cluster of n replicas.
func ShardFor(key string, n int) int {
	if n <= 0 {
		return 0
	}
	return int(Checksum(key)) % n
}
