package tables

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ChecksumPrefix tags the digest algorithm in manifest checksums.
const ChecksumPrefix = "sha256:"

// ComputeChecksum returns the manifest checksum of an encoded parquet file.
func ComputeChecksum(data []byte) string {
	sum := sha256.Sum256(data)
	return ChecksumPrefix + hex.EncodeToString(sum[:])
}

// VerifyChecksum reports whether data hashes to expected.
func VerifyChecksum(data []byte, expected string) bool {
	return strings.EqualFold(ComputeChecksum(data), expected)
}

// WellFormedChecksum reports whether sum is a prefixed sha256 hex digest.
func WellFormedChecksum(sum string) bool {
	digest, ok := strings.CutPrefix(sum, ChecksumPrefix)
	if !ok || len(digest) != 2*sha256.Size {
		return false
	}
	_, err := hex.DecodeString(digest)
	return err == nil
}
