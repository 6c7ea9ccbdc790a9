// Package checksum provides SHA-256 helpers for archive integrity. Archive files are
// hashed while they are written, the digest travels with the upload as object metadata
// and a sha256sum-style sidecar, and VerifySHA256 checks a downloaded copy against it.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
)

// CalculateSHA256 calculates the SHA256 checksum of data from a reader
func CalculateSHA256(reader io.Reader) (string, error) {
	hasher := sha256.New()

	if _, err := io.Copy(hasher, reader); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// VerifySHA256 verifies that the checksum of data matches the expected checksum
func VerifySHA256(reader io.Reader, expectedChecksum string) (bool, error) {
	actualChecksum, err := CalculateSHA256(reader)
	if err != nil {
		return false, err
	}

	return actualChecksum == expectedChecksum, nil
}

// Writer passes writes through to an underlying writer while hashing them.
type Writer struct {
	w      io.Writer
	hasher hash.Hash
	n      int64
}

// NewWriter returns a Writer that forwards to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, hasher: sha256.New()}
}

func (cw *Writer) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.hasher.Write(p[:n])
	cw.n += int64(n)
	return n, err
}

// Sum returns the hex SHA256 of everything written so far.
func (cw *Writer) Sum() string {
	return hex.EncodeToString(cw.hasher.Sum(nil))
}

// Size returns the number of bytes written so far.
func (cw *Writer) Size() int64 {
	return cw.n
}

// SidecarLine formats a checksum line as written by sha256sum.
func SidecarLine(sum, name string) string {
	return sum + "  " + name + "\n"
}
