// Package wasm provides pure helpers for preparing a code module for a
// chunked install: hashing, digest verification and splitting.
package wasm

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/akup/multicanister/internal/core/domain"
)

// ChunkSize is the size of each uploaded piece (500 KiB). The management
// interface caps the payload of a single call well above this.
const ChunkSize = 500 * 1024

// Hash returns the lowercase hex SHA-256 of module.
func Hash(module []byte) string {
	sum := sha256.Sum256(module)
	return hex.EncodeToString(sum[:])
}

// VerifyHash compares the declared digest against the computed one. The
// declared digest must be the exact lowercase hex form Hash produces. It
// returns the digest on success.
func VerifyHash(module []byte, declared string) (string, error) {
	computed := Hash(module)
	if declared != computed {
		return "", fmt.Errorf("%w: declared %q, computed %q", domain.ErrHashMismatch, declared, computed)
	}
	return computed, nil
}

// Split cuts module into consecutive pieces of at most size bytes, in order.
// An empty module yields no chunks. The pieces alias module.
func Split(module []byte, size int) [][]byte {
	if size <= 0 {
		size = ChunkSize
	}
	if len(module) == 0 {
		return nil
	}

	chunks := make([][]byte, 0, ChunkCount(len(module), size))
	for start := 0; start < len(module); start += size {
		end := start + size
		if end > len(module) {
			end = len(module)
		}
		chunks = append(chunks, module[start:end:end])
	}
	return chunks
}

// ChunkCount returns how many pieces Split would produce.
func ChunkCount(length, size int) int {
	if size <= 0 {
		size = ChunkSize
	}
	if length <= 0 {
		return 0
	}
	return (length + size - 1) / size
}

// DecodeInitArg decodes base64 initialization bytes. Empty input yields nil.
func DecodeInitArg(b64 string) ([]byte, error) {
	b64 = strings.TrimSpace(b64)
	if b64 == "" {
		return nil, nil
	}
	arg, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode init arg: %w", err)
	}
	return arg, nil
}
