package crypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strings"
)

// =============================================================================
// Principals
// =============================================================================

// selfAuthenticatingTag is appended to the key hash of a self-authenticating principal.
const selfAuthenticatingTag = 0x02

// maxPrincipalLength is the largest raw principal accepted.
const maxPrincipalLength = 29

var principalEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// SelfAuthenticatingPrincipal derives the principal controlled by the key
// whose DER encoding is publicKeyDER.
func SelfAuthenticatingPrincipal(publicKeyDER []byte) []byte {
	sum := sha256.Sum224(publicKeyDER)
	return append(sum[:], selfAuthenticatingTag)
}

// PrincipalText renders raw principal bytes in the textual form:
// base32(crc32 || bytes), lowercase, grouped by five characters.
//
// Example:
//
//	PrincipalText([]byte{0x04}) // "2vxsx-fae"
//	PrincipalText(nil)          // "aaaaa-aa"
func PrincipalText(raw []byte) string {
	buf := make([]byte, 4, 4+len(raw))
	binary.BigEndian.PutUint32(buf, crc32.ChecksumIEEE(raw))
	buf = append(buf, raw...)

	enc := strings.ToLower(principalEncoding.EncodeToString(buf))

	var b strings.Builder
	for i := 0; i < len(enc); i += 5 {
		if i > 0 {
			b.WriteByte('-')
		}
		end := i + 5
		if end > len(enc) {
			end = len(enc)
		}
		b.WriteString(enc[i:end])
	}
	return b.String()
}

// ParsePrincipal decodes a textual principal and verifies its checksum and
// canonical grouping.
func ParsePrincipal(text string) ([]byte, error) {
	compact := strings.ToUpper(strings.ReplaceAll(text, "-", ""))
	decoded, err := principalEncoding.DecodeString(compact)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPrincipal, text, err)
	}
	if len(decoded) < 4 {
		return nil, fmt.Errorf("%w: %q: too short", ErrInvalidPrincipal, text)
	}

	raw := decoded[4:]
	if len(raw) > maxPrincipalLength {
		return nil, fmt.Errorf("%w: %q: too long", ErrInvalidPrincipal, text)
	}
	if !bytes.Equal(decoded[:4], binary.BigEndian.AppendUint32(nil, crc32.ChecksumIEEE(raw))) {
		return nil, fmt.Errorf("%w: %q: checksum mismatch", ErrInvalidPrincipal, text)
	}
	if PrincipalText(raw) != text {
		return nil, fmt.Errorf("%w: %q: not in canonical form", ErrInvalidPrincipal, text)
	}
	return raw, nil
}
