// Package crypto handles the deployment identity's key material and the
// textual principal derived from it. Nothing here performs I/O.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/pem"
	"errors"
	"fmt"
)

var (
	// ErrEmptyPassphrase is returned when sealing or opening without a passphrase.
	ErrEmptyPassphrase = errors.New("passphrase must not be empty")

	// ErrNotSealed is returned when Open is given data that is not a sealed block.
	ErrNotSealed = errors.New("not a sealed identity block")

	// ErrUnsupportedSeal is returned for sealed blocks written with an unknown
	// cipher or key derivation.
	ErrUnsupportedSeal = errors.New("unsupported seal parameters")

	// ErrOpenFailed is returned when the passphrase is wrong or the block was
	// tampered with.
	ErrOpenFailed = errors.New("cannot open sealed identity: wrong passphrase or corrupted data")

	// ErrInvalidIdentityKey is returned when the identity key cannot be parsed.
	ErrInvalidIdentityKey = errors.New("invalid identity private key")

	// ErrInvalidPrincipal is returned for malformed textual principals.
	ErrInvalidPrincipal = errors.New("invalid principal")
)

// =============================================================================
// Sealed identity blocks
// =============================================================================

// SealedBlockType is the PEM type of an encrypted identity key.
const SealedBlockType = "SEALED IDENTITY KEY"

const (
	sealCipher = "AES-256-GCM"
	sealKDF    = "SHA-256"
)

// SealKey derives the 32-byte AES-256 key for a passphrase.
func SealKey(passphrase string) []byte {
	sum := sha256.Sum256([]byte(passphrase))
	return sum[:]
}

// Seal encrypts an identity key PEM under passphrase and returns a PEM block
// of type SealedBlockType. The block body is nonce || ciphertext || tag and
// the block type is bound as additional data.
func Seal(keyPEM []byte, passphrase string) ([]byte, error) {
	aead, err := sealAEAD(passphrase)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("seal: read nonce: %w", err)
	}

	block := &pem.Block{
		Type: SealedBlockType,
		Headers: map[string]string{
			"Cipher": sealCipher,
			"KDF":    sealKDF,
		},
		Bytes: aead.Seal(nonce, nonce, keyPEM, []byte(SealedBlockType)),
	}
	return pem.EncodeToMemory(block), nil
}

// IsSealed reports whether data starts with a sealed identity block.
func IsSealed(data []byte) bool {
	block, _ := pem.Decode(bytes.TrimSpace(data))
	return block != nil && block.Type == SealedBlockType
}

// Open reverses Seal.
func Open(data []byte, passphrase string) ([]byte, error) {
	block, _ := pem.Decode(bytes.TrimSpace(data))
	if block == nil || block.Type != SealedBlockType {
		return nil, ErrNotSealed
	}
	if block.Headers["Cipher"] != sealCipher || block.Headers["KDF"] != sealKDF {
		return nil, fmt.Errorf("%w: cipher %q, kdf %q", ErrUnsupportedSeal, block.Headers["Cipher"], block.Headers["KDF"])
	}

	aead, err := sealAEAD(passphrase)
	if err != nil {
		return nil, err
	}
	if len(block.Bytes) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrOpenFailed
	}

	nonce, sealed := block.Bytes[:aead.NonceSize()], block.Bytes[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, []byte(SealedBlockType))
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plain, nil
}

func sealAEAD(passphrase string) (cipher.AEAD, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	block, err := aes.NewCipher(SealKey(passphrase))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
