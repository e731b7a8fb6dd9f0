package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// =============================================================================
// Deployment Identity Keys
// =============================================================================

// identityComment is embedded in the OpenSSH key block.
const identityComment = "multicanister-deployer"

// GenerateIdentityKey generates a new Ed25519 identity key.
func GenerateIdentityKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return priv, nil
}

// MarshalIdentityKey encodes the key in OpenSSH PEM format.
func MarshalIdentityKey(priv ed25519.PrivateKey) ([]byte, error) {
	block, err := ssh.MarshalPrivateKey(priv, identityComment)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(block), nil
}

// ParseIdentityKey parses an OpenSSH PEM encoded Ed25519 key.
func ParseIdentityKey(pemBytes []byte) (ed25519.PrivateKey, error) {
	raw, err := ssh.ParseRawPrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentityKey, err)
	}

	switch k := raw.(type) {
	case *ed25519.PrivateKey:
		return *k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("%w: unsupported key type %T", ErrInvalidIdentityKey, raw)
	}
}

// PublicKeyDER returns the DER (SubjectPublicKeyInfo) encoding of pub.
func PublicKeyDER(pub ed25519.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return der, nil
}

// Fingerprint returns the SHA256 fingerprint of the public key, in the
// format printed by ssh-keygen.
func Fingerprint(pub ed25519.PublicKey) (string, error) {
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("create public key: %w", err)
	}
	return ssh.FingerprintSHA256(sshPub), nil
}
