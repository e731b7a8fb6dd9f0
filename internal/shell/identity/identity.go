// Package identity persists the deployment identity: the Ed25519 key that
// signs every management call. The key is generated once and reused across
// restarts.
package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/akup/multicanister/internal/core/crypto"
	"github.com/akup/multicanister/internal/core/domain"
)

// =============================================================================
// Error Types
// =============================================================================

// IdentityError wraps identity storage errors with context.
type IdentityError struct {
	Op      string
	Path    string
	Message string
	Err     error
}

func (e *IdentityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("identity %s %s: %s: %v", e.Op, e.Path, e.Message, e.Err)
	}
	return fmt.Sprintf("identity %s %s: %s", e.Op, e.Path, e.Message)
}

func (e *IdentityError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Identity
// =============================================================================

// Identity is a loaded deployment key together with its derived principal.
type Identity struct {
	priv        ed25519.PrivateKey
	principal   []byte
	fingerprint string
}

// New builds an Identity from a private key.
func New(priv ed25519.PrivateKey) (*Identity, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: ed25519 key has %d bytes", crypto.ErrInvalidIdentityKey, len(priv))
	}
	pub := priv.Public().(ed25519.PublicKey)
	der, err := crypto.PublicKeyDER(pub)
	if err != nil {
		return nil, err
	}
	fp, err := crypto.Fingerprint(pub)
	if err != nil {
		return nil, err
	}
	return &Identity{
		priv:        priv,
		principal:   crypto.SelfAuthenticatingPrincipal(der),
		fingerprint: fp,
	}, nil
}

// Generate creates a fresh in-memory identity.
func Generate() (*Identity, error) {
	priv, err := crypto.GenerateIdentityKey()
	if err != nil {
		return nil, err
	}
	return New(priv)
}

// Principal returns the raw self-authenticating principal.
func (i *Identity) Principal() []byte {
	return append([]byte(nil), i.principal...)
}

// PrincipalText returns the textual principal.
func (i *Identity) PrincipalText() string {
	return crypto.PrincipalText(i.principal)
}

// Fingerprint returns the SHA256 fingerprint of the public key.
func (i *Identity) Fingerprint() string {
	return i.fingerprint
}

// =============================================================================
// Persistence
// =============================================================================

// Store loads and persists the identity key at a fixed path.
// With a passphrase configured the key PEM is sealed with crypto.Seal.
type Store struct {
	path       string
	passphrase string
	logger     *slog.Logger
}

// NewStore creates a Store. An empty passphrase stores the key in plain PEM.
func NewStore(path, passphrase string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:       path,
		passphrase: passphrase,
		logger:     logger.With("component", "identity"),
	}
}

// Path returns the key file location.
func (s *Store) Path() string {
	return s.path
}

// LoadOrCreate returns the persisted identity, generating and persisting one
// when the file does not exist. A file that exists but cannot be decoded is
// reported as domain.ErrIdentityCorrupt and is never overwritten.
func (s *Store) LoadOrCreate() (*Identity, error) {
	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		return s.decode(data)
	case errors.Is(err, fs.ErrNotExist):
		return s.create()
	default:
		return nil, &IdentityError{Op: "load", Path: s.path, Message: "failed to read key file", Err: err}
	}
}

func (s *Store) decode(data []byte) (*Identity, error) {
	pemBytes := data
	switch sealed := crypto.IsSealed(data); {
	case sealed && s.passphrase == "":
		return nil, &IdentityError{
			Op:      "load",
			Path:    s.path,
			Message: "key file is sealed but no passphrase is configured",
			Err:     domain.ErrIdentityCorrupt,
		}
	case sealed:
		plain, err := crypto.Open(data, s.passphrase)
		if err != nil {
			return nil, &IdentityError{
				Op:      "load",
				Path:    s.path,
				Message: "failed to open sealed key file",
				Err:     fmt.Errorf("%w: %v", domain.ErrIdentityCorrupt, err),
			}
		}
		pemBytes = plain
	case s.passphrase != "":
		s.logger.Warn("key file is not sealed although a passphrase is configured", "path", s.path)
	}

	priv, err := crypto.ParseIdentityKey(pemBytes)
	if err != nil {
		return nil, &IdentityError{
			Op:      "load",
			Path:    s.path,
			Message: "failed to parse key file",
			Err:     fmt.Errorf("%w: %v", domain.ErrIdentityCorrupt, err),
		}
	}

	id, err := New(priv)
	if err != nil {
		return nil, &IdentityError{Op: "load", Path: s.path, Message: "failed to derive principal", Err: err}
	}
	s.logger.Info("loaded identity", "principal", id.PrincipalText())
	return id, nil
}

func (s *Store) create() (*Identity, error) {
	id, err := Generate()
	if err != nil {
		return nil, &IdentityError{Op: "create", Path: s.path, Message: "failed to generate key", Err: err}
	}

	pemBytes, err := crypto.MarshalIdentityKey(id.priv)
	if err != nil {
		return nil, &IdentityError{Op: "create", Path: s.path, Message: "failed to encode key", Err: err}
	}

	data := pemBytes
	if s.passphrase != "" {
		data, err = crypto.Seal(pemBytes, s.passphrase)
		if err != nil {
			return nil, &IdentityError{Op: "create", Path: s.path, Message: "failed to seal key", Err: err}
		}
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return nil, &IdentityError{Op: "create", Path: s.path, Message: "failed to create directory", Err: err}
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return nil, &IdentityError{Op: "create", Path: s.path, Message: "failed to write key file", Err: err}
	}

	s.logger.Info("generated new identity",
		"principal", id.PrincipalText(),
		"fingerprint", id.Fingerprint(),
		"sealed", s.passphrase != "",
	)
	return id, nil
}
