package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var ErrInvalidKey = errors.New("invalid key file")

// KeyPair represents a public/private key pair for signing and verification
type KeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateKeyPair creates a new Ed25519 key pair
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		PublicKey:  publicKey,
		PrivateKey: privateKey,
	}, nil
}

// Sign creates a signature for the given message using the private key
func (kp *KeyPair) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(kp.PrivateKey, message), nil
}

// Verify checks if the signature is valid for the given message
func (kp *KeyPair) Verify(message, signature []byte) bool {
	return ed25519.Verify(kp.PublicKey, message, signature)
}

// Save writes the pair as raw key bytes to public_<name>.key and
// private_<name>.key under dir.
func (kp *KeyPair) Save(dir, name string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	pubPath, privPath := keyPaths(dir, name)
	if err := os.WriteFile(pubPath, kp.PublicKey, 0600); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	if err := os.WriteFile(privPath, kp.PrivateKey, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}

// LoadKeyPair reads a pair written by Save.
func LoadKeyPair(dir, name string) (*KeyPair, error) {
	pubPath, privPath := keyPaths(dir, name)
	pub, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, err
	}
	priv, err := os.ReadFile(privPath)
	if err != nil {
		return nil, err
	}
	if len(pub) != ed25519.PublicKeySize || len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKey, dir)
	}
	kp := &KeyPair{PublicKey: pub, PrivateKey: priv}
	if !kp.PublicKey.Equal(kp.PrivateKey.Public()) {
		return nil, fmt.Errorf("%w: public and private key do not match", ErrInvalidKey)
	}
	return kp, nil
}

// LoadOrCreateKeyPair loads the named pair, generating and saving one
// when none exists yet.
func LoadOrCreateKeyPair(dir, name string) (kp *KeyPair, created bool, err error) {
	pubPath, _ := keyPaths(dir, name)
	if _, err := os.Stat(pubPath); errors.Is(err, os.ErrNotExist) {
		kp, err := GenerateKeyPair()
		if err != nil {
			return nil, false, fmt.Errorf("failed to generate keys: %w", err)
		}
		if err := kp.Save(dir, name); err != nil {
			return nil, false, err
		}
		return kp, true, nil
	}
	kp, err = LoadKeyPair(dir, name)
	return kp, false, err
}

func keyPaths(dir, name string) (pub, priv string) {
	return filepath.Join(dir, fmt.Sprintf("public_%s.key", name)),
		filepath.Join(dir, fmt.Sprintf("private_%s.key", name))
}
