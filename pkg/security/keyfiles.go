package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Default key directory, relative to the home of the user running the master
const defaultKeyDir = ".vc3/keys"

// DefaultKeyDir returns ~/.vc3/keys
func DefaultKeyDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, defaultKeyDir), nil
}

func keyPaths(dir, principal string) (priv, pub string) {
	priv = filepath.Join(dir, principal)
	return priv, priv + ".pub"
}

// SaveKeyPair writes <dir>/<principal> and <dir>/<principal>.pub
func SaveKeyPair(kp *KeyPair, dir, principal string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	privPath, pubPath := keyPaths(dir, principal)
	if err := os.WriteFile(privPath, kp.Private, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, append(kp.Public, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	return nil
}

// LoadKeyPair reads a key pair written by SaveKeyPair
func LoadKeyPair(dir, principal string) (*KeyPair, error) {
	privPath, pubPath := keyPaths(dir, principal)

	priv, err := os.ReadFile(privPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	pub, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}

	signer, err := ParsePrivateKey(priv)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		Type:    keyTypeOf(signer.PublicKey()),
		Public:  []byte(strings.TrimSpace(string(pub))),
		Private: priv,
	}, nil
}

// KeysExist checks if both key files exist for principal
func KeysExist(dir, principal string) bool {
	privPath, pubPath := keyPaths(dir, principal)
	if _, err := os.Stat(privPath); err != nil {
		return false
	}
	if _, err := os.Stat(pubPath); err != nil {
		return false
	}
	return true
}

// RemoveKeys deletes the key files of principal
func RemoveKeys(dir, principal string) error {
	privPath, pubPath := keyPaths(dir, principal)
	for _, p := range []string{privPath, pubPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	return nil
}

// LoadSigner reads a private key file, as used for the master's own
// login key to head nodes
func LoadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key %s: %w", path, err)
	}
	return ParsePrivateKey(data)
}

func keyTypeOf(pub ssh.PublicKey) KeyType {
	if pub.Type() == ssh.KeyAlgoED25519 {
		return KeyTypeEd25519
	}
	return KeyTypeRSA
}
