package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

// KeyType selects the algorithm of issued SSH keys
type KeyType string

const (
	KeyTypeRSA     KeyType = "rsa"
	KeyTypeEd25519 KeyType = "ed25519"
)

const rsaKeySize = 2048

// KeyPair is SSH key material issued for a principal
type KeyPair struct {
	Type    KeyType
	Public  []byte // authorized_keys format
	Private []byte // PEM
}

// KeyManager issues SSH key pairs and keeps them under a directory.
// Issuing twice for the same principal returns the same keys.
type KeyManager struct {
	dir     string
	keyType KeyType
	mu      sync.Mutex
}

// NewKeyManager creates a key manager writing to dir
func NewKeyManager(dir string, keyType KeyType) (*KeyManager, error) {
	switch keyType {
	case "":
		keyType = KeyTypeRSA
	case KeyTypeRSA, KeyTypeEd25519:
	default:
		return nil, fmt.Errorf("unsupported key type %q", keyType)
	}
	if dir == "" {
		return nil, fmt.Errorf("key directory is required")
	}
	return &KeyManager{dir: dir, keyType: keyType}, nil
}

// IssueKeys returns the key pair for principal, generating it on first use
func (m *KeyManager) IssueKeys(principal string) (*KeyPair, error) {
	if err := validPrincipal(principal); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if KeysExist(m.dir, principal) {
		kp, err := LoadKeyPair(m.dir, principal)
		if err != nil {
			return nil, fmt.Errorf("failed to retrieve keys for %s: %w", principal, err)
		}
		return kp, nil
	}

	kp, err := GenerateKeyPair(m.keyType, principal)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keys for %s: %w", principal, err)
	}
	if err := SaveKeyPair(kp, m.dir, principal); err != nil {
		return nil, err
	}
	return kp, nil
}

// GenerateKeyPair creates a fresh key pair. The comment is appended to
// the public key line.
func GenerateKeyPair(keyType KeyType, comment string) (*KeyPair, error) {
	var (
		signerKey interface{}
		privPEM   *pem.Block
	)

	switch keyType {
	case KeyTypeRSA, "":
		key, err := rsa.GenerateKey(rand.Reader, rsaKeySize)
		if err != nil {
			return nil, fmt.Errorf("failed to generate rsa key: %w", err)
		}
		signerKey = &key.PublicKey
		privPEM = &pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		}
		keyType = KeyTypeRSA
	case KeyTypeEd25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
		}
		signerKey = pub
		privPEM, err = ssh.MarshalPrivateKey(priv, comment)
		if err != nil {
			return nil, fmt.Errorf("failed to encode ed25519 key: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported key type %q", keyType)
	}

	pub, err := ssh.NewPublicKey(signerKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub)))
	if comment != "" {
		line += " " + comment
	}

	return &KeyPair{
		Type:    keyType,
		Public:  []byte(line),
		Private: pem.EncodeToMemory(privPEM),
	}, nil
}

// Signer parses the private half into an ssh.Signer
func (kp *KeyPair) Signer() (ssh.Signer, error) {
	return ParsePrivateKey(kp.Private)
}

// ParsePrivateKey parses a PEM private key into an ssh.Signer
func ParsePrivateKey(pemBytes []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return signer, nil
}

// ValidatePublicKey checks that s is a single authorized_keys entry
func ValidatePublicKey(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("empty ssh public key")
	}
	_, _, _, rest, err := ssh.ParseAuthorizedKey([]byte(s))
	if err != nil {
		return fmt.Errorf("invalid ssh public key: %w", err)
	}
	if len(strings.TrimSpace(string(rest))) > 0 {
		return fmt.Errorf("invalid ssh public key: more than one key")
	}
	return nil
}

func validPrincipal(principal string) error {
	if principal == "" || principal == "." || principal == ".." || strings.ContainsAny(principal, `/\`) {
		return fmt.Errorf("invalid principal %q", principal)
	}
	return nil
}
