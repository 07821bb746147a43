package security

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestIssueKeys(t *testing.T) {
	for _, keyType := range []KeyType{KeyTypeRSA, KeyTypeEd25519} {
		t.Run(string(keyType), func(t *testing.T) {
			dir := t.TempDir()
			km, err := NewKeyManager(dir, keyType)
			if err != nil {
				t.Fatalf("Failed to create key manager: %v", err)
			}

			kp, err := km.IssueKeys("alice.uchicago")
			if err != nil {
				t.Fatalf("Failed to issue keys: %v", err)
			}
			if kp.Type != keyType {
				t.Errorf("Expected key type %s, got %s", keyType, kp.Type)
			}
			if err := ValidatePublicKey(string(kp.Public)); err != nil {
				t.Errorf("Issued public key does not parse: %v", err)
			}

			signer, err := kp.Signer()
			if err != nil {
				t.Fatalf("Issued private key does not parse: %v", err)
			}
			pub, _, _, _, err := ssh.ParseAuthorizedKey(kp.Public)
			if err != nil {
				t.Fatalf("Failed to parse public key: %v", err)
			}
			if !bytes.Equal(pub.Marshal(), signer.PublicKey().Marshal()) {
				t.Error("Public key does not match private key")
			}

			info, err := os.Stat(filepath.Join(dir, "alice.uchicago"))
			if err != nil {
				t.Fatalf("Private key file missing: %v", err)
			}
			if info.Mode().Perm() != 0600 {
				t.Errorf("Expected private key mode 0600, got %o", info.Mode().Perm())
			}
		})
	}
}

func TestIssueKeysRetrievesExisting(t *testing.T) {
	dir := t.TempDir()
	km, err := NewKeyManager(dir, KeyTypeEd25519)
	if err != nil {
		t.Fatalf("Failed to create key manager: %v", err)
	}

	first, err := km.IssueKeys("bob.cloud")
	if err != nil {
		t.Fatalf("Failed to issue keys: %v", err)
	}

	// A new manager over the same directory sees the same keys
	km2, _ := NewKeyManager(dir, KeyTypeRSA)
	second, err := km2.IssueKeys("bob.cloud")
	if err != nil {
		t.Fatalf("Failed to retrieve keys: %v", err)
	}
	if !bytes.Equal(first.Public, second.Public) || !bytes.Equal(first.Private, second.Private) {
		t.Error("Expected the same key pair on second issue")
	}
	if second.Type != KeyTypeEd25519 {
		t.Errorf("Expected stored key type ed25519, got %s", second.Type)
	}

	if err := RemoveKeys(dir, "bob.cloud"); err != nil {
		t.Fatalf("Failed to remove keys: %v", err)
	}
	if KeysExist(dir, "bob.cloud") {
		t.Error("Keys still exist after removal")
	}
}

func TestIssueKeysRejectsBadPrincipal(t *testing.T) {
	km, _ := NewKeyManager(t.TempDir(), KeyTypeRSA)
	for _, p := range []string{"", "..", "a/b"} {
		if _, err := km.IssueKeys(p); err == nil {
			t.Errorf("Expected error for principal %q", p)
		}
	}
}

func TestNewKeyManagerErrors(t *testing.T) {
	if _, err := NewKeyManager(t.TempDir(), "dsa"); err == nil {
		t.Error("Expected error for unsupported key type")
	}
	if _, err := NewKeyManager("", KeyTypeRSA); err == nil {
		t.Error("Expected error for empty directory")
	}
}

func TestValidatePublicKey(t *testing.T) {
	kp, err := GenerateKeyPair(KeyTypeEd25519, "carol@example.org")
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"valid", string(kp.Public), false},
		{"empty", "", true},
		{"garbage", "not-a-key", true},
		{"truncated", "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5", true},
		{"two keys", string(kp.Public) + "\n" + string(kp.Public), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePublicKey(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePublicKey() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadSigner(t *testing.T) {
	kp, err := GenerateKeyPair(KeyTypeRSA, "")
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "id_rsa")
	if err := os.WriteFile(path, kp.Private, 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSigner(path); err != nil {
		t.Errorf("Failed to load signer: %v", err)
	}
	if _, err := LoadSigner(path + ".missing"); err == nil {
		t.Error("Expected error for missing file")
	}
}
