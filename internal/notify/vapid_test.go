package notify

import (
	"encoding/base64"
	"path/filepath"
	"testing"
)

func TestEnsureVAPIDKeysGeneratesValidPair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vapid.json")
	keys, err := EnsureVAPIDKeys(path)
	if err != nil {
		t.Fatalf("EnsureVAPIDKeys: %v", err)
	}

	// The public key is an uncompressed P-256 point (65 bytes, 0x04
	// prefix); the private key is a 32-byte scalar. A swap between the
	// two breaks Web Push signing on every subscriber.
	pub, err := base64.RawURLEncoding.DecodeString(keys.PublicKey)
	if err != nil {
		t.Fatalf("decode public key: %v", err)
	}
	if len(pub) != 65 || pub[0] != 0x04 {
		t.Fatalf("public key = %d bytes (first 0x%02x), want 65-byte uncompressed point", len(pub), pub[0])
	}
	priv, err := base64.RawURLEncoding.DecodeString(keys.PrivateKey)
	if err != nil {
		t.Fatalf("decode private key: %v", err)
	}
	if len(priv) != 32 {
		t.Fatalf("private key = %d bytes, want 32", len(priv))
	}
}

func TestEnsureVAPIDKeysPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vapid.json")
	first, err := EnsureVAPIDKeys(path)
	if err != nil {
		t.Fatalf("EnsureVAPIDKeys: %v", err)
	}
	second, err := EnsureVAPIDKeys(path)
	if err != nil {
		t.Fatalf("EnsureVAPIDKeys reload: %v", err)
	}
	if first.PublicKey != second.PublicKey || first.PrivateKey != second.PrivateKey {
		t.Error("second call regenerated keys instead of loading the saved pair")
	}
}
