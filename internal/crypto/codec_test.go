package crypto

import (
	"errors"
	"testing"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	c, err := NewCodec(key)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := newTestCodec(t)
	for _, plaintext := range []string{"hello world 🌍", "a", "многострочный\nтекст"} {
		ct, err := c.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plaintext, err)
		}
		got, err := c.Decrypt(ct)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if got != plaintext {
			t.Errorf("round trip = %q, want %q", got, plaintext)
		}
	}
}

func TestEncryptNondeterministic(t *testing.T) {
	c := newTestCodec(t)
	a, _ := c.Encrypt("same input")
	b, _ := c.Encrypt("same input")
	if string(a) == string(b) {
		t.Error("two encryptions of the same plaintext produced identical ciphertext")
	}
}

func TestDecryptCorruptCiphertext(t *testing.T) {
	c := newTestCodec(t)
	if _, err := c.Decrypt([]byte("not a token")); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Decrypt(garbage) err = %v, want ErrDecrypt", err)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	a := newTestCodec(t)
	b := newTestCodec(t)
	ct, err := a.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := b.Decrypt(ct); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Decrypt with wrong key err = %v, want ErrDecrypt", err)
	}
}

func TestDecryptToTextPlaceholder(t *testing.T) {
	c := newTestCodec(t)
	if got := c.DecryptToText([]byte{0x01, 0x02}); got != PlaceholderText {
		t.Errorf("DecryptToText(garbage) = %q, want %q", got, PlaceholderText)
	}
	ct, _ := c.Encrypt("ok")
	if got := c.DecryptToText(ct); got != "ok" {
		t.Errorf("DecryptToText(valid) = %q, want %q", got, "ok")
	}
}

func TestNewCodecRejectsBadKey(t *testing.T) {
	if _, err := NewCodec("definitely-not-base64-key"); err == nil {
		t.Error("NewCodec accepted an invalid key")
	}
}
