// Package crypto encrypts message bodies before they touch the database
// or the cache. Ciphertexts are Fernet tokens: authenticated, opaque and
// safe to hand to clients verbatim.
package crypto

import (
	"errors"

	"github.com/fernet/fernet-go"
)

// PlaceholderText substitutes a message that can no longer be decrypted
// (wrong key, corrupt row). History reads must not fail because of a
// single bad entry.
const PlaceholderText = "[Decryption Failed]"

var ErrDecrypt = errors.New("crypto: invalid or corrupt ciphertext")

type Codec struct {
	key *fernet.Key
}

// NewCodec parses a base64 Fernet key (the FERNET_KEY setting).
func NewCodec(encodedKey string) (*Codec, error) {
	key, err := fernet.DecodeKey(encodedKey)
	if err != nil {
		return nil, errors.New("crypto: invalid FERNET_KEY: " + err.Error())
	}
	return &Codec{key: key}, nil
}

// GenerateKey returns a fresh base64 Fernet key, for first-run setups.
func GenerateKey() (string, error) {
	var key fernet.Key
	if err := key.Generate(); err != nil {
		return "", err
	}
	return key.Encode(), nil
}

func (c *Codec) Encrypt(plaintext string) ([]byte, error) {
	tok, err := fernet.EncryptAndSign([]byte(plaintext), c.key)
	if err != nil {
		return nil, errors.New("crypto: encrypt: " + err.Error())
	}
	return tok, nil
}

// Decrypt verifies and decrypts a Fernet token. Tokens do not expire:
// stored messages must stay readable indefinitely.
func (c *Codec) Decrypt(ciphertext []byte) (string, error) {
	msg := fernet.VerifyAndDecrypt(ciphertext, 0, []*fernet.Key{c.key})
	if msg == nil {
		return "", ErrDecrypt
	}
	return string(msg), nil
}

// DecryptToText is Decrypt with the per-entry failure policy applied:
// a bad entry becomes PlaceholderText instead of an error.
func (c *Codec) DecryptToText(ciphertext []byte) string {
	msg, err := c.Decrypt(ciphertext)
	if err != nil {
		return PlaceholderText
	}
	return msg
}
