package client

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	protocolLabel = "bytechat-room-v1"
	keySize       = 32
	nonceSize     = chacha20poly1305.NonceSize
)

// KeyPair is an ephemeral X25519 key pair for one chat session. Key material
// never leaves the client; the relay only ever sees PublicKey.
type KeyPair struct {
	private [keySize]byte
	Public  []byte
}

func NewKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := rand.Read(kp.private[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	kp.Public = pub
	return kp, nil
}

// SharedKey derives the symmetric room key from our private key and the
// peer's public key. Both sides hash the two public keys in a fixed order,
// so the derived key is identical regardless of who initiated.
func (kp *KeyPair) SharedKey(peerPublic []byte) ([]byte, error) {
	if len(peerPublic) != keySize {
		return nil, fmt.Errorf("peer public key must be %d bytes, got %d", keySize, len(peerPublic))
	}

	secret, err := curve25519.X25519(kp.private[:], peerPublic)
	if err != nil {
		return nil, fmt.Errorf("x25519: %w", err)
	}

	lo, hi := kp.Public, peerPublic
	if bytes.Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}
	salt := make([]byte, 0, 2*keySize)
	salt = append(salt, lo...)
	salt = append(salt, hi...)

	reader := hkdf.New(sha256.New, secret, salt, []byte(protocolLabel))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt seals plaintext with the shared key. The base64 ciphertext goes in
// the wire "text" field and the fresh nonce in "iv".
func Encrypt(sharedKey []byte, plaintext string) (ciphertext string, iv []byte, err error) {
	aead, err := chacha20poly1305.New(sharedKey)
	if err != nil {
		return "", nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", nil, err
	}

	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nonce, nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func Decrypt(sharedKey []byte, ciphertext string, iv []byte) (string, error) {
	if len(iv) != nonceSize {
		return "", fmt.Errorf("iv must be %d bytes, got %d", nonceSize, len(iv))
	}

	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("invalid base64 ciphertext: %w", err)
	}

	aead, err := chacha20poly1305.New(sharedKey)
	if err != nil {
		return "", err
	}

	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}
