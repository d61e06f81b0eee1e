// Package e2ee implements the client-side end-to-end encryption used for
// direct messages.
//
// Each user owns an RSA-2048 key pair used with OAEP/SHA-256 to wrap the
// per-conversation AES-256-GCM key. Message payloads travel as
//
//	E2EE:<base64(nonce || ciphertext)>
//
// and anything without the prefix is legacy plaintext.
package e2ee

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	MessagePrefix    = "E2EE:"
	SymmetricKeySize = 32
	RSABits          = 2048

	nonceSize = 12
	tagSize   = 16

	CannotDecryptPlaceholder = "[Unable to decrypt message]"
)

var (
	ErrDecryption        = errors.New("e2ee: decryption failed")
	ErrInvalidKey        = errors.New("e2ee: invalid key material")
	ErrRecipientNotSetUp = errors.New("e2ee: recipient has not set up encryption")
	ErrInvalidTransition = errors.New("e2ee: invalid state transition")
	// ErrKeyInUse is returned by a KeyDirectory that refuses to replace a
	// public key already used to wrap conversation keys.
	ErrKeyInUse = errors.New("e2ee: public key already used by conversations")
)

type KeyPair struct {
	Public  *rsa.PublicKey
	Private *rsa.PrivateKey
}

func GenerateKeyPair() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, RSABits)
	if err != nil {
		return nil, fmt.Errorf("e2ee: generate key pair: %w", err)
	}
	return &KeyPair{Public: &priv.PublicKey, Private: priv}, nil
}

// ExportPublic returns the public key as base64 SPKI DER.
func (kp *KeyPair) ExportPublic() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(kp.Public)
	if err != nil {
		return "", fmt.Errorf("e2ee: export public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ExportPrivate returns the private key as base64 PKCS#8 DER.
func (kp *KeyPair) ExportPrivate() (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(kp.Private)
	if err != nil {
		return "", fmt.Errorf("e2ee: export private key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

func ImportPublicKey(encoded string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrInvalidKey
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, ErrInvalidKey
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok || pub.N.BitLen() < RSABits {
		return nil, ErrInvalidKey
	}
	return pub, nil
}

func ImportPrivateKey(encoded string) (*KeyPair, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrInvalidKey
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, ErrInvalidKey
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrInvalidKey
	}
	return &KeyPair{Public: &priv.PublicKey, Private: priv}, nil
}

// SymmetricKey is a conversation key. A fresh one is generated for every
// conversation and never shared across conversations.
type SymmetricKey []byte

func GenerateSymmetricKey() (SymmetricKey, error) {
	key := make(SymmetricKey, SymmetricKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("e2ee: generate symmetric key: %w", err)
	}
	return key, nil
}

func (k SymmetricKey) aead() (cipher.AEAD, error) {
	if len(k) != SymmetricKeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return cipher.NewGCM(block)
}

// EncryptSymmetricKey wraps key for the holder of pub.
func EncryptSymmetricKey(key SymmetricKey, pub *rsa.PublicKey) (string, error) {
	if len(key) != SymmetricKeySize || pub == nil {
		return "", ErrInvalidKey
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return "", fmt.Errorf("e2ee: wrap key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(wrapped), nil
}

func DecryptSymmetricKey(wrapped string, priv *rsa.PrivateKey) (SymmetricKey, error) {
	if priv == nil {
		return nil, ErrInvalidKey
	}
	raw, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, ErrDecryption
	}
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, raw, nil)
	if err != nil || len(key) != SymmetricKeySize {
		return nil, ErrDecryption
	}
	return key, nil
}

// EncryptMessage seals plaintext under a fresh random nonce.
func EncryptMessage(plaintext string, key SymmetricKey) (string, error) {
	aead, err := key.aead()
	if err != nil {
		return "", err
	}
	buf := make([]byte, nonceSize, nonceSize+len(plaintext)+tagSize)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("e2ee: nonce: %w", err)
	}
	sealed := aead.Seal(buf, buf[:nonceSize], []byte(plaintext), nil)
	return MessagePrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func DecryptMessage(payload string, key SymmetricKey) (string, error) {
	raw, ok := decodePayload(payload)
	if !ok {
		return "", ErrDecryption
	}
	aead, err := key.aead()
	if err != nil {
		return "", err
	}
	plain, err := aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryption
	}
	return string(plain), nil
}

func decodePayload(payload string) ([]byte, bool) {
	body, found := strings.CutPrefix(payload, MessagePrefix)
	if !found {
		return nil, false
	}
	raw, err := base64.StdEncoding.Strict().DecodeString(body)
	if err != nil || len(raw) < nonceSize+tagSize {
		return nil, false
	}
	return raw, true
}

// IsMessageEncrypted reports whether text is shaped like an EncryptMessage
// payload. Text that merely happens to be valid base64 is not enough.
func IsMessageEncrypted(text string) bool {
	_, ok := decodePayload(text)
	return ok
}

// DisplayText returns what a client should show for content. Encrypted
// payloads that cannot be opened with key yield CannotDecryptPlaceholder,
// never the ciphertext.
func DisplayText(content string, key SymmetricKey) (text string, encrypted bool) {
	if !strings.HasPrefix(content, MessagePrefix) {
		return content, false
	}
	if key == nil {
		return CannotDecryptPlaceholder, true
	}
	plain, err := DecryptMessage(content, key)
	if err != nil {
		return CannotDecryptPlaceholder, true
	}
	return plain, true
}
