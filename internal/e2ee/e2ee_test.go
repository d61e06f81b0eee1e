package e2ee

import (
	"encoding/base64"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	sharedKeysOnce sync.Once
	sharedKeys     [2]*KeyPair
)

// testKeyPairs generates two RSA key pairs once per test binary.
func testKeyPairs(t *testing.T) (*KeyPair, *KeyPair) {
	t.Helper()
	sharedKeysOnce.Do(func() {
		for i := range sharedKeys {
			kp, err := GenerateKeyPair()
			if err != nil {
				panic(err)
			}
			sharedKeys[i] = kp
		}
	})
	return sharedKeys[0], sharedKeys[1]
}

func TestEncryptDecryptMessage_RoundTrip(t *testing.T) {
	key, err := GenerateSymmetricKey()
	require.NoError(t, err)

	for _, plain := range []string{"", "hello", "こんにちは、先輩!", strings.Repeat("x", 10000)} {
		enc, err := EncryptMessage(plain, key)
		require.NoError(t, err)
		got, err := DecryptMessage(enc, key)
		require.NoError(t, err)
		assert.Equal(t, plain, got)
	}
}

func TestEncryptMessage_FreshNonceEachCall(t *testing.T) {
	key, err := GenerateSymmetricKey()
	require.NoError(t, err)

	a, err := EncryptMessage("same text", key)
	require.NoError(t, err)
	b, err := EncryptMessage("same text", key)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptMessage_FailsOnWrongKeyOrTampering(t *testing.T) {
	key, err := GenerateSymmetricKey()
	require.NoError(t, err)
	other, err := GenerateSymmetricKey()
	require.NoError(t, err)

	enc, err := EncryptMessage("secret", key)
	require.NoError(t, err)

	_, err = DecryptMessage(enc, other)
	require.ErrorIs(t, err, ErrDecryption)

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(enc, MessagePrefix))
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	tampered := MessagePrefix + base64.StdEncoding.EncodeToString(raw)
	_, err = DecryptMessage(tampered, key)
	require.ErrorIs(t, err, ErrDecryption)

	raw[len(raw)-1] ^= 0x01
	raw[0] ^= 0x01
	badNonce := MessagePrefix + base64.StdEncoding.EncodeToString(raw)
	_, err = DecryptMessage(badNonce, key)
	require.ErrorIs(t, err, ErrDecryption)
}

func TestSymmetricKeyWrap_RoundTrip(t *testing.T) {
	alice, bob := testKeyPairs(t)
	key, err := GenerateSymmetricKey()
	require.NoError(t, err)

	wrapped, err := EncryptSymmetricKey(key, alice.Public)
	require.NoError(t, err)

	got, err := DecryptSymmetricKey(wrapped, alice.Private)
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = DecryptSymmetricKey(wrapped, bob.Private)
	require.ErrorIs(t, err, ErrDecryption)
}

func TestKeyExportImport(t *testing.T) {
	alice, _ := testKeyPairs(t)

	pub, err := alice.ExportPublic()
	require.NoError(t, err)
	priv, err := alice.ExportPrivate()
	require.NoError(t, err)

	importedPub, err := ImportPublicKey(pub)
	require.NoError(t, err)
	assert.True(t, alice.Public.Equal(importedPub))

	importedPair, err := ImportPrivateKey(priv)
	require.NoError(t, err)
	assert.True(t, alice.Private.Equal(importedPair.Private))

	_, err = ImportPublicKey("not-a-key")
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestIsMessageEncrypted(t *testing.T) {
	key, err := GenerateSymmetricKey()
	require.NoError(t, err)

	for _, plain := range []string{"hi", "hello there", "E2EE:", "E2EE:aGVsbG8=", "aGVsbG8gd29ybGQgaGVsbG8gd29ybGQ=", "E2EE: not base64 !!"} {
		assert.False(t, IsMessageEncrypted(plain), "classified %q as encrypted", plain)
	}
	for i := 0; i < 20; i++ {
		enc, err := EncryptMessage(strings.Repeat("a", i), key)
		require.NoError(t, err)
		assert.True(t, IsMessageEncrypted(enc))
	}
}

func TestDisplayText(t *testing.T) {
	key, err := GenerateSymmetricKey()
	require.NoError(t, err)
	other, err := GenerateSymmetricKey()
	require.NoError(t, err)

	text, encrypted := DisplayText("plain hello", key)
	assert.Equal(t, "plain hello", text)
	assert.False(t, encrypted)

	enc, err := EncryptMessage("hidden", key)
	require.NoError(t, err)

	text, encrypted = DisplayText(enc, key)
	assert.Equal(t, "hidden", text)
	assert.True(t, encrypted)

	text, _ = DisplayText(enc, other)
	assert.Equal(t, CannotDecryptPlaceholder, text)

	text, _ = DisplayText(enc, nil)
	assert.Equal(t, CannotDecryptPlaceholder, text)
}
