// Package keystore keeps a user's key pair on the local disk, sealed under a
// passphrase. The private key never leaves the client.
package keystore

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"anichat-rt/internal/e2ee"
)

const fileVersion = 1

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	saltSize     = 16
)

var (
	ErrNotFound        = errors.New("keystore: no key file")
	ErrWrongPassphrase = errors.New("keystore: wrong passphrase or corrupted file")
)

type keyFile struct {
	Version   int    `json:"version"`
	UserID    string `json:"userId"`
	PublicKey string `json:"publicKey"`
	Salt      string `json:"salt"`
	Sealed    string `json:"sealed"`
	CreatedAt int64  `json:"createdAt"`
}

// Entry is an unsealed key file.
type Entry struct {
	UserID    string
	Keys      *e2ee.KeyPair
	CreatedAt time.Time
}

// NeedsRotation reports whether the key pair is older than maxAge. Keys are
// never rotated automatically; callers decide what to do with the answer.
func (e Entry) NeedsRotation(now time.Time, maxAge time.Duration) bool {
	return maxAge > 0 && now.Sub(e.CreatedAt) > maxAge
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
}

func Save(path, passphrase string, entry Entry) error {
	if passphrase == "" {
		return errors.New("keystore: empty passphrase")
	}
	pub, err := entry.Keys.ExportPublic()
	if err != nil {
		return err
	}
	priv, err := entry.Keys.ExportPrivate()
	if err != nil {
		return err
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("keystore: salt: %w", err)
	}
	aead, err := chacha20poly1305.NewX(deriveKey(passphrase, salt))
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(priv)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("keystore: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(priv), []byte(entry.UserID))

	data, err := json.MarshalIndent(keyFile{
		Version:   fileVersion,
		UserID:    entry.UserID,
		PublicKey: pub,
		Salt:      base64.StdEncoding.EncodeToString(salt),
		Sealed:    base64.StdEncoding.EncodeToString(sealed),
		CreatedAt: entry.CreatedAt.UnixMilli(),
	}, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, append(data, '\n'))
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("keystore: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("keystore: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("keystore: chmod temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("keystore: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("keystore: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("keystore: close temp: %w", err)
	}
	return os.Rename(tmpName, path)
}

func Load(path, passphrase string) (Entry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}

	var f keyFile
	if err := json.Unmarshal(data, &f); err != nil {
		return Entry{}, fmt.Errorf("keystore: parse: %w", err)
	}
	if f.Version != fileVersion {
		return Entry{}, fmt.Errorf("keystore: unsupported version %d", f.Version)
	}
	salt, err := base64.StdEncoding.DecodeString(f.Salt)
	if err != nil {
		return Entry{}, ErrWrongPassphrase
	}
	sealed, err := base64.StdEncoding.DecodeString(f.Sealed)
	if err != nil {
		return Entry{}, ErrWrongPassphrase
	}

	aead, err := chacha20poly1305.NewX(deriveKey(passphrase, salt))
	if err != nil {
		return Entry{}, err
	}
	if len(sealed) < aead.NonceSize() {
		return Entry{}, ErrWrongPassphrase
	}
	priv, err := aead.Open(nil, sealed[:aead.NonceSize()], sealed[aead.NonceSize():], []byte(f.UserID))
	if err != nil {
		return Entry{}, ErrWrongPassphrase
	}

	keys, err := e2ee.ImportPrivateKey(string(priv))
	if err != nil {
		return Entry{}, err
	}
	return Entry{UserID: f.UserID, Keys: keys, CreatedAt: time.UnixMilli(f.CreatedAt)}, nil
}

// LoadOrCreate loads the key file at path, generating and saving a new key
// pair when none exists yet.
func LoadOrCreate(path, passphrase, userID string, now time.Time) (Entry, bool, error) {
	entry, err := Load(path, passphrase)
	if err == nil {
		if entry.UserID != userID {
			return Entry{}, false, fmt.Errorf("keystore: key file belongs to %q", entry.UserID)
		}
		return entry, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Entry{}, false, err
	}

	keys, err := e2ee.GenerateKeyPair()
	if err != nil {
		return Entry{}, false, err
	}
	entry = Entry{UserID: userID, Keys: keys, CreatedAt: now}
	if err := Save(path, passphrase, entry); err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}
