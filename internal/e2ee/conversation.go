package e2ee

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// State is the encryption state of a conversation as seen by one side.
// States only move forward.
type State int

const (
	NoKeys State = iota
	KeysGenerated
	EncryptionOffered
	EncryptionEnabled
)

func (s State) String() string {
	switch s {
	case NoKeys:
		return "no-keys"
	case KeysGenerated:
		return "keys-generated"
	case EncryptionOffered:
		return "encryption-offered"
	case EncryptionEnabled:
		return "encryption-enabled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrKeyNotFound is returned by a KeyDirectory when the requested key does
// not exist.
var ErrKeyNotFound = errors.New("e2ee: key not found")

// ErrKeyExists is returned by StoreConversationKeys when the pair already has
// a conversation key. The stored key wins.
var ErrKeyExists = errors.New("e2ee: conversation key already exists")

// KeyDirectory is the server-side key service. It only ever sees public keys
// and wrapped conversation keys.
type KeyDirectory interface {
	PublishPublicKey(ctx context.Context, publicKey string) error
	FetchPublicKey(ctx context.Context, userID string) (string, error)
	FetchConversationKey(ctx context.Context, peerID string) (string, error)
	StoreConversationKeys(ctx context.Context, peerID string, wrapped map[string]string) error
}

// Conversation tracks encryption for one peer.
type Conversation struct {
	selfID string
	peerID string
	dir    KeyDirectory

	mu    sync.RWMutex
	state State
	keys  *KeyPair
	key   SymmetricKey
}

func NewConversation(selfID, peerID string, dir KeyDirectory) *Conversation {
	return &Conversation{selfID: selfID, peerID: peerID, dir: dir}
}

func (c *Conversation) PeerID() string { return c.peerID }

func (c *Conversation) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// AttachKeys moves NoKeys -> KeysGenerated with the user's key pair.
func (c *Conversation) AttachKeys(kp *KeyPair) error {
	if kp == nil || kp.Private == nil {
		return ErrInvalidKey
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != NoKeys {
		return fmt.Errorf("%w: attach keys in %s", ErrInvalidTransition, c.state)
	}
	c.keys = kp
	c.state = KeysGenerated
	return nil
}

// Offer publishes our public key: KeysGenerated -> EncryptionOffered.
func (c *Conversation) Offer(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != KeysGenerated {
		return fmt.Errorf("%w: offer in %s", ErrInvalidTransition, c.state)
	}
	pub, err := c.keys.ExportPublic()
	if err != nil {
		return err
	}
	if err := c.dir.PublishPublicKey(ctx, pub); err != nil {
		return fmt.Errorf("e2ee: publish public key: %w", err)
	}
	c.state = EncryptionOffered
	return nil
}

// Enable moves EncryptionOffered -> EncryptionEnabled. If the peer already
// wrapped a conversation key for us it is unwrapped; otherwise we generate
// one, wrap it for both sides and publish it. A peer without a public key
// fails with ErrRecipientNotSetUp and leaves the state unchanged.
func (c *Conversation) Enable(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == EncryptionEnabled {
		return nil
	}
	if c.state != EncryptionOffered {
		return fmt.Errorf("%w: enable in %s", ErrInvalidTransition, c.state)
	}

	peerEncoded, err := c.dir.FetchPublicKey(ctx, c.peerID)
	if errors.Is(err, ErrKeyNotFound) {
		return ErrRecipientNotSetUp
	}
	if err != nil {
		return fmt.Errorf("e2ee: fetch peer key: %w", err)
	}
	peerPub, err := ImportPublicKey(peerEncoded)
	if err != nil {
		return err
	}

	wrappedOwn, err := c.dir.FetchConversationKey(ctx, c.peerID)
	switch {
	case err == nil:
		key, err := DecryptSymmetricKey(wrappedOwn, c.keys.Private)
		if err != nil {
			return err
		}
		c.key = key
	case errors.Is(err, ErrKeyNotFound):
		key, err := GenerateSymmetricKey()
		if err != nil {
			return err
		}
		forSelf, err := EncryptSymmetricKey(key, c.keys.Public)
		if err != nil {
			return err
		}
		forPeer, err := EncryptSymmetricKey(key, peerPub)
		if err != nil {
			return err
		}
		err = c.dir.StoreConversationKeys(ctx, c.peerID, map[string]string{c.selfID: forSelf, c.peerID: forPeer})
		switch {
		case err == nil:
			c.key = key
		case errors.Is(err, ErrKeyExists):
			// the peer enabled concurrently; use their key
			wrappedOwn, err := c.dir.FetchConversationKey(ctx, c.peerID)
			if err != nil {
				return fmt.Errorf("e2ee: fetch conversation key: %w", err)
			}
			existing, err := DecryptSymmetricKey(wrappedOwn, c.keys.Private)
			if err != nil {
				return err
			}
			c.key = existing
		default:
			return fmt.Errorf("e2ee: store conversation key: %w", err)
		}
	default:
		return fmt.Errorf("e2ee: fetch conversation key: %w", err)
	}

	c.state = EncryptionEnabled
	return nil
}

// Seal encrypts plaintext when encryption is enabled. Otherwise it returns
// plaintext with encrypted=false so callers can flag the send.
func (c *Conversation) Seal(plaintext string) (content string, encrypted bool, err error) {
	c.mu.RLock()
	key, state := c.key, c.state
	c.mu.RUnlock()
	if state != EncryptionEnabled {
		return plaintext, false, nil
	}
	content, err = EncryptMessage(plaintext, key)
	if err != nil {
		return "", false, err
	}
	return content, true, nil
}

// Open returns the display text for inbound content.
func (c *Conversation) Open(content string) (text string, encrypted bool) {
	c.mu.RLock()
	key := c.key
	c.mu.RUnlock()
	return DisplayText(content, key)
}
