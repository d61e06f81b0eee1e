package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"anichat-rt/internal/model"
)

// PutPublicKey publishes a user's public key. Publishing the same key again
// is a no-op. A different key is only accepted while no conversation key is
// wrapped for the user; otherwise it fails with ErrKeyInUse.
func (s *Store) PutPublicKey(ctx context.Context, userID, key string, nowMillis int64) (model.PublicKey, error) {
	if userID == "" || key == "" {
		return model.PublicKey{}, errors.New("user and key are required")
	}
	pk := model.PublicKey{UserID: userID, Key: key, CreatedAt: nowMillis}
	err := s.withConn(ctx, func(c *sql.Conn) error {
		tx, err := c.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var current string
		var createdAt int64
		err = tx.QueryRowContext(ctx, s.rebind(`SELECT public_key, created_at FROM public_keys WHERE user_id = ?`), userID).
			Scan(&current, &createdAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		case current == key:
			pk.CreatedAt = createdAt
			return nil
		default:
			var wrapped int
			if err := tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM conversation_keys WHERE owner_id = ?`), userID).
				Scan(&wrapped); err != nil {
				return err
			}
			if wrapped > 0 {
				return ErrKeyInUse
			}
		}

		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO public_keys (user_id, public_key, created_at) VALUES (?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET public_key = excluded.public_key, created_at = excluded.created_at`),
			userID, key, nowMillis); err != nil {
			return err
		}
		return tx.Commit()
	})
	if errors.Is(err, ErrKeyInUse) {
		return model.PublicKey{}, ErrKeyInUse
	}
	if err != nil {
		return model.PublicKey{}, fmt.Errorf("put public key: %w", err)
	}
	return pk, nil
}

func (s *Store) GetPublicKey(ctx context.Context, userID string) (model.PublicKey, error) {
	pk := model.PublicKey{UserID: userID}
	err := s.withConn(ctx, func(c *sql.Conn) error {
		return c.QueryRowContext(ctx, s.rebind(`SELECT public_key, created_at FROM public_keys WHERE user_id = ?`), userID).
			Scan(&pk.Key, &pk.CreatedAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return model.PublicKey{}, ErrNotFound
	}
	if err != nil {
		return model.PublicKey{}, fmt.Errorf("get public key: %w", err)
	}
	return pk, nil
}

// PutConversationKeys stores the wrapped conversation key for each
// participant. Keys are immutable: if any row already exists nothing is
// written and it returns false.
func (s *Store) PutConversationKeys(ctx context.Context, keys []model.ConversationKey) (bool, error) {
	if len(keys) == 0 {
		return false, errors.New("no keys")
	}
	inserted := 0
	err := s.withConn(ctx, func(c *sql.Conn) error {
		tx, err := c.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		for _, k := range keys {
			if k.OwnerID == "" || k.PeerID == "" || k.WrappedKey == "" {
				return errors.New("incomplete conversation key")
			}
			res, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO conversation_keys (owner_id, peer_id, wrapped_key, created_at)
				VALUES (?, ?, ?, ?) ON CONFLICT (owner_id, peer_id) DO NOTHING`),
				k.OwnerID, k.PeerID, k.WrappedKey, k.CreatedAt)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			inserted += int(n)
		}
		if inserted != len(keys) {
			return nil
		}
		return tx.Commit()
	})
	if err != nil {
		return false, fmt.Errorf("put conversation keys: %w", err)
	}
	return inserted == len(keys), nil
}

func (s *Store) GetConversationKey(ctx context.Context, ownerID, peerID string) (model.ConversationKey, error) {
	k := model.ConversationKey{OwnerID: ownerID, PeerID: peerID}
	err := s.withConn(ctx, func(c *sql.Conn) error {
		return c.QueryRowContext(ctx, s.rebind(`SELECT wrapped_key, created_at FROM conversation_keys WHERE owner_id = ? AND peer_id = ?`),
			ownerID, peerID).Scan(&k.WrappedKey, &k.CreatedAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return model.ConversationKey{}, ErrNotFound
	}
	if err != nil {
		return model.ConversationKey{}, fmt.Errorf("get conversation key: %w", err)
	}
	return k, nil
}

// EncryptionEnabled reports whether both users published a public key and
// both hold a wrapped conversation key for each other.
func (s *Store) EncryptionEnabled(ctx context.Context, a, b string) (bool, error) {
	var count int
	err := s.withConn(ctx, func(c *sql.Conn) error {
		var keys int
		if err := c.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM public_keys WHERE user_id IN (?, ?)`), a, b).Scan(&keys); err != nil {
			return err
		}
		if keys < 2 {
			return nil
		}
		return c.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM conversation_keys
			WHERE (owner_id = ? AND peer_id = ?) OR (owner_id = ? AND peer_id = ?)`), a, b, b, a).Scan(&count)
	})
	if err != nil {
		return false, fmt.Errorf("encryption status: %w", err)
	}
	return count == 2, nil
}
