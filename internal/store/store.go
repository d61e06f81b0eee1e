package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"anichat-rt/internal/pool"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
	// ErrKeyInUse rejects replacing a public key that already wraps
	// conversation keys; the old copies could no longer be unwrapped.
	ErrKeyInUse = errors.New("public key in use")
)

const (
	minPoolSize = 1
	maxPoolSize = 64
)

type Options struct {
	Driver   string
	DSN      string
	PoolSize int
	Logger   logrus.FieldLogger
}

// Store persists messages and key material. Every query runs on a
// connection checked out of a bounded pool.
type Store struct {
	db     *sql.DB
	conns  *pool.Pool[*sql.Conn]
	driver string
	log    logrus.FieldLogger
}

func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Driver != "sqlite" && opts.Driver != "postgres" {
		return nil, fmt.Errorf("store: unsupported driver %q", opts.Driver)
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	db, err := sql.Open(opts.Driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(maxPoolSize)
	db.SetMaxIdleConns(maxPoolSize)

	conns, err := pool.New(pool.Options[*sql.Conn]{
		New:     db.Conn,
		Close:   func(c *sql.Conn) error { return c.Close() },
		Size:    opts.PoolSize,
		MinSize: minPoolSize,
		MaxSize: maxPoolSize,
		Logger:  log.WithField("component", "store-pool"),
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, conns: conns, driver: opts.Driver, log: log}
	if err := s.ensureSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		sender_id TEXT NOT NULL,
		receiver_id TEXT NOT NULL,
		content TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS messages_pair_idx ON messages (sender_id, receiver_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS public_keys (
		user_id TEXT PRIMARY KEY,
		public_key TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_keys (
		owner_id TEXT NOT NULL,
		peer_id TEXT NOT NULL,
		wrapped_key TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (owner_id, peer_id)
	)`,
}

func (s *Store) ensureSchema(ctx context.Context) error {
	return s.withConn(ctx, func(c *sql.Conn) error {
		for _, stmt := range schema {
			if _, err := c.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("store: schema: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) withConn(ctx context.Context, fn func(*sql.Conn) error) error {
	c, err := s.conns.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("store: acquire connection: %w", err)
	}
	err = fn(c)
	if errors.Is(err, driver.ErrBadConn) {
		_ = s.conns.Discard(c)
		return err
	}
	if rerr := s.conns.Release(c); rerr != nil {
		s.log.WithError(rerr).Warn("store: release connection")
	}
	return err
}

// rebind rewrites ? placeholders into the driver's native form.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (s *Store) PoolStats() pool.Stats { return s.conns.Stats() }

// ResizePool changes the connection pool's working maximum and returns the
// size applied after clamping.
func (s *Store) ResizePool(n int) int { return s.conns.Resize(n) }

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.withConn(ctx, func(c *sql.Conn) error { return c.PingContext(ctx) })
}

func (s *Store) Close() error {
	perr := s.conns.Close()
	derr := s.db.Close()
	return errors.Join(perr, derr)
}
