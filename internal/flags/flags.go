// Package flags provides feature flags and site states: small named
// switches that gate sales phases (whether bank transfer is offered,
// whether sales are open). Values live in the database; reads go
// through Redis so every process sees a write promptly, with
// degradation to direct database reads when Redis is unavailable.
package flags

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Flag names used across the codebase.
const (
	FlagBankTransfer = "bank_transfer"
	FlagSalesOpen    = "sales_open"
	FlagRefundsOpen  = "refunds_open"
)

// cacheTTL bounds staleness when a write's cache invalidation is lost.
const cacheTTL = 1 * time.Minute

// Store reads and writes flags and site states. redis may be nil.
type Store struct {
	db    *sql.DB
	redis *redis.Client
	log   *logrus.Entry
}

// NewStore returns a flag store. Pass a nil Redis client to read the
// database directly on every call.
func NewStore(db *sql.DB, rdb *redis.Client) *Store {
	return &Store{db: db, redis: rdb, log: logrus.WithField("component", "flags")}
}

func flagKey(name string) string { return "flag:" + name }
func stateKey(name string) string { return "state:" + name }

// Enabled reports whether a feature flag is on. Unknown flags are off.
func (s *Store) Enabled(ctx context.Context, name string) bool {
	if s.redis != nil {
		v, err := s.redis.Get(ctx, flagKey(name)).Result()
		if err == nil {
			return v == "1"
		}
		if err != redis.Nil {
			s.log.WithError(err).Debug("redis flag read failed")
		}
	}
	var enabled bool
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled FROM feature_flags WHERE name = ?`, name).Scan(&enabled)
	if err == sql.ErrNoRows {
		return false
	}
	if err != nil {
		s.log.WithError(err).Warn("flag read failed")
		return false
	}
	if s.redis != nil {
		cached := "0"
		if enabled {
			cached = "1"
		}
		_ = s.redis.Set(ctx, flagKey(name), cached, cacheTTL).Err()
	}
	return enabled
}

// SetFlag writes a feature flag and invalidates its cache entry.
func (s *Store) SetFlag(ctx context.Context, name string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feature_flags (name, enabled) VALUES (?, ?)
		 ON DUPLICATE KEY UPDATE enabled = VALUES(enabled)`, name, enabled)
	if err != nil {
		return err
	}
	if s.redis != nil {
		_ = s.redis.Del(ctx, flagKey(name)).Err()
	}
	return nil
}

// State returns the named site state, or def when unset.
func (s *Store) State(ctx context.Context, name, def string) string {
	if s.redis != nil {
		v, err := s.redis.Get(ctx, stateKey(name)).Result()
		if err == nil {
			return v
		}
		if err != redis.Nil {
			s.log.WithError(err).Debug("redis state read failed")
		}
	}
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM site_states WHERE name = ?`, name).Scan(&state)
	if err == sql.ErrNoRows {
		return def
	}
	if err != nil {
		s.log.WithError(err).Warn("state read failed")
		return def
	}
	if s.redis != nil {
		_ = s.redis.Set(ctx, stateKey(name), state, cacheTTL).Err()
	}
	return state
}

// SetState writes a site state and invalidates its cache entry.
func (s *Store) SetState(ctx context.Context, name, state string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO site_states (name, state) VALUES (?, ?)
		 ON DUPLICATE KEY UPDATE state = VALUES(state)`, name, state)
	if err != nil {
		return err
	}
	if s.redis != nil {
		_ = s.redis.Del(ctx, stateKey(name)).Err()
	}
	return nil
}
