package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "wxrelay/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	snap := &Snapshot{}

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM channels ORDER BY id`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		snap.Channels = append(snap.Channels, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT channel, kind, target FROM subscriptions ORDER BY channel, kind, target`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.Channel, &sub.Kind, &sub.Target); err != nil {
			rows.Close()
			return nil, err
		}
		snap.Subscriptions = append(snap.Subscriptions, sub)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT kind, target FROM disabled_endpoints`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var ep Endpoint
		if err := rows.Scan(&ep.Kind, &ep.Target); err != nil {
			rows.Close()
			return nil, err
		}
		snap.Disabled = append(snap.Disabled, ep)
	}
	return snap, rows.Close()
}

func (s *sqliteStore) AddChannel(ctx context.Context, channel string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels(id, name) VALUES(?, ?) ON CONFLICT(id) DO NOTHING`,
		channel, channel,
	)
	return err
}

func (s *sqliteStore) AddSubscription(ctx context.Context, sub Subscription) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions(channel, kind, target) VALUES(?, ?, ?)
		 ON CONFLICT(channel, kind, target) DO NOTHING`,
		sub.Channel, sub.Kind, sub.Target,
	)
	return err
}

func (s *sqliteStore) RemoveSubscription(ctx context.Context, sub Subscription) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE channel = ? AND kind = ? AND target = ?`,
		sub.Channel, sub.Kind, sub.Target,
	)
	return err
}

func (s *sqliteStore) DisableEndpoint(ctx context.Context, ep Endpoint, reason string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO disabled_endpoints(kind, target, reason, disabled_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(kind, target) DO UPDATE SET reason=excluded.reason, disabled_at=excluded.disabled_at`,
		ep.Kind, ep.Target, nullStr(reason), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) EnableEndpoint(ctx context.Context, ep Endpoint) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM disabled_endpoints WHERE kind = ? AND target = ?`,
		ep.Kind, ep.Target,
	)
	return err
}

func (s *sqliteStore) AppendDeliveryLog(ctx context.Context, e DeliveryLogEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_log(at, medium, source, resource_uri, message, response, response_code)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		e.At.UnixNano(), e.Medium, nullStr(e.Source), nullStr(e.ResourceURI),
		nullStr(e.Message), nullStr(e.Response), e.ResponseCode,
	)
	return err
}

func (s *sqliteStore) PurgeDeliveryLog(ctx context.Context, olderThan time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM delivery_log WHERE at < ?`,
		olderThan.UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sqliteStore) SeedSubscriptions(ctx context.Context, subs []Subscription) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	for _, sub := range subs {
		if err := s.AddChannel(ctx, sub.Channel); err != nil {
			return err
		}
		if err := s.AddSubscription(ctx, sub); err != nil {
			return err
		}
	}
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
