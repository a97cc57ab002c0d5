package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/lib/pq"

	logx "wxrelay/pkg/logx"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS channels (
    id   TEXT PRIMARY KEY,
    name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS subscriptions (
    channel TEXT NOT NULL,
    kind    TEXT NOT NULL,
    target  TEXT NOT NULL,
    PRIMARY KEY (channel, kind, target)
);

CREATE TABLE IF NOT EXISTS disabled_endpoints (
    kind        TEXT NOT NULL,
    target      TEXT NOT NULL,
    reason      TEXT,
    disabled_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (kind, target)
);

CREATE TABLE IF NOT EXISTS delivery_log (
    id            BIGSERIAL PRIMARY KEY,
    at            TIMESTAMPTZ NOT NULL,
    medium        TEXT NOT NULL,
    source        TEXT,
    resource_uri  TEXT,
    message       TEXT,
    response      TEXT,
    response_code INTEGER
);

CREATE INDEX IF NOT EXISTS delivery_log_at ON delivery_log(at);
`

type postgresStore struct {
	db  *sql.DB
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &postgresStore{db: db, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *postgresStore) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
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

func (s *postgresStore) AddChannel(ctx context.Context, channel string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels(id, name) VALUES($1, $2) ON CONFLICT(id) DO NOTHING`,
		channel, channel,
	)
	return err
}

func (s *postgresStore) AddSubscription(ctx context.Context, sub Subscription) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions(channel, kind, target) VALUES($1, $2, $3)
		 ON CONFLICT(channel, kind, target) DO NOTHING`,
		sub.Channel, sub.Kind, sub.Target,
	)
	return err
}

func (s *postgresStore) RemoveSubscription(ctx context.Context, sub Subscription) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE channel = $1 AND kind = $2 AND target = $3`,
		sub.Channel, sub.Kind, sub.Target,
	)
	return err
}

func (s *postgresStore) DisableEndpoint(ctx context.Context, ep Endpoint, reason string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO disabled_endpoints(kind, target, reason, disabled_at) VALUES($1, $2, $3, $4)
		 ON CONFLICT(kind, target) DO UPDATE SET reason=excluded.reason, disabled_at=excluded.disabled_at`,
		ep.Kind, ep.Target, nullStr(reason), time.Now().UTC(),
	)
	return err
}

func (s *postgresStore) EnableEndpoint(ctx context.Context, ep Endpoint) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM disabled_endpoints WHERE kind = $1 AND target = $2`,
		ep.Kind, ep.Target,
	)
	return err
}

func (s *postgresStore) AppendDeliveryLog(ctx context.Context, e DeliveryLogEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_log(at, medium, source, resource_uri, message, response, response_code)
		 VALUES($1, $2, $3, $4, $5, $6, $7)`,
		e.At.UTC(), e.Medium, nullStr(e.Source), nullStr(e.ResourceURI),
		nullStr(e.Message), nullStr(e.Response), e.ResponseCode,
	)
	return err
}

func (s *postgresStore) PurgeDeliveryLog(ctx context.Context, olderThan time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM delivery_log WHERE at < $1`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *postgresStore) SeedSubscriptions(ctx context.Context, subs []Subscription) error {
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
