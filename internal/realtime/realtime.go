// Package realtime implements acdqueue.RealtimeSource over Postgres,
// following the same connection-pool lifecycle pattern used elsewhere in
// this codebase: jackc/pgx/v5 pgxpool, structured zerolog connect/close
// logging, a DSN-masking helper for safe logging.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/snarg/acd-engine/internal/acdqueue"
)

// Source wraps a Postgres connection pool serving queue/member rows to the
// queue store.
type Source struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// Connect opens and pings a pool against databaseURL.
func Connect(ctx context.Context, databaseURL string, log zerolog.Logger) (*Source, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Str("url", maskDSN(databaseURL)).
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("realtime database connected")

	return &Source{pool: pool, log: log}, nil
}

// Close releases the pool.
func (s *Source) Close() {
	s.log.Info().Msg("closing realtime database pool")
	s.pool.Close()
}

// HealthCheck pings the pool with a short deadline.
func (s *Source) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// QueueRow implements acdqueue.RealtimeSource. It reads the queues table's
// flat columns into a RealtimeRow, the same shape acdqueue.applyRealtimeQueueRow
// expects.
func (s *Source) QueueRow(ctx context.Context, name string) (acdqueue.RealtimeRow, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT strategy, weight, maxlen, joinempty, leavewhenempty
		FROM queues WHERE name = $1`, name)

	var strategy, joinempty, leavewhenempty string
	var weight, maxlen int
	if err := row.Scan(&strategy, &weight, &maxlen, &joinempty, &leavewhenempty); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("realtime: queue row %q: %w", name, err)
	}

	return acdqueue.RealtimeRow{
		"strategy":       strategy,
		"weight":         fmt.Sprintf("%d", weight),
		"maxlen":         fmt.Sprintf("%d", maxlen),
		"joinempty":      joinempty,
		"leavewhenempty": leavewhenempty,
	}, true, nil
}

// MemberRows implements acdqueue.RealtimeSource, reading the queue_members
// table for a given queue.
func (s *Source) MemberRows(ctx context.Context, name string) ([]acdqueue.RealtimeRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT interface, penalty, paused, membername
		FROM queue_members WHERE queue_name = $1`, name)
	if err != nil {
		return nil, fmt.Errorf("realtime: member rows %q: %w", name, err)
	}
	defer rows.Close()

	var out []acdqueue.RealtimeRow
	for rows.Next() {
		var iface, memberName string
		var penalty int
		var paused bool
		if err := rows.Scan(&iface, &penalty, &paused, &memberName); err != nil {
			return nil, fmt.Errorf("realtime: scan member row: %w", err)
		}
		out = append(out, acdqueue.RealtimeRow{
			"interface": iface,
			"penalty":   fmt.Sprintf("%d", penalty),
			"paused":    fmt.Sprintf("%t", paused),
			"name":      memberName,
		})
	}
	return out, rows.Err()
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPass := u.User.Password(); hasPass {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}
