package sqlexec

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/qiniu/clusterupgrade/internal/upgrade/model"
)

// PgxExecutor opens a short-lived connection per call. Upgrade instances are
// ephemeral and each call may target a different database, so no pool is kept.
type PgxExecutor struct {
	ConnectTimeout time.Duration
}

var _ Executor = (*PgxExecutor)(nil)

// NewPgxExecutor returns an executor with the given connect timeout.
func NewPgxExecutor(connectTimeout time.Duration) *PgxExecutor {
	return &PgxExecutor{ConnectTimeout: connectTimeout}
}

func (p *PgxExecutor) connect(ctx context.Context, ep model.Endpoint) (*pgx.Conn, error) {
	cfg, err := pgx.ParseConfig(ep.ConnString())
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %s: %w", ep.Redacted(), err)
	}
	if p.ConnectTimeout > 0 {
		cfg.ConnectTimeout = p.ConnectTimeout
	}
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", ep.Redacted(), err)
	}
	return conn, nil
}

func (p *PgxExecutor) Exec(ctx context.Context, ep model.Endpoint, sql string, args ...any) error {
	conn, err := p.connect(ctx, ep)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, sql, args...); err != nil {
		return err
	}
	return nil
}

func (p *PgxExecutor) Query(ctx context.Context, ep model.Endpoint, sql string, args ...any) ([][]any, error) {
	conn, err := p.connect(ctx, ep)
	if err != nil {
		return nil, err
	}
	defer conn.Close(context.Background())

	rows, err := conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		out = append(out, vals)
	}
	return out, rows.Err()
}

func (p *PgxExecutor) TableNames(ctx context.Context, ep model.Endpoint) ([]string, error) {
	conn, err := p.connect(ctx, ep)
	if err != nil {
		return nil, err
	}
	defer conn.Close(context.Background())

	rows, err := conn.Query(ctx, QueryTableNames)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
