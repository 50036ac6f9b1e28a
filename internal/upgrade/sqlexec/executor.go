// Package sqlexec is the narrow relational access layer used by the upgrade
// engine: execute a statement, return rows, introspect table names.
package sqlexec

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"github.com/qiniu/clusterupgrade/internal/upgrade/model"
)

// Statements issued by the helpers below. Exported so test doubles can
// recognise them.
const (
	QueryServerVersionNum = "SHOW server_version_num"
	QueryDatabaseExists   = "SELECT 1 FROM pg_database WHERE datname = $1"
	QueryListDatabases    = "SELECT datname FROM pg_database WHERE NOT datistemplate ORDER BY datname"
	QueryTableNames       = `SELECT table_schema || '.' || table_name
		FROM information_schema.tables
		WHERE table_schema NOT IN ('pg_catalog', 'information_schema')
		ORDER BY 1`
	CreateDatabasePrefix = "CREATE DATABASE "
)

// Executor runs SQL against the database an Endpoint names.
type Executor interface {
	Exec(ctx context.Context, ep model.Endpoint, sql string, args ...any) error
	Query(ctx context.Context, ep model.Endpoint, sql string, args ...any) ([][]any, error)
	// TableNames lists user tables and views as schema.name.
	TableNames(ctx context.Context, ep model.Endpoint) ([]string, error)
}

// ServerVersionNum returns the raw server_version_num setting.
func ServerVersionNum(ctx context.Context, ex Executor, ep model.Endpoint) (string, error) {
	rows, err := ex.Query(ctx, ep, QueryServerVersionNum)
	if err != nil {
		return "", fmt.Errorf("failed to query server version: %w", err)
	}
	if len(rows) != 1 || len(rows[0]) != 1 {
		return "", fmt.Errorf("unexpected server version result shape: %v", rows)
	}
	return strings.TrimSpace(fmt.Sprint(rows[0][0])), nil
}

// DatabaseExists reports whether the server at ep has a database named name.
func DatabaseExists(ctx context.Context, ex Executor, ep model.Endpoint, name string) (bool, error) {
	rows, err := ex.Query(ctx, ep, QueryDatabaseExists, name)
	if err != nil {
		return false, fmt.Errorf("failed to look up database %s: %w", name, err)
	}
	return len(rows) > 0, nil
}

// ListDatabases returns the non-template databases.
func ListDatabases(ctx context.Context, ex Executor, ep model.Endpoint) ([]string, error) {
	rows, err := ex.Query(ctx, ep, QueryListDatabases)
	if err != nil {
		return nil, fmt.Errorf("failed to list databases: %w", err)
	}
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		if len(row) > 0 {
			out = append(out, fmt.Sprint(row[0]))
		}
	}
	return out, nil
}

// CreateDatabase creates an empty database. The name is quoted, so any
// identifier the source server accepted is accepted here.
func CreateDatabase(ctx context.Context, ex Executor, ep model.Endpoint, name string) error {
	if err := ex.Exec(ctx, ep, CreateDatabasePrefix+pq.QuoteIdentifier(name)); err != nil {
		return fmt.Errorf("failed to create database %s: %w", name, err)
	}
	return nil
}

// CountObjects counts user tables and views.
func CountObjects(ctx context.Context, ex Executor, ep model.Endpoint) (int, error) {
	names, err := ex.TableNames(ctx, ep)
	if err != nil {
		return 0, fmt.Errorf("failed to count objects in %s: %w", ep.Database, err)
	}
	return len(names), nil
}

// MajorFromVersionNum converts server_version_num (e.g. 140005, 90624) to the
// major version used to pick images (14, 9).
func MajorFromVersionNum(raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if n < 10000 {
		return 0, fmt.Errorf("version number %d out of range", n)
	}
	return n / 10000, nil
}
