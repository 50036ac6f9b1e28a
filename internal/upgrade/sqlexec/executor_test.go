package sqlexec

import (
	"context"
	"errors"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/qiniu/clusterupgrade/internal/upgrade/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubExecutor struct {
	rows   map[string][][]any
	tables []string
	execs  []string
	err    error
}

func (s *stubExecutor) Exec(ctx context.Context, ep model.Endpoint, sql string, args ...any) error {
	s.execs = append(s.execs, sql)
	return s.err
}

func (s *stubExecutor) Query(ctx context.Context, ep model.Endpoint, sql string, args ...any) ([][]any, error) {
	if s.err != nil {
		return nil, s.err
	}
	if sql == QueryDatabaseExists {
		for _, row := range s.rows[QueryListDatabases] {
			if row[0] == args[0] {
				return [][]any{{1}}, nil
			}
		}
		return nil, nil
	}
	return s.rows[sql], nil
}

func (s *stubExecutor) TableNames(ctx context.Context, ep model.Endpoint) ([]string, error) {
	return s.tables, s.err
}

func TestMajorFromVersionNum(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{in: "140005", want: 14},
		{in: "110022\n", want: 11},
		{in: "90624", want: 9},
		{in: "160001", want: 16},
		{in: "14.5", wantErr: true},
		{in: "", wantErr: true},
		{in: "900", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := MajorFromVersionNum(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHelpers(t *testing.T) {
	ctx := context.Background()
	ep := model.Endpoint{Host: "127.0.0.1", Port: 5432, User: "postgres", Database: "postgres"}
	ex := &stubExecutor{
		rows: map[string][][]any{
			QueryServerVersionNum: {{"110022"}},
			QueryListDatabases:    {{"app_db"}, {"postgres"}},
		},
		tables: []string{"public.sample", "public.sample_view"},
	}

	raw, err := ServerVersionNum(ctx, ex, ep)
	require.NoError(t, err)
	assert.Equal(t, "110022", raw)

	dbs, err := ListDatabases(ctx, ex, ep)
	require.NoError(t, err)
	assert.Equal(t, []string{"app_db", "postgres"}, dbs)

	ok, err := DatabaseExists(ctx, ex, ep, "app_db")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = DatabaseExists(ctx, ex, ep, "missing_db")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := CountObjects(ctx, ex, ep)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, CreateDatabase(ctx, ex, ep, `odd"name`))
	assert.Equal(t, []string{`CREATE DATABASE "odd""name"`}, ex.execs)
}

func TestHelpersPropagateErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("connection refused")
	ex := &stubExecutor{err: boom}
	ep := model.Endpoint{}

	_, err := ServerVersionNum(ctx, ex, ep)
	assert.ErrorIs(t, err, boom)
	_, err = CountObjects(ctx, ex, ep)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, CreateDatabase(ctx, ex, ep, "x"), boom)
}

func TestPgxExecutor(t *testing.T) {
	// 需要本机 PostgreSQL 实例（trust 认证），端口由 CLUSTERUPGRADE_TEST_PG_PORT 指定
	port, err := strconv.Atoi(os.Getenv("CLUSTERUPGRADE_TEST_PG_PORT"))
	if err != nil {
		t.Skip("PostgreSQL not configured, skipping test")
	}
	ep := model.Endpoint{Host: "127.0.0.1", Port: port, User: "postgres", Database: "postgres"}
	ex := NewPgxExecutor(3 * time.Second)
	ctx := context.Background()

	raw, err := ServerVersionNum(ctx, ex, ep)
	if err != nil {
		t.Skip("PostgreSQL not available, skipping test")
	}
	_, err = MajorFromVersionNum(raw)
	require.NoError(t, err)

	dbs, err := ListDatabases(ctx, ex, ep)
	require.NoError(t, err)
	assert.Contains(t, dbs, "postgres")

	_, err = ex.TableNames(ctx, ep)
	require.NoError(t, err)
}

