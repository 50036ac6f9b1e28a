package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/qiniu/clusterupgrade/internal/upgrade/model"
	"github.com/qiniu/clusterupgrade/internal/upgrade/runtime/runtimetest"
	"github.com/qiniu/clusterupgrade/internal/upgrade/sqlexec"
)

// Databases live in the fake volumes as files "db/<name>" holding one
// schema.table per line.
func dbFile(name string) string { return "db/" + name }

func tableList(content string) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// volumeExecutor answers SQL by looking at the volume of the container that
// publishes the endpoint's port.
type volumeExecutor struct {
	rt *runtimetest.Runtime
}

func (e *volumeExecutor) volumeOf(ep model.Endpoint) (string, error) {
	c, ok := e.rt.ContainerByHostPort(ep.Port)
	if !ok {
		return "", fmt.Errorf("dial tcp 127.0.0.1:%d: connection refused", ep.Port)
	}
	return c.Volume(runtimetest.DataDir), nil
}

func (e *volumeExecutor) Exec(ctx context.Context, ep model.Endpoint, sql string, args ...any) error {
	vol, err := e.volumeOf(ep)
	if err != nil {
		return err
	}
	quoted, ok := strings.CutPrefix(sql, sqlexec.CreateDatabasePrefix)
	if !ok {
		return fmt.Errorf("unsupported statement %q", sql)
	}
	name := strings.ReplaceAll(strings.Trim(quoted, `"`), `""`, `"`)
	if _, exists := e.rt.Files(vol)[dbFile(name)]; exists || name == "postgres" {
		return fmt.Errorf("database %q already exists", name)
	}
	return e.rt.WriteFile(vol, dbFile(name), "")
}

func (e *volumeExecutor) Query(ctx context.Context, ep model.Endpoint, sql string, args ...any) ([][]any, error) {
	vol, err := e.volumeOf(ep)
	if err != nil {
		return nil, err
	}
	files := e.rt.Files(vol)
	switch sql {
	case sqlexec.QueryServerVersionNum:
		major, err := strconv.Atoi(strings.TrimSpace(files["PG_VERSION"]))
		if err != nil {
			return nil, err
		}
		return [][]any{{strconv.Itoa(major*10000 + 3)}}, nil
	case sqlexec.QueryListDatabases:
		rows := [][]any{{"postgres"}}
		var names []string
		for f := range files {
			if name, ok := strings.CutPrefix(f, "db/"); ok {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		for _, n := range names {
			rows = append(rows, []any{n})
		}
		return rows, nil
	case sqlexec.QueryDatabaseExists:
		if _, ok := files[dbFile(fmt.Sprint(args[0]))]; ok {
			return [][]any{{1}}, nil
		}
		return nil, nil
	}
	return nil, fmt.Errorf("unsupported query %q", sql)
}

func (e *volumeExecutor) TableNames(ctx context.Context, ep model.Endpoint) ([]string, error) {
	vol, err := e.volumeOf(ep)
	if err != nil {
		return nil, err
	}
	if ep.Database == "postgres" {
		return nil, nil
	}
	content, ok := e.rt.Files(vol)[dbFile(ep.Database)]
	if !ok {
		return nil, fmt.Errorf("database %q does not exist", ep.Database)
	}
	return tableList(content), nil
}

// fileTransferer copies a database file between the endpoints' volumes.
type fileTransferer struct {
	exec *volumeExecutor

	mu     sync.Mutex
	images []string
	// drop removes the last table of the named databases on the way.
	drop map[string]bool
	// extra adds objects to the named databases on the way.
	extra map[string][]string
	// fail makes the transfer of the named databases fail.
	fail map[string]error
	// before runs ahead of every transfer.
	before func(database string)
}

func (f *fileTransferer) factory(image, runID string) Transferer {
	f.mu.Lock()
	f.images = append(f.images, image)
	f.mu.Unlock()
	return f
}

func (f *fileTransferer) Transfer(ctx context.Context, src, dst model.Endpoint, sel model.Selection) (*model.TransferResult, error) {
	if f.before != nil {
		f.before(src.Database)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.fail[src.Database]; err != nil {
		return &model.TransferResult{Database: src.Database}, &model.TransferError{Database: src.Database, DumpExit: 1, Err: err}
	}
	tables, err := f.exec.TableNames(ctx, src)
	if err != nil {
		return nil, err
	}
	if !sel.IsWhole() {
		var kept []string
		for _, t := range tables {
			schema, _, _ := strings.Cut(t, ".")
			for _, s := range sel.Schemas {
				if s == schema {
					kept = append(kept, t)
				}
			}
		}
		tables = kept
	}
	if f.drop[src.Database] && len(tables) > 0 {
		tables = tables[:len(tables)-1]
	}
	tables = append(tables, f.extra[src.Database]...)
	return f.write(dst, tables)
}

func (f *fileTransferer) RestoreFile(ctx context.Context, path string, dst model.Endpoint) (*model.TransferResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return f.write(dst, tableList(string(data)))
}

func (f *fileTransferer) write(dst model.Endpoint, tables []string) (*model.TransferResult, error) {
	vol, err := f.exec.volumeOf(dst)
	if err != nil {
		return nil, err
	}
	if _, ok := f.exec.rt.Files(vol)[dbFile(dst.Database)]; !ok {
		return nil, errors.New("restore target database does not exist")
	}
	content := strings.Join(tables, "\n")
	if err := f.exec.rt.WriteFile(vol, dbFile(dst.Database), content); err != nil {
		return nil, err
	}
	return &model.TransferResult{Database: dst.Database, Bytes: int64(len(content)), Success: true}, nil
}

// memRecorder keeps what the upgrader records.
type memRecorder struct {
	mu        sync.Mutex
	runs      map[string]*model.Run
	states    []model.State
	databases []model.RunDatabase
}

func newMemRecorder() *memRecorder {
	return &memRecorder{runs: map[string]*model.Run{}}
}

func (m *memRecorder) CreateRun(ctx context.Context, run *model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *run
	m.runs[run.ID] = &copied
	m.states = append(m.states, model.State(run.State))
	return nil
}

func (m *memRecorder) UpdateRunState(ctx context.Context, id string, state model.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[id]; !ok {
		return fmt.Errorf("run %s not found", id)
	}
	m.runs[id].State = string(state)
	m.states = append(m.states, state)
	return nil
}

func (m *memRecorder) InsertDatabaseResult(ctx context.Context, d *model.RunDatabase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.databases = append(m.databases, *d)
	return nil
}

func (m *memRecorder) FinishRun(ctx context.Context, run *model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *run
	m.runs[run.ID] = &copied
	m.states = append(m.states, model.State(run.State))
	return nil
}
