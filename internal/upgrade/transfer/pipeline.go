// Package transfer streams a database from a source instance into a target
// instance by piping a dump process into a restore process.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/qiniu/clusterupgrade/internal/upgrade/model"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Options configure a Pipeline.
type Options struct {
	Command        CommandSpec `yaml:"command"`
	ChunkSize      int         `yaml:"chunkSize"`
	BytesPerSecond int         `yaml:"bytesPerSecond"`
	ReportEvery    int64       `yaml:"reportEvery"`
	TailLines      int         `yaml:"tailLines"`
	// ArchiveDir, if set, receives a copy of every dump as <run>-<db>.dump.
	ArchiveDir string `yaml:"archiveDir"`
}

// DefaultOptions returns the default pipeline options.
func DefaultOptions() Options {
	return Options{
		Command:     DefaultCommandSpec(),
		ChunkSize:   DefaultChunkSize,
		ReportEvery: DefaultReportEvery,
		TailLines:   DefaultTailLines,
	}
}

// Pipeline runs transfers with one tool image.
type Pipeline struct {
	opts  Options
	image string
	runID string

	// OnBytes, if set, is called as bytes reach the restore process.
	OnBytes func(database string, n int)
}

// New returns a pipeline whose tools come from image. runID names archived
// dumps.
func New(opts Options, image, runID string) *Pipeline {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.TailLines <= 0 {
		opts.TailLines = DefaultTailLines
	}
	return &Pipeline{opts: opts, image: image, runID: runID}
}

// Transfer copies src.Database into dst.Database, which must already exist
// and be empty. A nonzero exit of either side yields *model.TransferError
// and the destination must be considered invalid.
func (p *Pipeline) Transfer(ctx context.Context, src, dst model.Endpoint, sel model.Selection) (*model.TransferResult, error) {
	dumpCmd, err := p.opts.Command.DumpCommand(p.image, src, sel)
	if err != nil {
		return nil, err
	}
	restoreCmd, err := p.opts.Command.RestoreCommand(p.image, dst)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("database", src.Database).Str("dump", dumpCmd.String()).Str("restore", restoreCmd.String()).Msg("starting transfer")

	var tee io.WriteCloser
	if p.opts.ArchiveDir != "" {
		f, err := p.createArchive(src.Database)
		if err != nil {
			return nil, err
		}
		tee = f
	}
	return p.run(ctx, src.Database, dumpCmd, restoreCmd, tee)
}

// RestoreFile restores an archived dump into dst.
func (p *Pipeline) RestoreFile(ctx context.Context, path string, dst model.Endpoint) (*model.TransferResult, error) {
	restoreCmd, err := p.opts.Command.RestoreCommand(p.image, dst)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dump file: %w", err)
	}
	defer f.Close()
	log.Info().Str("database", dst.Database).Str("file", path).Msg("restoring from dump file")
	return p.restoreFrom(ctx, dst.Database, f, restoreCmd)
}

func (p *Pipeline) createArchive(database string) (*os.File, error) {
	if err := os.MkdirAll(p.opts.ArchiveDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create archive dir: %w", err)
	}
	name := fmt.Sprintf("%s-%s.dump", p.runID, strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(database))
	f, err := os.Create(filepath.Join(p.opts.ArchiveDir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to create dump archive: %w", err)
	}
	return f, nil
}

func (p *Pipeline) pump(database string, tee io.Writer) *Pump {
	progress := NewProgress(database, p.opts.ReportEvery)
	if p.OnBytes != nil {
		progress.OnBytes = func(n int) { p.OnBytes(database, n) }
	}
	return &Pump{
		ChunkSize: p.opts.ChunkSize,
		Limiter:   NewLimiter(p.opts.BytesPerSecond, p.opts.ChunkSize),
		Progress:  progress,
		Tee:       tee,
	}
}

// run starts restore then dump and joins three tasks: the pump and the two
// stderr drains. Both processes are waited for only after every reader of
// their pipes has returned.
func (p *Pipeline) run(ctx context.Context, database string, dumpCmd, restoreCmd Command, tee io.WriteCloser) (*model.TransferResult, error) {
	started := time.Now()
	logger := log.With().Str("database", database).Logger()
	if tee != nil {
		defer tee.Close()
	}

	restore := restoreCmd.cmd(ctx)
	restoreIn, err := restore.StdinPipe()
	if err != nil {
		return nil, err
	}
	restoreErr, err := restore.StderrPipe()
	if err != nil {
		return nil, err
	}

	dump := dumpCmd.cmd(ctx)
	dumpOut, err := dump.StdoutPipe()
	if err != nil {
		return nil, err
	}
	dumpErr, err := dump.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := restore.Start(); err != nil {
		return nil, &model.TransferError{Database: database, Err: fmt.Errorf("start restore: %w", err)}
	}
	if err := dump.Start(); err != nil {
		restoreIn.Close()
		_ = restore.Wait()
		return nil, &model.TransferError{Database: database, Err: fmt.Errorf("start dump: %w", err)}
	}

	dumpTail, restoreTail := NewTail(p.opts.TailLines), NewTail(p.opts.TailLines)
	pump := p.pump(database, tee)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := pump.Run(gctx, restoreIn, dumpOut)
		closeErr := restoreIn.Close()
		if err != nil {
			// nothing reads the dump any more
			_ = dump.Process.Kill()
			return err
		}
		return closeErr
	})
	g.Go(func() error {
		return Drain(dumpErr, logger.With().Str("stream", "dump").Logger(), dumpTail)
	})
	g.Go(func() error {
		return Drain(restoreErr, logger.With().Str("stream", "restore").Logger(), restoreTail)
	})
	taskErr := g.Wait()

	dumpExit := exitCode(dump.Wait())
	restoreExit := exitCode(restore.Wait())

	result := &model.TransferResult{
		Database: database,
		Bytes:    pump.Progress.Total(),
		Duration: time.Since(started),
	}
	if taskErr != nil || dumpExit != 0 || restoreExit != 0 {
		if taskErr == nil {
			taskErr = fmt.Errorf("subprocess exited nonzero")
		}
		if ctx.Err() != nil {
			taskErr = ctx.Err()
		}
		result.Reason = taskErr.Error()
		return result, &model.TransferError{
			Database:    database,
			DumpExit:    dumpExit,
			RestoreExit: restoreExit,
			Diagnostics: diagnostics(dumpTail, restoreTail),
			Err:         taskErr,
		}
	}

	result.Success = true
	logger.Info().Int64("bytes", result.Bytes).Dur("duration", result.Duration).Msg("database transferred")
	return result, nil
}

// restoreFrom feeds r into a restore process: the pump and one drain.
func (p *Pipeline) restoreFrom(ctx context.Context, database string, r io.Reader, restoreCmd Command) (*model.TransferResult, error) {
	started := time.Now()
	logger := log.With().Str("database", database).Logger()

	restore := restoreCmd.cmd(ctx)
	restoreIn, err := restore.StdinPipe()
	if err != nil {
		return nil, err
	}
	restoreErr, err := restore.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := restore.Start(); err != nil {
		return nil, &model.TransferError{Database: database, Err: fmt.Errorf("start restore: %w", err)}
	}

	tail := NewTail(p.opts.TailLines)
	pump := p.pump(database, nil)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := pump.Run(gctx, restoreIn, r)
		if closeErr := restoreIn.Close(); err == nil {
			err = closeErr
		}
		return err
	})
	g.Go(func() error {
		return Drain(restoreErr, logger.With().Str("stream", "restore").Logger(), tail)
	})
	taskErr := g.Wait()
	restoreExit := exitCode(restore.Wait())

	result := &model.TransferResult{Database: database, Bytes: pump.Progress.Total(), Duration: time.Since(started)}
	if taskErr != nil || restoreExit != 0 {
		if taskErr == nil {
			taskErr = fmt.Errorf("restore exited nonzero")
		}
		result.Reason = taskErr.Error()
		return result, &model.TransferError{Database: database, RestoreExit: restoreExit, Diagnostics: "restore: " + tail.String(), Err: taskErr}
	}
	result.Success = true
	return result, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func diagnostics(dump, restore *Tail) string {
	var b strings.Builder
	if s := dump.String(); s != "" {
		b.WriteString("dump: ")
		b.WriteString(s)
	}
	if s := restore.String(); s != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("restore: ")
		b.WriteString(s)
	}
	return b.String()
}
