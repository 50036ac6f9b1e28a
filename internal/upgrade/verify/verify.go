// Package verify compares schema object counts between a source database and
// its restored copy.
package verify

import (
	"context"
	"fmt"
	"strings"

	"github.com/qiniu/clusterupgrade/internal/upgrade/model"
	"github.com/qiniu/clusterupgrade/internal/upgrade/sqlexec"
	"github.com/rs/zerolog/log"
)

// Outcome of one comparison.
type Outcome struct {
	Database    string
	SourceCount int
	DestCount   int
	// Warning is set when the destination has more objects than the source
	// and the verifier is not strict.
	Warning string
}

// Verifier counts tables and views on both sides.
type Verifier struct {
	exec sqlexec.Executor
	// Strict treats a destination with extra objects as a failure.
	Strict bool
}

func New(exec sqlexec.Executor, strict bool) *Verifier {
	return &Verifier{exec: exec, Strict: strict}
}

// Count returns the number of user tables and views at ep.
func (v *Verifier) Count(ctx context.Context, ep model.Endpoint) (int, error) {
	return sqlexec.CountObjects(ctx, v.exec, ep)
}

// CountSelected counts the objects at ep that a filtered transfer of sel
// would carry. A whole-database selection counts everything.
func (v *Verifier) CountSelected(ctx context.Context, ep model.Endpoint, sel model.Selection) (int, error) {
	if sel.IsWhole() {
		return v.Count(ctx, ep)
	}
	names, err := v.exec.TableNames(ctx, ep)
	if err != nil {
		return 0, fmt.Errorf("failed to count objects in %s: %w", ep.Database, err)
	}
	n := 0
	for _, name := range names {
		if selected(name, sel) {
			n++
		}
	}
	return n, nil
}

// selected matches a schema.name object against the selection. Table entries
// may be qualified or bare; bare entries match any schema.
func selected(qualified string, sel model.Selection) bool {
	schema, table, _ := strings.Cut(qualified, ".")
	for _, s := range sel.Schemas {
		if s == schema {
			return true
		}
	}
	for _, t := range sel.Tables {
		if t == qualified || t == table {
			return true
		}
	}
	return false
}

// Verify counts both sides. A destination with fewer objects returns
// *model.VerificationFailure.
func (v *Verifier) Verify(ctx context.Context, src, dst model.Endpoint) (*Outcome, error) {
	srcCount, err := v.Count(ctx, src)
	if err != nil {
		return nil, err
	}
	return v.VerifyAgainst(ctx, srcCount, dst)
}

// VerifyAgainst checks dst against a source count taken earlier.
func (v *Verifier) VerifyAgainst(ctx context.Context, srcCount int, dst model.Endpoint) (*Outcome, error) {
	dstCount, err := v.Count(ctx, dst)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Database: dst.Database, SourceCount: srcCount, DestCount: dstCount}

	switch {
	case dstCount < srcCount:
		return out, &model.VerificationFailure{
			Database:    dst.Database,
			SourceCount: srcCount,
			DestCount:   dstCount,
			Reason:      fmt.Sprintf("%d objects missing in destination", srcCount-dstCount),
		}
	case dstCount > srcCount:
		msg := fmt.Sprintf("destination has %d more objects than source", dstCount-srcCount)
		if v.Strict {
			return out, &model.VerificationFailure{Database: dst.Database, SourceCount: srcCount, DestCount: dstCount, Reason: msg}
		}
		out.Warning = msg
		log.Warn().Str("database", dst.Database).Int("source", srcCount).Int("destination", dstCount).Msg(msg)
	default:
		log.Info().Str("database", dst.Database).Int("objects", dstCount).Msg("verification passed")
	}
	return out, nil
}
