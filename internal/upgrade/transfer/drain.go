package transfer

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const (
	// MaxLineLength bounds a logged stderr line; longer lines are truncated.
	MaxLineLength = 64 << 10
	// DefaultTailLines is how many stderr lines are kept for diagnostics.
	DefaultTailLines = 50
)

// Tail keeps the last lines written to it.
type Tail struct {
	mu    sync.Mutex
	lines []string
	max   int
	next  int
	full  bool
}

func NewTail(max int) *Tail {
	if max <= 0 {
		max = DefaultTailLines
	}
	return &Tail{lines: make([]string, max), max: max}
}

func (t *Tail) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines[t.next] = line
	t.next = (t.next + 1) % t.max
	if t.next == 0 {
		t.full = true
	}
}

// Lines returns the kept lines, oldest first.
func (t *Tail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		return append([]string(nil), t.lines[:t.next]...)
	}
	out := make([]string, 0, t.max)
	out = append(out, t.lines[t.next:]...)
	return append(out, t.lines[:t.next]...)
}

func (t *Tail) String() string {
	return strings.Join(t.Lines(), "\n")
}

// Drain reads r line by line until EOF, logging each line and keeping it in
// tail. It never stops early: an oversized line is truncated and the rest of
// it skipped, so the writer can never block on a full pipe.
func Drain(r io.Reader, logger zerolog.Logger, tail *Tail) error {
	br := bufio.NewReaderSize(r, MaxLineLength)
	oversize := false
	emit := func(line string) {
		line = strings.TrimRight(line, "\r\n")
		logger.Debug().Msg(line)
		if tail != nil {
			tail.Add(line)
		}
	}

	for {
		frag, err := br.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			if !oversize {
				emit(string(frag) + " [truncated]")
				oversize = true
			}
			continue
		}
		if len(frag) > 0 && !oversize {
			emit(string(frag))
		}
		oversize = false
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
