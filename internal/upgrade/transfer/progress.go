package transfer

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
)

// DefaultReportEvery is how many bytes pass between progress log lines.
const DefaultReportEvery = 64 << 20

// Progress accounts bytes moved for one database.
type Progress struct {
	mu       sync.Mutex
	database string
	every    int64
	total    int64
	next     int64
	started  time.Time

	// OnBytes, if set, is called with every increment.
	OnBytes func(n int)
}

// NewProgress reports every `every` bytes; zero uses DefaultReportEvery.
func NewProgress(database string, every int64) *Progress {
	if every <= 0 {
		every = DefaultReportEvery
	}
	return &Progress{database: database, every: every, next: every, started: time.Now()}
}

// Add records n more bytes.
func (p *Progress) Add(n int) {
	if p == nil || n <= 0 {
		return
	}
	p.mu.Lock()
	p.total += int64(n)
	report := p.total >= p.next
	total := p.total
	for p.total >= p.next {
		p.next += p.every
	}
	p.mu.Unlock()

	if p.OnBytes != nil {
		p.OnBytes(n)
	}
	if report {
		log.Info().
			Str("database", p.database).
			Str("transferred", humanize.Bytes(uint64(total))).
			Str("rate", formatRate(total, time.Since(p.started))).
			Msg("transfer progress")
	}
}

// Total returns the bytes accounted so far.
func (p *Progress) Total() int64 {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

func formatRate(total int64, elapsed time.Duration) string {
	if elapsed <= 0 {
		return "n/a"
	}
	return humanize.Bytes(uint64(float64(total)/elapsed.Seconds())) + "/s"
}
