package debuglog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/zulandar/switchboard/internal/models"
)

// DefaultFlushInterval is the interval between periodic flushes.
const DefaultFlushInterval = 5 * time.Second

// DefaultBufferSize bounds how many entries a DBSink holds between flushes.
const DefaultBufferSize = 1024

// DBSink buffers entries and periodically writes them to the store. When the
// buffer is full new entries are dropped and counted.
type DBSink struct {
	writeFn func(context.Context, []models.DebugEntry) error
	log     zerolog.Logger
	size    int

	mu      sync.Mutex
	buf     []models.DebugEntry
	dropped atomic.Int64
}

// DBSinkOpts configures a DBSink.
type DBSinkOpts struct {
	// Write persists a batch, e.g. (*store.Store).SaveDebugEntries.
	Write      func(context.Context, []models.DebugEntry) error
	BufferSize int
	Logger     zerolog.Logger
}

// NewDBSink creates a DBSink. Call Run to start periodic flushing.
func NewDBSink(opts DBSinkOpts) *DBSink {
	size := opts.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &DBSink{writeFn: opts.Write, log: opts.Logger, size: size}
}

func (s *DBSink) Emit(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) >= s.size {
		s.dropped.Add(1)
		return
	}
	s.buf = append(s.buf, models.DebugEntry{
		ID:          e.ID,
		WorkspaceID: e.WorkspaceID,
		Source:      string(e.Source),
		Label:       e.Label,
		Payload:     e.PayloadJSON(),
		Timestamp:   e.Timestamp,
	})
}

// Dropped returns how many entries were discarded because the buffer was full.
func (s *DBSink) Dropped() int64 { return s.dropped.Load() }

// Flush writes buffered entries and resets the buffer.
func (s *DBSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.buf
	s.buf = nil
	s.mu.Unlock()
	if len(batch) == 0 || s.writeFn == nil {
		return nil
	}
	return s.writeFn(ctx, batch)
}

// Run flushes every interval until ctx is cancelled, then performs a final
// flush.
func (s *DBSink) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := s.Flush(context.Background()); err != nil {
				s.log.Warn().Err(err).Msg("debuglog: final flush failed")
			}
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.log.Warn().Err(err).Msg("debuglog: flush failed")
			}
		}
	}
}
