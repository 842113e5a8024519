package logstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/klipper-installer/installws"
)

// Appender is the write side of Store.
type Appender interface {
	Append(ctx context.Context, entries ...Entry) (int64, error)
}

// WriterConfig tunes batching.
type WriterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
}

// DefaultWriterConfig returns the settings used by installwatch.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     100,
		FlushInterval: time.Second,
		BufferSize:    1000,
	}
}

// WriterStats counts writer activity.
type WriterStats struct {
	Inserted int64
	Dropped  int64
	Errors   int64
	Flushes  int64
}

// Writer batches log lines into a Store. Record never blocks; lines that
// arrive while the buffer is full are dropped and counted.
type Writer struct {
	cfg    WriterConfig
	store  Appender
	logger *slog.Logger
	now    func() time.Time

	input chan Entry
	batch []Entry

	cancel context.CancelFunc
	wg     sync.WaitGroup

	statsMu sync.Mutex
	stats   WriterStats
}

// NewWriter creates a Writer. Zero config fields take their defaults.
func NewWriter(store Appender, cfg WriterConfig, logger *slog.Logger) *Writer {
	def := DefaultWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		cfg:    cfg,
		store:  store,
		logger: logger.With("component", "log-writer"),
		now:    time.Now,
		input:  make(chan Entry, cfg.BufferSize),
		batch:  make([]Entry, 0, cfg.BatchSize),
	}
}

// Record queues one streamed line. Its signature matches
// installation.WithLogSink.
func (w *Writer) Record(installationID string, l installws.InstallationLog) {
	select {
	case w.input <- NewEntry(installationID, l, w.now()):
	default:
		w.statsMu.Lock()
		w.stats.Dropped++
		w.statsMu.Unlock()
	}
}

// Start begins consuming queued lines.
func (w *Writer) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run(ctx)

	w.logger.Info("log writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
}

// Stop shuts the writer down and flushes whatever is still queued.
func (w *Writer) Stop(ctx context.Context) {
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("log writer stop timed out")
		return
	}

drain:
	for {
		select {
		case e := <-w.input:
			w.batch = append(w.batch, e)
		default:
			break drain
		}
	}
	w.flush(ctx)
	w.logger.Info("log writer stopped", "inserted", w.Stats().Inserted)
}

// Stats returns current counters.
func (w *Writer) Stats() WriterStats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.stats
}

func (w *Writer) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-w.input:
			w.batch = append(w.batch, e)
			if len(w.batch) >= w.cfg.BatchSize {
				w.flush(ctx)
			}
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

func (w *Writer) flush(ctx context.Context) {
	if len(w.batch) == 0 {
		return
	}
	// A cancelled run context must not abort the final write.
	ctx = context.WithoutCancel(ctx)
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	n, err := w.store.Append(ctx, w.batch...)

	w.statsMu.Lock()
	w.stats.Flushes++
	if err != nil {
		w.stats.Errors++
	} else {
		w.stats.Inserted += n
	}
	w.statsMu.Unlock()

	if err != nil {
		w.logger.Error("failed to archive log lines", "count", len(w.batch), "error", err)
	}
	clear(w.batch)
	w.batch = w.batch[:0]
}
