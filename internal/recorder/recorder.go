package recorder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mgirard/deskdata/internal/config"
)

// Tick is one observed field value for one instrument.
type Tick struct {
	Instrument string
	Field      string
	Value      float64
	At         time.Time
}

// Writer batches ticks and writes them to PostgreSQL.
type Writer struct {
	pool   *pgxpool.Pool
	cfg    config.RecorderConfig
	logger *slog.Logger

	input chan Tick
	done  chan struct{}
	wg    sync.WaitGroup

	batchMu sync.Mutex
	batch   []Tick
}

// NewWriter creates a tick writer. Start must be called before any
// tick is accepted.
func NewWriter(pool *pgxpool.Pool, cfg config.RecorderConfig, logger *slog.Logger) *Writer {
	return &Writer{
		pool:   pool,
		cfg:    cfg,
		logger: logger.With("component", "recorder"),
		input:  make(chan Tick, cfg.BufferSize),
		done:   make(chan struct{}),
		batch:  make([]Tick, 0, cfg.BatchSize),
	}
}

// Input returns the channel ticks are submitted on.
func (w *Writer) Input() chan<- Tick {
	return w.input
}

// Record submits one tick without blocking. Ticks are dropped when the
// buffer is full.
func (w *Writer) Record(t Tick) {
	select {
	case w.input <- t:
	default:
		w.logger.Warn("tick buffer full, dropping",
			"instrument", t.Instrument, "field", t.Field)
	}
}

// Start launches the consume and flush goroutines.
func (w *Writer) Start(ctx context.Context) error {
	w.wg.Add(2)
	go w.consumeLoop(ctx)
	go w.flushLoop(ctx)
	w.logger.Info("recorder started",
		"batch_size", w.cfg.BatchSize, "flush_interval", w.cfg.FlushInterval)
	return nil
}

// Stop drains the pipeline and flushes the remaining batch.
func (w *Writer) Stop(ctx context.Context) error {
	close(w.done)
	w.wg.Wait()
	w.flush(ctx)
	w.logger.Info("recorder stopped")
	return nil
}

func (w *Writer) consumeLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			// Drain whatever is still buffered.
			for {
				select {
				case t := <-w.input:
					w.append(ctx, t)
				default:
					return
				}
			}
		case t := <-w.input:
			w.append(ctx, t)
		}
	}
}

func (w *Writer) append(ctx context.Context, t Tick) {
	w.batchMu.Lock()
	w.batch = append(w.batch, t)
	full := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()
	if full {
		w.flush(ctx)
	}
}

func (w *Writer) flushLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

// flush takes ownership of the current batch and writes it.
func (w *Writer) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}
	batch := w.batch
	w.batch = make([]Tick, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	if err := w.batchInsert(ctx, batch); err != nil {
		w.logger.Error("batch insert failed", "count", len(batch), "error", err)
		return
	}
	w.logger.Debug("batch flushed", "count", len(batch))
}

func (w *Writer) batchInsert(ctx context.Context, ticks []Tick) error {
	b := &pgx.Batch{}
	for _, t := range ticks {
		b.Queue(
			`INSERT INTO ticks (instrument, field, value, observed_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (instrument, field, observed_at) DO NOTHING`,
			t.Instrument, t.Field, t.Value, t.At,
		)
	}

	results := w.pool.SendBatch(ctx, b)
	defer results.Close()

	for range ticks {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}
