package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/secretmessenger/realtime/internal/event"
)

// Config holds batch writer settings.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	IntakeBuffer  int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: 200 * time.Millisecond,
		IntakeBuffer:  1024,
	}
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 200 * time.Millisecond
	}
	if c.IntakeBuffer <= 0 {
		c.IntakeBuffer = 1024
	}
}

// Stats contains writer metrics.
type Stats struct {
	Inserts   int64
	Conflicts int64
	Flushes   int64
	Errors    int64
	Dropped   int64
}

type messageRow struct {
	EventID      string
	Conversation string
	Seq          int64
	Sender       string
	Kind         string
	Payload      []byte
	CreatedAt    time.Time
}

// Writer consumes durable events and writes them to the messages
// table in batches.
type Writer struct {
	cfg    Config
	logger *slog.Logger

	db     *pgxpool.Pool
	insert func(ctx context.Context, rows []messageRow) (conflicts int, err error)

	intake chan messageRow

	batch       []messageRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats Stats
}

// NewWriter creates a batch writer over the given pool.
func NewWriter(cfg Config, db *pgxpool.Pool, logger *slog.Logger) *Writer {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		cfg:    cfg,
		db:     db,
		logger: logger,
		intake: make(chan messageRow, cfg.IntakeBuffer),
		batch:  make([]messageRow, 0, cfg.BatchSize),
	}
	w.insert = w.batchInsert
	return w
}

// Start begins consuming events and writing to the database.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("store writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the writer.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping store writer")

	if w.cancel != nil {
		w.cancel()
	}
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("store writer stopped")
	case <-ctx.Done():
		w.logger.Warn("store writer stop timed out")
	}

	// Drain whatever made it into the intake channel, then flush.
	for {
		select {
		case row := <-w.intake:
			w.batchMu.Lock()
			w.batch = append(w.batch, row)
			w.batchMu.Unlock()
		default:
			w.flush()
			return nil
		}
	}
}

// Save hands a durable event to the writer without blocking. Events
// that arrive while the intake channel is full are counted as dropped;
// the caller already delivered them, so losing a persisted copy is
// preferable to stalling fan-out.
func (w *Writer) Save(ev event.Event) {
	if !ev.Kind.Durable() {
		return
	}
	row := messageRow{
		EventID:      ev.ID,
		Conversation: ev.Conversation,
		Seq:          ev.Seq,
		Sender:       ev.From,
		Kind:         string(ev.Kind),
		Payload:      ev.Payload,
		CreatedAt:    ev.At,
	}
	select {
	case w.intake <- row:
	default:
		w.batchMu.Lock()
		w.stats.Dropped++
		w.batchMu.Unlock()
		w.logger.Warn("store intake full, dropping event",
			"conversation", ev.Conversation, "seq", ev.Seq)
	}
}

// Stats returns current metrics.
func (w *Writer) Stats() Stats {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.stats
}

// consumeLoop reads from intake and accumulates batches.
func (w *Writer) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case row := <-w.intake:
			w.batchMu.Lock()
			w.batch = append(w.batch, row)
			shouldFlush := len(w.batch) >= w.cfg.BatchSize
			w.batchMu.Unlock()

			if shouldFlush {
				w.flush()
			}
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *Writer) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush()
		}
	}
}

// flush writes the current batch to the database.
func (w *Writer) flush() {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}
	batch := w.batch
	w.batch = make([]messageRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conflicts, err := w.insert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.stats.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.stats.Inserts += int64(len(batch) - conflicts)
	w.stats.Conflicts += int64(conflicts)
	w.stats.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed messages",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *Writer) batchInsert(ctx context.Context, rows []messageRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO messages (event_id, conversation_id, seq, sender_id, kind, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (conversation_id, seq) DO NOTHING
		`, r.EventID, r.Conversation, r.Seq, r.Sender, r.Kind, r.Payload, r.CreatedAt)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
