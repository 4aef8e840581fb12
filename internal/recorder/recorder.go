// Package recorder persists state history. Every state_changed event
// becomes a row in the SQLite history table, and numeric states are
// optionally mirrored into InfluxDB for dashboards.
//
// Recording is asynchronous: the bus handler enqueues and a single
// writer goroutine inserts, so a slow disk never stalls event
// dispatch. A full queue drops rows with a warning rather than
// blocking.
package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nerrad567/hearth-core/internal/core"
	"github.com/nerrad567/hearth-core/internal/infrastructure/database"
)

const (
	defaultQueueSize     = 256
	defaultRetention     = 10 * 24 * time.Hour
	defaultPruneInterval = 6 * time.Hour

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Logger is the subset of a structured logger the recorder uses.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Bus is the event source. core.Bus satisfies it.
type Bus interface {
	Subscribe(eventType string, handler core.EventHandler) func()
}

// Metrics mirrors numeric states to a time-series store. The influxdb
// client satisfies it.
type Metrics interface {
	WriteState(domain, entityID string, value float64, ts time.Time)
}

// Config tunes retention and queueing.
type Config struct {
	// Retention is how long history rows are kept. Zero selects ten
	// days.
	Retention time.Duration

	// PruneInterval is how often expired rows are deleted. Zero
	// selects six hours.
	PruneInterval time.Duration

	// QueueSize bounds the insert backlog. Zero selects 256.
	QueueSize int
}

// Entry is one recorded state.
type Entry struct {
	ID         int64          `json:"id"`
	EntityID   core.EntityID  `json:"entity_id"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes"`
	RecordedAt time.Time      `json:"recorded_at"`
}

type row struct {
	entityID string
	state    string
	attrs    string
	ts       time.Time
}

// Recorder subscribes to state changes and writes history.
type Recorder struct {
	db      *database.DB
	metrics Metrics
	logger  Logger
	cfg     Config
	now     func() time.Time

	unsub     func()
	queue     chan row
	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates the schema, subscribes to state_changed, and starts the
// writer and prune loops. metrics may be nil.
func New(db *database.DB, bus Bus, metrics Metrics, cfg Config, logger Logger) (*Recorder, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = defaultPruneInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	r := &Recorder{
		db:      db,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
		queue:   make(chan row, cfg.QueueSize),
		stop:    make(chan struct{}),
	}

	if err := r.createSchema(); err != nil {
		return nil, err
	}

	r.unsub = bus.Subscribe(core.EventStateChanged, r.onStateChanged)

	r.wg.Add(2)
	go r.writeLoop()
	go r.pruneLoop()

	return r, nil
}

func (r *Recorder) createSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS state_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_id TEXT NOT NULL,
			state TEXT NOT NULL,
			attributes TEXT,
			recorded_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_state_history_entity
			ON state_history (entity_id, recorded_at);
	`)
	if err != nil {
		return fmt.Errorf("creating state_history schema: %w", err)
	}
	return nil
}

func (r *Recorder) onStateChanged(e core.Event) error {
	newState, _ := e.Data["new_state"].(*core.State)
	if newState == nil {
		// Entity removal; history keeps what was.
		return nil
	}

	attrs := ""
	if newState.Attributes != nil {
		b, err := json.Marshal(newState.Attributes)
		if err != nil {
			return fmt.Errorf("recorder: marshalling attributes: %w", err)
		}
		attrs = string(b)
	}

	select {
	case r.queue <- row{
		entityID: string(newState.EntityID),
		state:    newState.State,
		attrs:    attrs,
		ts:       newState.LastUpdated,
	}:
	default:
		r.logger.Warn("recorder queue full, dropping state",
			"entity_id", string(newState.EntityID),
		)
	}
	return nil
}

func (r *Recorder) writeLoop() {
	defer r.wg.Done()
	for {
		select {
		case rw := <-r.queue:
			r.insert(rw)
		case <-r.stop:
			// Drain what is already buffered before exiting.
			for {
				select {
				case rw := <-r.queue:
					r.insert(rw)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) insert(rw row) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		"INSERT INTO state_history (entity_id, state, attributes, recorded_at) VALUES (?, ?, ?, ?)",
		rw.entityID, rw.state, rw.attrs, rw.ts.UTC().UnixNano(),
	)
	if err != nil {
		r.logger.Error("recorder insert failed",
			"entity_id", rw.entityID,
			"error", err,
		)
		return
	}

	if r.metrics != nil {
		if v, err := strconv.ParseFloat(rw.state, 64); err == nil {
			r.metrics.WriteState(core.EntityID(rw.entityID).Domain(), rw.entityID, v, rw.ts)
		}
	}
}

func (r *Recorder) pruneLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			deleted, err := r.Prune(ctx)
			cancel()
			if err != nil {
				r.logger.Error("recorder prune failed", "error", err)
			} else if deleted > 0 {
				r.logger.Debug("recorder pruned history", "rows", deleted)
			}
		case <-r.stop:
			return
		}
	}
}

// Prune deletes rows older than the retention window and returns how
// many were removed.
func (r *Recorder) Prune(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.cfg.Retention).UTC().UnixNano()
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM state_history WHERE recorded_at < ?", cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("pruning state history: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking pruned rows: %w", err)
	}
	return deleted, nil
}

// History returns recent entries for an entity, newest first. limit
// defaults to 50 and is capped at 200.
func (r *Recorder) History(ctx context.Context, entityID core.EntityID, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, entity_id, state, attributes, recorded_at
		 FROM state_history
		 WHERE entity_id = ?
		 ORDER BY recorded_at DESC, id DESC
		 LIMIT ?`,
		string(entityID), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying state history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e     Entry
			id    string
			attrs string
			ts    int64
		)
		if err := rows.Scan(&e.ID, &id, &e.State, &attrs, &ts); err != nil {
			return nil, fmt.Errorf("scanning state history: %w", err)
		}
		e.EntityID = core.EntityID(id)
		e.RecordedAt = time.Unix(0, ts).UTC()
		if attrs != "" {
			if err := json.Unmarshal([]byte(attrs), &e.Attributes); err != nil {
				return nil, fmt.Errorf("unmarshalling attributes: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state history: %w", err)
	}
	return entries, nil
}

// Close detaches from the bus, drains the queue, and stops the
// background loops. The database handle is the caller's to close.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		if r.unsub != nil {
			r.unsub()
		}
		close(r.stop)
		r.wg.Wait()
	})
}
