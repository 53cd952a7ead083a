// Package journal keeps a local SQLite record of every payload that was not
// delivered: losses reported by the publisher and rejections from the
// validator. Writes are asynchronous so the frame path never waits on disk.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/gauge.report/internal/monitoring"
	"github.com/banshee-data/gauge.report/internal/publisher"
	"github.com/banshee-data/gauge.report/internal/telemetry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrClosed is returned by queries after Close.
var ErrClosed = errors.New("journal closed")

const defaultBuffer = 256

// Rejection is one payload the validator refused.
type Rejection struct {
	MessageID string
	Reason    telemetry.Reason
	Field     string
	Detail    string
	Body      []byte
	At        time.Time
}

// RejectionFromError builds a Rejection from a validator error. The payload
// is encoded best-effort for the body column.
func RejectionFromError(p telemetry.Payload, err error, at time.Time) Rejection {
	r := Rejection{MessageID: p.MessageID, At: at}
	var re *telemetry.RejectedError
	if errors.As(err, &re) {
		r.Reason, r.Field, r.Detail = re.Reason, re.Field, re.Detail
	} else if err != nil {
		r.Detail = err.Error()
	}
	if b, mErr := json.Marshal(p); mErr == nil {
		r.Body = b
	}
	return r
}

// Entry is a row read back from either table.
type Entry struct {
	ID         int64     `json:"id"`
	MessageID  string    `json:"message_id"`
	Reason     string    `json:"reason"`
	Field      string    `json:"field,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Body       string    `json:"body,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

type record struct {
	loss      *publisher.Loss
	rejection *Rejection
}

// Journal owns the database handle and the background writer.
type Journal struct {
	db   *sql.DB
	path string

	records chan record
	dropped atomic.Int64
	written atomic.Int64

	mu        sync.RWMutex
	closed    bool
	startOnce sync.Once
	started   atomic.Bool
	done      chan struct{}
}

var _ publisher.LossRecorder = (*Journal)(nil)

// Open opens (creating if needed) the journal at path and applies pending
// migrations.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	j := &Journal{
		db:      db,
		path:    path,
		records: make(chan record, defaultBuffer),
		done:    make(chan struct{}),
	}
	if err := j.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// DB exposes the handle for read-only debugging surfaces.
func (j *Journal) DB() *sql.DB { return j.db }

// Path is the file the journal was opened from.
func (j *Journal) Path() string { return j.path }

// Start launches the background writer. It stops when ctx is cancelled or
// Close is called, writing whatever is already buffered first.
func (j *Journal) Start(ctx context.Context) {
	j.startOnce.Do(func() {
		j.started.Store(true)
		go j.run(ctx)
	})
}

func (j *Journal) run(ctx context.Context) {
	defer close(j.done)
	for {
		select {
		case rec, ok := <-j.records:
			if !ok {
				return
			}
			j.write(rec)
		case <-ctx.Done():
			j.drain()
			return
		}
	}
}

func (j *Journal) drain() {
	for {
		select {
		case rec, ok := <-j.records:
			if !ok {
				return
			}
			j.write(rec)
		default:
			return
		}
	}
}

func (j *Journal) write(rec record) {
	var err error
	switch {
	case rec.loss != nil:
		err = j.insertLoss(*rec.loss)
	case rec.rejection != nil:
		err = j.insertRejection(*rec.rejection)
	}
	if err != nil {
		monitoring.Opsf("journal write failed: %v", err)
		j.dropped.Add(1)
		return
	}
	j.written.Add(1)
}

func (j *Journal) enqueue(rec record) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.dropped.Add(1)
		return
	}
	select {
	case j.records <- rec:
	default:
		j.dropped.Add(1)
	}
}

// RecordLoss queues a publisher loss. It never blocks; when the buffer is
// full the record is counted in Dropped.
func (j *Journal) RecordLoss(l publisher.Loss) {
	j.enqueue(record{loss: &l})
}

// RecordRejection queues a validator rejection. It never blocks.
func (j *Journal) RecordRejection(r Rejection) {
	j.enqueue(record{rejection: &r})
}

// Dropped counts records that could not be buffered or written.
func (j *Journal) Dropped() int64 { return j.dropped.Load() }

// Written counts records persisted.
func (j *Journal) Written() int64 { return j.written.Load() }

// Close stops the writer after draining and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.records)
	j.mu.Unlock()

	if j.started.Load() {
		<-j.done
	}
	for rec := range j.records {
		j.write(rec)
	}
	return j.db.Close()
}

func (j *Journal) isClosed() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.closed
}

func (j *Journal) insertLoss(l publisher.Loss) error {
	_, err := j.db.Exec(
		`INSERT INTO losses (message_id, reason, detail, body, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		l.MessageID, l.Reason, l.Detail, string(l.Body), l.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert loss %s: %w", l.MessageID, err)
	}
	return nil
}

func (j *Journal) insertRejection(r Rejection) error {
	_, err := j.db.Exec(
		`INSERT INTO rejections (message_id, reason, field, detail, body, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.MessageID, string(r.Reason), r.Field, r.Detail, string(r.Body), r.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert rejection: %w", err)
	}
	return nil
}

// Losses returns the most recent losses, newest first.
func (j *Journal) Losses(ctx context.Context, limit int) ([]Entry, error) {
	return j.query(ctx, `SELECT loss_id, message_id, reason, '', detail, body, recorded_at
		FROM losses ORDER BY loss_id DESC LIMIT ?`, limit)
}

// Rejections returns the most recent rejections, newest first.
func (j *Journal) Rejections(ctx context.Context, limit int) ([]Entry, error) {
	return j.query(ctx, `SELECT rejection_id, message_id, reason, field, detail, body, recorded_at
		FROM rejections ORDER BY rejection_id DESC LIMIT ?`, limit)
}

func (j *Journal) query(ctx context.Context, q string, limit int) ([]Entry, error) {
	if j.isClosed() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.MessageID, &e.Reason, &e.Field, &e.Detail, &e.Body, &e.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Summary counts journal rows by table and reason.
type Summary struct {
	Losses     map[string]int64 `json:"losses"`
	Rejections map[string]int64 `json:"rejections"`
	Dropped    int64            `json:"dropped"`
}

// Summary aggregates both tables.
func (j *Journal) Summary(ctx context.Context) (Summary, error) {
	s := Summary{Losses: map[string]int64{}, Rejections: map[string]int64{}, Dropped: j.Dropped()}
	if j.isClosed() {
		return s, ErrClosed
	}
	for table, dst := range map[string]map[string]int64{"losses": s.Losses, "rejections": s.Rejections} {
		rows, err := j.db.QueryContext(ctx, "SELECT reason, COUNT(*) FROM "+table+" GROUP BY reason")
		if err != nil {
			return s, err
		}
		for rows.Next() {
			var reason string
			var n int64
			if err := rows.Scan(&reason, &n); err != nil {
				rows.Close()
				return s, err
			}
			dst[reason] = n
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return s, err
		}
	}
	return s, nil
}

// Backup writes a consistent copy of the journal to path.
func (j *Journal) Backup(ctx context.Context, path string) error {
	if _, err := j.db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("backup journal to %s: %w", path, err)
	}
	return nil
}
