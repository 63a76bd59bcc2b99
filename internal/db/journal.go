package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeblew999/geo-live/internal/service"
)

// Journal writes every applied snapshot to DuckDB off the event loop.
type Journal struct {
	db      *sql.DB
	logger  *slog.Logger
	records chan service.SnapshotRecord
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// HistoryEntry is one journaled snapshot.
type HistoryEntry struct {
	Seq         int64     `json:"seq" doc:"Snapshot sequence number"`
	ReceivedAt  time.Time `json:"receivedAt" doc:"When the snapshot was applied"`
	Title       string    `json:"title,omitempty" doc:"Map title"`
	Longitude   float64   `json:"longitude" doc:"Declared longitude"`
	Latitude    float64   `json:"latitude" doc:"Declared latitude"`
	Zoom        float64   `json:"zoom" doc:"Declared zoom"`
	LayerCount  int       `json:"layerCount" doc:"Number of layers"`
	ViewAdopted bool      `json:"viewAdopted" doc:"Whether the declared view moved the camera"`
}

// NewJournal starts a journal writer on conn.
func NewJournal(conn *sql.DB, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	j := &Journal{
		db:      conn,
		logger:  logger,
		records: make(chan service.SnapshotRecord, 64),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go j.run()
	return j
}

// Record queues rec for writing. It never blocks; records are dropped when
// the writer falls behind.
func (j *Journal) Record(rec service.SnapshotRecord) {
	select {
	case <-j.stop:
		return
	default:
	}
	select {
	case j.records <- rec:
	default:
		j.dropped.Add(1)
	}
}

// Dropped returns how many records were not written because the queue was full.
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

// Close flushes queued records and stops the writer.
func (j *Journal) Close() {
	j.once.Do(func() { close(j.stop) })
	<-j.done
}

func (j *Journal) run() {
	defer close(j.done)
	for {
		select {
		case rec := <-j.records:
			j.write(rec)
		case <-j.stop:
			for {
				select {
				case rec := <-j.records:
					j.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) write(rec service.SnapshotRecord) {
	if err := j.insert(context.Background(), rec); err != nil {
		j.logger.Error("journal write failed", "seq", rec.Seq, "error", err)
	}
}

func (j *Journal) insert(ctx context.Context, rec service.SnapshotRecord) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	v := rec.State.InitialView
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Seq, rec.ReceivedAt, rec.State.Title, v.Longitude, v.Latitude, v.Zoom,
		len(rec.State.Layers), rec.Adopted,
	); err != nil {
		return fmt.Errorf("inserting snapshot: %w", err)
	}
	for i, l := range rec.State.Layers {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snapshot_layers VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.Seq, i, l.Name, l.Hash, l.VMin, l.VMax, l.MinZoom, l.MaxZoom, l.Visible,
		); err != nil {
			return fmt.Errorf("inserting layer %q: %w", l.Name, err)
		}
	}
	return tx.Commit()
}

// Recent returns the last limit journaled snapshots, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]HistoryEntry, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT seq, received_at, COALESCE(title, ''), longitude, latitude, zoom, layer_count, view_adopted
		FROM snapshots ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []HistoryEntry{}
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.Seq, &e.ReceivedAt, &e.Title, &e.Longitude, &e.Latitude, &e.Zoom, &e.LayerCount, &e.ViewAdopted); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
