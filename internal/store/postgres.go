package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zombor/ocr-history/internal/scan"
)

const scansChannel = "scans_changed"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS scans (
	id            UUID PRIMARY KEY,
	seq           BIGSERIAL,
	created_at    TIMESTAMPTZ NOT NULL,
	text          TEXT NOT NULL,
	image_url     TEXT NOT NULL,
	thumbnail_url TEXT NOT NULL,
	image_path    TEXT NOT NULL,
	token_count   INTEGER NOT NULL,
	keywords      TEXT[] NOT NULL,
	file_name     TEXT NOT NULL,
	file_size     BIGINT NOT NULL,
	file_type     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS scans_created_at_idx ON scans (created_at DESC, seq DESC);
CREATE OR REPLACE FUNCTION notify_scans_changed() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('scans_changed', TG_OP);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;
DROP TRIGGER IF EXISTS scans_changed ON scans;
CREATE TRIGGER scans_changed AFTER INSERT OR DELETE ON scans
	FOR EACH STATEMENT EXECUTE FUNCTION notify_scans_changed();
`

// insertLockKey serializes inserts so timestamps follow arrival order
const insertLockKey = 0x6f6372 // "ocr"

// Timestamps are assigned by the database and never go backwards
const insertSQL = `
INSERT INTO scans (id, created_at, text, image_url, thumbnail_url, image_path, token_count, keywords, file_name, file_size, file_type)
VALUES ($1, GREATEST(clock_timestamp(), COALESCE((SELECT max(created_at) FROM scans), '-infinity'::timestamptz)), $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING created_at`

const selectColumns = `id::text, created_at, text, image_url, thumbnail_url, image_path, token_count, keywords, file_name, file_size, file_type`

// Postgres implements scan.RecordStore on PostgreSQL. Live snapshots are driven by
// LISTEN/NOTIFY from a statement trigger.
type Postgres struct {
	pool *pgxpool.Pool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	retryMin time.Duration
	retryMax time.Duration
}

// NewPostgres connects to dsn and ensures the schema exists
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "ocr-history"

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if _, err := pool.Exec(dialCtx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}

	storeCtx, storeCancel := context.WithCancel(context.Background())
	slog.Info("Connected to postgres")
	return &Postgres{
		pool:     pool,
		ctx:      storeCtx,
		cancel:   storeCancel,
		retryMin: 500 * time.Millisecond,
		retryMax: 30 * time.Second,
	}, nil
}

// Insert stores a record, assigning its id and timestamp
func (p *Postgres) Insert(ctx context.Context, rec *scan.ScanRecord) (string, error) {
	id := uuid.NewString()
	keywords := rec.Keywords
	if keywords == nil {
		keywords = []string{}
	}

	var ts time.Time
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, insertLockKey); err != nil {
			return fmt.Errorf("locking scans: %w", err)
		}
		return tx.QueryRow(ctx, insertSQL,
			id, rec.Text, rec.ImageURL, rec.ThumbnailURL, rec.ImagePath, rec.TokenCount,
			keywords, rec.FileMeta.Name, rec.FileMeta.Size, rec.FileMeta.Type,
		).Scan(&ts)
	})
	if err != nil {
		return "", fmt.Errorf("inserting scan: %w", err)
	}

	rec.ID = id
	rec.Timestamp = ts
	return id, nil
}

func scanRecord(row pgx.Row) (scan.ScanRecord, error) {
	var rec scan.ScanRecord
	err := row.Scan(
		&rec.ID, &rec.Timestamp, &rec.Text, &rec.ImageURL, &rec.ThumbnailURL, &rec.ImagePath,
		&rec.TokenCount, &rec.Keywords, &rec.FileMeta.Name, &rec.FileMeta.Size, &rec.FileMeta.Type,
	)
	return rec, err
}

// Get retrieves a record by ID
func (p *Postgres) Get(ctx context.Context, id string) (*scan.ScanRecord, error) {
	rec, err := scanRecord(p.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM scans WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("scan not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting scan: %w", err)
	}
	return &rec, nil
}

// Delete removes a record. Deleting a missing id is not an error.
func (p *Postgres) Delete(ctx context.Context, id string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM scans WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting scan: %w", err)
	}
	return nil
}

// latest returns up to limit records, newest first
func (p *Postgres) latest(ctx context.Context, limit int) ([]scan.ScanRecord, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+selectColumns+` FROM scans ORDER BY created_at DESC, seq DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying scans: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (scan.ScanRecord, error) {
		return scanRecord(row)
	})
	if err != nil {
		return nil, fmt.Errorf("reading scans: %w", err)
	}
	return records, nil
}

// listen takes a connection out of the pool and starts listening for changes on it
func (p *Postgres) listen(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring listener connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+scansChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listening for changes: %w", err)
	}
	return conn, nil
}

// unlisten hands a listener connection back to the pool. Broken or still
// listening connections are closed so the pool discards them.
func unlisten(conn *pgxpool.Conn) {
	if _, err := conn.Exec(context.Background(), "UNLISTEN *"); err != nil {
		conn.Conn().Close(context.Background())
	}
	conn.Release()
}

func push(ch chan []scan.ScanRecord, snapshot []scan.ScanRecord) {
	select {
	case <-ch:
	default:
	}
	ch <- snapshot
}

// Subscribe holds a connection listening for changes and delivers the newest limit
// records now and after every notification. A lost connection is replaced, with a
// fresh snapshot, until ctx is done.
func (p *Postgres) Subscribe(ctx context.Context, limit int) (<-chan []scan.ScanRecord, error) {
	conn, err := p.listen(ctx)
	if err != nil {
		return nil, err
	}

	snapshot, err := p.latest(ctx, limit)
	if err != nil {
		unlisten(conn)
		return nil, err
	}
	ch := make(chan []scan.ScanRecord, 1)
	ch <- snapshot

	subCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(p.ctx, cancel)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(ch)
		defer stop()
		defer cancel()

		for conn != nil {
			err := p.watch(subCtx, conn, limit, ch)
			unlisten(conn)
			if subCtx.Err() != nil {
				return
			}
			slog.Error("History subscription failed", "error", err)
			conn = p.relisten(subCtx, limit, ch)
		}
	}()
	return ch, nil
}

// watch pushes a snapshot after every notification until the connection fails
func (p *Postgres) watch(ctx context.Context, conn *pgxpool.Conn, limit int, ch chan []scan.ScanRecord) error {
	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return err
		}
		snapshot, err := p.latest(ctx, limit)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			slog.Error("Failed to read history snapshot", "error", err)
			continue
		}
		push(ch, snapshot)
	}
}

// relisten retries with a doubling delay until it is listening again and has pushed
// a fresh snapshot. It returns nil once ctx is done.
func (p *Postgres) relisten(ctx context.Context, limit int, ch chan []scan.ScanRecord) *pgxpool.Conn {
	delay := p.retryMin
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		conn, err := p.listen(ctx)
		if err == nil {
			var snapshot []scan.ScanRecord
			if snapshot, err = p.latest(ctx, limit); err == nil {
				push(ch, snapshot)
				slog.Info("History subscription restored")
				return conn
			}
			unlisten(conn)
		}
		if ctx.Err() != nil {
			return nil
		}
		slog.Error("Failed to restore history subscription", "error", err, "retry_in", delay)
		delay = min(delay*2, p.retryMax)
	}
}

// Close ends all subscriptions and closes the pool
func (p *Postgres) Close() error {
	p.cancel()
	p.wg.Wait()
	p.pool.Close()
	return nil
}
