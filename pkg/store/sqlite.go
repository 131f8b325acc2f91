package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/daviddao/ftcic/pkg/codec"
	"github.com/daviddao/ftcic/pkg/fterr"
	"github.com/daviddao/ftcic/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteBackend stores checkpoints in a SQLite database in WAL mode, so
// the GC loop and status readers never block checkpoint writers.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the database at path and initializes
// the schema.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	b := &SQLiteBackend{db: db}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) Close() error { return b.db.Close() }

func retryOnContention(ctx context.Context, fn func() error) error {
	return retryOp(ctx, defaultRetryConfig, fn)
}

func (b *SQLiteBackend) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		body_id     TEXT    NOT NULL,
		idx         INTEGER NOT NULL,
		incarnation INTEGER NOT NULL,
		state       BLOB,
		info        BLOB    NOT NULL,
		created_at  TEXT    NOT NULL,
		PRIMARY KEY (body_id, idx)
	);
	`
	_, err := b.db.Exec(schema)
	return err
}

// Append checks ordering and inserts inside one transaction, so two
// writers racing on the same body cannot both succeed with stale reads.
func (b *SQLiteBackend) Append(ctx context.Context, ckpt model.Checkpoint) error {
	info, err := codec.EncodeProtocolInfo(ckpt.Info)
	if err != nil {
		return err
	}
	created := ckpt.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return retryOnContention(ctx, func() error {
		tx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		var latest sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(idx) FROM checkpoints WHERE body_id = ?`, string(ckpt.BodyID),
		).Scan(&latest); err != nil {
			return err
		}
		if latest.Valid && ckpt.Index <= latest.Int64 {
			return fterr.OrderingError.New("checkpoint %d of %s is not after %d", ckpt.Index, ckpt.BodyID, latest.Int64)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO checkpoints (body_id, idx, incarnation, state, info, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			string(ckpt.BodyID), ckpt.Index, int64(ckpt.Incarnation), ckpt.State, info,
			created.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit checkpoint: %w", err)
		}
		return nil
	})
}

const checkpointColumns = `body_id, idx, incarnation, state, info, created_at`

func (b *SQLiteBackend) Latest(ctx context.Context, id model.BodyID) (model.Checkpoint, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE body_id = ? ORDER BY idx DESC LIMIT 1`,
		string(id),
	)
	c, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return c, fterr.NotFound.New("no checkpoint for %s", id)
	}
	return c, err
}

func (b *SQLiteBackend) Get(ctx context.Context, id model.BodyID, index int64) (model.Checkpoint, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE body_id = ? AND idx = ?`,
		string(id), index,
	)
	c, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return c, fterr.NotFound.New("no checkpoint %d for %s", index, id)
	}
	return c, err
}

func (b *SQLiteBackend) Indices(ctx context.Context, id model.BodyID) ([]int64, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT idx FROM checkpoints WHERE body_id = ? ORDER BY idx ASC`, string(id),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var idx int64
		if err := rows.Scan(&idx); err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) Bodies(ctx context.Context) ([]model.BodyID, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT DISTINCT body_id FROM checkpoints ORDER BY body_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.BodyID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, model.BodyID(id))
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) Delete(ctx context.Context, id model.BodyID, indices []int64) error {
	if len(indices) == 0 {
		return nil
	}
	args := make([]any, 0, len(indices)+1)
	args = append(args, string(id))
	for _, idx := range indices {
		args = append(args, idx)
	}
	q := `DELETE FROM checkpoints WHERE body_id = ? AND idx IN (?` + strings.Repeat(",?", len(indices)-1) + `)`
	return retryOnContention(ctx, func() error {
		_, err := b.db.ExecContext(ctx, q, args...)
		return err
	})
}

func scanCheckpoint(row *sql.Row) (model.Checkpoint, error) {
	var c model.Checkpoint
	var id, created string
	var inc int64
	var info []byte
	if err := row.Scan(&id, &c.Index, &inc, &c.State, &info, &created); err != nil {
		return c, err
	}
	c.BodyID = model.BodyID(id)
	c.Incarnation = model.Incarnation(inc)
	var err error
	if c.Info, err = codec.DecodeProtocolInfo(info); err != nil {
		return c, err
	}
	if c.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return c, fmt.Errorf("parse created_at for %s/%d: %w", id, c.Index, err)
	}
	return c, nil
}
