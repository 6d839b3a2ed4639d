package history

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// SQLitePersister keeps the bounded sample window in a local database.
type SQLitePersister struct {
	db *sql.DB
}

func NewSQLitePersister(dbPath string) (*SQLitePersister, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLitePersister{db: db}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS samples (
			ts INTEGER PRIMARY KEY,
			five_hour REAL NOT NULL,
			seven_day REAL NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Load returns up to limit of the newest samples, oldest first.
func (p *SQLitePersister) Load(ctx context.Context, limit int) ([]Sample, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT ts, five_hour, seven_day FROM (
			SELECT ts, five_hour, seven_day FROM samples ORDER BY ts DESC LIMIT ?
		) ORDER BY ts ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []Sample
	for rows.Next() {
		var ms int64
		var s Sample
		if err := rows.Scan(&ms, &s.FiveHour, &s.SevenDay); err != nil {
			return nil, err
		}
		s.Timestamp = time.UnixMilli(ms).UTC()
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

func (p *SQLitePersister) Append(ctx context.Context, s Sample, capacity int) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO samples (ts, five_hour, seven_day) VALUES (?, ?, ?)",
		s.Timestamp.UnixMilli(), s.FiveHour, s.SevenDay,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM samples WHERE ts NOT IN (SELECT ts FROM samples ORDER BY ts DESC LIMIT ?)",
		capacity,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *SQLitePersister) Clear(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, "DELETE FROM samples")
	return err
}

func (p *SQLitePersister) Close() error {
	return p.db.Close()
}
