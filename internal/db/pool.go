package db

import "github.com/jmoiron/sqlx"

// Pool splits database access into a write handle and a read handle.
//
// SQLite runs in WAL mode with a single-writer policy: the writer handle is
// capped at one open connection so concurrent writes queue in Go instead of
// surfacing as SQLITE_BUSY, while the reader handle keeps a small pool of
// connections that read WAL snapshots concurrently with the writer. The log
// append path and the paginated log reads therefore never contend on a
// connection.
//
// PostgreSQL needs no such split; Open hands the same *sqlx.DB to both
// sides and pgx does its own pooling.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool wraps the writer and reader handles. Both may be the same *sqlx.DB.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the handle for INSERT, UPDATE, DELETE, and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the handle for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both handles, once each when they are shared.
func (p *Pool) Close() error {
	err := p.writer.Close()
	if p.reader == p.writer {
		return err
	}
	if rErr := p.reader.Close(); err == nil {
		err = rErr
	}
	return err
}
