package logstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
)

// fakeDB is a database/sql connector that records statements and serves
// canned rows, standing in for PostgreSQL.
type fakeDB struct {
	mu      sync.Mutex
	execs   []fakeCall
	queries []fakeCall
	execErr error
	columns []string
	rows    [][]driver.Value
}

type fakeCall struct {
	query string
	args  []driver.Value
}

func openFake(t *testing.T, fake *fakeDB) *sql.DB {
	t.Helper()
	db := sql.OpenDB(fake)
	t.Cleanup(func() { db.Close() })
	return db
}

func (d *fakeDB) Connect(context.Context) (driver.Conn, error) { return &fakeConn{db: d}, nil }
func (d *fakeDB) Driver() driver.Driver                        { return fakeDriver{db: d} }

func (d *fakeDB) execCalls() []fakeCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]fakeCall(nil), d.execs...)
}

type fakeDriver struct{ db *fakeDB }

func (f fakeDriver) Open(string) (driver.Conn, error) { return &fakeConn{db: f.db}, nil }

type fakeConn struct{ db *fakeDB }

func (c *fakeConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("prepare not supported")
}
func (c *fakeConn) Close() error              { return nil }
func (c *fakeConn) Begin() (driver.Tx, error) { return nil, errors.New("transactions not supported") }

func (c *fakeConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	c.db.execs = append(c.db.execs, fakeCall{query: query, args: values(args)})
	if c.db.execErr != nil {
		return nil, c.db.execErr
	}
	if strings.HasPrefix(query, "INSERT") {
		return driver.RowsAffected(len(args) / insertColumns), nil
	}
	return driver.RowsAffected(0), nil
}

func (c *fakeConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	c.db.queries = append(c.db.queries, fakeCall{query: query, args: values(args)})
	return &fakeRows{columns: c.db.columns, rows: c.db.rows}, nil
}

func values(named []driver.NamedValue) []driver.Value {
	out := make([]driver.Value, len(named))
	for i, nv := range named {
		out[i] = nv.Value
	}
	return out
}

type fakeRows struct {
	columns []string
	rows    [][]driver.Value
	pos     int
}

func (r *fakeRows) Columns() []string { return r.columns }
func (r *fakeRows) Close() error      { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.pos])
	r.pos++
	return nil
}
