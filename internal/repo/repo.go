package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/Kecupro/SoftwareManage-sub001/internal/db"
)

type Repo struct {
	DB     *sql.DB
	Driver string
}

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicateCode reports a UNIQUE(code) violation on insert.
	ErrDuplicateCode = errors.New("duplicate code")
	// ErrConditionFailed reports that a guarded update matched no row because
	// the guarded column no longer holds the expected value.
	ErrConditionFailed = errors.New("condition failed")
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) bind(query string) string {
	return db.Rebind(r.Driver, query)
}

// q returns tx when set, otherwise the pool.
func (r Repo) q(tx *sql.Tx) Querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

// Guard restricts a patch to rows whose Column still equals Equals.
type Guard struct {
	Column string
	Equals string
}

// Patch collects column assignments for a partial update.
type Patch struct {
	cols []string
	args []any
}

// Set assigns value to column. Empty strings are stored as NULL.
func (p *Patch) Set(column string, value any) {
	if s, ok := value.(string); ok {
		value = nullable(s)
	}
	p.cols = append(p.cols, column+"=?")
	p.args = append(p.args, value)
}

// Raw assigns a SQL expression to column.
func (p *Patch) Raw(column, expr string) {
	p.cols = append(p.cols, column+"="+expr)
}

func (p Patch) Empty() bool { return len(p.cols) == 0 }

// apply runs UPDATE table SET ... WHERE id=? [AND guard]. Zero matched rows
// yields ErrNotFound when the row is missing and ErrConditionFailed when the
// guard no longer holds.
func (r Repo) apply(ctx context.Context, q Querier, table, id string, p Patch, guard *Guard) error {
	if p.Empty() {
		return nil
	}
	args := append([]any{}, p.args...)
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id=?`, table, strings.Join(p.cols, ","))
	args = append(args, id)
	if guard != nil {
		query += fmt.Sprintf(` AND %s=?`, guard.Column)
		args = append(args, guard.Equals)
	}
	res, err := q.ExecContext(ctx, r.bind(query), args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	var one int
	err = q.QueryRowContext(ctx, r.bind(fmt.Sprintf(`SELECT 1 FROM %s WHERE id=?`, table)), id).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if guard != nil {
		return ErrConditionFailed
	}
	return nil
}

// isUniqueViolation recognises UNIQUE constraint failures from either driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			return strings.Contains(sqliteErr.Error(), "UNIQUE")
		}
	}
	return false
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func encodeJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return nil, nil
	}
	return string(data), nil
}

func decodeJSON(raw sql.NullString, dst any) error {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), dst)
}

// EncodeJSON is the exported form used when callers build a Patch holding a
// JSON column.
func EncodeJSON(v any) (any, error) {
	return encodeJSON(v)
}
