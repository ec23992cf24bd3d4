// Package migrate applies the embedded schema. Each file under sql/ is one
// step named <version>_<label>.sql; applied steps are recorded in
// schema_migrations and never re-run.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Kecupro/SoftwareManage-sub001/internal/db"
)

//go:embed sql/*.sql
var files embed.FS

type Step struct {
	Version int
	Name    string
	SQL     string
}

// Steps returns the embedded steps ordered by version.
func Steps() ([]Step, error) {
	names, err := files.ReadDir("sql")
	if err != nil {
		return nil, err
	}
	steps := make([]Step, 0, len(names))
	seen := map[int]string{}
	for _, f := range names {
		prefix, _, ok := strings.Cut(f.Name(), "_")
		v, err := strconv.Atoi(prefix)
		if !ok || err != nil || v <= 0 {
			return nil, fmt.Errorf("migration %s: name must start with a positive version", f.Name())
		}
		if prev, dup := seen[v]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, f.Name(), v)
		}
		seen[v] = f.Name()
		data, err := files.ReadFile(path.Join("sql", f.Name()))
		if err != nil {
			return nil, err
		}
		steps = append(steps, Step{Version: v, Name: f.Name(), SQL: string(data)})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Version < steps[j].Version })
	return steps, nil
}

// Migrate applies every pending step, each in its own transaction. The schema
// is written in the SQL subset shared by SQLite and Postgres; only
// placeholders are rebound per driver.
func Migrate(conn *sql.DB, driver string) error {
	if _, err := conn.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, name TEXT NOT NULL, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	current, err := Version(conn)
	if err != nil {
		return err
	}
	steps, err := Steps()
	if err != nil {
		return err
	}
	for _, s := range steps {
		if s.Version <= current {
			continue
		}
		if err := apply(conn, driver, s); err != nil {
			return err
		}
	}
	return nil
}

func apply(conn *sql.DB, driver string, s Step) error {
	tx, err := conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(s.SQL); err != nil {
		return fmt.Errorf("migration %s: %w", s.Name, err)
	}
	if _, err := tx.Exec(db.Rebind(driver, `INSERT INTO schema_migrations(version, name, applied_at) VALUES (?,?,?)`),
		s.Version, s.Name, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("record migration %s: %w", s.Name, err)
	}
	return tx.Commit()
}

// Version returns the highest applied step, 0 on a fresh database.
func Version(conn *sql.DB) (int, error) {
	var v sql.NullInt64
	if err := conn.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(v.Int64), nil
}
