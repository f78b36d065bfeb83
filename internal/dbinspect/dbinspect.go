// Package dbinspect reads table schemas from SQLite files shipped with a
// student project.
package dbinspect

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

// Column describes one table column.
type Column struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	NotNull    bool   `json:"not_null"`
	Default    string `json:"default,omitempty"`
	PrimaryKey bool   `json:"primary_key"`
}

// Table is a table and its columns in declaration order.
type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Schema is the inspected content of one database file.
type Schema struct {
	Path   string  `json:"path"`
	Tables []Table `json:"tables"`
}

// Table looks up a table by name, ignoring case and a trailing "s".
func (s *Schema) Table(name string) (*Table, bool) {
	want := strings.TrimSuffix(strings.ToLower(name), "s")
	for i := range s.Tables {
		got := strings.TrimSuffix(strings.ToLower(s.Tables[i].Name), "s")
		if got == want {
			return &s.Tables[i], true
		}
	}
	return nil, false
}

var skipDirs = map[string]bool{".git": true, "venv": true, ".venv": true, "node_modules": true, "__pycache__": true}

// Find returns every SQLite file under root. instance/app.db, Flask's default
// location, sorts first.
func Find(root string) ([]string, error) {
	var found []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		switch strings.ToLower(filepath.Ext(p)) {
		case ".db", ".sqlite", ".sqlite3":
			found = append(found, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("searching for databases: %w", err)
	}

	preferred := filepath.Join(root, "instance", "app.db")
	sort.SliceStable(found, func(i, j int) bool {
		return found[i] == preferred && found[j] != preferred
	})
	return found, nil
}

// Inspect opens the database at path and reads every user table.
func Inspect(ctx context.Context, path string) (*Schema, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing tables in %s: %w", path, err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning table name: %w", err)
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing tables in %s: %w", path, err)
	}

	schema := &Schema{Path: path}
	for _, name := range names {
		cols, err := columns(ctx, db, name)
		if err != nil {
			return nil, err
		}
		schema.Tables = append(schema.Tables, Table{Name: name, Columns: cols})
	}
	return schema, nil
}

func columns(ctx context.Context, db *sql.DB, table string) ([]Column, error) {
	quoted := `"` + strings.ReplaceAll(table, `"`, `""`) + `"`
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+quoted+")")
	if err != nil {
		return nil, fmt.Errorf("reading columns of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var (
			cid     int
			c       Column
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &c.Name, &c.Type, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scanning column of %s: %w", table, err)
		}
		c.NotNull = notNull != 0
		c.PrimaryKey = pk != 0
		c.Default = dflt.String
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// InspectAll inspects every database Find returns, skipping unreadable files.
func InspectAll(ctx context.Context, root string) ([]*Schema, []error) {
	paths, err := Find(root)
	if err != nil {
		return nil, []error{err}
	}
	var (
		out  []*Schema
		errs []error
	)
	for _, p := range paths {
		s, err := Inspect(ctx, p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, s)
	}
	return out, errs
}
