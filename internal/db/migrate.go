package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed migrations
var migrationFS embed.FS

func dialectDir(driver string) (string, error) {
	switch driver {
	case "sqlite":
		return "migrations/sqlite", nil
	case "pgx":
		return "migrations/postgres", nil
	case "mysql":
		return "migrations/mysql", nil
	}
	return "", fmt.Errorf("no migrations for driver %q", driver)
}

// Migrate applies every embedded migration for driver in file-name order.
// Statements are executed one at a time; objects that already exist are
// skipped so reruns are safe.
func Migrate(ctx context.Context, db *sql.DB, driver string) (int, error) {
	dir, err := dialectDir(driver)
	if err != nil {
		return 0, err
	}
	entries, err := fs.ReadDir(migrationFS, dir)
	if err != nil {
		return 0, fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	applied := 0
	for _, name := range names {
		b, err := migrationFS.ReadFile(dir + "/" + name)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", name, err)
		}
		for _, stmt := range splitStatements(string(b)) {
			if _, err := db.ExecContext(ctx, stmt); err != nil && !isAlreadyExistsErr(err) {
				return applied, fmt.Errorf("apply migration %s: %w", name, err)
			}
		}
		applied++
	}
	return applied, nil
}

func splitStatements(script string) []string {
	var out []string
	for _, part := range strings.Split(script, ";") {
		var lines []string
		for _, line := range strings.Split(part, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "--") {
				continue
			}
			lines = append(lines, line)
		}
		stmt := strings.TrimSpace(strings.Join(lines, "\n"))
		if stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func isAlreadyExistsErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") ||
		strings.Contains(msg, "duplicate key name") ||
		strings.Contains(msg, "already exists")
}
