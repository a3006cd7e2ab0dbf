package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"golang.org/x/crypto/blake2b"

	"talewise/api/internal/logger"
)

// migrationLockKey is the pg advisory lock held while migrating, so API
// replicas starting together apply each file once.
const migrationLockKey int64 = 0x7461_6c65

var upMigrationPattern = regexp.MustCompile(`^(\d+)_[A-Za-z0-9_]+\.up\.sql$`)

type migrationFile struct {
	version  string // file name, as recorded in schema_migrations
	sql      string
	checksum string
}

// ApplyMigrations runs every pending *.up.sql file in migrationsDir in name
// order, each in its own transaction. Files already recorded are skipped; if
// one changed on disk since it ran, a warning is logged and it is not re-run.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string, log *logger.Logger) error {
	if log == nil {
		log = logger.Nop()
	}
	files, err := readMigrations(migrationsDir)
	if err != nil {
		return err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockKey); err != nil {
			log.Warn("unlock migrations", "error", err)
		}
	}()

	if err := ensureMigrationsTable(ctx, conn); err != nil {
		return err
	}
	applied, err := appliedMigrations(ctx, conn)
	if err != nil {
		return err
	}

	ran := 0
	for _, file := range files {
		if checksum, ok := applied[file.version]; ok {
			if checksum != "" && checksum != file.checksum {
				log.Warn("applied migration changed on disk", "version", file.version)
			}
			continue
		}
		if err := applyMigration(ctx, conn, file); err != nil {
			return err
		}
		log.Info("migration applied", "version", file.version)
		ran++
	}
	log.Info("schema up to date", "applied", ran, "skipped", len(files)-ran)
	return nil
}

// readMigrations loads the up files of migrationsDir sorted by name.
func readMigrations(migrationsDir string) ([]migrationFile, error) {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var files []migrationFile
	for _, entry := range entries {
		if entry.IsDir() || !upMigrationPattern.MatchString(entry.Name()) {
			continue
		}
		contents, err := os.ReadFile(filepath.Join(migrationsDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		sum := blake2b.Sum256(contents)
		files = append(files, migrationFile{
			version:  entry.Name(),
			sql:      string(contents),
			checksum: hex.EncodeToString(sum[:]),
		})
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no migrations in %s", migrationsDir)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

func applyMigration(ctx context.Context, conn *sql.Conn, file migrationFile) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %s: %w", file.version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, file.sql); err != nil {
		return fmt.Errorf("execute migration %s: %w", file.version, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations(version, checksum) VALUES($1, $2)`,
		file.version, file.checksum,
	); err != nil {
		return fmt.Errorf("record migration %s: %w", file.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", file.version, err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			checksum TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func appliedMigrations(ctx context.Context, conn *sql.Conn) (map[string]string, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	applied := map[string]string{}
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[version] = checksum
	}
	return applied, rows.Err()
}
