package postgres

import (
	"cmp"
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	migrationsGlob   = "sql/migrations/*.sql"
	migrationLockKey = int64(10824701)
	migrationTimeout = 5 * time.Second
)

// schema_migrations хранит checksum up-скрипта; пустой checksum у записей,
// сделанных до появления колонки, не сверяется.
var migrationTableDDL = []string{
	`CREATE TABLE IF NOT EXISTS schema_migrations (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`ALTER TABLE schema_migrations ADD COLUMN IF NOT EXISTS checksum TEXT NOT NULL DEFAULT ''`,
}

var (
	//go:embed sql/migrations/*.sql
	migrationsFS embed.FS

	migrationFilePattern = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)
)

var (
	// ErrSchemaAhead — в базе применены миграции, которых нет в этой сборке.
	ErrSchemaAhead = errors.New("database schema is ahead of this build")
	// ErrSchemaDrift — применённая миграция не совпадает со встроенным файлом.
	ErrSchemaDrift = errors.New("applied migration differs from embedded file")
	// ErrSchemaPending — есть неприменённые миграции, а автомиграция выключена.
	ErrSchemaPending = errors.New("database schema has pending migrations")
)

type migration struct {
	Version  int64
	Name     string
	UpSQL    string
	DownSQL  string
	Checksum string
}

func (m migration) label() string { return fmt.Sprintf("%04d_%s", m.Version, m.Name) }

type appliedMigration struct {
	Version  int64
	Checksum string
}

// SchemaStatus — состояние схемы заказов относительно миграций сборки.
type SchemaStatus struct {
	Version int64
	Applied int
	Pending []string
	Unknown []int64
	Drifted []int64
}

// Err возвращает первую причину, по которой сервис не может работать со схемой.
func (s SchemaStatus) Err() error {
	switch {
	case len(s.Unknown) > 0:
		return fmt.Errorf("%w: versions %v", ErrSchemaAhead, s.Unknown)
	case len(s.Drifted) > 0:
		return fmt.Errorf("%w: versions %v", ErrSchemaDrift, s.Drifted)
	case len(s.Pending) > 0:
		return fmt.Errorf("%w: %s", ErrSchemaPending, strings.Join(s.Pending, ", "))
	default:
		return nil
	}
}

func (s SchemaStatus) String() string {
	return fmt.Sprintf("version=%d applied=%d pending=%d", s.Version, s.Applied, len(s.Pending))
}

// MigrateUp применяет up-миграции; steps=0 применяет все.
// Схема новее сборки или с изменёнными файлами не трогается.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.withMigrationLock(ctx, func(conn *sql.Conn, migrations []migration) error {
		applied, err := loadApplied(ctx, conn)
		if err != nil {
			return err
		}
		status := planSchema(migrations, applied)
		if len(status.Unknown) > 0 || len(status.Drifted) > 0 {
			return status.Err()
		}
		for _, m := range pendingUp(migrations, applied, steps) {
			if err := runMigration(ctx, conn, m, m.UpSQL, `
				INSERT INTO schema_migrations (version, name, checksum, applied_at)
				VALUES ($1, $2, $3, NOW())
			`, m.Version, m.Name, m.Checksum); err != nil {
				return err
			}
		}
		return nil
	})
}

// MigrateDown откатывает steps последних миграций; steps<=0 считается одним шагом.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.withMigrationLock(ctx, func(conn *sql.Conn, migrations []migration) error {
		applied, err := loadApplied(ctx, conn)
		if err != nil {
			return err
		}
		plan, err := rollbackPlan(migrations, applied, steps)
		if err != nil {
			return err
		}
		for _, m := range plan {
			if err := runMigration(ctx, conn, m, m.DownSQL,
				`DELETE FROM schema_migrations WHERE version = $1`, m.Version); err != nil {
				return err
			}
		}
		return nil
	})
}

// MigrationStatus сравнивает применённые миграции со встроенными.
func (s *Store) MigrationStatus(ctx context.Context) (SchemaStatus, error) {
	if s == nil || s.db == nil {
		return SchemaStatus{}, errors.New("postgres store is not initialized")
	}
	migrations, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		return SchemaStatus{}, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, migrationTimeout)
	defer cancel()

	conn, err := s.db.Conn(queryCtx)
	if err != nil {
		return SchemaStatus{}, fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	if err := ensureMigrationTable(queryCtx, conn); err != nil {
		return SchemaStatus{}, err
	}
	applied, err := loadApplied(queryCtx, conn)
	if err != nil {
		return SchemaStatus{}, err
	}
	return planSchema(migrations, applied), nil
}

// RequireSchema проверяет схему без изменений, когда автомиграция выключена.
func (s *Store) RequireSchema(ctx context.Context) error {
	status, err := s.MigrationStatus(ctx)
	if err != nil {
		return err
	}
	return status.Err()
}

func (s *Store) withMigrationLock(ctx context.Context, fn func(conn *sql.Conn, migrations []migration) error) error {
	if s == nil || s.db == nil {
		return errors.New("postgres store is not initialized")
	}

	migrations, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, migrationTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", migrationLockKey)
	}()

	if err := ensureMigrationTable(ctx, conn); err != nil {
		return err
	}
	return fn(conn, migrations)
}

func ensureMigrationTable(ctx context.Context, conn *sql.Conn) error {
	for _, ddl := range migrationTableDDL {
		if _, err := conn.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("ensure migration table: %w", err)
		}
	}
	return nil
}

// runMigration выполняет скрипт и запись в schema_migrations одной транзакцией.
func runMigration(ctx context.Context, conn *sql.Conn, m migration, script, record string, args ...any) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", m.label(), err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("execute migration %s: %w", m.label(), err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record migration %s: %w", m.label(), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", m.label(), err)
	}
	return nil
}

func loadApplied(ctx context.Context, conn *sql.Conn) ([]appliedMigration, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	var applied []appliedMigration
	for rows.Next() {
		var a appliedMigration
		if err := rows.Scan(&a.Version, &a.Checksum); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied = append(applied, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return applied, nil
}

// planSchema сводит встроенные и применённые миграции в SchemaStatus.
func planSchema(migrations []migration, applied []appliedMigration) SchemaStatus {
	known := make(map[int64]migration, len(migrations))
	for _, m := range migrations {
		known[m.Version] = m
	}

	var status SchemaStatus
	done := make(map[int64]bool, len(applied))
	for _, a := range applied {
		done[a.Version] = true
		status.Applied++
		status.Version = max(status.Version, a.Version)

		m, ok := known[a.Version]
		switch {
		case !ok:
			status.Unknown = append(status.Unknown, a.Version)
		case a.Checksum != "" && a.Checksum != m.Checksum:
			status.Drifted = append(status.Drifted, a.Version)
		}
	}
	for _, m := range migrations {
		if !done[m.Version] {
			status.Pending = append(status.Pending, m.label())
		}
	}
	return status
}

func pendingUp(migrations []migration, applied []appliedMigration, steps int) []migration {
	done := make(map[int64]bool, len(applied))
	for _, a := range applied {
		done[a.Version] = true
	}

	var plan []migration
	for _, m := range migrations {
		if done[m.Version] {
			continue
		}
		plan = append(plan, m)
		if steps > 0 && len(plan) == steps {
			break
		}
	}
	return plan
}

// rollbackPlan возвращает до steps последних применённых миграций, от новой к старой.
func rollbackPlan(migrations []migration, applied []appliedMigration, steps int) ([]migration, error) {
	known := make(map[int64]migration, len(migrations))
	for _, m := range migrations {
		known[m.Version] = m
	}

	versions := make([]int64, 0, len(applied))
	for _, a := range applied {
		versions = append(versions, a.Version)
	}
	slices.Sort(versions)
	slices.Reverse(versions)

	plan := make([]migration, 0, min(steps, len(versions)))
	for _, version := range versions[:min(steps, len(versions))] {
		m, ok := known[version]
		if !ok {
			return nil, fmt.Errorf("%w: cannot roll back version %d", ErrSchemaAhead, version)
		}
		plan = append(plan, m)
	}
	return plan, nil
}

func loadMigrationsFromFS(fsys fs.FS) ([]migration, error) {
	files, err := fs.Glob(fsys, migrationsGlob)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	if len(files) == 0 {
		return nil, errors.New("no migration files found")
	}

	byVersion := make(map[int64]*migration)
	for _, file := range files {
		base := path.Base(file)
		parts := migrationFilePattern.FindStringSubmatch(base)
		if parts == nil {
			return nil, fmt.Errorf("invalid migration file name: %s", base)
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version from %s: %w", base, err)
		}

		raw, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", file, err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration file is empty: %s", base)
		}

		m, ok := byVersion[version]
		if !ok {
			m = &migration{Version: version, Name: parts[2]}
			byVersion[version] = m
		} else if m.Name != parts[2] {
			return nil, fmt.Errorf("migration name mismatch for version %d: %s vs %s", version, m.Name, parts[2])
		}

		target := &m.UpSQL
		if parts[3] == "down" {
			target = &m.DownSQL
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate %s migration for version %d", parts[3], version)
		}
		*target = body
	}

	migrations := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpSQL == "" || m.DownSQL == "" {
			return nil, fmt.Errorf("migration %s must have both up and down files", m.label())
		}
		sum := sha256.Sum256([]byte(m.UpSQL))
		m.Checksum = hex.EncodeToString(sum[:])
		migrations = append(migrations, *m)
	}
	slices.SortFunc(migrations, func(a, b migration) int { return cmp.Compare(a.Version, b.Version) })
	return migrations, nil
}
