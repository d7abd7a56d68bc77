package database

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationStatus はスキーマの適用状態。
type MigrationStatus struct {
	Version uint
	Dirty   bool
}

// Migrator は埋め込みSQLを使ってPostgreSQLのスキーマを管理する。
type Migrator struct {
	m *migrate.Migrate
}

// NewMigrator はMigratorを生成する。loggerがnilの場合はmigrateのログを出力しない。
func NewMigrator(databaseURL string, logger *slog.Logger) (*Migrator, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("マイグレーションソースの生成に失敗: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("マイグレーターの生成に失敗: %w", err)
	}
	if logger != nil {
		m.Log = migrateLogger{logger: logger}
	}
	return &Migrator{m: m}, nil
}

// Up は未適用のマイグレーションをすべて適用する。最新の場合はnilを返す。
func (mg *Migrator) Up() error {
	if err := mg.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("マイグレーションの適用に失敗: %w", err)
	}
	return nil
}

// Down はすべてのマイグレーションを巻き戻す。
func (mg *Migrator) Down() error {
	if err := mg.m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("マイグレーションの巻き戻しに失敗: %w", err)
	}
	return nil
}

// Status は現在のスキーマバージョンを返す。未適用の場合はVersion=0。
func (mg *Migrator) Status() (MigrationStatus, error) {
	version, dirty, err := mg.m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		return MigrationStatus{}, nil
	case err != nil:
		return MigrationStatus{}, fmt.Errorf("スキーマバージョンの取得に失敗: %w", err)
	}
	return MigrationStatus{Version: version, Dirty: dirty}, nil
}

// Close はソースとデータベースの接続を閉じる。
func (mg *Migrator) Close() error {
	srcErr, dbErr := mg.m.Close()
	return errors.Join(srcErr, dbErr)
}

// Migrate はマイグレーションを適用し、適用後の状態を返す。
func Migrate(databaseURL string, logger *slog.Logger) (MigrationStatus, error) {
	mg, err := NewMigrator(databaseURL, logger)
	if err != nil {
		return MigrationStatus{}, err
	}
	defer mg.Close()

	if err := mg.Up(); err != nil {
		return MigrationStatus{}, err
	}
	return mg.Status()
}

// migrateLogger はmigrate.Loggerをslogに接続する。
type migrateLogger struct {
	logger *slog.Logger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), slog.String("component", "migrate"))
}

func (l migrateLogger) Verbose() bool {
	return false
}
