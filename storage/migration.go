package storage

import (
	"embed"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

type gooseLogger struct {
	s *zap.SugaredLogger
}

func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.s.Infof(strings.TrimSpace(format), v...)
}

func (l gooseLogger) Fatalf(format string, v ...interface{}) {
	l.s.Fatalf(strings.TrimSpace(format), v...)
}

// Migrate applies the embedded migrations.
func Migrate(db *sqlx.DB, logger *zap.Logger) error {
	dialect := "sqlite3"
	if !isSQLite(db.DriverName()) {
		dialect = "postgres"
	}

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{s: logger.Named("migrate").Sugar()})
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("setting migration dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}
