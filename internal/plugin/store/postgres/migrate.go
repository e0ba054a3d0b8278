package postgres

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/vltx-lol/vltx/internal/config"
	"gorm.io/gorm"
)

//go:embed db/schema.sql
var schemaSQL string

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

type postgresMigrator struct{}

func (m *postgresMigrator) Name() string { return "postgres-schema" }

func (m *postgresMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return fmt.Errorf("postgres migration: no config in context")
	}

	conns := NewConns(cfg)
	defer conns.Close(ctx)
	db, err := conns.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("migration: failed to connect: %w", err)
	}
	return MigrateDatabase(ctx, db)
}

// MigrateDatabase applies the embedded schema. It is idempotent.
func MigrateDatabase(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	if _, err := sqlDB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migration: failed to execute schema: %w", err)
	}
	return nil
}
