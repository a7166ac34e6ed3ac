package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/lumenclass/marginalia/backend/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsWorkspaceCreatedAt(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&store.Workspace{}, &store.Document{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	workspaceRow := store.Workspace{
		WorkspaceID:      "ws-legacy",
		Title:            "Legacy",
		CreatedAtSeconds: 0,
	}
	if err := database.Create(&workspaceRow).Error; err != nil {
		testContext.Fatalf("failed to insert workspace: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored store.Workspace
	if err := database.Where("workspace_id = ?", workspaceRow.WorkspaceID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload workspace: %v", err)
	}
	if stored.CreatedAtSeconds == 0 {
		testContext.Fatalf("expected created_at_s backfilled")
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillWorkspaceCreatedAt).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	// Re-running the ledger is a no-op.
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected idempotent migrations: %v", err)
	}
}

func TestOpenSQLiteInitializesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "service.db")

	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"workspaces", "documents", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}

	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		testContext.Fatalf("expected error for empty database path")
	}
}
