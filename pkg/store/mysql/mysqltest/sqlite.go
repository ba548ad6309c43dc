// Package mysqltest opens migrated in-memory repositories for tests.
package mysqltest

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"botfleet/pkg/store/mysql"

	"gorm.io/driver/sqlite"
)

// NewRepository returns a repository backed by a private in-memory SQLite database
func NewRepository(t testing.TB) *mysql.Repository {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", name)

	repo, err := mysql.OpenRepository(sqlite.Open(dsn))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	sqlDB, err := repo.GetDatastore().GetDB().DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// one connection keeps the shared in-memory database alive and serializes writers
	sqlDB.SetMaxOpenConns(1)

	if err := repo.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}
