package repository

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/foxzi/wapanel/internal/db"
	"github.com/foxzi/wapanel/internal/models"
)

// setupTestDB creates a file-backed SQLite database with all migrations applied.
// A file is used instead of :memory: so that every pooled connection sees the
// same data.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.Migrate(); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	return database.DB
}

func phones(n int) []models.ResolvedRecipient {
	out := make([]models.ResolvedRecipient, n)
	for i := range out {
		out[i] = models.ResolvedRecipient{Phone: fmt.Sprintf("1555000%04d", i), Name: fmt.Sprintf("R%d", i)}
	}
	return out
}

func createCampaign(t *testing.T, repo *CampaignRepository, n int) *models.Campaign {
	t.Helper()

	c, err := repo.Create(context.Background(), &models.NewCampaign{
		Name:       "Test",
		Template:   "welcome",
		Params:     map[string]string{"1": "{{name}}"},
		Recipients: phones(n),
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return c
}
