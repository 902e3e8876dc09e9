package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/wapanel/internal/models"
)

type ContactRepository struct {
	db *sql.DB
}

func NewContactRepository(db *sql.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// Add inserts contacts into a list, skipping phones already present
func (r *ContactRepository) Add(ctx context.Context, listName string, contacts []models.Contact) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO contacts (list_name, name, phone, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (list_name, phone) DO NOTHING`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	added := 0
	for _, c := range contacts {
		res, err := stmt.ExecContext(ctx, listName, c.Name, c.Phone, now)
		if err != nil {
			return 0, fmt.Errorf("failed to add contact %s: %w", c.Phone, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}

	return added, tx.Commit()
}

// ListByName returns all contacts of a list in insertion order
func (r *ContactRepository) ListByName(ctx context.Context, listName string) ([]models.Contact, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, list_name, name, phone, created_at FROM contacts
		WHERE list_name = ? ORDER BY id`, listName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	contacts := []models.Contact{}
	for rows.Next() {
		var c models.Contact
		if err := rows.Scan(&c.ID, &c.ListName, &c.Name, &c.Phone, &c.CreatedAt); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}
