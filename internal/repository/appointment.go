package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/wapanel/internal/models"
)

type AppointmentRepository struct {
	db *sql.DB
}

func NewAppointmentRepository(db *sql.DB) *AppointmentRepository {
	return &AppointmentRepository{db: db}
}

// Create inserts an appointment
func (r *AppointmentRepository) Create(ctx context.Context, a *models.Appointment) error {
	if _, err := time.Parse(models.DateLayout, a.Date); err != nil {
		return fmt.Errorf("%w: invalid appointment date %q", models.ErrValidation, a.Date)
	}
	a.CreatedAt = time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO appointments (patient_name, patient_phone, appointment_date, appointment_time, doctor, location, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.PatientName, a.PatientPhone, a.Date, a.Time, a.Doctor, a.Location, a.Notes, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create appointment: %w", err)
	}
	a.ID, err = res.LastInsertId()
	return err
}

// DueOn returns appointments on date that have no pending or sent reminder
// recipient yet. A failed reminder does not block a new attempt.
func (r *AppointmentRepository) DueOn(ctx context.Context, date string) ([]models.Appointment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT a.id, a.patient_name, a.patient_phone, a.appointment_date, a.appointment_time,
			a.doctor, a.location, a.notes, a.created_at
		FROM appointments a
		WHERE a.appointment_date = ?
		AND NOT EXISTS (
			SELECT 1 FROM campaign_recipients cr
			WHERE cr.external_ref = 'appointment:' || a.id
			AND cr.status IN ('pending', 'sent')
		)
		ORDER BY a.appointment_time, a.id`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	appointments := []models.Appointment{}
	for rows.Next() {
		var a models.Appointment
		if err := rows.Scan(&a.ID, &a.PatientName, &a.PatientPhone, &a.Date, &a.Time,
			&a.Doctor, &a.Location, &a.Notes, &a.CreatedAt); err != nil {
			return nil, err
		}
		appointments = append(appointments, a)
	}
	return appointments, rows.Err()
}
