package models

import (
	"strconv"
	"time"
)

// DateLayout is the storage format of appointment dates
const DateLayout = "2006-01-02"

// Appointment is a scheduled visit that may receive reminders
type Appointment struct {
	ID           int64     `json:"id"`
	PatientName  string    `json:"patient_name"`
	PatientPhone string    `json:"patient_phone"`
	Date         string    `json:"date"` // YYYY-MM-DD
	Time         string    `json:"time"` // HH:MM
	Doctor       string    `json:"doctor,omitempty"`
	Location     string    `json:"location,omitempty"`
	Notes        string    `json:"notes,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ReminderRef is the external reference stored on reminder recipients
func (a *Appointment) ReminderRef() string {
	return "appointment:" + strconv.FormatInt(a.ID, 10)
}

// Contact is a saved phone book entry grouped into named lists
type Contact struct {
	ID        int64     `json:"id"`
	ListName  string    `json:"list_name"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"created_at"`
}
