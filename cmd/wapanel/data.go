package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/wapanel/internal/config"
	"github.com/foxzi/wapanel/internal/db"
	"github.com/foxzi/wapanel/internal/models"
	"github.com/foxzi/wapanel/internal/recipients"
	"github.com/foxzi/wapanel/internal/repository"
)

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "Saved contact list commands",
}

var contactsImportCmd = &cobra.Command{
	Use:   "import <list_name> <file.xlsx|file.csv>",
	Short: "Import a spreadsheet into a contact list",
	Args:  cobra.ExactArgs(2),
	RunE:  runContactsImport,
}

var appointmentsCmd = &cobra.Command{
	Use:   "appointments",
	Short: "Appointment commands",
}

var appointmentsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add an appointment eligible for reminders",
	RunE:  runAppointmentsAdd,
}

var appt models.Appointment

func init() {
	contactsCmd.AddCommand(contactsImportCmd)

	appointmentsAddCmd.Flags().StringVar(&appt.PatientName, "name", "", "Patient name")
	appointmentsAddCmd.Flags().StringVar(&appt.PatientPhone, "phone", "", "Patient phone")
	appointmentsAddCmd.Flags().StringVar(&appt.Date, "date", "", "Appointment date (YYYY-MM-DD)")
	appointmentsAddCmd.Flags().StringVar(&appt.Time, "time", "", "Appointment time (HH:MM)")
	appointmentsAddCmd.Flags().StringVar(&appt.Doctor, "doctor", "", "Doctor")
	appointmentsAddCmd.Flags().StringVar(&appt.Location, "location", "", "Location")
	appointmentsAddCmd.Flags().StringVar(&appt.Notes, "notes", "", "Notes")
	for _, f := range []string{"name", "phone", "date", "time"} {
		appointmentsAddCmd.MarkFlagRequired(f)
	}
	appointmentsCmd.AddCommand(appointmentsAddCmd)

	rootCmd.AddCommand(contactsCmd, appointmentsCmd)
}

func openDatabase() (*config.Config, *db.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, nil, err
	}
	return cfg, database, nil
}

func runContactsImport(cmd *cobra.Command, args []string) error {
	cfg, database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	f, err := os.Open(args[1])
	if err != nil {
		return err
	}
	defer f.Close()

	resolver := recipients.New(recipients.Config{
		DefaultRegion: cfg.Recipients.DefaultRegion,
		MinDigits:     cfg.Recipients.MinDigits,
	})
	res, err := resolver.FromFile(args[1], f)
	if err != nil {
		return err
	}

	contacts := make([]models.Contact, len(res.Recipients))
	for i, r := range res.Recipients {
		contacts[i] = models.Contact{Name: r.Name, Phone: r.Phone}
	}

	added, err := repository.NewContactRepository(database.DB).Add(context.Background(), args[0], contacts)
	if err != nil {
		return err
	}

	fmt.Printf("Imported %d contacts into %q\n", added, args[0])
	fmt.Printf("  Already in list: %d\n", len(contacts)-added)
	fmt.Printf("  Duplicates in file: %d\n", res.Duplicates)
	fmt.Printf("  Skipped (invalid phone): %d\n", res.Skipped)
	return nil
}

func runAppointmentsAdd(cmd *cobra.Command, args []string) error {
	if _, err := time.Parse(models.DateLayout, appt.Date); err != nil {
		return fmt.Errorf("invalid date %q, expected YYYY-MM-DD", appt.Date)
	}
	if _, err := time.Parse("15:04", appt.Time); err != nil {
		return fmt.Errorf("invalid time %q, expected HH:MM", appt.Time)
	}

	_, database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	if err := repository.NewAppointmentRepository(database.DB).Create(context.Background(), &appt); err != nil {
		return err
	}

	fmt.Printf("Appointment %d added for %s on %s %s\n", appt.ID, appt.PatientName, appt.Date, appt.Time)
	return nil
}
