package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var reminderLead int

var remindersCmd = &cobra.Command{
	Use:   "reminders",
	Short: "Appointment reminder commands",
}

var remindersStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Send reminders for appointments --lead days ahead",
	RunE:  runRemindersStart,
}

var remindersPreviewCmd = &cobra.Command{
	Use:   "preview",
	Short: "List appointments that would receive a reminder",
	RunE:  runRemindersPreview,
}

func init() {
	remindersCmd.PersistentFlags().IntVar(&reminderLead, "lead", 1, "Days ahead of the appointment")
	remindersCmd.AddCommand(remindersStartCmd, remindersPreviewCmd)
	rootCmd.AddCommand(remindersCmd)
}

func runRemindersStart(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := remoteContext()
	defer cancel()

	resp, err := c.StartReminders(ctx, reminderLead)
	if err != nil {
		return err
	}

	fmt.Printf("Reminder campaign %s started\n", resp.Campaign.ID)
	fmt.Printf("  Recipients: %d\n", resp.Campaign.TotalRecipients)
	if resp.Duplicates > 0 || resp.Skipped > 0 {
		fmt.Printf("  Duplicates: %d, skipped: %d\n", resp.Duplicates, resp.Skipped)
	}
	if resp.Progress != nil {
		fmt.Printf("  Sent: %d, failed: %d\n", resp.Progress.Sent, resp.Progress.Failed)
	}
	return nil
}

func runRemindersPreview(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := remoteContext()
	defer cancel()

	p, err := c.PreviewReminders(ctx, reminderLead)
	if err != nil {
		return err
	}

	fmt.Printf("Appointments on %s (template %s): %d\n\n", p.Date, p.Template, len(p.Appointments))
	if len(p.Appointments) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPATIENT\tPHONE\tTIME\tDOCTOR")
	for _, a := range p.Appointments {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", a.ID, a.PatientName, a.PatientPhone, a.Time, a.Doctor)
	}
	return w.Flush()
}
