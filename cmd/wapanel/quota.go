package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Daily quota commands",
}

var quotaShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show today's message budget",
	RunE:  runQuotaShow,
}

func init() {
	quotaCmd.AddCommand(quotaShowCmd)
	rootCmd.AddCommand(quotaCmd)
}

func runQuotaShow(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := remoteContext()
	defer cancel()

	st, err := c.Quota(ctx)
	if err != nil {
		return err
	}

	fmt.Println("Daily Quota")
	fmt.Println("===========")
	fmt.Printf("Limit:     %d\n", st.Limit)
	fmt.Printf("Used:      %d\n", st.Used)
	fmt.Printf("Remaining: %d\n", st.Remaining)
	fmt.Printf("Window:    %s\n", st.WindowStart.Format(time.RFC3339))
	fmt.Printf("Resets at: %s (in %s)\n", st.ResetsAt.Format(time.RFC3339), time.Until(st.ResetsAt).Round(time.Minute))
	return nil
}
